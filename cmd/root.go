// Package cmd implements the caputils command line tools using cobra.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	logLevel   string
	ifaceName  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "caputils",
	Short: "Tools for DPMI capture streams",
	Long: `caputils reads, writes, filters and converts capture streams in the cap
format, and speaks the MArC control protocol used by measurement points.

Streams are addressed as:
  file:///path/to/trace.cap   fifo:///path/to/pipe
  eth://01:00:00:00:00:01     udp://239.0.0.1:4711   tcp://10.0.0.1:4711
A bare path is a file and a bare MAC address is an Ethernet multicast group.`,
	Version:       "0.7.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the selected tool until it finishes or the process is
// interrupted. This is called by main.main().
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults only when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log.level (trace/debug/info/warn/error)")
	rootCmd.PersistentFlags().StringVarP(&ifaceName, "iface", "i", "",
		"network interface for Ethernet and multicast streams")

	rootCmd.AddCommand(capdumpCmd)
	rootCmd.AddCommand(capfilterCmd)
	rootCmd.AddCommand(capinfoCmd)
	rootCmd.AddCommand(cap2pcapCmd)
	rootCmd.AddCommand(pcap2capCmd)
	rootCmd.AddCommand(marcCmd)
}
