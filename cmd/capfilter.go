package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/DPMI/libcap-utils-sub001/pkg/filter"
	"github.com/DPMI/libcap-utils-sub001/pkg/stream"
)

var capfilterCmd = &cobra.Command{
	Use:   "capfilter [filter options] [flags] [INPUT OUTPUT]",
	Short: "Filter one capture stream into another",
	Long: `Copy the records of INPUT accepted by the filter options to OUTPUT. The
output inherits the MAMPid and comment of the input and the filter caplen
is applied to every copied record.

Without streams, or with --print, the parsed filter is shown as YAML.

Examples:
  caputils capfilter --print --ip.src 10.0.0.0/8 --tp.port 53
  caputils capfilter trace.cap dns.cap --ip.proto udp --tp.port 53`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, pos, err := parseFilterArgs(cmd, args)
		if err != nil {
			return err
		}
		if wantsHelp(cmd) {
			return cmd.Help()
		}
		if filterPrint || len(pos) == 0 {
			if err := printFilter(cmd.OutOrStdout(), f); err != nil {
				return err
			}
			if len(pos) == 0 {
				return nil
			}
		}
		if len(pos) != 2 {
			return fmt.Errorf("capfilter needs an input and an output stream, got %d arguments", len(pos))
		}

		rt, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		n, err := runCapfilter(cmd.Context(), rt, f, pos[0], pos[1])
		fmt.Fprintf(cmd.ErrOrStderr(), "%d records matched\n", n)
		return err
	},
}

var filterPrint bool

func init() {
	capfilterCmd.Flags().BoolVar(&filterPrint, "print", false, "show the parsed filter as YAML")
}

func printFilter(w io.Writer, f *filter.Filter) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f.Summary()); err != nil {
		return err
	}
	return enc.Close()
}

func runCapfilter(ctx context.Context, rt *runtime, f *filter.Filter, input, output string) (int, error) {
	in, err := stream.OpenString(input, rt.streamOptions())
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", input, err)
	}
	defer in.Close()
	return copyStream(ctx, rt, in, f, output, 0)
}
