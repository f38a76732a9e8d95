package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/DPMI/libcap-utils-sub001/internal/pcapio"
	"github.com/DPMI/libcap-utils-sub001/pkg/filter"
	"github.com/DPMI/libcap-utils-sub001/pkg/stream"
)

var cap2pcapCmd = &cobra.Command{
	Use:   "cap2pcap [filter options] [flags] INPUT",
	Short: "Convert a capture stream to a pcap file",
	Long: `Write the records of INPUT accepted by the filter options to a pcap file,
or to standard output when --output is "-" or empty. Timestamps are stored
with microsecond resolution unless --nanos is given. A filter --caplen
lowers the snap length.`,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, pos, err := parseFilterArgs(cmd, args)
		if err != nil {
			return err
		}
		if wantsHelp(cmd) {
			return cmd.Help()
		}
		if len(pos) != 1 {
			return fmt.Errorf("cap2pcap needs exactly one input stream, got %d", len(pos))
		}

		rt, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		n, err := runCap2pcap(cmd.Context(), rt, f, pos[0], cap2pcapArgs, cmd.OutOrStdout())
		fmt.Fprintf(cmd.ErrOrStderr(), "%d records converted\n", n)
		return err
	},
}

var pcap2capCmd = &cobra.Command{
	Use:   "pcap2cap [flags] INPUT",
	Short: "Convert a pcap file to a capture stream",
	Long: `Read an Ethernet pcap file, or standard input when INPUT is "-", and write
every record to the stream given by --output. Records are labelled with
--label as capture interface and the configured MAMPid.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		n, err := runPcap2cap(rt, args[0], pcap2capArgs, cmd.InOrStdin())
		fmt.Fprintf(cmd.ErrOrStderr(), "%d records converted\n", n)
		return err
	},
}

// pcapOptions are the flags of cap2pcap and pcap2cap.
type pcapOptions struct {
	Output  string
	Snaplen uint32
	Nanos   bool
	Packets int
	Label   string
}

var cap2pcapArgs, pcap2capArgs pcapOptions

func init() {
	cap2pcapCmd.Flags().StringVarP(&cap2pcapArgs.Output, "output", "o", "-", "pcap file to write")
	cap2pcapCmd.Flags().Uint32Var(&cap2pcapArgs.Snaplen, "snaplen", pcapio.DefaultSnaplen, "snap length of the pcap file")
	cap2pcapCmd.Flags().BoolVar(&cap2pcapArgs.Nanos, "nanos", false, "store nanosecond timestamps")
	cap2pcapCmd.Flags().IntVarP(&cap2pcapArgs.Packets, "pkts", "p", 0, "stop after this many records (0 = all)")

	pcap2capCmd.Flags().StringVarP(&pcap2capArgs.Output, "output", "o", "", "capture stream to create (required)")
	pcap2capCmd.Flags().StringVar(&pcap2capArgs.Label, "label", "pcap", "capture interface stored in every record")
	pcap2capCmd.MarkFlagRequired("output")
}

func runCap2pcap(ctx context.Context, rt *runtime, f *filter.Filter, input string, opts pcapOptions, stdout io.Writer) (int, error) {
	in, err := stream.OpenString(input, rt.streamOptions())
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", input, err)
	}
	defer in.Close()

	out := stdout
	if opts.Output != "" && opts.Output != "-" {
		file, err := os.Create(opts.Output)
		if err != nil {
			return 0, fmt.Errorf("create %s: %w", opts.Output, err)
		}
		defer file.Close()
		out = file
	}
	bw := bufio.NewWriter(out)

	snaplen := opts.Snaplen
	if f.Caplen != filter.NoCaplen && f.Caplen > 0 {
		snaplen = min(snaplen, f.Caplen)
	}
	w, err := pcapio.NewWriter(bw, snaplen, opts.Nanos)
	if err != nil {
		return 0, err
	}
	n, err := pcapio.Export(ctx, in, w, f, opts.Packets)
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	return n, err
}

func runPcap2cap(rt *runtime, input string, opts pcapOptions, stdin io.Reader) (int, error) {
	src := stdin
	if input != "-" {
		file, err := os.Open(input)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", input, err)
		}
		defer file.Close()
		src = file
	}

	r, err := pcapio.NewReader(bufio.NewReader(src), opts.Label, rt.cfg.Stream.MAMPid)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", input, err)
	}
	out, err := stream.CreateString(opts.Output, rt.streamOptions())
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", opts.Output, err)
	}
	n, err := pcapio.Import(r, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
