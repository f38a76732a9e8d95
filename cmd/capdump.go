package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/filter"
	"github.com/DPMI/libcap-utils-sub001/pkg/stream"
)

var capdumpCmd = &cobra.Command{
	Use:   "capdump [filter options] [flags] INPUT",
	Short: "Show or copy the records of a capture stream",
	Long: `Read a capture stream and print one line per matching record, or copy the
matching records to another stream with --output.

Filter options (--ip.src, --tp.port, --frame-num, ...) may be mixed with the
flags below. Since --iface is a filter option here, select the capture
interface with -i.

Examples:
  caputils capdump trace.cap --ip.proto tcp --tp.dport 80
  caputils capdump -i eth1 eth://01:00:00:00:00:01 --output copy.cap`,
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
			return fmt.Errorf("capdump needs exactly one input stream, got %d", len(pos))
		}

		rt, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		return runCapdump(cmd.Context(), rt, f, pos[0], dumpArgs, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

// dumpOptions are the capdump flags.
type dumpOptions struct {
	Output   string
	Packets  int
	Calendar bool
	Content  bool
}

var dumpArgs dumpOptions

func init() {
	capdumpCmd.Flags().StringVarP(&dumpArgs.Output, "output", "o", "", "copy matching records to this stream")
	capdumpCmd.Flags().IntVarP(&dumpArgs.Packets, "pkts", "p", 0, "stop after this many matching records (0 = all)")
	capdumpCmd.Flags().BoolVarP(&dumpArgs.Calendar, "calendar", "d", false, "show timestamps as UTC dates")
	capdumpCmd.Flags().BoolVar(&dumpArgs.Content, "content", false, "hex dump the stored bytes")
}

func runCapdump(ctx context.Context, rt *runtime, f *filter.Filter, input string, opts dumpOptions, out, errOut io.Writer) error {
	in, err := stream.OpenString(input, rt.streamOptions())
	if err != nil {
		return fmt.Errorf("open %s: %w", input, err)
	}
	defer in.Close()

	fmt.Fprintf(errOut, "ver: %s id: %s comment: %s\n", in.Version(), in.MAMPid(), in.Comment())
	fmt.Fprintf(errOut, "filter index: %s\n", f.Index)

	var n int
	if opts.Output != "" {
		n, err = copyStream(ctx, rt, in, f, opts.Output, opts.Packets)
	} else {
		n, err = readMatching(ctx, in, f, opts.Packets, func(p capfile.Packet) error {
			return printPacket(out, in.Stats().Matched, p, opts)
		})
	}
	fmt.Fprintf(errOut, "There was a total of %d pkts that matched the filter.\n", n)
	return err
}

// copyStream writes the records of in accepted by f to a new stream that
// inherits the MAMPid and comment of in. The filter caplen is applied.
func copyStream(ctx context.Context, rt *runtime, in *stream.Stream, f *filter.Filter, output string, limit int) (int, error) {
	opts := rt.streamOptions()
	opts.MAMPid = in.MAMPid()
	opts.Comment = in.Comment()
	out, err := stream.CreateString(output, opts)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", output, err)
	}

	n, err := readMatching(ctx, in, f, limit, func(p capfile.Packet) error {
		f.ApplyCaplen(&p.Header)
		return out.Write(p.Header, p.Payload)
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func printPacket(w io.Writer, index uint64, p capfile.Packet, opts dumpOptions) error {
	h := &p.Header
	ts := fmt.Sprintf("%d.%012d", h.Timestamp.Sec, h.Timestamp.Psec)
	if opts.Calendar {
		ts = h.Timestamp.Format(time.DateTime)
	}
	_, err := fmt.Fprintf(w, "[%d]:%.4s:%.8s:%s:LINK(%d):CAPLEN(%d):%s\n",
		index, h.IfaceString(), h.MAMPidString(), ts, h.Len, h.Caplen, layerSummary(p.Payload))
	if err != nil {
		return err
	}
	if opts.Content {
		_, err = io.WriteString(w, hex.Dump(p.Payload))
	}
	return err
}

// layerSummary names the decoded layers of a frame, e.g.
// "Ethernet/IPv4/TCP/Payload".
func layerSummary(payload []byte) string {
	pkt := gopacket.NewPacket(payload, layers.LayerTypeEthernet, gopacket.NoCopy)
	var names []string
	for _, l := range pkt.Layers() {
		names = append(names, l.LayerType().String())
	}
	if len(names) == 0 {
		return "unknown"
	}
	return strings.Join(names, "/")
}
