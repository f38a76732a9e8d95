package cmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/picotime"
	"github.com/DPMI/libcap-utils-sub001/pkg/stream"
)

var capinfoCmd = &cobra.Command{
	Use:   "capinfo STREAM...",
	Short: "Show information about capture streams",
	Long: `Read each stream to its end and show its header, the captured time span,
packet and byte counts and the distribution of link and IP protocols as YAML.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		return runCapinfo(cmd.Context(), rt, args, cmd.OutOrStdout())
	},
}

// ethertypes counted by capinfo that gopacket has no name for
const (
	etherTypeSTP    = 0x0026
	etherTypeCDPVTP = 0x016e
)

// captureInfo is the capinfo report of one stream.
type captureInfo struct {
	Stream       string       `yaml:"stream"`
	Version      string       `yaml:"version"`
	MAMPid       string       `yaml:"mampid"`
	Comment      string       `yaml:"comment"`
	First        string       `yaml:"first,omitempty"`
	Last         string       `yaml:"last,omitempty"`
	Duration     string       `yaml:"duration"`
	Packets      uint64       `yaml:"packets"`
	Bytes        uint64       `yaml:"bytes"`
	Distribution distribution `yaml:"distribution"`

	first, last picotime.Time
}

type distribution struct {
	IPv4   map[string]uint64 `yaml:"ipv4,omitempty"`
	IPv6   uint64            `yaml:"ipv6,omitempty"`
	ARP    uint64            `yaml:"arp,omitempty"`
	STP    uint64            `yaml:"stp,omitempty"`
	CDPVTP uint64            `yaml:"cdpvtp,omitempty"`
	Other  uint64            `yaml:"other,omitempty"`
}

func runCapinfo(ctx context.Context, rt *runtime, inputs []string, out io.Writer) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	for _, input := range inputs {
		info, err := collectInfo(ctx, rt, input)
		if err != nil {
			return err
		}
		if err := enc.Encode(info); err != nil {
			return err
		}
	}
	return enc.Close()
}

func collectInfo(ctx context.Context, rt *runtime, input string) (*captureInfo, error) {
	s, err := stream.OpenString(input, rt.streamOptions())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", input, err)
	}
	defer s.Close()

	info := &captureInfo{
		Stream:  input,
		Version: s.Version().String(),
		MAMPid:  s.MAMPid(),
		Comment: s.Comment(),
	}
	_, err = readMatching(ctx, s, nil, 0, func(p capfile.Packet) error {
		info.add(p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", input, err)
	}

	span := info.last.Sub(info.first)
	info.Duration = (time.Duration(span.Sec)*time.Second + time.Duration(span.Psec/1000)).String()
	if info.Packets > 0 {
		info.First = info.first.Format(time.DateTime)
		info.Last = info.last.Format(time.DateTime)
	}
	return info, nil
}

func (info *captureInfo) add(p capfile.Packet) {
	info.Packets++
	if info.Packets == 1 {
		info.first = p.Header.Timestamp
	}
	info.last = p.Header.Timestamp
	info.Bytes += uint64(p.Header.Len)
	info.Distribution.add(p.Payload)
}

// add classifies a frame by its ethertype, looking through one VLAN tag.
func (d *distribution) add(frame []byte) {
	if len(frame) < 14 {
		d.Other++
		return
	}
	ethertype := layers.EthernetType(binary.BigEndian.Uint16(frame[12:14]))
	ip := frame[14:]
	if ethertype == layers.EthernetTypeDot1Q && len(frame) >= 18 {
		ethertype = layers.EthernetType(binary.BigEndian.Uint16(frame[16:18]))
		ip = frame[18:]
	}

	switch ethertype {
	case layers.EthernetTypeIPv4:
		if d.IPv4 == nil {
			d.IPv4 = make(map[string]uint64)
		}
		name := "other"
		if len(ip) >= 20 {
			name = layers.IPProtocol(ip[9]).String()
		}
		d.IPv4[name]++
	case layers.EthernetTypeIPv6:
		d.IPv6++
	case layers.EthernetTypeARP:
		d.ARP++
	case etherTypeSTP:
		d.STP++
	case etherTypeCDPVTP:
		d.CDPVTP++
	default:
		d.Other++
	}
}
