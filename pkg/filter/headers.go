package filter

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// headers extracts the link, network and transport fields a filter needs.
// Decoding stops quietly at the first layer it cannot handle, so truncated
// captures still expose the outer headers.
type headers struct {
	parser *gopacket.DecodingLayerParser

	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload

	decoded []gopacket.LayerType

	hasEth, hasVLAN, hasIPv4, hasTCP, hasUDP bool
}

func newHeaders() *headers {
	h := &headers{}
	h.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&h.eth,
		&h.dot1q,
		&h.ip4,
		&h.tcp,
		&h.udp,
		&h.payload,
	)
	h.parser.IgnoreUnsupported = true
	return h
}

func (h *headers) decode(data []byte) {
	h.decoded = h.decoded[:0]
	h.hasEth, h.hasVLAN, h.hasIPv4, h.hasTCP, h.hasUDP = false, false, false, false, false

	// errors only mean decoding stopped early; use what was decoded
	_ = h.parser.DecodeLayers(data, &h.decoded)

	for _, t := range h.decoded {
		switch t {
		case layers.LayerTypeEthernet:
			h.hasEth = true
		case layers.LayerTypeDot1Q:
			h.hasVLAN = true
		case layers.LayerTypeIPv4:
			h.hasIPv4 = true
		case layers.LayerTypeTCP:
			h.hasTCP = true
		case layers.LayerTypeUDP:
			h.hasUDP = true
		}
	}
}

// ethType is the payload type after any VLAN tag.
func (h *headers) ethType() uint16 {
	if h.hasVLAN {
		return uint16(h.dot1q.Type)
	}
	return uint16(h.eth.EthernetType)
}

func (h *headers) vlanTCI() uint16 {
	tci := uint16(h.dot1q.Priority)<<13 | h.dot1q.VLANIdentifier
	if h.dot1q.DropEligible {
		tci |= 1 << 12
	}
	return tci
}

func (h *headers) ports() (src, dst uint16, ok bool) {
	switch {
	case h.hasTCP:
		return uint16(h.tcp.SrcPort), uint16(h.tcp.DstPort), true
	case h.hasUDP:
		return uint16(h.udp.SrcPort), uint16(h.udp.DstPort), true
	}
	return 0, 0, false
}
