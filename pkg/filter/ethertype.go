package filter

import (
	"strings"

	"github.com/google/gopacket/layers"

	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
)

// symbolic ethernet types accepted by --eth.type, keyed lower case
var ethertypes = map[string]uint16{
	"loop":     0x0060,
	"pup":      0x0200,
	"pupat":    0x0201,
	"ip":       uint16(layers.EthernetTypeIPv4),
	"ipv4":     uint16(layers.EthernetTypeIPv4),
	"x25":      0x0805,
	"arp":      uint16(layers.EthernetTypeARP),
	"mp":       capfile.EthertypeMP,
	"rarp":     0x8035,
	"atalk":    0x809b,
	"aarp":     0x80f3,
	"vlan":     uint16(layers.EthernetTypeDot1Q),
	"8021q":    uint16(layers.EthernetTypeDot1Q),
	"ipx":      0x8137,
	"ipv6":     uint16(layers.EthernetTypeIPv6),
	"pause":    0x8808,
	"slow":     0x8809,
	"ppp_disc": uint16(layers.EthernetTypePPPoEDiscovery),
	"ppp_ses":  uint16(layers.EthernetTypePPPoESession),
	"mpls_uc":  uint16(layers.EthernetTypeMPLSUnicast),
	"mpls_mc":  uint16(layers.EthernetTypeMPLSMulticast),
	"pae":      uint16(layers.EthernetTypeEAPOL),
	"aoe":      0x88a2,
	"1588":     0x88f7,
	"fcoe":     0x8906,
	"loopback": uint16(layers.EthernetTypeEthernetCTP),
	"lldp":     uint16(layers.EthernetTypeLinkLayerDiscovery),
	"qinq":     uint16(layers.EthernetTypeQinQ),
	"transeth": uint16(layers.EthernetTypeTransparentEthernetBridging),
	"cdp":      uint16(layers.EthernetTypeCiscoDiscovery),
	"ndp":      uint16(layers.EthernetTypeNortelDiscovery),
}

func ethertypeByName(name string) (uint16, bool) {
	v, ok := ethertypes[strings.ToLower(name)]
	return v, ok
}

// ethertypeName returns a symbolic name for v, or "" when none is known.
func ethertypeName(v uint16) string {
	if s := layers.EthernetType(v).String(); s != "" && !strings.HasPrefix(s, "Unknown") {
		return s
	}
	for name, t := range ethertypes {
		if t == v {
			return strings.ToUpper(name)
		}
	}
	return ""
}
