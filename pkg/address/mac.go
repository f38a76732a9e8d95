package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

// ParseMAC parses a 48-bit hardware address written with colons, dashes or
// as twelve bare hex digits. Groups may have a single digit and one "::"
// stands for as many zero groups as needed.
func ParseMAC(s string) (net.HardwareAddr, error) {
	norm := strings.ReplaceAll(s, "-", ":")

	var groups []string
	switch {
	case !strings.Contains(norm, ":") && len(norm) == 12:
		for i := 0; i < 12; i += 2 {
			groups = append(groups, norm[i:i+2])
		}
	case strings.Contains(norm, "::"):
		left, right, _ := strings.Cut(norm, "::")
		if strings.Contains(right, "::") {
			return nil, macError(s)
		}
		lg, rg := splitGroups(left), splitGroups(right)
		missing := 6 - len(lg) - len(rg)
		if missing < 1 {
			return nil, macError(s)
		}
		groups = append(groups, lg...)
		for i := 0; i < missing; i++ {
			groups = append(groups, "0")
		}
		groups = append(groups, rg...)
	default:
		groups = strings.Split(norm, ":")
	}

	if len(groups) != 6 {
		return nil, macError(s)
	}
	mac := make(net.HardwareAddr, 6)
	for i, g := range groups {
		if len(g) < 1 || len(g) > 2 {
			return nil, macError(s)
		}
		v, err := strconv.ParseUint(g, 16, 8)
		if err != nil {
			return nil, macError(s)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ":")
}

func macError(s string) error {
	return fmt.Errorf("%w: invalid hardware address %q", caperr.ErrParse, s)
}
