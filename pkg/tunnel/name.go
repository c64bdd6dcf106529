package tunnel

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// ifNameSize is the kernel IFNAMSIZ limit minus the trailing NUL.
const ifNameSize = 15

const ifacePrefix = "wgp-"

// InterfaceName derives the tunnel interface name for an endpoint. The same
// endpoint always maps to the same name: long region ids are truncated and
// given a stable hash suffix so distinct endpoints never collide after
// truncation.
func InterfaceName(endpointID string) string {
	id := sanitize(endpointID)
	name := ifacePrefix + id
	if len(name) <= ifNameSize {
		return name
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(endpointID))
	suffix := fmt.Sprintf("%05x", h.Sum32()&0xfffff)
	keep := ifNameSize - len(ifacePrefix) - len(suffix) - 1
	return ifacePrefix + id[:keep] + "-" + suffix
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
