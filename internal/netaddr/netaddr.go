// ABOUTME: Per-agent IPv6 address derivation from a fleet prefix
// ABOUTME: Adds the agent index to the prefix as a 128-bit integer

package netaddr

import (
	"errors"
	"fmt"
	"math/big"
	"net/netip"
	"strings"
)

// ErrOverflow is returned when prefix+index does not fit in 128 bits.
var ErrOverflow = errors.New("ipv6 address overflow")

var maxIPv6 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// ParsePrefix parses an IPv6 base address. A trailing "/len" is accepted
// and ignored, so both "2001:db8::" and "2001:db8::/64" work.
func ParsePrefix(prefix string) (netip.Addr, error) {
	base, _, _ := strings.Cut(strings.TrimSpace(prefix), "/")
	addr, err := netip.ParseAddr(base)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parsing ipv6 prefix %q: %w", prefix, err)
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, fmt.Errorf("ipv6 prefix %q is not an IPv6 address", prefix)
	}
	return addr, nil
}

// CalculateIPv6 returns prefix + index.
func CalculateIPv6(prefix string, index uint64) (string, error) {
	addr, err := ParsePrefix(prefix)
	if err != nil {
		return "", err
	}

	raw := addr.As16()
	n := new(big.Int).SetBytes(raw[:])
	n.Add(n, new(big.Int).SetUint64(index))
	if n.Cmp(maxIPv6) > 0 {
		return "", fmt.Errorf("%s + %d: %w", addr, index, ErrOverflow)
	}

	var out [16]byte
	n.FillBytes(out[:])
	return netip.AddrFrom16(out).String(), nil
}
