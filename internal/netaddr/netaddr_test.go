// ABOUTME: Tests for IPv6 address derivation
// ABOUTME: Covers carries across groups, prefix forms and overflow

package netaddr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateIPv6(t *testing.T) {
	tests := []struct {
		prefix string
		index  uint64
		want   string
	}{
		{"2001:db8::", 0, "2001:db8::"},
		{"2001:db8::", 1, "2001:db8::1"},
		{"2001:db8::", 255, "2001:db8::ff"},
		{"2001:db8::/64", 16, "2001:db8::10"},
		{"2001:db8::ffff", 1, "2001:db8::1:0"},
		{"2001:db8:0:0:ffff:ffff:ffff:ffff", 1, "2001:db8:0:1::"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			got, err := CalculateIPv6(tt.prefix, tt.index)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateIPv6_Errors(t *testing.T) {
	_, err := CalculateIPv6("not-an-ip", 1)
	assert.Error(t, err)

	_, err = CalculateIPv6("10.0.0.1", 1)
	assert.Error(t, err)

	_, err = CalculateIPv6("ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff", 1)
	assert.ErrorIs(t, err, ErrOverflow)
}
