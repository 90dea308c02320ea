package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nets(list []*net.IPNet) []string {
	var out []string
	for _, n := range list {
		out = append(out, n.String())
	}
	return out
}

func TestCandidateSubnetsFromLocalAddress(t *testing.T) {
	got := nets(candidateSubnets([]net.IP{net.ParseIP("10.1.2.3")}))

	assert.Contains(t, got, "10.1.2.0/24", "the /24 around a local address is scanned")
	assert.Contains(t, got, "192.168.0.0/24")
	assert.Contains(t, got, "192.168.1.0/24")
	assert.Contains(t, got, "10.0.0.0/24")
	assert.Contains(t, got, "172.16.0.0/24")
	assert.NotContains(t, got, "169.254.0.0/16", "oversized prefixes are never scanned whole")
}

func TestCandidateSubnetsNarrowsLinkLocal(t *testing.T) {
	got := nets(candidateSubnets([]net.IP{net.ParseIP("169.254.7.9")}))
	assert.Contains(t, got, "169.254.7.0/24", "a /16 is narrowed to the local /24")
}

func TestCandidateSubnetsDedupes(t *testing.T) {
	got := nets(candidateSubnets([]net.IP{
		net.ParseIP("192.168.1.10"),
		net.ParseIP("192.168.1.77"),
	}))

	seen := map[string]int{}
	for _, s := range got {
		seen[s]++
	}
	assert.Equal(t, 1, seen["192.168.1.0/24"], "overlapping candidates collapse to one subnet")
}

func TestCandidateSubnetsNoLocals(t *testing.T) {
	got := nets(candidateSubnets(nil))
	// Only the /24 fallbacks survive; the link-local /16 has no local
	// address to narrow around.
	assert.ElementsMatch(t, []string{
		"192.168.0.0/24", "192.168.1.0/24", "10.0.0.0/24", "172.16.0.0/24",
	}, got)
}

func TestHostsIn(t *testing.T) {
	_, n, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)
	hosts := hostsIn(n)
	assert.Len(t, hosts, 254)
	assert.Equal(t, "192.168.1.1", hosts[0])
	assert.Equal(t, "192.168.1.254", hosts[253])
	assert.NotContains(t, hosts, "192.168.1.0")
	assert.NotContains(t, hosts, "192.168.1.255")
}
