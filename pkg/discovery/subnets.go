// Package discovery finds peers on the local subnets and keeps the mesh's
// routing view advertised.
package discovery

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/yl2chen/cidranger"
)

// fallbackSubnets are probed on every sweep in addition to the subnets of
// the local interfaces. The link-local /16 is only scanned when the node
// itself sits in it (it gets narrowed like any oversized prefix).
var fallbackSubnets = []string{
	"192.168.0.0/24",
	"192.168.1.0/24",
	"10.0.0.0/24",
	"172.16.0.0/24",
	"169.254.0.0/16",
}

// candidateSubnets enumerates the /24 networks worth probing: every /24
// containing a local interface address, then the fallback list. Prefixes
// of /16 or wider are narrowed to the /24 containing a local IP, or
// skipped when no local IP falls inside them. cidranger keeps the result
// free of duplicates and of subnets already covered.
func candidateSubnets(localIPs []net.IP) []*net.IPNet {
	ranger := cidranger.NewPCTrieRanger()
	var out []*net.IPNet

	accept := func(n *net.IPNet) {
		contains, err := ranger.Contains(n.IP)
		if err == nil && contains {
			return
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*n)); err != nil {
			logrus.Debugf("Skipping subnet %s: %v", n, err)
			return
		}
		out = append(out, n)
	}

	for _, ip := range localIPs {
		if ip = ip.To4(); ip != nil {
			accept(slash24(ip))
		}
	}
	for _, cidr := range fallbackSubnets {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ones, _ := n.Mask.Size(); ones <= 16 {
			narrowed, err := narrowToLocal(n, localIPs)
			if err != nil {
				logrus.Debugf("Skipping oversized subnet %s: %v", cidr, err)
				continue
			}
			n = narrowed
		}
		accept(n)
	}
	return out
}

// slash24 returns the /24 containing ip.
func slash24(ip net.IP) *net.IPNet {
	mask := net.CIDRMask(24, 32)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}
}

// narrowToLocal shrinks an oversized prefix to the /24 around a local IP
// inside it.
func narrowToLocal(n *net.IPNet, localIPs []net.IP) (*net.IPNet, error) {
	for _, ip := range localIPs {
		if ip = ip.To4(); ip != nil && n.Contains(ip) {
			return slash24(ip), nil
		}
	}
	return nil, errors.Errorf("no local address inside %s", n)
}

// localAddresses lists the IPv4 addresses of all up, non-loopback
// interfaces.
func localAddresses() []net.IP {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		logrus.Warn(errors.Wrap(err, "unable to enumerate interfaces"))
		return ips
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipnet.IP.To4(); ip != nil && ip.IsGlobalUnicast() {
				ips = append(ips, ip)
			}
		}
	}
	return ips
}

// hostsIn enumerates the host addresses of a /24, excluding the network
// and broadcast addresses.
func hostsIn(n *net.IPNet) []string {
	base := n.IP.To4()
	if base == nil {
		return nil
	}
	hosts := make([]string, 0, 254)
	for last := 1; last <= 254; last++ {
		hosts = append(hosts, net.IPv4(base[0], base[1], base[2], byte(last)).String())
	}
	return hosts
}
