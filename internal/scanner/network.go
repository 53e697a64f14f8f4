package scanner

import (
	"bytes"
	"fmt"
	"net"
)

// maxRangeHosts bounds an explicit address range.
const maxRangeHosts = 1 << 16

// HostsInRange expands two IPv4 boundary addresses into every address
// between them, inclusive. The boundaries may be given in either order.
func HostsInRange(start, end string) ([]string, error) {
	from := net.ParseIP(start).To4()
	to := net.ParseIP(end).To4()
	if from == nil || to == nil {
		return nil, fmt.Errorf("invalid IPv4 range %q - %q", start, end)
	}
	if bytes.Compare(from, to) > 0 {
		from, to = to, from
	}

	span := ipToUint(to) - ipToUint(from) + 1
	if span > maxRangeHosts {
		return nil, fmt.Errorf("range %s - %s spans %d hosts, limit is %d", from, to, span, maxRangeHosts)
	}

	hosts := make([]string, 0, span)
	ip := append(net.IP(nil), from...)
	for {
		hosts = append(hosts, ip.String())
		if ip.Equal(to) {
			break
		}
		incrementIP(ip)
	}
	return hosts, nil
}

// LocalHosts lists the host addresses of every IPv4 network attached to an
// up, non-loopback interface. Networks larger than /24 are narrowed to the
// /24 around the interface address.
func LocalHosts() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	seen := make(map[string]struct{})
	var hosts []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			for _, h := range subnetHosts(ipNet) {
				if _, dup := seen[h]; !dup {
					seen[h] = struct{}{}
					hosts = append(hosts, h)
				}
			}
		}
	}
	return hosts, nil
}

// subnetHosts lists the usable host addresses of n, excluding the interface's
// own address, the network address and the broadcast address.
func subnetHosts(n *net.IPNet) []string {
	self := n.IP.To4()
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if ones, _ := mask.Size(); ones < 24 {
		mask = net.CIDRMask(24, 32)
	}
	network := &net.IPNet{IP: self.Mask(mask), Mask: mask}

	ones, bits := mask.Size()
	if bits-ones < 2 {
		return nil
	}

	var hosts []string
	ip := append(net.IP(nil), network.IP...)
	incrementIP(ip)
	for ; network.Contains(ip); incrementIP(ip) {
		if ip.Equal(self) || isBroadcast(ip, mask) {
			continue
		}
		hosts = append(hosts, ip.String())
	}
	return hosts
}

func isBroadcast(ip net.IP, mask net.IPMask) bool {
	for i := range ip {
		if ip[i]|mask[i] != 0xff {
			return false
		}
	}
	return true
}

func ipToUint(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func (s *Scanner) isExcluded(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, subnet := range s.config.ExcludeSubnets {
		_, ipNet, err := net.ParseCIDR(subnet)
		if err != nil {
			continue
		}
		if ipNet.Contains(parsedIP) {
			return true
		}
	}

	return false
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
