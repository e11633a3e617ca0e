package multicast

import (
	"errors"
	"net"
	"strings"
)

// ErrNoInterface is returned by LocalIP when no usable IPv4 interface exists.
var ErrNoInterface = errors.New("multicast: no usable IPv4 interface")

var virtualPrefixes = []string{"docker", "veth", "virbr", "vmnet", "tun", "tap", "br-", "vbox", "zt"}

// isVirtual reports whether an interface name looks like a bridge, tunnel or
// hypervisor adapter rather than a physical link.
func isVirtual(name string) bool {
	n := strings.ToLower(name)
	if strings.Contains(n, "pseudo") || strings.Contains(n, "virtual") {
		return true
	}
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}

func usable(ifi net.Interface) bool {
	if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
		return false
	}
	if ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagPointToPoint != 0 {
		return false
	}
	return !isVirtual(ifi.Name)
}

func ipv4Of(ifi net.Interface) net.IP {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsLinkLocalUnicast() {
			return ip4
		}
	}
	return nil
}

type iface struct {
	net.Interface
	IP net.IP
}

// interfaces lists the multicast capable, non-virtual interfaces that carry an IPv4 address.
func interfaces() ([]iface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []iface
	for _, ifi := range all {
		if !usable(ifi) {
			continue
		}
		ip := ipv4Of(ifi)
		if ip == nil {
			continue
		}
		out = append(out, iface{Interface: ifi, IP: ip})
	}
	return out, nil
}

// LocalIP returns the IPv4 address of the first usable interface.
func LocalIP() (net.IP, error) {
	ifs, err := interfaces()
	if err != nil {
		return nil, err
	}
	if len(ifs) == 0 {
		return nil, ErrNoInterface
	}
	return ifs[0].IP, nil
}
