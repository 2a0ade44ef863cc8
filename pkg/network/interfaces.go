// Package network provides IPv4 interface enumeration for discovery.
package network

import (
	"errors"
	"fmt"
	"net"
)

// MulticastInterface pairs an interface with its IPv4 address, as needed by
// the multicast discoverer to join the group and rotate the outgoing
// interface.
type MulticastInterface struct {
	Interface net.Interface
	IP        net.IP
}

// GetLocalIP returns the primary non-loopback IPv4 address of the machine.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", errors.New("no suitable local IP address found")
}

// GetLocalIPAddresses returns the IPv4 addresses of all up, non-loopback
// interfaces.
func GetLocalIPAddresses() ([]net.IP, error) {
	var ips []net.IP
	for _, mi := range multicastCandidates(false) {
		ips = append(ips, mi.IP)
	}
	if len(ips) == 0 {
		return nil, errors.New("no non-loopback IPv4 addresses found")
	}
	return ips, nil
}

// GetMulticastInterfaces returns every up, non-loopback, multicast-capable
// interface together with its IPv4 address.
func GetMulticastInterfaces() ([]MulticastInterface, error) {
	mis := multicastCandidates(true)
	if len(mis) == 0 {
		return nil, errors.New("no multicast-capable IPv4 interfaces found")
	}
	return mis, nil
}

func multicastCandidates(requireMulticast bool) []MulticastInterface {
	var out []MulticastInterface
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for _, iface := range ifaces {
		if (iface.Flags&net.FlagUp) == 0 || (iface.Flags&net.FlagLoopback) != 0 {
			continue
		}
		if requireMulticast && (iface.Flags&net.FlagMulticast) == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip := ipnet.IP.To4(); ip != nil {
					out = append(out, MulticastInterface{Interface: iface, IP: ip})
				}
			}
		}
	}
	return out
}

// SubnetCandidates derives the /24 of local and returns every host address
// 1..254 in it, excluding local itself. A non-IPv4 input yields nil.
func SubnetCandidates(local net.IP) []net.IP {
	ip4 := local.To4()
	if ip4 == nil {
		return nil
	}

	candidates := make([]net.IP, 0, 253)
	for host := 1; host <= 254; host++ {
		if int(ip4[3]) == host {
			continue
		}
		candidates = append(candidates, net.IPv4(ip4[0], ip4[1], ip4[2], byte(host)))
	}
	return candidates
}

// FormatAddress formats an IP address and port into a base URL.
func FormatAddress(ip string, port int, protocol string) string {
	return fmt.Sprintf("%s://%s:%d", protocol, ip, port)
}
