package netutil

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrPrivateDestination is returned when an outbound connection would reach
// a private or reserved address.
var ErrPrivateDestination = errors.New("destination resolves to private/reserved address")

var privateNetworks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		nets = append(nets, network)
	}
	return nets
}()

// IsPrivateIP returns true if the IP is in a private, loopback, link-local or reserved range
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// DialControl returns a net.Dialer Control hook that refuses private and
// reserved destinations. Loopback stays reachable for local testing, and
// allowPrivate disables the check entirely.
func DialControl(allowPrivate bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, _ syscall.RawConn) error {
		if allowPrivate {
			return nil
		}
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return fmt.Errorf("%w: unresolved host %q", ErrPrivateDestination, host)
		}
		if IsPrivateIP(ip) && !ip.IsLoopback() {
			return fmt.Errorf("%w: %s", ErrPrivateDestination, ip)
		}
		return nil
	}
}
