package feed

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	securitynet "ostatus/internal/security/netutil"
)

var ErrInvalidURL = errors.New("invalid feed URL")

// ValidateFeedURL checks that a topic handed in by an operator is an
// absolute http(s) URL outside private address space. Loopback is allowed
// so local setups work.
func ValidateFeedURL(feedURL string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: must use HTTP or HTTPS", ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if allowPrivate {
		return u, nil
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if securitynet.IsPrivateIP(ip) && !ip.IsLoopback() {
			return nil, fmt.Errorf("%w: URL resolves to private/reserved address", ErrInvalidURL)
		}
		return u, nil
	}
	addrs, err := net.LookupIP(host)
	if err == nil {
		for _, a := range addrs {
			if securitynet.IsPrivateIP(a) && !a.IsLoopback() {
				return nil, fmt.Errorf("%w: URL resolves to private/reserved address", ErrInvalidURL)
			}
		}
	}
	return u, nil
}
