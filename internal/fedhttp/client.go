// Package fedhttp builds the HTTP clients used for all outbound federation
// traffic.
package fedhttp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"ostatus/internal/config"
	securitynet "ostatus/internal/security/netutil"
)

// maxErrorBody bounds how much of a failed response is kept for logs.
const maxErrorBody = 512

// TransportError describes a failed outbound call. StatusCode is zero when
// the request never produced a response.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the HTTP status from a TransportError chain, or 0.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// NewTransport is the shared transport: short connect timeout so a throttling
// peer cannot pin workers, and a dial hook refusing private destinations.
func NewTransport(cfg config.Federation) *http.Transport {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = 10 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   connect,
		KeepAlive: 30 * time.Second,
		Control:   securitynet.DialControl(cfg.AllowPrivateNetworks),
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		TLSHandshakeTimeout:   connect,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewClient follows up to five redirects.
func NewClient(cfg config.Federation, transport http.RoundTripper) *http.Client {
	return &http.Client{
		Timeout:   requestTimeout(cfg),
		Transport: userAgent(transport, cfg.UserAgent),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after 5 redirects")
			}
			return nil
		},
	}
}

// NewNoRedirectClient returns redirects to the caller as ordinary responses.
// Pushes use it: a redirect is not a delivery.
func NewNoRedirectClient(cfg config.Federation, transport http.RoundTripper) *http.Client {
	return &http.Client{
		Timeout:   requestTimeout(cfg),
		Transport: userAgent(transport, cfg.UserAgent),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func requestTimeout(cfg config.Federation) time.Duration {
	if cfg.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return cfg.RequestTimeout
}

type uaTransport struct {
	next http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.next.RoundTrip(req)
}

func userAgent(next http.RoundTripper, ua string) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if ua == "" {
		return next
	}
	return &uaTransport{next: next, ua: ua}
}

// Do sends req and succeeds only for the accepted status codes, or any 2xx
// when none are given. On success the caller owns the response body.
func Do(client *http.Client, req *http.Request, accepted ...int) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	if statusAccepted(resp.StatusCode, accepted) {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &TransportError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Err:        fmt.Errorf("status %s", resp.Status),
	}
}

func statusAccepted(code int, accepted []int) bool {
	if len(accepted) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range accepted {
		if c == code {
			return true
		}
	}
	return false
}

// Drain discards the rest of a response body so the connection can be reused.
func Drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
