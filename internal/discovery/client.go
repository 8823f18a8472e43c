package discovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"ostatus/internal/fedhttp"

	"golang.org/x/time/rate"
)

// Config holds the options of a lookup Client.
type Config struct {
	RateLimit float64 // outbound discovery requests per second (default 5)
	Burst     int     // limiter burst (default 10)
	// InsecureFallback lets acct: lookups retry host-meta over plain http.
	InsecureFallback bool
	Logger           *log.Logger
}

func (cfg Config) withDefaults() Config {
	const (
		defaultRateLimit = 5
		defaultBurst     = 10
	)
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst == 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return cfg
}

// Client resolves actor identifiers into discovery Resources.
type Client struct {
	cfg       Config
	http      *http.Client
	ratelimit *rate.Limiter
}

func NewClient(httpClient *http.Client, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:       cfg,
		http:      httpClient,
		ratelimit: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}
}

// Lookup resolves id, either an acct: address or a profile URL. Host-meta
// LRDD is tried first, then WebFinger, and for URLs finally the links of
// the profile page itself.
func (c *Client) Lookup(ctx context.Context, id string) (*Resource, error) {
	id = strings.TrimSpace(id)
	host, isAcct, err := identityHost(id)
	if err != nil {
		return nil, err
	}
	if isAcct && !strings.HasPrefix(id, "acct:") {
		id = "acct:" + id
	}

	schemes := []string{"https"}
	if isAcct && c.cfg.InsecureFallback {
		schemes = append(schemes, "http")
	}
	if !isAcct {
		if u, _ := url.Parse(id); u != nil {
			schemes = []string{u.Scheme}
		}
	}

	var lastErr error
	for _, scheme := range schemes {
		r, err := c.lrdd(ctx, scheme, host, id)
		if err == nil {
			return r, nil
		}
		lastErr = err
		c.cfg.Logger.Printf("Host-meta lookup of %s over %s failed: %v", id, scheme, err)
	}

	r, err := c.webfinger(ctx, host, id)
	if err == nil {
		return r, nil
	}
	lastErr = err

	if !isAcct {
		r, err := c.profilePage(ctx, id)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: no usable discovery document for %s: %w", ErrDiscovery, id, lastErr)
}

func identityHost(id string) (host string, isAcct bool, err error) {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		u, err := url.Parse(id)
		if err != nil || u.Host == "" {
			return "", false, fmt.Errorf("%w: invalid profile URL %q", ErrDiscovery, id)
		}
		return u.Host, false, nil
	}
	addr := strings.TrimPrefix(id, "acct:")
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", false, fmt.Errorf("%w: invalid account %q", ErrDiscovery, id)
	}
	return addr[at+1:], true, nil
}

func (c *Client) lrdd(ctx context.Context, scheme, host, id string) (*Resource, error) {
	hostMeta, err := c.fetchResource(ctx, scheme+"://"+host+"/.well-known/host-meta")
	if err != nil {
		return nil, err
	}
	l, ok := hostMeta.Link(RelLRDD)
	if !ok || l.Template == "" {
		return nil, fmt.Errorf("%w: host-meta of %s has no lrdd template", ErrDiscovery, host)
	}
	return c.fetchResource(ctx, strings.ReplaceAll(l.Template, "{uri}", url.QueryEscape(id)))
}

func (c *Client) webfinger(ctx context.Context, host, id string) (*Resource, error) {
	return c.fetchResource(ctx, "https://"+host+"/.well-known/webfinger?resource="+url.QueryEscape(id))
}

func (c *Client) profilePage(ctx context.Context, profile string) (*Resource, error) {
	body, resp, err := c.get(ctx, profile, "text/html, application/xhtml+xml")
	if err != nil {
		return nil, err
	}
	base := resp.Request.URL
	r := &Resource{Subject: profile}
	r.Links = append(r.Links, headerLinks(resp.Header.Values("Link"), base)...)
	r.Links = append(r.Links, htmlLinks(body, base)...)
	if len(r.Links) == 0 {
		return nil, fmt.Errorf("%w: profile page %s advertises no links", ErrDiscovery, profile)
	}
	return r, nil
}

func (c *Client) fetchResource(ctx context.Context, rawURL string) (*Resource, error) {
	body, resp, err := c.get(ctx, rawURL, "application/xrd+xml, application/jrd+json;q=0.9, application/xml;q=0.5")
	if err != nil {
		return nil, err
	}
	return parseResource(body, resp.Header.Get("Content-Type"), resp.Request.URL)
}

func (c *Client) get(ctx context.Context, rawURL, accept string) ([]byte, *http.Response, error) {
	if err := c.ratelimit.Wait(ctx); err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	req.Header.Set("Accept", accept)
	resp, err := fedhttp.Do(c.http, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocument))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s: %v", ErrDiscovery, rawURL, err)
	}
	return body, resp, nil
}
