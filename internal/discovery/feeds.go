package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"ostatus/internal/fedhttp"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"
)

// FeedInfo is what a feed document says about its own PuSH delivery.
type FeedInfo struct {
	// Topic is the feed's self link, or the fetched URL when it has none.
	Topic string
	Hub   string
}

// FeedFinder fetches a URL and reads the hub and self links of the feed it
// points at, following HTML autodiscovery once.
type FeedFinder struct {
	client *http.Client
	logger *log.Logger
}

func NewFeedFinder(client *http.Client, logger *log.Logger) *FeedFinder {
	return &FeedFinder{client: client, logger: logger}
}

// Discover returns the hub of the feed at feedURL. A feed without a hub is
// not an error; Hub is left empty.
func (f *FeedFinder) Discover(ctx context.Context, feedURL string) (FeedInfo, error) {
	return f.discover(ctx, feedURL, true)
}

func (f *FeedFinder) discover(ctx context.Context, feedURL string, followHTML bool) (FeedInfo, error) {
	body, finalURL, err := f.fetch(ctx, feedURL)
	if err != nil {
		return FeedInfo{}, err
	}

	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeAtom:
		feed, err := (&atom.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return FeedInfo{}, fmt.Errorf("%w: parsing Atom feed %s: %v", ErrDiscovery, feedURL, err)
		}
		info := FeedInfo{Topic: feedURL}
		for _, l := range feed.Links {
			switch strings.ToLower(l.Rel) {
			case RelHub:
				if info.Hub == "" {
					info.Hub = resolve(finalURL, l.Href)
				}
			case RelSelf:
				info.Topic = resolve(finalURL, l.Href)
			}
		}
		return info, nil

	case gofeed.FeedTypeRSS:
		feed, err := (&rss.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return FeedInfo{}, fmt.Errorf("%w: parsing RSS feed %s: %v", ErrDiscovery, feedURL, err)
		}
		info := FeedInfo{Topic: feedURL}
		// atom:link elements land under whatever prefix the document declared
		for _, byName := range feed.Extensions {
			for _, e := range byName["link"] {
				href := resolve(finalURL, e.Attrs["href"])
				switch strings.ToLower(e.Attrs["rel"]) {
				case RelHub:
					if info.Hub == "" {
						info.Hub = href
					}
				case RelSelf:
					info.Topic = href
				}
			}
		}
		return info, nil
	}

	if followHTML {
		for _, l := range htmlLinks(body, finalURL) {
			if strings.EqualFold(l.Rel, RelAlternate) && isFeedType(l.Type) {
				f.logger.Printf("Following feed autodiscovery from %s to %s", feedURL, l.Href)
				return f.discover(ctx, l.Href, false)
			}
		}
	}
	return FeedInfo{}, fmt.Errorf("%w: %s is not an Atom or RSS feed", ErrDiscovery, feedURL)
}

func isFeedType(t string) bool {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "application/atom+xml", "application/rss+xml":
		return true
	}
	return false
}

func (f *FeedFinder) fetch(ctx context.Context, rawURL string) ([]byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/atom+xml, application/rss+xml;q=0.9, text/html;q=0.5, */*;q=0.1")
	resp, err := fedhttp.Do(f.client, req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocument))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s: %v", ErrDiscovery, rawURL, err)
	}
	return body, resp.Request.URL, nil
}
