// Package feed handles inbound feed documents: pushed fat pings, polled
// hubless feeds and verified Salmon entries all end up in the inbox.
package feed

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"ostatus/internal/fedhttp"
	"ostatus/internal/feedsub"
)

// maxFeedBytes caps a polled document.
const maxFeedBytes = 5 << 20

// PolledSource lists the hubless subscriptions due for polling.
type PolledSource interface {
	Polled(ctx context.Context) ([]*feedsub.Subscription, error)
}

type cacheEntry struct {
	lastModified string
	etag         string
	timestamp    time.Time
}

// Poller fetches feeds that have no hub and hands new documents to their
// subscription.
type Poller struct {
	source      PolledSource
	client      *http.Client
	logger      *log.Logger
	interval    time.Duration
	concurrency int
	cache       *sync.Map
	done        chan struct{}
	wg          sync.WaitGroup
}

func NewPoller(source PolledSource, client *http.Client, interval time.Duration, concurrency int, logger *log.Logger) *Poller {
	if interval < time.Minute {
		interval = time.Minute
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Poller{
		source:      source,
		client:      client,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
		cache:       &sync.Map{},
		done:        make(chan struct{}),
	}
}

func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.updateLoop(ctx)
}

func (p *Poller) Stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *Poller) updateLoop(ctx context.Context) {
	defer p.wg.Done()
	p.logger.Printf("Starting feed poller, interval %v", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.PollAll(ctx); err != nil {
				p.logger.Printf("Scheduled poll failed: %v", err)
			}
		case <-p.done:
			p.logger.Printf("Feed poller shutting down")
			return
		case <-ctx.Done():
			return
		}
	}
}

// PollAll fetches every hubless feed once.
func (p *Poller) PollAll(ctx context.Context) error {
	subs, err := p.source.Polled(ctx)
	if err != nil {
		return fmt.Errorf("error listing polled feeds: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	p.logger.Printf("Polling %d hubless feeds", len(subs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.concurrency)
	for _, s := range subs {
		wg.Add(1)
		sem <- struct{}{}
		go func(s *feedsub.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.Poll(ctx, s); err != nil {
				p.logger.Printf("Error polling %s: %v", s.URI, err)
			}
		}(s)
	}
	wg.Wait()
	return nil
}

// Poll fetches one feed with a conditional GET. An unchanged feed is not
// processed again.
func (p *Poller) Poll(ctx context.Context, s *feedsub.Subscription) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URI, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/atom+xml, application/rss+xml;q=0.9, */*;q=0.1")

	cacheKey := s.ID
	var cond cacheEntry
	if cached, ok := p.cache.Load(cacheKey); ok {
		cond = cached.(cacheEntry)
	}
	if cond.lastModified != "" {
		req.Header.Set("If-Modified-Since", cond.lastModified)
	}
	if cond.etag != "" {
		req.Header.Set("If-None-Match", cond.etag)
	}

	resp, err := fedhttp.Do(p.client, req, http.StatusOK, http.StatusNotModified)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	lm := resp.Header.Get("Last-Modified")
	et := resp.Header.Get("ETag")
	if resp.StatusCode == http.StatusNotModified {
		// Keep the old validators unless new ones were sent.
		if lm == "" {
			lm = cond.lastModified
		}
		if et == "" {
			et = cond.etag
		}
		p.cache.Store(cacheKey, cacheEntry{lastModified: lm, etag: et, timestamp: time.Now()})
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return fmt.Errorf("error reading feed: %w", err)
	}
	if err := s.ReceivePolled(ctx, body); err != nil {
		return err
	}
	p.cache.Store(cacheKey, cacheEntry{lastModified: lm, etag: et, timestamp: time.Now()})
	return nil
}
