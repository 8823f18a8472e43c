// Package salmon sends and receives signed notifications addressed to a
// single actor.
package salmon

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"

	"ostatus/internal/activity"
	"ostatus/internal/fedhttp"
	"ostatus/internal/magicenv"
	"ostatus/internal/magicsig"
	"ostatus/internal/metrics"
	"ostatus/internal/queue"

	"github.com/golang/glog"
)

// Keys hands out the signing key of a local actor.
type Keys interface {
	ForActor(ctx context.Context, actorID string) (*magicsig.Key, error)
}

// EndpointFinder resolves the Salmon endpoint of a remote actor.
type EndpointFinder interface {
	SalmonURL(ctx context.Context, actorURI string) (string, error)
}

// Client delivers envelopes to remote Salmon endpoints.
type Client struct {
	keys    Keys
	finder  EndpointFinder
	http    *http.Client
	logger  *log.Logger
	metrics *metrics.Metrics
}

func NewClient(keys Keys, finder EndpointFinder, httpClient *http.Client, logger *log.Logger, m *metrics.Metrics) *Client {
	return &Client{keys: keys, finder: finder, http: httpClient, logger: logger, metrics: m}
}

// Post signs entry as actorID and sends it to endpoint. Peers acknowledge
// with 200, 201 or 202 depending on their software.
func (c *Client) Post(ctx context.Context, endpoint, actorID string, entry []byte) error {
	key, err := c.keys.ForActor(ctx, actorID)
	if err != nil {
		return err
	}
	env, err := magicenv.Sign(entry, activity.AtomContentType, key)
	if err != nil {
		return err
	}
	doc := env.ToXML()
	if glog.V(2) {
		glog.Infof("salmon to %s: %s", endpoint, doc)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", magicenv.ContentType)
	resp, err := fedhttp.Do(c.http, req, http.StatusOK, http.StatusCreated, http.StatusAccepted)
	if err != nil {
		c.metrics.SalmonSent(metrics.Failed)
		return err
	}
	fedhttp.Drain(resp)
	c.metrics.SalmonSent(metrics.OK)
	return nil
}

// SlapJob is the payload of an outbound salmon job. Endpoint may be empty,
// in which case it is discovered from TargetURI when the job runs.
type SlapJob struct {
	ActorID   string `json:"actor_id"`
	TargetURI string `json:"target_uri"`
	Endpoint  string `json:"endpoint,omitempty"`
	Entry     string `json:"entry"`
}

// HandleSlap is the salmon queue handler.
func (c *Client) HandleSlap(ctx context.Context, payload []byte) error {
	var job SlapJob
	if err := queue.Decode(payload, &job); err != nil {
		return err
	}
	endpoint := job.Endpoint
	if endpoint == "" {
		found, err := c.finder.SalmonURL(ctx, job.TargetURI)
		if err != nil {
			return fmt.Errorf("finding salmon endpoint of %s: %w", job.TargetURI, err)
		}
		endpoint = found
	}
	if endpoint == "" {
		c.logger.Printf("No salmon endpoint for %s, not notifying", job.TargetURI)
		return nil
	}

	err := c.Post(ctx, endpoint, job.ActorID, []byte(job.Entry))
	if err != nil {
		// A peer that refuses the envelope will refuse it again.
		if code := fedhttp.StatusCode(err); code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return queue.Permanent(err)
		}
		return err
	}
	c.logger.Printf("Sent salmon from %s to %s", job.ActorID, endpoint)
	return nil
}
