package hubsub

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ostatus/internal/fedhttp"
	"ostatus/internal/metrics"
	"ostatus/internal/queue"

	"golang.org/x/sync/errgroup"
)

// bulkParallelism bounds concurrent pushes inside one hubout job.
const bulkParallelism = 8

// OutJob is the payload of a hubout job: one document for a set of callbacks.
type OutJob struct {
	Topic     string   `json:"topic"`
	Atom      string   `json:"atom"`
	Callbacks []string `json:"callbacks"`
	Retries   int      `json:"retries"`
}

// PublishJob announces a changed topic to an external hub.
type PublishJob struct {
	Topic string `json:"topic"`
}

// Distribute queues a push of atom to a single callback.
func (h *Hub) Distribute(ctx context.Context, topic, callback string, atom []byte) error {
	return h.BulkDistribute(ctx, topic, atom, []string{callback})
}

// BulkDistribute queues one job delivering atom to every callback.
func (h *Hub) BulkDistribute(ctx context.Context, topic string, atom []byte, callbacks []string) error {
	if len(callbacks) == 0 {
		return nil
	}
	return h.queue.Enqueue(ctx, queue.HubOut, OutJob{
		Topic:     topic,
		Atom:      string(atom),
		Callbacks: callbacks,
		Retries:   h.cfg.HubRetries,
	})
}

// HandleOut is the hubout queue handler. Each callback is delivered
// independently; failures are re-queued on their own while the retry
// budget lasts, so the job itself always completes.
func (h *Hub) HandleOut(ctx context.Context, payload []byte) error {
	var job OutJob
	if err := queue.Decode(payload, &job); err != nil {
		return err
	}
	atom := []byte(job.Atom)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkParallelism)
	for _, cb := range job.Callbacks {
		cb := cb
		g.Go(func() error {
			h.deliver(gctx, job, cb, atom)
			return nil
		})
	}
	return g.Wait()
}

func (h *Hub) deliver(ctx context.Context, job OutJob, callback string, atom []byte) {
	s, found, err := h.Load(ctx, job.Topic, callback)
	if err != nil {
		h.logger.Printf("Error loading subscriber %s: %v", callback, err)
		h.retry(ctx, job, callback)
		return
	}
	if !found {
		// Unsubscribed or expired since the job was queued.
		return
	}

	err = s.Push(ctx, atom)
	switch {
	case err == nil:
		h.metrics.PushDelivered(metrics.OK)
	case errors.Is(err, ErrAlreadyFulfilled):
		h.metrics.PushDelivered(metrics.Dropped)
	default:
		h.logger.Printf("Push of %s to %s failed: %v", job.Topic, callback, err)
		h.metrics.PushDelivered(metrics.Failed)
		h.retry(ctx, job, callback)
	}
}

func (h *Hub) retry(ctx context.Context, job OutJob, callback string) {
	if job.Retries <= 0 {
		h.logger.Printf("Giving up on push of %s to %s", job.Topic, callback)
		return
	}
	attempt := h.cfg.HubRetries - job.Retries + 1
	if attempt < 1 {
		attempt = 1
	}
	next := OutJob{Topic: job.Topic, Atom: job.Atom, Callbacks: []string{callback}, Retries: job.Retries - 1}
	at := h.now().Add(time.Duration(attempt) * time.Minute)
	if err := h.queue.EnqueueAt(ctx, queue.HubOut, next, at); err != nil {
		h.logger.Printf("Error re-queueing push to %s: %v", callback, err)
		return
	}
	h.metrics.PushDelivered(metrics.Retried)
}

// AnnounceTopic queues a publish ping to the configured external hub.
func (h *Hub) AnnounceTopic(ctx context.Context, topic string) error {
	if h.cfg.LocalPushHub == "" {
		return nil
	}
	return h.queue.Enqueue(ctx, queue.PushOut, PublishJob{Topic: topic})
}

// HandlePublish is the pushout queue handler.
func (h *Hub) HandlePublish(ctx context.Context, payload []byte) error {
	var job PublishJob
	if err := queue.Decode(payload, &job); err != nil {
		return err
	}
	if h.cfg.LocalPushHub == "" {
		return nil
	}
	form := url.Values{}
	form.Set("hub.mode", "publish")
	form.Set("hub.url", job.Topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.LocalPushHub, strings.NewReader(form.Encode()))
	if err != nil {
		return queue.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := fedhttp.Do(h.client, req)
	if err != nil {
		return err
	}
	fedhttp.Drain(resp)
	return nil
}
