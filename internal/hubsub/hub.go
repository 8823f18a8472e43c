// Package hubsub is the publisher side of PuSH: it keeps the subscribers of
// our own feeds, verifies their intent and delivers fat pings to them.
package hubsub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ostatus/internal/config"
	"ostatus/internal/database"
	"ostatus/internal/metrics"
	"ostatus/internal/queue"
)

var (
	ErrInvalidRequest     = errors.New("invalid hub request")
	ErrNotSubscribed      = errors.New("no such subscription")
	ErrVerificationFailed = errors.New("subscriber did not confirm intent")
	// ErrAlreadyFulfilled means a push was skipped because the same
	// subscriber is registered under its https callback as well.
	ErrAlreadyFulfilled = errors.New("push already delivered to https callback")
)

// maxSecret is the exclusive upper bound on hub.secret, in bytes.
const maxSecret = 200

// Store persists subscribers.
type Store interface {
	GetHubSub(ctx context.Context, topic, callback string) (database.HubSub, bool, error)
	UpsertHubSub(ctx context.Context, hs database.HubSub) error
	DeleteHubSub(ctx context.Context, topic, callback string) error
	ReplaceHubSubCallback(ctx context.Context, topic, oldCallback, newCallback string) error
	ListHubSubCallbacks(ctx context.Context, topic string, now time.Time) ([]string, error)
	DeleteExpiredHubSubs(ctx context.Context, now time.Time) (int64, error)
}

// Enqueuer schedules background work.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, v interface{}) error
	EnqueueAt(ctx context.Context, name string, v interface{}, at time.Time) error
}

// TopicValidator reports whether a topic is one of our feeds.
type TopicValidator func(topic string) bool

// Hub owns every subscriber of our feeds.
type Hub struct {
	store      Store
	queue      Enqueuer
	client     *http.Client
	pushClient *http.Client
	cfg        config.Federation
	validTopic TopicValidator
	logger     *log.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewHub builds a hub. pushClient must not follow redirects.
func NewHub(
	store Store,
	q Enqueuer,
	client, pushClient *http.Client,
	cfg config.Federation,
	validTopic TopicValidator,
	logger *log.Logger,
	m *metrics.Metrics,
) *Hub {
	return &Hub{
		store:      store,
		queue:      q,
		client:     client,
		pushClient: pushClient,
		cfg:        cfg,
		validTopic: validTopic,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Subscriber is one (topic, callback) pair, stored or pending verification.
type Subscriber struct {
	Topic        string
	Callback     string
	Secret       string
	LeaseSeconds int64

	hub *Hub
}

// NewSubscriber returns an unsaved subscriber with the default lease.
func (h *Hub) NewSubscriber(topic, callback string) *Subscriber {
	s := &Subscriber{Topic: topic, Callback: callback, hub: h}
	s.SetLease(0)
	return s
}

// Load returns the stored subscriber for the pair.
func (h *Hub) Load(ctx context.Context, topic, callback string) (*Subscriber, bool, error) {
	hs, found, err := h.store.GetHubSub(ctx, topic, callback)
	if err != nil || !found {
		return nil, found, err
	}
	return &Subscriber{
		Topic:        hs.Topic,
		Callback:     hs.Callback,
		Secret:       hs.Secret,
		LeaseSeconds: hs.LeaseSeconds,
		hub:          h,
	}, true, nil
}

// Callbacks lists the callbacks of topic with a running lease.
func (h *Hub) Callbacks(ctx context.Context, topic string) ([]string, error) {
	return h.store.ListHubSubCallbacks(ctx, topic, h.now())
}

// ExpireLeases drops subscribers whose lease has run out.
func (h *Hub) ExpireLeases(ctx context.Context) (int64, error) {
	n, err := h.store.DeleteExpiredHubSubs(ctx, h.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		h.logger.Printf("Expired %d hub subscriptions", n)
	}
	return n, nil
}

// SetLease clamps the requested lease to the configured bounds. Zero asks
// for the longest lease we grant.
func (s *Subscriber) SetLease(requested int64) {
	minLease := int64(s.hub.cfg.MinLease / time.Second)
	maxLease := int64(s.hub.cfg.MaxLease / time.Second)
	switch {
	case requested == 0 || requested > maxLease:
		s.LeaseSeconds = maxLease
	case requested < minLease:
		s.LeaseSeconds = minLease
	default:
		s.LeaseSeconds = requested
	}
}

// Request is a subscriber's call to our hub endpoint, after validation.
type Request struct {
	Mode         string `json:"mode"`
	Topic        string `json:"topic"`
	Callback     string `json:"callback"`
	Secret       string `json:"secret,omitempty"`
	LeaseSeconds int64  `json:"lease_seconds,omitempty"`
	VerifyToken  string `json:"verify_token,omitempty"`
}

// HandleRequest validates a hub request. Async requests are queued for
// verification and answered 202; sync-only requests are verified before
// answering 204. The returned status is meant for the HTTP response.
func (h *Hub) HandleRequest(ctx context.Context, form url.Values) (int, error) {
	req, sync, err := h.parseRequest(form)
	if err != nil {
		return http.StatusBadRequest, err
	}

	if req.Mode == "unsubscribe" {
		_, found, err := h.store.GetHubSub(ctx, req.Topic, req.Callback)
		if err != nil {
			return http.StatusInternalServerError, err
		}
		if !found {
			return http.StatusNotFound, fmt.Errorf("%w: %s for %s", ErrNotSubscribed, req.Callback, req.Topic)
		}
	}

	if sync {
		if err := h.Confirm(ctx, req); err != nil {
			return http.StatusConflict, err
		}
		return http.StatusNoContent, nil
	}
	if err := h.queue.Enqueue(ctx, queue.HubConfirm, req); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusAccepted, nil
}

func (h *Hub) parseRequest(form url.Values) (Request, bool, error) {
	var req Request
	req.Mode = form.Get("hub.mode")
	switch req.Mode {
	case "subscribe", "unsubscribe":
	case "publish":
		return req, false, fmt.Errorf("%w: publishing is done by this server, not through the hub", ErrInvalidRequest)
	default:
		return req, false, fmt.Errorf("%w: unrecognized hub.mode %q", ErrInvalidRequest, req.Mode)
	}

	req.Callback = form.Get("hub.callback")
	cb, err := url.Parse(req.Callback)
	if err != nil || (cb.Scheme != "http" && cb.Scheme != "https") || cb.Host == "" || cb.Fragment != "" {
		return req, false, fmt.Errorf("%w: invalid hub.callback %q", ErrInvalidRequest, req.Callback)
	}

	req.Topic = form.Get("hub.topic")
	if h.validTopic != nil && !h.validTopic(req.Topic) {
		return req, false, fmt.Errorf("%w: unsupported hub.topic %q", ErrInvalidRequest, req.Topic)
	}

	sync := false
	if modes, ok := form["hub.verify"]; ok {
		var hasAsync, hasSync bool
		for _, v := range modes {
			for _, m := range strings.Split(v, ",") {
				switch strings.TrimSpace(m) {
				case "async":
					hasAsync = true
				case "sync":
					hasSync = true
				}
			}
		}
		if !hasAsync && !hasSync {
			return req, false, fmt.Errorf("%w: hub.verify must be sync or async", ErrInvalidRequest)
		}
		sync = hasSync && !hasAsync
	}

	req.Secret = form.Get("hub.secret")
	if len(req.Secret) >= maxSecret {
		return req, false, fmt.Errorf("%w: hub.secret must be shorter than %d bytes", ErrInvalidRequest, maxSecret)
	}

	if lease := form.Get("hub.lease_seconds"); lease != "" {
		n, err := strconv.ParseInt(lease, 10, 64)
		if err != nil || n < 0 {
			return req, false, fmt.Errorf("%w: invalid hub.lease_seconds %q", ErrInvalidRequest, lease)
		}
		req.LeaseSeconds = n
	}
	req.VerifyToken = form.Get("hub.verify_token")
	return req, sync, nil
}

// Confirm verifies a validated request with the subscriber and applies it.
func (h *Hub) Confirm(ctx context.Context, req Request) error {
	s := h.NewSubscriber(req.Topic, req.Callback)
	s.Secret = req.Secret
	s.SetLease(req.LeaseSeconds)
	err := s.Verify(ctx, req.Mode, req.VerifyToken)
	if err != nil {
		h.metrics.Verification(req.Mode, metrics.Failed)
		return err
	}
	h.metrics.Verification(req.Mode, metrics.OK)
	return nil
}

// HandleConfirm is the hubconf queue handler. A subscriber that answered
// but refused is not asked again.
func (h *Hub) HandleConfirm(ctx context.Context, payload []byte) error {
	var req Request
	if err := queue.Decode(payload, &req); err != nil {
		return err
	}
	err := h.Confirm(ctx, req)
	if errors.Is(err, ErrVerificationFailed) {
		h.logger.Printf("Verification of %s for %s refused: %v", req.Callback, req.Topic, err)
		return queue.Permanent(err)
	}
	return err
}
