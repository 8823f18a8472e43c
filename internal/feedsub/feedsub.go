// Package feedsub manages our PuSH subscriptions to remote feeds.
package feedsub

//go:generate mockgen -destination=mock_feedsub/mock_feedsub.go ostatus/internal/feedsub ConsumerCounter,FeedProcessor,HubDiscoverer,SubscriptionTransport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"ostatus/internal/activity"
	"ostatus/internal/config"
	"ostatus/internal/database"
	"ostatus/internal/discovery"
	"ostatus/internal/metrics"

	"github.com/mmcdole/gofeed"
)

// Subscription states.
const (
	StateInactive    = "inactive"
	StateSubscribe   = "subscribe"
	StateActive      = "active"
	StateUnsubscribe = "unsubscribe"
	StateNoHub       = "nohub"
)

var (
	ErrNoHubAvailable     = errors.New("feed has no hub and no fallback hub is configured")
	ErrSignatureMismatch  = errors.New("push signature mismatch")
	ErrMalformedFeed      = errors.New("pushed document is not a feed")
	ErrNoneFound          = errors.New("no subscriptions need renewal")
	ErrUnknownFeed        = errors.New("unknown feed subscription")
	ErrVerificationDenied = errors.New("verification does not match a pending request")
)

// Store persists subscriptions.
type Store interface {
	GetFeedSubByURI(ctx context.Context, uri string) (database.FeedSub, bool, error)
	GetFeedSubByID(ctx context.Context, id int64) (database.FeedSub, bool, error)
	InsertFeedSub(ctx context.Context, fs *database.FeedSub) (bool, error)
	UpdateFeedSub(ctx context.Context, fs *database.FeedSub) error
	ListFeedSubsEndedBefore(ctx context.Context, t time.Time) ([]database.FeedSub, error)
	ListFeedSubsByState(ctx context.Context, state string) ([]database.FeedSub, error)
}

// HubDiscoverer finds the hub of a feed. *discovery.FeedFinder implements it.
type HubDiscoverer interface {
	Discover(ctx context.Context, feedURL string) (discovery.FeedInfo, error)
}

// Intent is one subscribe or unsubscribe request to a hub.
type Intent struct {
	Mode     string
	Hub      string
	Topic    string
	Callback string
	Secret   string
	Username string
	Password string
}

// SubscriptionTransport delivers intents to hubs.
type SubscriptionTransport interface {
	Send(ctx context.Context, in Intent) error
}

// ConsumerCounter reports how many local features still read a feed.
type ConsumerCounter interface {
	CountConsumers(ctx context.Context, topic string) (int, error)
}

// Document is an accepted feed body.
type Document struct {
	Raw  []byte
	Feed *gofeed.Feed
}

// FeedProcessor consumes accepted documents.
type FeedProcessor interface {
	Process(ctx context.Context, topic string, doc Document) error
}

// Manager creates and drives subscriptions.
type Manager struct {
	store     Store
	discover  HubDiscoverer
	transport SubscriptionTransport
	consumers ConsumerCounter
	processor FeedProcessor
	cfg       config.Federation
	urls      activity.URLs
	logger    *log.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewManager(
	store Store,
	discover HubDiscoverer,
	transport SubscriptionTransport,
	consumers ConsumerCounter,
	processor FeedProcessor,
	cfg config.Federation,
	logger *log.Logger,
	m *metrics.Metrics,
) *Manager {
	return &Manager{
		store:     store,
		discover:  discover,
		transport: transport,
		consumers: consumers,
		processor: processor,
		cfg:       cfg,
		urls:      activity.URLs{Base: cfg.BaseURL},
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Subscription is one remote feed. Its methods write through to the store
// with a version check, so a Subscription that lost a race must be
// reloaded before it can change state again.
type Subscription struct {
	database.FeedSub
	m *Manager
}

func (m *Manager) wrap(fs database.FeedSub) *Subscription {
	return &Subscription{FeedSub: fs, m: m}
}

// Get loads a subscription by topic.
func (m *Manager) Get(ctx context.Context, topic string) (*Subscription, bool, error) {
	fs, found, err := m.store.GetFeedSubByURI(ctx, topic)
	if err != nil || !found {
		return nil, found, err
	}
	return m.wrap(fs), true, nil
}

// GetByID loads a subscription by its callback id.
func (m *Manager) GetByID(ctx context.Context, id int64) (*Subscription, bool, error) {
	fs, found, err := m.store.GetFeedSubByID(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	return m.wrap(fs), true, nil
}

// Ensure returns the subscription for feedURI, creating it after hub
// discovery if this feed has never been seen. Nothing is stored when
// discovery fails.
func (m *Manager) Ensure(ctx context.Context, feedURI string) (*Subscription, error) {
	if s, found, err := m.Get(ctx, feedURI); err != nil || found {
		return s, err
	}

	info, err := m.discover.Discover(ctx, feedURI)
	if err != nil {
		return nil, err
	}
	topic := feedURI
	if info.Topic != "" && info.Topic != feedURI {
		topic = info.Topic
		if s, found, err := m.Get(ctx, topic); err != nil || found {
			return s, err
		}
	}

	fs := database.FeedSub{URI: topic, HubURI: info.Hub, State: StateInactive}
	if info.Hub == "" && m.cfg.FallbackHub == "" {
		if !m.cfg.AllowNoHub {
			return nil, fmt.Errorf("%w: %s", ErrNoHubAvailable, topic)
		}
		fs.State = StateNoHub
	}
	created, err := m.store.InsertFeedSub(ctx, &fs)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race with another Ensure of the same feed.
		s, found, err := m.Get(ctx, topic)
		if err == nil && !found {
			err = fmt.Errorf("%w: %s vanished after insert", ErrUnknownFeed, topic)
		}
		return s, err
	}
	m.logger.Printf("Tracking feed %s (hub %q, state %s)", topic, fs.HubURI, fs.State)
	return m.wrap(fs), nil
}

// Callback is the URL the hub delivers this subscription's pushes to.
func (s *Subscription) Callback() string {
	return s.m.urls.Callback(s.ID)
}

// hub returns the hub to use and the credentials it should receive.
func (s *Subscription) hub() (hub, user, password string) {
	cfg := s.m.cfg
	switch {
	case s.HubURI != "" && s.HubURI != cfg.FallbackHub:
		return s.HubURI, "", ""
	case cfg.FallbackHub != "":
		return cfg.FallbackHub, cfg.FallbackHubUser, cfg.FallbackHubPassword
	}
	return "", "", ""
}

// update applies mutate to a copy of the row and writes it if nobody else
// changed the row in the meantime.
func (s *Subscription) update(ctx context.Context, mutate func(fs *database.FeedSub)) error {
	next := s.FeedSub
	mutate(&next)
	if err := s.m.store.UpdateFeedSub(ctx, &next); err != nil {
		return err
	}
	if next.State != s.State {
		s.m.metrics.Transition(next.State)
	}
	s.FeedSub = next
	return nil
}

// Subscribe asks the hub to start pushing this feed. It is a no-op on an
// active subscription. The subscription stays in the subscribe state until
// the hub verifies the intent.
func (s *Subscription) Subscribe(ctx context.Context) error {
	if s.State == StateActive {
		return nil
	}
	return s.subscribe(ctx)
}

// Renew re-sends the subscribe intent even when active, so the hub extends
// the lease.
func (s *Subscription) Renew(ctx context.Context) error {
	return s.subscribe(ctx)
}

func (s *Subscription) subscribe(ctx context.Context) error {
	hub, user, password := s.hub()
	if s.State == StateNoHub || hub == "" {
		return fmt.Errorf("%w: %s", ErrNoHubAvailable, s.URI)
	}
	secret, err := newSecret(s.m.cfg.SecretLength)
	if err != nil {
		return err
	}
	if err := s.update(ctx, func(fs *database.FeedSub) {
		fs.Secret = secret
		fs.State = StateSubscribe
	}); err != nil {
		return err
	}

	err = s.m.transport.Send(ctx, Intent{
		Mode:     "subscribe",
		Hub:      hub,
		Topic:    s.URI,
		Callback: s.Callback(),
		Secret:   secret,
		Username: user,
		Password: password,
	})
	if err == nil {
		s.m.logger.Printf("Subscribe request for %s accepted by %s", s.URI, hub)
		return nil
	}

	s.m.logger.Printf("Subscribe request for %s to %s failed: %v", s.URI, hub, err)
	if rerr := s.update(ctx, func(fs *database.FeedSub) {
		fs.Secret = ""
		fs.State = StateInactive
	}); rerr != nil {
		s.m.logger.Printf("Error reverting %s after failed subscribe: %v", s.URI, rerr)
	}
	return fmt.Errorf("subscribing to %s: %w", s.URI, err)
}

// StartPolling moves a feed without any usable hub to the polled state.
// It fails when hubless feeds are not allowed or a hub is available.
func (s *Subscription) StartPolling(ctx context.Context) error {
	if s.State == StateNoHub {
		return nil
	}
	if hub, _, _ := s.hub(); hub != "" || !s.m.cfg.AllowNoHub {
		return fmt.Errorf("%w: %s cannot be polled", ErrNoHubAvailable, s.URI)
	}
	return s.update(ctx, func(fs *database.FeedSub) {
		fs.State = StateNoHub
		fs.Secret = ""
	})
}

// Unsubscribe asks the hub to stop pushing this feed. Feeds without a hub
// are released locally.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if s.State == StateInactive {
		return nil
	}
	hub, user, password := s.hub()
	if s.State == StateNoHub || hub == "" {
		return s.ConfirmUnsubscribe(ctx)
	}

	prevState, prevSecret := s.State, s.Secret
	if err := s.update(ctx, func(fs *database.FeedSub) {
		fs.Secret = ""
		fs.State = StateUnsubscribe
	}); err != nil {
		return err
	}

	err := s.m.transport.Send(ctx, Intent{
		Mode:     "unsubscribe",
		Hub:      hub,
		Topic:    s.URI,
		Callback: s.Callback(),
		Username: user,
		Password: password,
	})
	if err == nil {
		s.m.logger.Printf("Unsubscribe request for %s accepted by %s", s.URI, hub)
		return nil
	}

	s.m.logger.Printf("Unsubscribe request for %s to %s failed: %v", s.URI, hub, err)
	if rerr := s.update(ctx, func(fs *database.FeedSub) {
		fs.Secret = prevSecret
		fs.State = prevState
	}); rerr != nil {
		s.m.logger.Printf("Error reverting %s after failed unsubscribe: %v", s.URI, rerr)
	}
	return fmt.Errorf("unsubscribing from %s: %w", s.URI, err)
}

// GarbageCollect unsubscribes when no local consumer reads the feed any
// more. It reports whether the subscription is released.
func (s *Subscription) GarbageCollect(ctx context.Context) (bool, error) {
	count, err := s.m.consumers.CountConsumers(ctx, s.URI)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if err := s.Unsubscribe(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ConfirmSubscribe marks the subscription active for leaseSeconds. A
// non-positive lease never expires.
func (s *Subscription) ConfirmSubscribe(ctx context.Context, leaseSeconds int) error {
	now := s.m.now()
	return s.update(ctx, func(fs *database.FeedSub) {
		fs.State = StateActive
		fs.SubStart = database.NullTimestamp(now)
		fs.SubEnd = database.NullTimestamp(time.Time{})
		if leaseSeconds > 0 {
			fs.SubEnd = database.NullTimestamp(now.Add(time.Duration(leaseSeconds) * time.Second))
		}
	})
}

// ConfirmUnsubscribe clears the secret and lease.
func (s *Subscription) ConfirmUnsubscribe(ctx context.Context) error {
	return s.update(ctx, func(fs *database.FeedSub) {
		fs.State = StateInactive
		fs.Secret = ""
		fs.SubStart = database.NullTimestamp(time.Time{})
		fs.SubEnd = database.NullTimestamp(time.Time{})
	})
}

// RenewalCheck returns subscriptions whose lease ended more than a day ago.
func (m *Manager) RenewalCheck(ctx context.Context) ([]*Subscription, error) {
	return m.EndingBefore(ctx, m.now().Add(-24*time.Hour))
}

// EndingBefore returns subscriptions whose lease ends before t.
func (m *Manager) EndingBefore(ctx context.Context, t time.Time) ([]*Subscription, error) {
	rows, err := m.store.ListFeedSubsEndedBefore(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoneFound
	}
	subs := make([]*Subscription, len(rows))
	for i, fs := range rows {
		subs[i] = m.wrap(fs)
	}
	return subs, nil
}

// Polled returns every feed that has to be polled for lack of a hub.
func (m *Manager) Polled(ctx context.Context) ([]*Subscription, error) {
	rows, err := m.store.ListFeedSubsByState(ctx, StateNoHub)
	if err != nil {
		return nil, err
	}
	subs := make([]*Subscription, len(rows))
	for i, fs := range rows {
		subs[i] = m.wrap(fs)
	}
	return subs, nil
}

func newSecret(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("error generating subscription secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
