package feedsub

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"ostatus/internal/database"
	"ostatus/internal/metrics"

	"github.com/golang/glog"
	"github.com/mmcdole/gofeed"
)

var signatureHashes = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// ValidateSignature checks an X-Hub-Signature header against body. With
// no secret the header must be absent.
func ValidateSignature(body []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if secret == "" {
		if header != "" {
			return fmt.Errorf("%w: signature present but none expected", ErrSignatureMismatch)
		}
		return nil
	}

	alg, sig, ok := strings.Cut(header, "=")
	newHash, known := signatureHashes[strings.ToLower(alg)]
	if !ok || !known {
		return fmt.Errorf("%w: unsupported signature header %q", ErrSignatureMismatch, alg)
	}
	mac := hmac.New(newHash, []byte(secret))
	if len(sig) != 2*mac.Size() {
		return fmt.Errorf("%w: %s signature has wrong length", ErrSignatureMismatch, alg)
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrSignatureMismatch)
	}
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Receive handles a push delivered to the callback of subscription id.
// Deliveries we cannot trust are dropped with a log line and no error, so
// the sender learns nothing; a trusted body that is not a feed is an error.
func (m *Manager) Receive(ctx context.Context, id int64, body []byte, signature string) error {
	s, found, err := m.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		m.logger.Printf("Dropping push for unknown subscription %d", id)
		m.metrics.PushReceived(metrics.Dropped)
		return nil
	}
	return s.Receive(ctx, body, signature)
}

func (s *Subscription) Receive(ctx context.Context, body []byte, signature string) error {
	if s.State != StateActive {
		s.m.logger.Printf("Dropping push for %s in state %s", s.URI, s.State)
		s.m.metrics.PushReceived(metrics.Dropped)
		return nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		s.m.logger.Printf("Dropping empty push for %s", s.URI)
		s.m.metrics.PushReceived(metrics.Dropped)
		return nil
	}
	if glog.V(2) {
		glog.Infof("push for %s signature=%q body=%s", s.URI, signature, body)
	}
	if err := ValidateSignature(body, signature, s.Secret); err != nil {
		s.m.logger.Printf("Dropping push for %s: %v", s.URI, err)
		s.m.metrics.PushReceived(metrics.Dropped)
		return nil
	}
	return s.accept(ctx, body)
}

// ReceivePolled feeds a document fetched by the poller of a hubless feed.
func (s *Subscription) ReceivePolled(ctx context.Context, body []byte) error {
	if s.State != StateNoHub {
		return fmt.Errorf("%w: %s is not polled (state %s)", ErrUnknownFeed, s.URI, s.State)
	}
	return s.accept(ctx, body)
}

func (s *Subscription) accept(ctx context.Context, body []byte) error {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		s.m.metrics.PushReceived(metrics.Failed)
		return fmt.Errorf("%w: %s: %v", ErrMalformedFeed, s.URI, err)
	}
	if err := s.m.processor.Process(ctx, s.URI, Document{Raw: body, Feed: feed}); err != nil {
		s.m.metrics.PushReceived(metrics.Failed)
		return err
	}
	s.m.metrics.PushReceived(metrics.OK)
	return s.touch(ctx)
}

// touch records the delivery time, reloading once if the row moved.
func (s *Subscription) touch(ctx context.Context) error {
	now := s.m.now()
	for attempt := 0; ; attempt++ {
		err := s.update(ctx, func(fs *database.FeedSub) {
			fs.LastUpdate = database.NullTimestamp(now)
		})
		if !errors.Is(err, database.ErrConflict) || attempt > 0 {
			return err
		}
		fresh, found, err := s.m.store.GetFeedSubByID(ctx, s.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrUnknownFeed, s.ID)
		}
		s.FeedSub = fresh
	}
}

// Verification is a hub's GET to our callback.
type Verification struct {
	Mode         string
	Topic        string
	Challenge    string
	LeaseSeconds int
}

// VerifyIntent answers a hub verification for subscription id. It confirms
// the pending transition and returns the challenge to echo, or
// ErrVerificationDenied when we never asked for this.
func (m *Manager) VerifyIntent(ctx context.Context, id int64, v Verification) (string, error) {
	s, found, err := m.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if !found || s.URI != v.Topic || v.Challenge == "" {
		return "", ErrVerificationDenied
	}
	switch v.Mode {
	case "subscribe":
		if s.State != StateSubscribe && s.State != StateActive {
			return "", ErrVerificationDenied
		}
		if err := s.ConfirmSubscribe(ctx, v.LeaseSeconds); err != nil {
			return "", err
		}
		m.logger.Printf("Subscription to %s confirmed, lease %ds", s.URI, v.LeaseSeconds)
	case "unsubscribe":
		if s.State != StateUnsubscribe {
			return "", ErrVerificationDenied
		}
		if err := s.ConfirmUnsubscribe(ctx); err != nil {
			return "", err
		}
		m.logger.Printf("Unsubscription from %s confirmed", s.URI)
	default:
		return "", ErrVerificationDenied
	}
	return v.Challenge, nil
}
