package hubsub

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ostatus/internal/activity"
	"ostatus/internal/database"
	"ostatus/internal/fedhttp"

	"github.com/golang/glog"
)

// Verify asks the subscriber to confirm mode for this pair by echoing a
// random challenge. A confirmed subscribe stores the subscriber with a
// fresh lease; a confirmed unsubscribe deletes it.
func (s *Subscriber) Verify(ctx context.Context, mode, token string) error {
	h := s.hub
	challenge, err := randomHex(16)
	if err != nil {
		return err
	}

	target, err := url.Parse(s.Callback)
	if err != nil {
		return fmt.Errorf("%w: bad callback: %v", ErrVerificationFailed, err)
	}
	query := target.Query()
	query.Set("hub.mode", mode)
	query.Set("hub.topic", s.Topic)
	query.Set("hub.challenge", challenge)
	if mode == "subscribe" {
		query.Set("hub.lease_seconds", strconv.FormatInt(s.LeaseSeconds, 10))
	}
	if token != "" {
		query.Set("hub.verify_token", token)
	}
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := fedhttp.Do(h.client, req)
	if err != nil {
		if code := fedhttp.StatusCode(err); code >= 400 && code < 500 {
			return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	if err != nil {
		return err
	}
	if h.cfg.RequireChallengeEcho && strings.TrimSpace(string(body)) != challenge {
		return fmt.Errorf("%w: %s did not echo the challenge", ErrVerificationFailed, s.Callback)
	}

	switch mode {
	case "subscribe":
		now := h.now()
		err = h.store.UpsertHubSub(ctx, database.HubSub{
			Topic:        s.Topic,
			Callback:     s.Callback,
			Secret:       s.Secret,
			LeaseSeconds: s.LeaseSeconds,
			SubStart:     database.NullTimestamp(now),
			SubEnd:       database.NullTimestamp(now.Add(time.Duration(s.LeaseSeconds) * time.Second)),
		})
	case "unsubscribe":
		err = h.store.DeleteHubSub(ctx, s.Topic, s.Callback)
	default:
		err = fmt.Errorf("%w: mode %q", ErrInvalidRequest, mode)
	}
	if err != nil {
		return err
	}
	h.logger.Printf("Verified %s of %s to %s", mode, s.Callback, s.Topic)
	return nil
}

// Push delivers an Atom document to the subscriber. A failed http callback
// gets one retry over https; if that works the stored callback is moved to
// https for good.
func (s *Subscriber) Push(ctx context.Context, atom []byte) error {
	err := s.post(ctx, s.Callback, atom)
	if err == nil {
		return nil
	}
	rest, isHTTP := strings.CutPrefix(s.Callback, "http://")
	if !isHTTP {
		return err
	}
	secure := "https://" + rest

	h := s.hub
	_, found, lerr := h.store.GetHubSub(ctx, s.Topic, secure)
	if lerr != nil {
		return lerr
	}
	if found {
		h.logger.Printf("Dropping legacy subscriber %s, already subscribed as %s", s.Callback, secure)
		if derr := h.store.DeleteHubSub(ctx, s.Topic, s.Callback); derr != nil {
			return derr
		}
		return ErrAlreadyFulfilled
	}

	if serr := s.post(ctx, secure, atom); serr != nil {
		return err
	}
	if rerr := h.store.ReplaceHubSubCallback(ctx, s.Topic, s.Callback, secure); rerr != nil && !errors.Is(rerr, database.ErrNotFound) {
		return rerr
	}
	h.logger.Printf("Moved subscriber %s to %s after successful https push", s.Callback, secure)
	s.Callback = secure
	return nil
}

func (s *Subscriber) post(ctx context.Context, callback string, atom []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, bytes.NewReader(atom))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", activity.AtomContentType)
	if s.Secret != "" {
		mac := hmac.New(sha1.New, []byte(s.Secret))
		mac.Write(atom)
		req.Header.Set("X-Hub-Signature", "sha1="+hex.EncodeToString(mac.Sum(nil)))
	}
	if glog.V(2) {
		glog.Infof("push to %s: %s", callback, atom)
	}
	resp, err := fedhttp.Do(s.hub.pushClient, req)
	if err != nil {
		return err
	}
	fedhttp.Drain(resp)
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
