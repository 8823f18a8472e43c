package hubsub

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ostatus/internal/config"
	"ostatus/internal/database"
	"ostatus/internal/queue"

	"github.com/stretchr/testify/require"
)

const testTopic = "https://local.example/api/statuses/user_timeline/1.atom"

type queuedJob struct {
	Queue string
	Body  []byte
	At    time.Time
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, name string, v interface{}) error {
	return q.EnqueueAt(ctx, name, v, time.Time{})
}

func (q *fakeQueue) EnqueueAt(ctx context.Context, name string, v interface{}, at time.Time) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedJob{Queue: name, Body: b, At: at})
	return nil
}

// roundTripFunc lets tests answer per URL without a listener.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func respond(status int) *http.Response {
	return &http.Response{StatusCode: status, Status: http.StatusText(status), Body: io.NopCloser(strings.NewReader(""))}
}

func newTestHub(t *testing.T, client *http.Client, mutate func(*config.Federation)) (*Hub, *database.DB, *fakeQueue) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "hub.db"), database.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultFederation()
	cfg.BaseURL = "https://local.example"
	if mutate != nil {
		mutate(&cfg)
	}
	if client == nil {
		client = http.DefaultClient
	}
	q := &fakeQueue{}
	valid := func(topic string) bool { return topic == testTopic }
	return NewHub(db, q, client, client, cfg, valid, log.New(io.Discard, "", 0), nil), db, q
}

func TestSetLease(t *testing.T) {
	h, _, _ := newTestHub(t, nil, nil)
	s := h.NewSubscriber(testTopic, "https://remote.example/cb")
	tests := []struct {
		requested, want int64
	}{
		{0, 30 * 86400},
		{10, 86400},
		{15 * 86400, 15 * 86400},
		{90 * 86400, 30 * 86400},
		{-5, 86400},
	}
	for _, tt := range tests {
		s.SetLease(tt.requested)
		if s.LeaseSeconds != tt.want {
			t.Errorf("SetLease(%d) = %d, want %d", tt.requested, s.LeaseSeconds, tt.want)
		}
	}
}

func TestHandleRequestValidation(t *testing.T) {
	h, db, q := newTestHub(t, nil, nil)
	ctx := context.Background()
	valid := func() url.Values {
		return url.Values{
			"hub.mode":     {"subscribe"},
			"hub.callback": {"https://remote.example/cb?user=1"},
			"hub.topic":    {testTopic},
			"hub.verify":   {"async"},
		}
	}

	tests := []struct {
		name   string
		change func(url.Values)
		want   int
	}{
		{"accepted", func(v url.Values) {}, http.StatusAccepted},
		{"publish", func(v url.Values) { v.Set("hub.mode", "publish") }, http.StatusBadRequest},
		{"bad mode", func(v url.Values) { v.Set("hub.mode", "follow") }, http.StatusBadRequest},
		{"relative callback", func(v url.Values) { v.Set("hub.callback", "/cb") }, http.StatusBadRequest},
		{"ftp callback", func(v url.Values) { v.Set("hub.callback", "ftp://remote.example/cb") }, http.StatusBadRequest},
		{"foreign topic", func(v url.Values) { v.Set("hub.topic", "https://elsewhere/feed") }, http.StatusBadRequest},
		{"bad verify", func(v url.Values) { v.Set("hub.verify", "later") }, http.StatusBadRequest},
		{"long secret", func(v url.Values) { v.Set("hub.secret", strings.Repeat("s", 200)) }, http.StatusBadRequest},
		{"max secret", func(v url.Values) { v.Set("hub.secret", strings.Repeat("s", 199)) }, http.StatusAccepted},
		{"bad lease", func(v url.Values) { v.Set("hub.lease_seconds", "soon") }, http.StatusBadRequest},
		{"unknown unsubscribe", func(v url.Values) { v.Set("hub.mode", "unsubscribe") }, http.StatusNotFound},
	}
	accepted := 0
	for _, tt := range tests {
		form := valid()
		tt.change(form)
		got, err := h.HandleRequest(ctx, form)
		if got != tt.want {
			t.Errorf("%s: status %d (%v), want %d", tt.name, got, err, tt.want)
		}
		if tt.want == http.StatusAccepted {
			accepted++
		} else if err == nil {
			t.Errorf("%s: rejected without an error", tt.name)
		}
	}
	require.Len(t, q.jobs, accepted)
	require.Equal(t, queue.HubConfirm, q.jobs[0].Queue)
	var req Request
	require.NoError(t, json.Unmarshal(q.jobs[0].Body, &req))
	require.Equal(t, Request{Mode: "subscribe", Topic: testTopic, Callback: "https://remote.example/cb?user=1"}, req)

	// A known subscriber may unsubscribe.
	require.NoError(t, db.UpsertHubSub(ctx, database.HubSub{Topic: testTopic, Callback: "https://remote.example/cb?user=1", LeaseSeconds: 86400}))
	form := valid()
	form.Set("hub.mode", "unsubscribe")
	got, err := h.HandleRequest(ctx, form)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, got)
}

func TestVerifySubscribeAndUnsubscribe(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		io.WriteString(w, r.URL.Query().Get("hub.challenge"))
	}))
	defer srv.Close()

	h, db, _ := newTestHub(t, srv.Client(), nil)
	ctx := context.Background()
	callback := srv.URL + "/cb?user=7"

	s := h.NewSubscriber(testTopic, callback)
	s.Secret = "shh"
	s.SetLease(15 * 86400)
	require.NoError(t, s.Verify(ctx, "subscribe", "tok"))

	require.Equal(t, "7", got.Get("user"), "callback query is preserved")
	require.Equal(t, "subscribe", got.Get("hub.mode"))
	require.Equal(t, testTopic, got.Get("hub.topic"))
	require.Equal(t, "1296000", got.Get("hub.lease_seconds"))
	require.Equal(t, "tok", got.Get("hub.verify_token"))
	require.NotEmpty(t, got.Get("hub.challenge"))

	hs, found, err := db.GetHubSub(ctx, testTopic, callback)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "shh", hs.Secret)
	require.Equal(t, int64(15*86400), hs.LeaseSeconds)
	require.Equal(t, 15*24*time.Hour, hs.SubEnd.Time.Sub(hs.SubStart.Time))

	require.NoError(t, s.Verify(ctx, "unsubscribe", ""))
	require.Empty(t, got.Get("hub.lease_seconds"))
	_, found, err = db.GetHubSub(ctx, testTopic, callback)
	require.NoError(t, err)
	require.False(t, found)

	// Deleting an absent subscriber again is fine.
	require.NoError(t, s.Verify(ctx, "unsubscribe", ""))
}

func TestVerifyChallengeEcho(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, "ok")
	}))
	defer srv.Close()
	ctx := context.Background()

	h, db, _ := newTestHub(t, srv.Client(), nil)
	err := h.NewSubscriber(testTopic, srv.URL).Verify(ctx, "subscribe", "")
	require.ErrorIs(t, err, ErrVerificationFailed)
	_, found, _ := db.GetHubSub(ctx, testTopic, srv.URL)
	require.False(t, found)

	lax, db, _ := newTestHub(t, srv.Client(), func(cfg *config.Federation) { cfg.RequireChallengeEcho = false })
	require.NoError(t, lax.NewSubscriber(testTopic, srv.URL).Verify(ctx, "subscribe", ""))
	_, found, _ = db.GetHubSub(ctx, testTopic, srv.URL)
	require.True(t, found)

	status = http.StatusNotFound
	err = lax.NewSubscriber(testTopic, srv.URL).Verify(ctx, "subscribe", "")
	require.ErrorIs(t, err, ErrVerificationFailed)

	// A refused verification job is not retried.
	payload, _ := json.Marshal(Request{Mode: "subscribe", Topic: testTopic, Callback: srv.URL})
	err = lax.HandleConfirm(ctx, payload)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrVerificationFailed))
}

func TestPushSignsBody(t *testing.T) {
	var sig, ctype string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Hub-Signature")
		ctype = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	h, _, _ := newTestHub(t, srv.Client(), nil)
	s := h.NewSubscriber(testTopic, srv.URL)
	atom := []byte("<feed/>")

	require.NoError(t, s.Push(context.Background(), atom))
	require.Empty(t, sig)
	require.Equal(t, "application/atom+xml", ctype)

	s.Secret = "k"
	require.NoError(t, s.Push(context.Background(), atom))
	mac := hmac.New(sha1.New, []byte("k"))
	mac.Write(atom)
	require.Equal(t, "sha1="+hex.EncodeToString(mac.Sum(nil)), sig)
	require.Equal(t, atom, body)
}

func TestPushHTTPSFallback(t *testing.T) {
	var calls []string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls = append(calls, r.URL.String())
		if r.URL.Scheme == "http" {
			return respond(http.StatusBadGateway), nil
		}
		return respond(http.StatusOK), nil
	})}
	h, db, _ := newTestHub(t, client, nil)
	ctx := context.Background()
	legacy := "http://remote.example/cb"
	require.NoError(t, db.UpsertHubSub(ctx, database.HubSub{Topic: testTopic, Callback: legacy, LeaseSeconds: 86400}))

	s, found, err := h.Load(ctx, testTopic, legacy)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, s.Push(ctx, []byte("<feed/>")))
	require.Equal(t, []string{legacy, "https://remote.example/cb"}, calls)
	require.Equal(t, "https://remote.example/cb", s.Callback)

	_, found, _ = db.GetHubSub(ctx, testTopic, legacy)
	require.False(t, found)
	_, found, _ = db.GetHubSub(ctx, testTopic, "https://remote.example/cb")
	require.True(t, found)
}

func TestPushAlreadyFulfilled(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return respond(http.StatusInternalServerError), nil
	})}
	h, db, _ := newTestHub(t, client, nil)
	ctx := context.Background()
	for _, cb := range []string{"http://remote.example/cb", "https://remote.example/cb"} {
		require.NoError(t, db.UpsertHubSub(ctx, database.HubSub{Topic: testTopic, Callback: cb, LeaseSeconds: 86400}))
	}

	s, _, err := h.Load(ctx, testTopic, "http://remote.example/cb")
	require.NoError(t, err)
	require.ErrorIs(t, s.Push(ctx, []byte("<feed/>")), ErrAlreadyFulfilled)
	_, found, _ := db.GetHubSub(ctx, testTopic, "http://remote.example/cb")
	require.False(t, found)

	// An https callback that fails is just a failure.
	s, _, err = h.Load(ctx, testTopic, "https://remote.example/cb")
	require.NoError(t, err)
	err = s.Push(ctx, []byte("<feed/>"))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrAlreadyFulfilled))
}

func TestHandleOutRetriesFailuresIndividually(t *testing.T) {
	var mu sync.Mutex
	delivered := map[string]int{}
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		delivered[r.URL.String()]++
		mu.Unlock()
		if strings.Contains(r.URL.Path, "down") {
			return respond(http.StatusServiceUnavailable), nil
		}
		return respond(http.StatusNoContent), nil
	})}
	h, db, q := newTestHub(t, client, nil)
	ctx := context.Background()
	callbacks := []string{"https://a.example/ok", "https://b.example/down", "https://c.example/ok", "https://gone.example/cb"}
	for _, cb := range callbacks[:3] {
		require.NoError(t, db.UpsertHubSub(ctx, database.HubSub{Topic: testTopic, Callback: cb, LeaseSeconds: 86400}))
	}

	require.NoError(t, h.BulkDistribute(ctx, testTopic, []byte("<feed/>"), callbacks))
	require.Len(t, q.jobs, 1)
	require.NoError(t, h.HandleOut(ctx, q.jobs[0].Body))

	require.Equal(t, map[string]int{
		"https://a.example/ok":   1,
		"https://b.example/down": 1,
		"https://c.example/ok":   1,
	}, delivered)
	require.Len(t, q.jobs, 2)
	var retry OutJob
	require.NoError(t, json.Unmarshal(q.jobs[1].Body, &retry))
	require.Equal(t, []string{"https://b.example/down"}, retry.Callbacks)
	require.Equal(t, h.cfg.HubRetries-1, retry.Retries)
	require.True(t, q.jobs[1].At.After(time.Now()))

	// An exhausted budget is not re-queued.
	retry.Retries = 0
	payload, _ := json.Marshal(retry)
	require.NoError(t, h.HandleOut(ctx, payload))
	require.Len(t, q.jobs, 2)
}

func TestAnnounceTopic(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		form = r.PostForm
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	ctx := context.Background()

	h, _, q := newTestHub(t, srv.Client(), nil)
	require.NoError(t, h.AnnounceTopic(ctx, testTopic))
	require.Empty(t, q.jobs, "no external hub configured")

	h, _, q = newTestHub(t, srv.Client(), func(cfg *config.Federation) { cfg.LocalPushHub = srv.URL })
	require.NoError(t, h.AnnounceTopic(ctx, testTopic))
	require.Len(t, q.jobs, 1)
	require.Equal(t, queue.PushOut, q.jobs[0].Queue)
	require.NoError(t, h.HandlePublish(ctx, q.jobs[0].Body))
	require.Equal(t, "publish", form.Get("hub.mode"))
	require.Equal(t, testTopic, form.Get("hub.url"))
}

func TestExpireLeases(t *testing.T) {
	h, db, _ := newTestHub(t, nil, nil)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.UpsertHubSub(ctx, database.HubSub{
		Topic: testTopic, Callback: "https://old.example/cb", LeaseSeconds: 86400,
		SubStart: database.NullTimestamp(past.Add(-24 * time.Hour)), SubEnd: database.NullTimestamp(past),
	}))
	require.NoError(t, db.UpsertHubSub(ctx, database.HubSub{
		Topic: testTopic, Callback: "https://new.example/cb", LeaseSeconds: 86400,
		SubEnd: database.NullTimestamp(time.Now().Add(time.Hour)),
	}))

	cbs, err := h.Callbacks(ctx, testTopic)
	require.NoError(t, err)
	require.Equal(t, []string{"https://new.example/cb"}, cbs)

	n, err := h.ExpireLeases(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
