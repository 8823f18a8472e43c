package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"ostatus/internal/activity"
	"ostatus/internal/config"
	"ostatus/internal/database"
	"ostatus/internal/discovery"
	"ostatus/internal/feedsub"
	"ostatus/internal/salmon"
)

const sampleAtom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:activity="http://activitystrea.ms/spec/1.0/">
	<title>bob</title>
	<id>https://remote.example/bob.atom</id>
	<updated>2024-01-02T11:00:00Z</updated>
	<author><name>bob</name><uri>https://remote.example/bob</uri></author>
	<entry>
		<title>first</title>
		<id>tag:remote.example,2024:1</id>
		<updated>2024-01-01T10:00:00Z</updated>
		<content>hello</content>
	</entry>
	<entry>
		<title>shared</title>
		<id>tag:remote.example,2024:2</id>
		<updated>2024-01-02T10:00:00Z</updated>
		<activity:verb>http://activitystrea.ms/schema/1.0/share</activity:verb>
		<activity:actor><uri>https://remote.example/carol</uri></activity:actor>
		<author><name>carol</name><uri>https://remote.example/carol</uri></author>
	</entry>
</feed>`

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>Sample RSS Feed</title>
	<link>http://example.com/rss</link>
	<item>
		<title>RSS Entry 1</title>
		<link>http://example.com/rss/entry1</link>
		<guid>http://example.com/rss/entry1</guid>
	</item>
	<item>
		<title>No id at all</title>
	</item>
</channel>
</rss>`

type staticDiscoverer struct{}

func (staticDiscoverer) Discover(ctx context.Context, feedURL string) (discovery.FeedInfo, error) {
	return discovery.FeedInfo{Topic: feedURL}, nil
}

type testEnv struct {
	db      *database.DB
	inbox   *Inbox
	manager *feedsub.Manager
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "feed.db"), database.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := log.New(io.Discard, "", 0)
	cfg := config.DefaultFederation()
	cfg.AllowNoHub = true
	inbox := NewInbox(db, logger)
	return &testEnv{
		db:      db,
		inbox:   inbox,
		manager: feedsub.NewManager(db, staticDiscoverer{}, nil, nil, inbox, cfg, logger, nil),
	}
}

func (env *testEnv) entries(t *testing.T) map[string]database.InboxEntry {
	t.Helper()
	rows, err := env.db.RecentInboxEntries(context.Background(), 100)
	if err != nil {
		t.Fatalf("Failed to list inbox: %v", err)
	}
	out := make(map[string]database.InboxEntry)
	for _, e := range rows {
		out[e.EntryURI] = e
	}
	return out
}

func TestPollerConditionalGet(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	hits, notModified := 0, 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, sampleAtom)
	}))
	defer server.Close()

	s, err := env.manager.Ensure(ctx, server.URL)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if s.State != feedsub.StateNoHub {
		t.Fatalf("Expected nohub state, got %s", s.State)
	}

	p := NewPoller(env.manager, server.Client(), 0, 2, log.New(io.Discard, "", 0))
	if err := p.PollAll(ctx); err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if err := p.PollAll(ctx); err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if hits != 2 || notModified != 1 {
		t.Errorf("Expected one full and one conditional fetch, got %d hits, %d not modified", hits, notModified)
	}

	got := env.entries(t)
	if len(got) != 2 {
		t.Fatalf("Expected 2 inbox entries, got %d", len(got))
	}
	first := got["tag:remote.example,2024:1"]
	if first.ActorURI != "https://remote.example/bob" || first.Verb != activity.VerbPost || first.Source != server.URL {
		t.Errorf("Unexpected first entry: %+v", first)
	}
	shared := got["tag:remote.example,2024:2"]
	if shared.ActorURI != "https://remote.example/carol" || shared.Verb != "http://activitystrea.ms/schema/1.0/share" {
		t.Errorf("Unexpected shared entry: %+v", shared)
	}

	// Polling marks the feed as updated.
	fresh, _, err := env.manager.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh.LastUpdate.Valid {
		t.Error("Expected last update to be recorded")
	}
}

func TestPollerErrors(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	status := http.StatusInternalServerError
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		fmt.Fprint(w, "this is not a feed")
	}))
	defer server.Close()

	s, err := env.manager.Ensure(ctx, server.URL)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	p := NewPoller(env.manager, server.Client(), 0, 1, log.New(io.Discard, "", 0))
	if err := p.Poll(ctx, s); err == nil {
		t.Error("Expected an error for HTTP 500")
	}
	status = http.StatusOK
	if err := p.Poll(ctx, s); !errors.Is(err, feedsub.ErrMalformedFeed) {
		t.Errorf("Expected ErrMalformedFeed, got %v", err)
	}
}

func TestProcessRSS(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleRSS)
	}))
	defer server.Close()

	s, err := env.manager.Ensure(ctx, server.URL)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := s.ReceivePolled(ctx, []byte(sampleRSS)); err != nil {
		t.Fatalf("ReceivePolled: %v", err)
	}
	got := env.entries(t)
	if len(got) != 1 {
		t.Fatalf("Expected only the item with an id to be stored, got %d", len(got))
	}
	e := got["http://example.com/rss/entry1"]
	var item map[string]interface{}
	if err := json.Unmarshal([]byte(e.Payload), &item); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if item["title"] != "RSS Entry 1" {
		t.Errorf("Unexpected payload %s", e.Payload)
	}
}

func TestHandleActivityIgnoresRepeats(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	entry := &activity.Entry{
		ID:     "tag:remote.example,2024:9",
		Verb:   activity.VerbPost,
		Author: activity.Person{URI: "https://remote.example/bob"},
	}
	target := salmon.Target{Kind: "user", ID: "1"}
	for i := 0; i < 2; i++ {
		if err := env.inbox.HandleActivity(ctx, target, entry, []byte("<entry/>")); err != nil {
			t.Fatalf("HandleActivity: %v", err)
		}
	}
	got := env.entries(t)
	if len(got) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(got))
	}
	e := got[entry.ID]
	if e.Source != "salmon:user:1" || e.ActorURI != "https://remote.example/bob" {
		t.Errorf("Unexpected entry %+v", e)
	}
}

type recordingReceiver struct {
	id   int64
	body string
	sig  string
}

func (r *recordingReceiver) Receive(ctx context.Context, id int64, body []byte, signature string) error {
	r.id, r.body, r.sig = id, string(body), signature
	return nil
}

func TestPushHandler(t *testing.T) {
	r := &recordingReceiver{}
	payload, _ := json.Marshal(PushJob{SubscriptionID: 7, Body: sampleAtom, Signature: "sha1=abc"})
	if err := PushHandler(r)(context.Background(), payload); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if r.id != 7 || r.body != sampleAtom || r.sig != "sha1=abc" {
		t.Errorf("Unexpected delivery %+v", r)
	}
}

func TestValidateFeedURL(t *testing.T) {
	tests := []struct {
		url          string
		allowPrivate bool
		ok           bool
	}{
		{"https://example.com/feed.atom", false, true},
		{"http://127.0.0.1:8080/feed", false, true},
		{"ftp://example.com/feed", false, false},
		{"/relative/feed", false, false},
		{"http://10.0.0.1/feed", false, false},
		{"http://10.0.0.1/feed", true, true},
		{"http://[::1", false, false},
	}
	for _, tt := range tests {
		_, err := ValidateFeedURL(tt.url, tt.allowPrivate)
		if tt.ok && err != nil {
			t.Errorf("ValidateFeedURL(%q): unexpected error %v", tt.url, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ValidateFeedURL(%q): expected ErrInvalidURL, got %v", tt.url, err)
		}
	}
}
