package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB opens a file-backed database so every pooled connection sees
// the same schema.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create database via NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		db, err := NewDB(path, DefaultConfig())
		if err != nil {
			t.Fatalf("NewDB run %d: %v", i, err)
		}
		db.Close()
	}
}

func TestFeedSubOptimisticUpdate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	fs := FeedSub{URI: "http://remote.example/feed", HubURI: "http://hub.example/", State: "inactive"}
	created, err := db.InsertFeedSub(ctx, &fs)
	if err != nil || !created {
		t.Fatalf("InsertFeedSub = %v, %v", created, err)
	}

	dup := FeedSub{URI: fs.URI, State: "inactive"}
	created, err = db.InsertFeedSub(ctx, &dup)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if created {
		t.Fatal("duplicate URI created a second row")
	}

	first, found, err := db.GetFeedSubByURI(ctx, fs.URI)
	if err != nil || !found {
		t.Fatalf("GetFeedSubByURI = %v, %v", found, err)
	}
	second := first

	first.State = "subscribe"
	first.Secret = "s3cret"
	if err := db.UpdateFeedSub(ctx, &first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Version = %d, want 2", first.Version)
	}

	second.State = "active"
	if err := db.UpdateFeedSub(ctx, &second); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}

	stored, _, err := db.GetFeedSubByID(ctx, fs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != "subscribe" || stored.Secret != "s3cret" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestFeedSubMissingIsNotAnError(t *testing.T) {
	db := setupTestDB(t)
	_, found, err := db.GetFeedSubByURI(context.Background(), "http://nowhere.example/feed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("found a row that was never inserted")
	}
}

func TestListFeedSubsEndedBefore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	rows := []struct {
		uri string
		end time.Time
	}{
		{"http://a.example/feed", now.Add(-72 * time.Hour)},
		{"http://b.example/feed", now.Add(-time.Hour)},
		{"http://c.example/feed", time.Time{}},
	}
	for _, r := range rows {
		fs := FeedSub{URI: r.uri, State: "active", SubEnd: NullTimestamp(r.end)}
		if _, err := db.InsertFeedSub(ctx, &fs); err != nil {
			t.Fatal(err)
		}
	}

	subs, err := db.ListFeedSubsEndedBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].URI != "http://a.example/feed" {
		t.Fatalf("got %+v, want only a.example", subs)
	}
}

func TestHubSubLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	topic := "http://local.example/api/statuses/user_timeline/1.atom"

	live := HubSub{Topic: topic, Callback: "http://sub.example/cb", Secret: "x", LeaseSeconds: 86400,
		SubStart: NullTimestamp(now), SubEnd: NullTimestamp(now.Add(24 * time.Hour))}
	expired := HubSub{Topic: topic, Callback: "http://old.example/cb", LeaseSeconds: 86400,
		SubStart: NullTimestamp(now.Add(-48 * time.Hour)), SubEnd: NullTimestamp(now.Add(-24 * time.Hour))}
	for _, hs := range []HubSub{live, expired} {
		if err := db.UpsertHubSub(ctx, hs); err != nil {
			t.Fatal(err)
		}
	}

	callbacks, err := db.ListHubSubCallbacks(ctx, topic, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(callbacks) != 1 || callbacks[0] != live.Callback {
		t.Fatalf("callbacks = %v", callbacks)
	}

	if err := db.ReplaceHubSubCallback(ctx, topic, live.Callback, "https://sub.example/cb"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := db.GetHubSub(ctx, topic, live.Callback); found {
		t.Error("old callback still stored")
	}
	moved, found, err := db.GetHubSub(ctx, topic, "https://sub.example/cb")
	if err != nil || !found || moved.Secret != "x" {
		t.Fatalf("moved = %+v, %v, %v", moved, found, err)
	}

	n, err := db.DeleteExpiredHubSubs(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpiredHubSubs = %d, %v", n, err)
	}
	if err := db.DeleteHubSub(ctx, topic, "http://never.example/cb"); err != nil {
		t.Errorf("deleting absent pair: %v", err)
	}
}

func TestJobClaimRetryFail(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"01A", "01B"} {
		if err := db.InsertJob(ctx, Job{ID: id, Queue: "hubout", Payload: []byte(`{}`), AvailableAt: now.Add(-time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.InsertJob(ctx, Job{ID: "01C", Queue: "hubout", Payload: []byte(`{}`), AvailableAt: now.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	jobs, err := db.ClaimJobs(ctx, now, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(jobs))
	}
	if jobs[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", jobs[0].Attempts)
	}

	again, err := db.ClaimJobs(ctx, now, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed jobs were handed out twice: %v", again)
	}

	if err := db.RetryJob(ctx, "01A", now.Add(-time.Second), "boom"); err != nil {
		t.Fatal(err)
	}
	if err := db.FailJob(ctx, "01B", "fatal"); err != nil {
		t.Fatal(err)
	}
	pending, failed, err := db.CountJobs(ctx, "hubout")
	if err != nil {
		t.Fatal(err)
	}
	if pending != 2 || failed != 1 {
		t.Errorf("pending=%d failed=%d, want 2/1", pending, failed)
	}
}

func TestInboxSuppressesDuplicates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	e := InboxEntry{EntryURI: "tag:remote.example,2024:note/1", Source: "salmon", Payload: "<entry/>"}

	stored, err := db.InsertInboxEntry(ctx, e)
	if err != nil || !stored {
		t.Fatalf("first insert = %v, %v", stored, err)
	}
	stored, err = db.InsertInboxEntry(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if stored {
		t.Error("duplicate entry URI was stored again")
	}
	entries, err := db.RecentInboxEntries(ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("RecentInboxEntries = %v, %v", entries, err)
	}
}

func TestFeedConsumers(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	topic := "http://remote.example/feed"

	for _, c := range []string{"user:1", "user:2", "user:1"} {
		if err := db.AddFeedConsumer(ctx, topic, c); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := db.CountConsumers(ctx, topic); n != 2 {
		t.Fatalf("CountConsumers = %d, want 2", n)
	}
	if err := db.RemoveFeedConsumer(ctx, topic, "user:1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountConsumers(ctx, topic); n != 1 {
		t.Fatalf("CountConsumers = %d, want 1", n)
	}
}
