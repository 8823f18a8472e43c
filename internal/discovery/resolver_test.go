package discovery

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ostatus/internal/database"
	"ostatus/internal/magicsig"
)

type fakeFinder struct {
	calls atomic.Int32
	res   *Resource
	err   error
	gate  chan struct{}
}

func (f *fakeFinder) Lookup(ctx context.Context, id string) (*Resource, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.res, f.err
}

func newResolverFixture(t *testing.T) (*database.DB, *magicsig.Key, *fakeFinder) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "keys.db"), database.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	key, err := magicsig.Generate(1024)
	if err != nil {
		t.Fatal(err)
	}
	finder := &fakeFinder{res: &Resource{
		Subject: "https://remote.example/alice",
		Links: []Link{
			{Rel: RelSalmon, Href: "https://remote.example/salmon/alice"},
			{Rel: RelMagicKey, Href: "data:application/magic-public-key," + key.PublicString()},
		},
	}}
	return db, key, finder
}

func TestKeyResolverCachesAndPersists(t *testing.T) {
	db, key, finder := newResolverFixture(t)
	finder.gate = make(chan struct{})
	r := NewKeyResolver(finder, db, time.Hour, log.New(io.Discard, "", 0))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.PublicKey(ctx, "https://remote.example/alice")
			if err != nil {
				t.Errorf("PublicKey: %v", err)
				return
			}
			if got.Fingerprint() != key.Fingerprint() {
				t.Error("resolved key does not match published key")
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(finder.gate)
	wg.Wait()

	if n := finder.calls.Load(); n != 1 {
		t.Errorf("finder called %d times, want 1", n)
	}
	salmon, err := r.SalmonURL(ctx, "https://remote.example/alice")
	if err != nil || salmon != "https://remote.example/salmon/alice" {
		t.Errorf("SalmonURL = %q, %v", salmon, err)
	}

	stored, found, err := db.GetRemoteKey(ctx, "https://remote.example/alice")
	if err != nil || !found {
		t.Fatalf("GetRemoteKey found=%v err=%v", found, err)
	}
	if stored.Keypair != key.PublicString() {
		t.Error("stored keypair differs from published key")
	}

	// A fresh resolver is served from the store without the network.
	r2 := NewKeyResolver(finder, db, time.Hour, log.New(io.Discard, "", 0))
	if _, err := r2.PublicKey(ctx, "https://remote.example/alice"); err != nil {
		t.Fatal(err)
	}
	if n := finder.calls.Load(); n != 1 {
		t.Errorf("finder called %d times after restart, want 1", n)
	}
}

func TestKeyResolverStaleFallback(t *testing.T) {
	db, key, finder := newResolverFixture(t)
	ctx := context.Background()
	err := db.UpsertRemoteKey(ctx, database.RemoteKey{
		ActorURI:  "https://remote.example/alice",
		Keypair:   key.PublicString(),
		SalmonURL: "https://remote.example/old-salmon",
		FetchedAt: database.Timestamp(time.Now().Add(-48 * time.Hour)),
	})
	if err != nil {
		t.Fatal(err)
	}
	finder.res, finder.err = nil, errors.New("unreachable")

	r := NewKeyResolver(finder, db, time.Hour, log.New(io.Discard, "", 0))
	got, err := r.PublicKey(ctx, "https://remote.example/alice")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if got.Fingerprint() != key.Fingerprint() {
		t.Error("stale key not returned")
	}
	if finder.calls.Load() != 1 {
		t.Error("expired key did not trigger rediscovery")
	}

	if _, err := r.Refresh(ctx, "https://remote.example/alice"); err == nil {
		t.Error("Refresh succeeded without a reachable finder")
	}
}

func TestKeyResolverRequiresMagicKey(t *testing.T) {
	db, _, finder := newResolverFixture(t)
	finder.res = &Resource{Links: []Link{{Rel: RelSalmon, Href: "https://remote.example/s"}}}
	r := NewKeyResolver(finder, db, time.Hour, log.New(io.Discard, "", 0))
	if _, err := r.PublicKey(context.Background(), "https://remote.example/bob"); !errors.Is(err, ErrDiscovery) {
		t.Errorf("err = %v, want ErrDiscovery", err)
	}
}
