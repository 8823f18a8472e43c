package magicsig

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"ostatus/internal/database"
)

func newTestStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "keys.db"), database.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKeyringCreatesOncePerActor(t *testing.T) {
	db := newTestStore(t)
	kr := NewKeyring(db, 1024, "", log.New(io.Discard, "", 0))
	ctx := context.Background()

	var wg sync.WaitGroup
	keys := make([]*Key, 4)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := kr.ForActor(ctx, "user:1")
			if err != nil {
				t.Errorf("ForActor: %v", err)
				return
			}
			keys[i] = k
		}(i)
	}
	wg.Wait()

	for _, k := range keys[1:] {
		if k == nil || k.String() != keys[0].String() {
			t.Fatal("concurrent callers received different keys")
		}
	}

	again, err := kr.ForActor(ctx, "user:1")
	if err != nil {
		t.Fatal(err)
	}
	if again.String() != keys[0].String() {
		t.Error("stored key was not reused")
	}
	other, err := kr.ForActor(ctx, "user:2")
	if err != nil {
		t.Fatal(err)
	}
	if other.String() == again.String() {
		t.Error("two actors share a keypair")
	}
}

func TestKeyringSealsPrivateKeys(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	kr := NewKeyring(db, 1024, "correct horse", log.New(io.Discard, "", 0))

	key, err := kr.ForActor(ctx, "user:7")
	if err != nil {
		t.Fatal(err)
	}
	stored, found, err := db.GetMagicsig(ctx, "user:7")
	if err != nil || !found {
		t.Fatalf("GetMagicsig = %v, %v", found, err)
	}
	if !strings.HasPrefix(stored.Keypair, sealedPrefix) || strings.Contains(stored.Keypair, "RSA.") {
		t.Fatalf("private key stored in the clear: %q", stored.Keypair)
	}

	reopened := NewKeyring(db, 1024, "correct horse", log.New(io.Discard, "", 0))
	got, err := reopened.ForActor(ctx, "user:7")
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != key.String() {
		t.Error("sealed key did not reopen to the same key")
	}

	wrong := NewKeyring(db, 1024, "wrong", log.New(io.Discard, "", 0))
	if _, err := wrong.ForActor(ctx, "user:7"); !errors.Is(err, ErrMalformedKey) {
		t.Errorf("wrong secret err = %v", err)
	}
	none := NewKeyring(db, 1024, "", log.New(io.Discard, "", 0))
	if _, err := none.ForActor(ctx, "user:7"); !errors.Is(err, ErrSealed) {
		t.Errorf("missing secret err = %v", err)
	}
}
