package magicsig

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"ostatus/internal/database"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/sync/singleflight"
)

const sealedPrefix = "sealed:"

var ErrSealed = errors.New("stored key is sealed and no seal secret is configured")

// Store persists local actors' keypairs.
type Store interface {
	GetMagicsig(ctx context.Context, actorID string) (database.Magicsig, bool, error)
	InsertMagicsig(ctx context.Context, m database.Magicsig) (bool, error)
}

// Keyring hands out one keypair per local actor, generating it on first use.
type Keyring struct {
	store  Store
	bits   int
	seal   *[32]byte
	logger *log.Logger
	group  singleflight.Group
}

// NewKeyring returns a keyring generating bits-sized keys. A non-empty
// sealSecret encrypts private keys at rest.
func NewKeyring(store Store, bits int, sealSecret string, logger *log.Logger) *Keyring {
	kr := &Keyring{store: store, bits: bits, logger: logger}
	if sealSecret != "" {
		sum := sha256.Sum256([]byte(sealSecret))
		kr.seal = &sum
	}
	return kr
}

// ForActor returns the actor's keypair, creating and storing one if needed.
// Concurrent callers for the same actor share a single generation.
func (kr *Keyring) ForActor(ctx context.Context, actorID string) (*Key, error) {
	v, err, _ := kr.group.Do(actorID, func() (interface{}, error) {
		return kr.loadOrCreate(ctx, actorID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Key), nil
}

func (kr *Keyring) loadOrCreate(ctx context.Context, actorID string) (*Key, error) {
	stored, found, err := kr.store.GetMagicsig(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if found {
		return kr.open(stored.Keypair)
	}

	kr.logger.Printf("Generating %d-bit signing key for actor %s", kr.bits, actorID)
	key, err := Generate(kr.bits)
	if err != nil {
		return nil, err
	}
	sealed, err := kr.close(key.String())
	if err != nil {
		return nil, err
	}
	created, err := kr.store.InsertMagicsig(ctx, database.Magicsig{
		ActorID: actorID,
		Keypair: sealed,
		Alg:     key.Algorithm(),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// Another process won the race; its key is authoritative.
		stored, _, err := kr.store.GetMagicsig(ctx, actorID)
		if err != nil {
			return nil, err
		}
		return kr.open(stored.Keypair)
	}
	return key, nil
}

func (kr *Keyring) close(plain string) (string, error) {
	if kr.seal == nil {
		return plain, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("error reading nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, kr.seal)
	return sealedPrefix + EncodeBase64URL(box), nil
}

func (kr *Keyring) open(stored string) (*Key, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return Parse(stored)
	}
	if kr.seal == nil {
		return nil, ErrSealed
	}
	box, err := DecodeBase64URL(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil || len(box) < 24 {
		return nil, fmt.Errorf("%w: sealed key is corrupt", ErrMalformedKey)
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, kr.seal)
	if !ok {
		return nil, fmt.Errorf("%w: sealed key does not open with the configured secret", ErrMalformedKey)
	}
	return Parse(string(plain))
}
