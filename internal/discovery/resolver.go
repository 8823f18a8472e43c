package discovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"ostatus/internal/database"
	"ostatus/internal/magicsig"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// KeyStore persists discovered remote keys.
type KeyStore interface {
	GetRemoteKey(ctx context.Context, actorURI string) (database.RemoteKey, bool, error)
	UpsertRemoteKey(ctx context.Context, k database.RemoteKey) error
}

// Finder resolves an identity into a discovery Resource. *Client is the
// network implementation.
type Finder interface {
	Lookup(ctx context.Context, id string) (*Resource, error)
}

type actorKeys struct {
	key       *magicsig.Key
	salmonURL string
	fetchedAt time.Time
}

// KeyResolver finds the public key and Salmon endpoint of remote actors.
// Results are cached in memory and in the store; concurrent lookups of the
// same actor share one network round trip.
type KeyResolver struct {
	finder       Finder
	store        KeyStore
	ttl          time.Duration
	entries      *lru.Cache
	singleflight singleflight.Group
	logger       *log.Logger
	now          func() time.Time
}

const (
	defaultKeyTTL   = 24 * time.Hour
	defaultKeyCache = 1000
)

func NewKeyResolver(finder Finder, store KeyStore, ttl time.Duration, logger *log.Logger) *KeyResolver {
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	cache, err := lru.New(defaultKeyCache)
	if err != nil {
		panic(err)
	}
	return &KeyResolver{
		finder:  finder,
		store:   store,
		ttl:     ttl,
		entries: cache,
		logger:  logger,
		now:     time.Now,
	}
}

// PublicKey returns the magic public key of actorURI.
func (r *KeyResolver) PublicKey(ctx context.Context, actorURI string) (*magicsig.Key, error) {
	k, err := r.resolve(ctx, actorURI, false)
	if err != nil {
		return nil, err
	}
	return k.key, nil
}

// SalmonURL returns the Salmon endpoint of actorURI, or "" if it has none.
func (r *KeyResolver) SalmonURL(ctx context.Context, actorURI string) (string, error) {
	k, err := r.resolve(ctx, actorURI, false)
	if err != nil {
		return "", err
	}
	return k.salmonURL, nil
}

// Refresh bypasses both caches, for when a cached key failed to verify a
// signature and the actor may have rotated it.
func (r *KeyResolver) Refresh(ctx context.Context, actorURI string) (*magicsig.Key, error) {
	k, err := r.resolve(ctx, actorURI, true)
	if err != nil {
		return nil, err
	}
	return k.key, nil
}

func (r *KeyResolver) resolve(ctx context.Context, actorURI string, force bool) (*actorKeys, error) {
	if !force {
		if v, ok := r.entries.Get(actorURI); ok {
			k := v.(*actorKeys)
			if r.now().Sub(k.fetchedAt) < r.ttl {
				return k, nil
			}
		}
	}
	flight := actorURI
	if force {
		flight = "refresh\n" + actorURI
	}
	v, err, _ := r.singleflight.Do(flight, func() (interface{}, error) {
		return r.load(ctx, actorURI, force)
	})
	if err != nil {
		return nil, err
	}
	k := v.(*actorKeys)
	r.entries.Add(actorURI, k)
	return k, nil
}

func (r *KeyResolver) load(ctx context.Context, actorURI string, force bool) (*actorKeys, error) {
	var stale *actorKeys
	stored, found, err := r.store.GetRemoteKey(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if found {
		key, err := magicsig.Parse(stored.Keypair)
		if err != nil {
			r.logger.Printf("Discarding unparseable stored key for %s: %v", actorURI, err)
		} else {
			stale = &actorKeys{key: key, salmonURL: stored.SalmonURL, fetchedAt: stored.FetchedAt}
			if !force && r.now().Sub(stored.FetchedAt) < r.ttl {
				return stale, nil
			}
		}
	}

	fresh, err := r.discover(ctx, actorURI)
	if err != nil {
		if stale != nil && !force {
			r.logger.Printf("Using stale key for %s after discovery failure: %v", actorURI, err)
			return stale, nil
		}
		return nil, err
	}
	if err := r.store.UpsertRemoteKey(ctx, database.RemoteKey{
		ActorURI:  actorURI,
		Keypair:   fresh.key.PublicString(),
		SalmonURL: fresh.salmonURL,
		FetchedAt: fresh.fetchedAt,
	}); err != nil {
		r.logger.Printf("Error storing key for %s: %v", actorURI, err)
	}
	return fresh, nil
}

func (r *KeyResolver) discover(ctx context.Context, actorURI string) (*actorKeys, error) {
	res, err := r.finder.Lookup(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	l, ok := res.Link(RelMagicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s publishes no magic-public-key", ErrDiscovery, actorURI)
	}
	encoded, err := magicKeyFromLink(l.Href)
	if err != nil {
		return nil, err
	}
	key, err := magicsig.Parse(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: key of %s: %w", ErrDiscovery, actorURI, err)
	}
	return &actorKeys{
		key:       key.Public(),
		salmonURL: res.SalmonURL(),
		fetchedAt: database.Timestamp(r.now()),
	}, nil
}
