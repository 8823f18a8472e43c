package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Magicsig is the stored keypair of a local actor.
type Magicsig struct {
	ActorID string
	Keypair string
	Alg     string
	Created time.Time
}

// RemoteKey is a discovered public key of a remote actor.
type RemoteKey struct {
	ActorURI  string
	Keypair   string
	SalmonURL string
	FetchedAt time.Time
}

func (db *DB) GetMagicsig(ctx context.Context, actorID string) (Magicsig, bool, error) {
	var m Magicsig
	err := db.QueryRowContext(ctx,
		"SELECT actor_id, keypair, alg, created FROM magicsig WHERE actor_id = ?", actorID,
	).Scan(&m.ActorID, &m.Keypair, &m.Alg, &m.Created)
	if err == sql.ErrNoRows {
		return Magicsig{}, false, nil
	}
	if err != nil {
		return Magicsig{}, false, fmt.Errorf("error loading magicsig: %w", err)
	}
	return m, true, nil
}

// InsertMagicsig stores m unless the actor already has a keypair, reporting
// whether m was stored.
func (db *DB) InsertMagicsig(ctx context.Context, m Magicsig) (bool, error) {
	if m.ActorID == "" || m.Keypair == "" {
		return false, ErrInvalidInput
	}
	result, err := db.ExecContext(ctx,
		`INSERT INTO magicsig (actor_id, keypair, alg, created) VALUES (?, ?, ?, ?)
		ON CONFLICT(actor_id) DO NOTHING`,
		m.ActorID, m.Keypair, m.Alg, Timestamp(time.Now()))
	if err != nil {
		return false, fmt.Errorf("error inserting magicsig: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (db *DB) GetRemoteKey(ctx context.Context, actorURI string) (RemoteKey, bool, error) {
	var k RemoteKey
	err := db.QueryRowContext(ctx,
		"SELECT actor_uri, keypair, salmon_url, fetched_at FROM remote_keys WHERE actor_uri = ?", actorURI,
	).Scan(&k.ActorURI, &k.Keypair, &k.SalmonURL, &k.FetchedAt)
	if err == sql.ErrNoRows {
		return RemoteKey{}, false, nil
	}
	if err != nil {
		return RemoteKey{}, false, fmt.Errorf("error loading remote key: %w", err)
	}
	return k, true, nil
}

func (db *DB) UpsertRemoteKey(ctx context.Context, k RemoteKey) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO remote_keys (actor_uri, keypair, salmon_url, fetched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
		keypair = excluded.keypair,
		salmon_url = excluded.salmon_url,
		fetched_at = excluded.fetched_at`,
		k.ActorURI, k.Keypair, k.SalmonURL, Timestamp(k.FetchedAt))
	if err != nil {
		return fmt.Errorf("error saving remote key: %w", err)
	}
	return nil
}
