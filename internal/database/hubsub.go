package database

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// HubSub is an external subscriber to one of our feeds.
type HubSub struct {
	Topic        string
	Callback     string
	Secret       string
	LeaseSeconds int64
	SubStart     sql.NullTime
	SubEnd       sql.NullTime
	Created      time.Time
	Modified     time.Time
}

// HubSubKey derives the primary key for a (topic, callback) pair.
func HubSubKey(topic, callback string) string {
	sum := sha1.Sum([]byte(topic + "\n" + callback))
	return hex.EncodeToString(sum[:])
}

const hubSubColumns = `topic, callback, secret, lease_seconds, sub_start, sub_end, created, modified`

func scanHubSub(row interface{ Scan(...any) error }) (HubSub, error) {
	var hs HubSub
	err := row.Scan(&hs.Topic, &hs.Callback, &hs.Secret, &hs.LeaseSeconds,
		&hs.SubStart, &hs.SubEnd, &hs.Created, &hs.Modified)
	return hs, err
}

func (db *DB) GetHubSub(ctx context.Context, topic, callback string) (HubSub, bool, error) {
	hs, err := scanHubSub(db.QueryRowContext(ctx,
		"SELECT "+hubSubColumns+" FROM hubsub WHERE hashkey = ?", HubSubKey(topic, callback)))
	if err == sql.ErrNoRows {
		return HubSub{}, false, nil
	}
	if err != nil {
		return HubSub{}, false, fmt.Errorf("error loading hubsub: %w", err)
	}
	return hs, true, nil
}

// UpsertHubSub inserts hs or refreshes the stored secret and lease.
func (db *DB) UpsertHubSub(ctx context.Context, hs HubSub) error {
	if hs.Topic == "" || hs.Callback == "" {
		return ErrInvalidInput
	}
	now := Timestamp(time.Now())
	_, err := db.ExecContext(ctx,
		`INSERT INTO hubsub (hashkey, topic, callback, secret, lease_seconds, sub_start, sub_end, created, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hashkey) DO UPDATE SET
		secret = excluded.secret,
		lease_seconds = excluded.lease_seconds,
		sub_start = excluded.sub_start,
		sub_end = excluded.sub_end,
		modified = excluded.modified`,
		HubSubKey(hs.Topic, hs.Callback), hs.Topic, hs.Callback, hs.Secret, hs.LeaseSeconds,
		hs.SubStart, hs.SubEnd, now, now,
	)
	if err != nil {
		return fmt.Errorf("error saving hubsub: %w", err)
	}
	return nil
}

// DeleteHubSub removes the pair; deleting an absent pair is not an error.
func (db *DB) DeleteHubSub(ctx context.Context, topic, callback string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM hubsub WHERE hashkey = ?", HubSubKey(topic, callback))
	if err != nil {
		return fmt.Errorf("error deleting hubsub: %w", err)
	}
	return nil
}

// ReplaceHubSubCallback moves a subscription to a new callback URL.
func (db *DB) ReplaceHubSubCallback(ctx context.Context, topic, oldCallback, newCallback string) error {
	result, err := db.ExecContext(ctx,
		"UPDATE hubsub SET hashkey = ?, callback = ?, modified = ? WHERE hashkey = ?",
		HubSubKey(topic, newCallback), newCallback, Timestamp(time.Now()), HubSubKey(topic, oldCallback))
	if err != nil {
		return fmt.Errorf("error moving hubsub callback: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListHubSubCallbacks returns the callbacks of topic whose lease is still
// running at now.
func (db *DB) ListHubSubCallbacks(ctx context.Context, topic string, now time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT callback FROM hubsub
		WHERE topic = ? AND (sub_end IS NULL OR sub_end > ?)
		ORDER BY created, callback`,
		topic, Timestamp(now))
	if err != nil {
		return nil, fmt.Errorf("error querying hubsub: %w", err)
	}
	defer rows.Close()

	var callbacks []string
	for rows.Next() {
		var cb string
		if err := rows.Scan(&cb); err != nil {
			return nil, err
		}
		callbacks = append(callbacks, cb)
	}
	return callbacks, rows.Err()
}

// DeleteExpiredHubSubs removes leases that ended before now.
func (db *DB) DeleteExpiredHubSubs(ctx context.Context, now time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		"DELETE FROM hubsub WHERE sub_end IS NOT NULL AND sub_end < ?", Timestamp(now))
	if err != nil {
		return 0, fmt.Errorf("error expiring hubsub: %w", err)
	}
	return result.RowsAffected()
}
