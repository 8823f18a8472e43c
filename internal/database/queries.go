// internal/database/queries.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Error definitions
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict means the row changed since it was read.
	ErrConflict = errors.New("concurrent modification")
)

// FeedSub is a remote feed we subscribe to.
type FeedSub struct {
	ID         int64
	URI        string
	HubURI     string
	Secret     string
	State      string
	SubStart   sql.NullTime
	SubEnd     sql.NullTime
	LastUpdate sql.NullTime
	Version    int64
	Created    time.Time
	Modified   time.Time
}

// Timestamp normalizes t for storage. Stored times are compared as text, so
// they share one zone and precision.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// NullTimestamp wraps t for a nullable column; the zero time becomes NULL.
func NullTimestamp(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: Timestamp(t), Valid: true}
}

const feedSubColumns = `id, uri, huburi, secret, sub_state, sub_start, sub_end, last_update, version, created, modified`

func scanFeedSub(row interface{ Scan(...any) error }) (FeedSub, error) {
	var fs FeedSub
	err := row.Scan(&fs.ID, &fs.URI, &fs.HubURI, &fs.Secret, &fs.State,
		&fs.SubStart, &fs.SubEnd, &fs.LastUpdate, &fs.Version, &fs.Created, &fs.Modified)
	return fs, err
}

// GetFeedSubByURI looks up a subscription by topic URI.
func (db *DB) GetFeedSubByURI(ctx context.Context, uri string) (FeedSub, bool, error) {
	fs, err := scanFeedSub(db.QueryRowContext(ctx,
		"SELECT "+feedSubColumns+" FROM feedsub WHERE uri = ?", uri))
	if err == sql.ErrNoRows {
		return FeedSub{}, false, nil
	}
	if err != nil {
		return FeedSub{}, false, fmt.Errorf("error loading feedsub %s: %w", uri, err)
	}
	return fs, true, nil
}

// GetFeedSubByID looks up a subscription by its row id.
func (db *DB) GetFeedSubByID(ctx context.Context, id int64) (FeedSub, bool, error) {
	fs, err := scanFeedSub(db.QueryRowContext(ctx,
		"SELECT "+feedSubColumns+" FROM feedsub WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return FeedSub{}, false, nil
	}
	if err != nil {
		return FeedSub{}, false, fmt.Errorf("error loading feedsub %d: %w", id, err)
	}
	return fs, true, nil
}

// InsertFeedSub stores fs unless a row with the same URI already exists.
// It reports whether a row was created and fills in ID and Version.
func (db *DB) InsertFeedSub(ctx context.Context, fs *FeedSub) (bool, error) {
	if fs.URI == "" {
		return false, ErrInvalidInput
	}
	now := Timestamp(time.Now())
	result, err := db.ExecContext(ctx,
		`INSERT INTO feedsub (uri, huburi, secret, sub_state, sub_start, sub_end, last_update, version, created, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(uri) DO NOTHING`,
		fs.URI, fs.HubURI, fs.Secret, fs.State, fs.SubStart, fs.SubEnd, fs.LastUpdate, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("error inserting feedsub: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}
	id, err := result.LastInsertId()
	if err != nil {
		return false, err
	}
	fs.ID = id
	fs.Version = 1
	fs.Created = now
	fs.Modified = now
	return true, nil
}

// UpdateFeedSub writes fs if the stored version still equals fs.Version and
// bumps the version. A stale fs yields ErrConflict.
func (db *DB) UpdateFeedSub(ctx context.Context, fs *FeedSub) error {
	now := Timestamp(time.Now())
	result, err := db.ExecContext(ctx,
		`UPDATE feedsub SET huburi = ?, secret = ?, sub_state = ?, sub_start = ?, sub_end = ?,
		last_update = ?, version = version + 1, modified = ?
		WHERE id = ? AND version = ?`,
		fs.HubURI, fs.Secret, fs.State, fs.SubStart, fs.SubEnd, fs.LastUpdate, now,
		fs.ID, fs.Version,
	)
	if err != nil {
		return fmt.Errorf("error updating feedsub %d: %w", fs.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	fs.Version++
	fs.Modified = now
	return nil
}

// ListFeedSubsEndedBefore returns subscriptions whose lease ended before t.
func (db *DB) ListFeedSubsEndedBefore(ctx context.Context, t time.Time) ([]FeedSub, error) {
	return db.listFeedSubs(ctx,
		"SELECT "+feedSubColumns+" FROM feedsub WHERE sub_end IS NOT NULL AND sub_end < ? ORDER BY sub_end",
		Timestamp(t))
}

// ListFeedSubsByState returns every subscription in state.
func (db *DB) ListFeedSubsByState(ctx context.Context, state string) ([]FeedSub, error) {
	return db.listFeedSubs(ctx,
		"SELECT "+feedSubColumns+" FROM feedsub WHERE sub_state = ? ORDER BY id", state)
}

func (db *DB) listFeedSubs(ctx context.Context, query string, args ...any) ([]FeedSub, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying feedsub: %w", err)
	}
	defer rows.Close()

	var subs []FeedSub
	for rows.Next() {
		fs, err := scanFeedSub(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning feedsub: %w", err)
		}
		subs = append(subs, fs)
	}
	return subs, rows.Err()
}

// AddFeedConsumer records that consumer needs topic. Adding twice is harmless.
func (db *DB) AddFeedConsumer(ctx context.Context, topic, consumer string) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO feed_consumers (topic, consumer) VALUES (?, ?) ON CONFLICT(topic, consumer) DO NOTHING",
		topic, consumer)
	return err
}

// RemoveFeedConsumer drops the consumer's claim on topic.
func (db *DB) RemoveFeedConsumer(ctx context.Context, topic, consumer string) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM feed_consumers WHERE topic = ? AND consumer = ?", topic, consumer)
	return err
}

// CountConsumers returns how many local consumers still reference topic.
func (db *DB) CountConsumers(ctx context.Context, topic string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM feed_consumers WHERE topic = ?", topic).Scan(&count)
	return count, err
}
