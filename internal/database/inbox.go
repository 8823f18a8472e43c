package database

import (
	"context"
	"fmt"
	"time"
)

// InboxEntry is an accepted inbound activity.
type InboxEntry struct {
	ID       int64
	EntryURI string
	Source   string
	ActorURI string
	Verb     string
	Payload  string
	Received time.Time
}

// InsertInboxEntry stores e unless its entry URI was seen before. The unique
// entry URI is what keeps repeated deliveries from being processed twice.
func (db *DB) InsertInboxEntry(ctx context.Context, e InboxEntry) (bool, error) {
	if e.EntryURI == "" {
		return false, ErrInvalidInput
	}
	result, err := db.ExecContext(ctx,
		`INSERT INTO inbox (entry_uri, source, actor_uri, verb, payload, received)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_uri) DO NOTHING`,
		e.EntryURI, e.Source, e.ActorURI, e.Verb, e.Payload, Timestamp(time.Now()))
	if err != nil {
		return false, fmt.Errorf("error inserting inbox entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RecentInboxEntries returns the newest entries first.
func (db *DB) RecentInboxEntries(ctx context.Context, limit int) ([]InboxEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, entry_uri, source, actor_uri, verb, payload, received
		FROM inbox ORDER BY received DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying inbox: %w", err)
	}
	defer rows.Close()

	var entries []InboxEntry
	for rows.Next() {
		var e InboxEntry
		if err := rows.Scan(&e.ID, &e.EntryURI, &e.Source, &e.ActorURI, &e.Verb, &e.Payload, &e.Received); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
