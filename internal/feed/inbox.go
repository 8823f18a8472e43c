package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strings"

	"ostatus/internal/activity"
	"ostatus/internal/database"
	"ostatus/internal/feedsub"
	"ostatus/internal/salmon"

	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
)

// InboxStore persists accepted entries.
type InboxStore interface {
	InsertInboxEntry(ctx context.Context, e database.InboxEntry) (bool, error)
}

// Inbox records inbound entries once per entry URI, whichever path they
// arrive by.
type Inbox struct {
	store  InboxStore
	logger *log.Logger
}

func NewInbox(store InboxStore, logger *log.Logger) *Inbox {
	return &Inbox{store: store, logger: logger}
}

// Process stores the items of a pushed or polled feed document.
func (in *Inbox) Process(ctx context.Context, topic string, doc feedsub.Document) error {
	var authors map[string]string
	if doc.Feed.FeedType == "atom" {
		authors = atomAuthors(doc.Raw)
	}

	added := 0
	for _, item := range doc.Feed.Items {
		uri := item.GUID
		if uri == "" {
			uri = item.Link
		}
		if uri == "" {
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return err
		}
		actor := activityValue(item.Extensions, "actor", "uri")
		if actor == "" {
			actor = authors[uri]
		}
		verb := activityValue(item.Extensions, "verb", "")
		if verb == "" {
			verb = activity.VerbPost
		}

		ok, err := in.store.InsertInboxEntry(ctx, database.InboxEntry{
			EntryURI: uri,
			Source:   topic,
			ActorURI: actor,
			Verb:     verb,
			Payload:  string(payload),
		})
		if err != nil {
			return err
		}
		if ok {
			added++
		}
	}
	in.logger.Printf("Stored %d new of %d entries from %s", added, len(doc.Feed.Items), topic)
	return nil
}

// HandleActivity stores an entry that arrived over Salmon.
func (in *Inbox) HandleActivity(ctx context.Context, target salmon.Target, entry *activity.Entry, raw []byte) error {
	if entry.ID == "" {
		in.logger.Printf("Ignoring salmon for %s without an entry id", target)
		return nil
	}
	ok, err := in.store.InsertInboxEntry(ctx, database.InboxEntry{
		EntryURI: entry.ID,
		Source:   "salmon:" + target.String(),
		ActorURI: entry.ActorURI(),
		Verb:     entry.Verb,
		Payload:  string(raw),
	})
	if err != nil {
		return err
	}
	if !ok {
		in.logger.Printf("Already have %s, ignoring repeated salmon", entry.ID)
	}
	return nil
}

// atomAuthors maps entry ids to author URIs, which the generic feed model
// does not keep.
func atomAuthors(raw []byte) map[string]string {
	f, err := (&atom.Parser{}).Parse(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	var feedAuthor string
	for _, a := range f.Authors {
		if a.URI != "" {
			feedAuthor = strings.TrimSpace(a.URI)
			break
		}
	}
	out := make(map[string]string, len(f.Entries))
	for _, e := range f.Entries {
		uri := feedAuthor
		for _, a := range e.Authors {
			if a.URI != "" {
				uri = strings.TrimSpace(a.URI)
				break
			}
		}
		if uri != "" {
			out[e.ID] = uri
		}
	}
	return out
}

// activityValue reads an activity: extension element, or one of its
// children when child is set.
func activityValue(exts ext.Extensions, name, child string) string {
	for _, e := range exts["activity"][name] {
		if child == "" {
			if v := strings.TrimSpace(e.Value); v != "" {
				return v
			}
			continue
		}
		for _, c := range e.Children[child] {
			if v := strings.TrimSpace(c.Value); v != "" {
				return v
			}
		}
	}
	return ""
}

var (
	_ feedsub.FeedProcessor  = (*Inbox)(nil)
	_ salmon.ActivityHandler = (*Inbox)(nil)
)

