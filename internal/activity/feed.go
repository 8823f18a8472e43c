package activity

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

type xmlFeed struct {
	XMLName xml.Name   `xml:"http://www.w3.org/2005/Atom feed"`
	ID      string     `xml:"id"`
	Title   string     `xml:"title"`
	Updated string     `xml:"updated"`
	Links   []xmlLink  `xml:"link"`
	Entries []xmlEntry `xml:"entry"`
}

// RenderFeed wraps entries in a feed document for topic, advertising hub.
// This is the body of a fat ping.
func RenderFeed(topic, hub, title string, updated time.Time, entries ...*Entry) ([]byte, error) {
	f := xmlFeed{
		ID:      topic,
		Title:   title,
		Updated: formatTime(updated),
		Links:   []xmlLink{{Rel: "self", Type: AtomContentType, Href: topic}},
	}
	if hub != "" {
		f.Links = append(f.Links, xmlLink{Rel: "hub", Href: hub})
	}
	for _, e := range entries {
		f.Entries = append(f.Entries, toXMLEntry(e))
	}
	out, err := xml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("error rendering feed %s: %w", topic, err)
	}
	return append([]byte(xml.Header), out...), nil
}

// URLs builds the public addresses of this server's federation resources.
type URLs struct {
	Base string
}

const (
	userFeedPath  = "/api/statuses/user_timeline/"
	groupFeedPath = "/api/statusnet/groups/timeline/"
)

func (u URLs) base() string {
	return strings.TrimRight(u.Base, "/")
}

// UserFeed is the Atom feed of a local user.
func (u URLs) UserFeed(id string) string {
	return u.base() + userFeedPath + id + ".atom"
}

// GroupFeed is the Atom feed of a local group.
func (u URLs) GroupFeed(id string) string {
	return u.base() + groupFeedPath + id + ".atom"
}

// Hub is our PuSH hub endpoint.
func (u URLs) Hub() string {
	return u.base() + "/main/push/hub"
}

// Callback is where a hub verifies and delivers for subscription id.
func (u URLs) Callback(id int64) string {
	return fmt.Sprintf("%s/main/push/callback/%d", u.base(), id)
}

// UserSalmon is the Salmon endpoint of a local user.
func (u URLs) UserSalmon(id string) string {
	return u.base() + "/main/salmon/user/" + id
}

// GroupSalmon is the Salmon endpoint of a local group.
func (u URLs) GroupSalmon(id string) string {
	return u.base() + "/main/salmon/group/" + id
}

// OwnsTopic reports whether topic is a feed this server publishes.
func (u URLs) OwnsTopic(topic string) bool {
	for _, prefix := range []string{u.base() + userFeedPath, u.base() + groupFeedPath} {
		if rest, ok := strings.CutPrefix(topic, prefix); ok {
			id, ok := strings.CutSuffix(rest, ".atom")
			return ok && id != "" && !strings.Contains(id, "/")
		}
	}
	return false
}
