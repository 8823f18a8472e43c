package activity

import (
	"time"
)

// Profile identifies an actor or group. Local profiles carry the local id
// their keys and feeds are filed under.
type Profile struct {
	ID        string `json:"id,omitempty"`
	URI       string `json:"uri"`
	Name      string `json:"name,omitempty"`
	Local     bool   `json:"local"`
	SalmonURL string `json:"salmon_url,omitempty"`
}

// Reply points at the notice being answered.
type Reply struct {
	URI    string  `json:"uri"`
	URL    string  `json:"url,omitempty"`
	Author Profile `json:"author"`
}

// Notice is a post handed over by the host application for distribution.
type Notice struct {
	URI        string    `json:"uri"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Content    string    `json:"content"`
	Published  time.Time `json:"published"`
	Verb       string    `json:"verb,omitempty"`
	ObjectType string    `json:"object_type,omitempty"`
	Author     Profile   `json:"author"`
	InReplyTo  *Reply    `json:"in_reply_to,omitempty"`
	Mentions   []Profile `json:"mentions,omitempty"`
	Groups     []Profile `json:"groups,omitempty"`
}

// Entry converts the notice to its Atom form.
func (n *Notice) Entry() *Entry {
	e := &Entry{
		ID:         n.URI,
		Title:      n.Title,
		Content:    n.Content,
		Published:  n.Published,
		Updated:    n.Published,
		Verb:       n.Verb,
		ObjectType: n.ObjectType,
		Author:     Person{URI: n.Author.URI, Name: n.Author.Name, ObjectType: ObjectPerson},
		Actor:      Person{URI: n.Author.URI, Name: n.Author.Name, ObjectType: ObjectPerson},
	}
	if e.Verb == "" {
		e.Verb = VerbPost
	}
	if e.ObjectType == "" {
		e.ObjectType = ObjectNote
		if n.InReplyTo != nil {
			e.ObjectType = ObjectComment
		}
	}
	if e.Title == "" {
		e.Title = truncate(n.Content, 140)
	}
	if n.URL != "" {
		e.Links = append(e.Links, Link{Rel: "alternate", Type: "text/html", Href: n.URL})
	}
	if n.InReplyTo != nil {
		e.InReplyTo = n.InReplyTo.URI
		e.InReplyToHref = n.InReplyTo.URL
		if n.InReplyTo.Author.URI != "" {
			e.Links = append(e.Links, Link{Rel: RelAttention, Href: n.InReplyTo.Author.URI})
		}
	}
	for _, m := range n.Mentions {
		e.Links = append(e.Links, Link{Rel: RelMentioned, Href: m.URI})
	}
	for _, g := range n.Groups {
		e.Links = append(e.Links, Link{Rel: RelMentioned, Href: g.URI})
	}
	return e
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
