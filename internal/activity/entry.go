// Package activity models the Atom entries carried by PuSH and Salmon.
package activity

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	NSAtom     = "http://www.w3.org/2005/Atom"
	NSActivity = "http://activitystrea.ms/spec/1.0/"
	NSThread   = "http://purl.org/syndication/thread/1.0"
	NSOStatus  = "http://ostatus.org/schema/1.0"

	AtomContentType = "application/atom+xml"
)

// Verbs and object types in common use.
const (
	VerbPost     = "http://activitystrea.ms/schema/1.0/post"
	VerbShare    = "http://activitystrea.ms/schema/1.0/share"
	VerbFollow   = "http://activitystrea.ms/schema/1.0/follow"
	VerbFavorite = "http://activitystrea.ms/schema/1.0/favorite"

	ObjectNote    = "http://activitystrea.ms/schema/1.0/note"
	ObjectComment = "http://activitystrea.ms/schema/1.0/comment"
	ObjectPerson  = "http://activitystrea.ms/schema/1.0/person"
	ObjectGroup   = "http://activitystrea.ms/schema/1.0/group"
)

// Link relations that address an entry to someone.
const (
	RelMentioned       = "mentioned"
	RelAttention       = "ostatus:attention"
	RelAttentionLegacy = NSOStatus + "/attention"
)

var ErrNotAnEntry = errors.New("document root is not an Atom entry")

// Person is an Atom author or activity actor.
type Person struct {
	URI        string
	Name       string
	ObjectType string
}

// Link is an Atom link element.
type Link struct {
	Rel  string
	Type string
	Href string
}

// Entry is the subset of an Atom activity entry used by federation.
type Entry struct {
	ID         string
	Title      string
	Content    string
	Published  time.Time
	Updated    time.Time
	Verb       string
	ObjectType string
	Author     Person
	Actor      Person
	// InReplyTo is the ref of the parent entry, InReplyToHref its HTML page.
	InReplyTo     string
	InReplyToHref string
	Links         []Link
}

// ActorURI is the identity the entry claims to be from.
func (e *Entry) ActorURI() string {
	if e.Actor.URI != "" {
		return e.Actor.URI
	}
	return e.Author.URI
}

// Mentions returns the hrefs of links addressing the entry to someone,
// without duplicates.
func (e *Entry) Mentions() []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range e.Links {
		switch l.Rel {
		case RelMentioned, RelAttention, RelAttentionLegacy:
			if l.Href != "" && !seen[l.Href] {
				seen[l.Href] = true
				out = append(out, l.Href)
			}
		}
	}
	return out
}

// Person children carry the Atom namespace explicitly because activity:actor
// changes the default namespace.
type xmlPerson struct {
	ID         string `xml:"http://www.w3.org/2005/Atom id,omitempty"`
	Name       string `xml:"http://www.w3.org/2005/Atom name,omitempty"`
	URI        string `xml:"http://www.w3.org/2005/Atom uri,omitempty"`
	ObjectType string `xml:"http://activitystrea.ms/spec/1.0/ object-type,omitempty"`
}

func (p *xmlPerson) person() Person {
	uri := strings.TrimSpace(p.URI)
	if uri == "" {
		uri = strings.TrimSpace(p.ID)
	}
	return Person{URI: uri, Name: strings.TrimSpace(p.Name), ObjectType: strings.TrimSpace(p.ObjectType)}
}

type xmlLink struct {
	Rel  string `xml:"rel,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
	Href string `xml:"href,attr"`
}

type xmlContent struct {
	Type string `xml:"type,attr,omitempty"`
	Body string `xml:",chardata"`
}

type xmlReplyRef struct {
	Ref  string `xml:"ref,attr"`
	Href string `xml:"href,attr,omitempty"`
}

type xmlEntry struct {
	XMLName    xml.Name     `xml:"http://www.w3.org/2005/Atom entry"`
	ID         string       `xml:"id"`
	Title      string       `xml:"title"`
	Content    *xmlContent  `xml:"content,omitempty"`
	Published  string       `xml:"published,omitempty"`
	Updated    string       `xml:"updated,omitempty"`
	Author     *xmlPerson   `xml:"author,omitempty"`
	Links      []xmlLink    `xml:"link"`
	Verb       string       `xml:"http://activitystrea.ms/spec/1.0/ verb,omitempty"`
	ObjectType string       `xml:"http://activitystrea.ms/spec/1.0/ object-type,omitempty"`
	Actor      *xmlPerson   `xml:"http://activitystrea.ms/spec/1.0/ actor,omitempty"`
	InReplyTo  *xmlReplyRef `xml:"http://purl.org/syndication/thread/1.0 in-reply-to,omitempty"`
}

// MarshalEntry renders e as a standalone Atom entry element.
func MarshalEntry(e *Entry) ([]byte, error) {
	out, err := xml.Marshal(toXMLEntry(e))
	if err != nil {
		return nil, fmt.Errorf("error rendering entry %s: %w", e.ID, err)
	}
	return out, nil
}

func toXMLEntry(e *Entry) xmlEntry {
	x := xmlEntry{
		ID:         e.ID,
		Title:      e.Title,
		Verb:       e.Verb,
		ObjectType: e.ObjectType,
		Published:  formatTime(e.Published),
		Updated:    formatTime(e.Updated),
	}
	if e.Content != "" {
		x.Content = &xmlContent{Type: "html", Body: e.Content}
	}
	if e.Author.URI != "" || e.Author.Name != "" {
		x.Author = &xmlPerson{URI: e.Author.URI, Name: e.Author.Name, ObjectType: e.Author.ObjectType}
	}
	if e.Actor.URI != "" {
		x.Actor = &xmlPerson{ID: e.Actor.URI, URI: e.Actor.URI, Name: e.Actor.Name, ObjectType: e.Actor.ObjectType}
	}
	if e.InReplyTo != "" {
		x.InReplyTo = &xmlReplyRef{Ref: e.InReplyTo, Href: e.InReplyToHref}
	}
	for _, l := range e.Links {
		x.Links = append(x.Links, xmlLink{Rel: l.Rel, Type: l.Type, Href: l.Href})
	}
	return x
}

// ParseEntry reads a document whose root must be an Atom entry.
func ParseEntry(doc []byte) (*Entry, error) {
	root, err := RootElement(doc)
	if err != nil {
		return nil, err
	}
	if root.Space != NSAtom || root.Local != "entry" {
		return nil, fmt.Errorf("%w: found {%s}%s", ErrNotAnEntry, root.Space, root.Local)
	}

	var x xmlEntry
	if err := xml.Unmarshal(doc, &x); err != nil {
		return nil, fmt.Errorf("error parsing entry: %w", err)
	}
	return fromXMLEntry(&x), nil
}

func fromXMLEntry(x *xmlEntry) *Entry {
	e := &Entry{
		ID:         strings.TrimSpace(x.ID),
		Title:      strings.TrimSpace(x.Title),
		Verb:       strings.TrimSpace(x.Verb),
		ObjectType: strings.TrimSpace(x.ObjectType),
		Published:  parseTime(x.Published),
		Updated:    parseTime(x.Updated),
	}
	if x.Content != nil {
		e.Content = x.Content.Body
	}
	if x.Author != nil {
		e.Author = x.Author.person()
	}
	if x.Actor != nil {
		e.Actor = x.Actor.person()
	}
	if x.InReplyTo != nil {
		e.InReplyTo = x.InReplyTo.Ref
		e.InReplyToHref = x.InReplyTo.Href
	}
	for _, l := range x.Links {
		e.Links = append(e.Links, Link{Rel: l.Rel, Type: l.Type, Href: l.Href})
	}
	if e.Verb == "" {
		e.Verb = VerbPost
	}
	return e
}

// RootElement returns the name of the first element in doc.
func RootElement(doc []byte) (xml.Name, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.Name{}, fmt.Errorf("error reading XML: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name, nil
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
