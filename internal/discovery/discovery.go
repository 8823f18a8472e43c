// Package discovery locates hubs, Salmon endpoints and public keys for
// remote feeds and actors.
package discovery

import (
	"errors"
	"strings"
)

var ErrDiscovery = errors.New("discovery failed")

// Link relations used during discovery.
const (
	RelHub           = "hub"
	RelSelf          = "self"
	RelAlternate     = "alternate"
	RelLRDD          = "lrdd"
	RelMagicKey      = "magic-public-key"
	RelSalmon        = "salmon"
	RelSalmonReply   = "http://salmon-protocol.org/ns/salmon-replies"
	RelSalmonMention = "http://salmon-protocol.org/ns/salmon-mention"
	RelUpdatesFrom   = "http://schemas.google.com/g/2010#updates-from"
	RelProfile       = "http://webfinger.net/rel/profile-page"
)

// maxDocument bounds every document read during discovery.
const maxDocument = 5 << 20

// Link is a typed link from any discovery document.
type Link struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// Resource is what host-meta, WebFinger or a profile page says about an
// identity.
type Resource struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

// Link returns the first link with one of rels, in order of preference.
func (r *Resource) Link(rels ...string) (Link, bool) {
	for _, rel := range rels {
		for _, l := range r.Links {
			if strings.EqualFold(l.Rel, rel) {
				return l, true
			}
		}
	}
	return Link{}, false
}

// SalmonURL is the actor's Salmon endpoint, preferring the current relation.
func (r *Resource) SalmonURL() string {
	l, ok := r.Link(RelSalmon, RelSalmonReply, RelSalmonMention)
	if !ok {
		return ""
	}
	return l.Href
}

// FeedURL is the actor's Atom feed, if advertised.
func (r *Resource) FeedURL() string {
	l, ok := r.Link(RelUpdatesFrom)
	if !ok {
		return ""
	}
	return l.Href
}
