package distrib

import (
	"ostatus/internal/activity"
)

// Targets are everyone a notice has to reach.
type Targets struct {
	// Topics are local feeds whose subscribers get the notice.
	Topics []string
	// Slaps are remote actors and groups pinged over Salmon.
	Slaps []activity.Profile
}

// ComputeTargets works out where n goes. A remote actor is pinged once
// even when it is both mentioned and the author of the parent notice.
func ComputeTargets(n *activity.Notice, urls activity.URLs) Targets {
	var t Targets
	if n.Author.Local {
		t.Topics = append(t.Topics, urls.UserFeed(n.Author.ID))
	}

	seenTopic := make(map[string]bool)
	for _, g := range n.Groups {
		if !g.Local {
			continue
		}
		topic := urls.GroupFeed(g.ID)
		if !seenTopic[topic] {
			seenTopic[topic] = true
			t.Topics = append(t.Topics, topic)
		}
	}

	// Only local authors can sign.
	if !n.Author.Local {
		return t
	}
	seen := map[string]bool{n.Author.URI: true}
	add := func(p activity.Profile) {
		if p.Local || p.URI == "" || seen[p.URI] {
			return
		}
		seen[p.URI] = true
		t.Slaps = append(t.Slaps, p)
	}
	if n.InReplyTo != nil {
		add(n.InReplyTo.Author)
	}
	for _, m := range n.Mentions {
		add(m)
	}
	for _, g := range n.Groups {
		add(g)
	}
	return t
}
