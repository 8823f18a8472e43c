package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ostatus/internal/activity"
	"ostatus/internal/discovery"
	"ostatus/internal/distrib"
	"ostatus/internal/feed"
	"ostatus/internal/feedsub"
)

const defaultConsumer = "admin"

type feedRequest struct {
	Topic    string `json:"topic"`
	Consumer string `json:"consumer,omitempty"`
}

type feedView struct {
	ID         int64      `json:"id"`
	Topic      string     `json:"topic"`
	Hub        string     `json:"hub,omitempty"`
	State      string     `json:"state"`
	Callback   string     `json:"callback"`
	LeaseEnds  *time.Time `json:"leaseEnds,omitempty"`
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`
}

func viewOf(sub *feedsub.Subscription) feedView {
	v := feedView{
		ID:       sub.ID,
		Topic:    sub.URI,
		Hub:      sub.HubURI,
		State:    sub.State,
		Callback: sub.Callback(),
	}
	if sub.SubEnd.Valid {
		t := sub.SubEnd.Time
		v.LeaseEnds = &t
	}
	if sub.LastUpdate.Valid {
		t := sub.LastUpdate.Time
		v.LastUpdate = &t
	}
	return v
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		RespondWithError(w, http.StatusBadRequest, "topic is required")
		return
	}
	sub, found, err := s.svc.Feeds.Get(r.Context(), topic)
	if err != nil {
		s.logger.Printf("Error loading feed %s: %v", topic, err)
		RespondWithError(w, http.StatusInternalServerError, "error loading feed")
		return
	}
	if !found {
		RespondWithError(w, http.StatusNotFound, "feed not tracked")
		return
	}
	RespondWithJSON(w, http.StatusOK, viewOf(sub))
}

// handleAddFeed registers a consumer for a remote feed and subscribes to it.
func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := feed.ValidateFeedURL(req.Topic, s.config.Federation.AllowPrivateNetworks); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Consumer == "" {
		req.Consumer = defaultConsumer
	}

	ctx := r.Context()
	sub, err := s.svc.Feeds.Ensure(ctx, req.Topic)
	switch {
	case errors.Is(err, discovery.ErrDiscovery), errors.Is(err, feedsub.ErrNoHubAvailable):
		RespondWithError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.logger.Printf("Error tracking feed %s: %v", req.Topic, err)
		RespondWithError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := s.db.AddFeedConsumer(ctx, sub.URI, req.Consumer); err != nil {
		s.logger.Printf("Error adding consumer for %s: %v", sub.URI, err)
		RespondWithError(w, http.StatusInternalServerError, "error adding consumer")
		return
	}

	err = sub.Subscribe(ctx)
	if errors.Is(err, feedsub.ErrNoHubAvailable) {
		err = sub.StartPolling(ctx)
	}
	if err != nil {
		s.logger.Printf("Error subscribing to %s: %v", sub.URI, err)
		RespondWithError(w, http.StatusBadGateway, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusAccepted, viewOf(sub))
}

// handleRemoveFeed drops a consumer and unsubscribes once nobody is left.
func (s *Server) handleRemoveFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topic := q.Get("topic")
	if topic == "" {
		RespondWithError(w, http.StatusBadRequest, "topic is required")
		return
	}
	consumer := q.Get("consumer")
	if consumer == "" {
		consumer = defaultConsumer
	}

	ctx := r.Context()
	sub, found, err := s.svc.Feeds.Get(ctx, topic)
	if err != nil {
		s.logger.Printf("Error loading feed %s: %v", topic, err)
		RespondWithError(w, http.StatusInternalServerError, "error loading feed")
		return
	}
	if !found {
		RespondWithError(w, http.StatusNotFound, "feed not tracked")
		return
	}
	if err := s.db.RemoveFeedConsumer(ctx, sub.URI, consumer); err != nil {
		s.logger.Printf("Error removing consumer for %s: %v", sub.URI, err)
		RespondWithError(w, http.StatusInternalServerError, "error removing consumer")
		return
	}
	if _, err := sub.GarbageCollect(ctx); err != nil {
		s.logger.Printf("Error releasing %s: %v", sub.URI, err)
		RespondWithError(w, http.StatusBadGateway, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, viewOf(sub))
}

// handleNotice takes a notice from the host application for distribution.
func (s *Server) handleNotice(w http.ResponseWriter, r *http.Request) {
	var n activity.Notice
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&n); err != nil {
		RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if n.Published.IsZero() {
		n.Published = time.Now().UTC()
	}
	err := s.svc.Scheduler.Submit(r.Context(), &n)
	switch {
	case errors.Is(err, distrib.ErrInvalidNotice):
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Printf("Error queueing notice %s: %v", n.URI, err)
		RespondWithError(w, http.StatusInternalServerError, "error queueing notice")
		return
	}
	RespondWithJSON(w, http.StatusAccepted, map[string]string{"uri": n.URI})
}

type inboxView struct {
	EntryURI string    `json:"entryUri"`
	Source   string    `json:"source"`
	ActorURI string    `json:"actorUri,omitempty"`
	Verb     string    `json:"verb,omitempty"`
	Received time.Time `json:"received"`
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			RespondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}
	entries, err := s.db.RecentInboxEntries(r.Context(), limit)
	if err != nil {
		s.logger.Printf("Error listing inbox: %v", err)
		RespondWithError(w, http.StatusInternalServerError, "error listing inbox")
		return
	}
	views := make([]inboxView, 0, len(entries))
	for _, e := range entries {
		views = append(views, inboxView{
			EntryURI: e.EntryURI,
			Source:   e.Source,
			ActorURI: e.ActorURI,
			Verb:     e.Verb,
			Received: e.Received,
		})
	}
	RespondWithJSON(w, http.StatusOK, views)
}
