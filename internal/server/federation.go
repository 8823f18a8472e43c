package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"ostatus/internal/feed"
	"ostatus/internal/feedsub"
	"ostatus/internal/queue"
	"ostatus/internal/salmon"
)

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// readBody reads at most limit bytes. A larger body is an error.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return body, nil
}

// handlePushVerify answers a hub confirming our subscribe or unsubscribe
// intent by echoing the challenge.
func (s *Server) handlePushVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	v := feedsub.Verification{
		Mode:      q.Get("hub.mode"),
		Topic:     q.Get("hub.topic"),
		Challenge: q.Get("hub.challenge"),
	}
	if lease := q.Get("hub.lease_seconds"); lease != "" {
		n, err := strconv.Atoi(lease)
		if err != nil {
			http.Error(w, "bad hub.lease_seconds", http.StatusBadRequest)
			return
		}
		v.LeaseSeconds = n
	}

	challenge, err := s.svc.Feeds.VerifyIntent(r.Context(), id, v)
	switch {
	case errors.Is(err, feedsub.ErrVerificationDenied):
		s.logger.Printf("Refusing %s verification for subscription %d (%s)", v.Mode, id, v.Topic)
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.Printf("Error verifying subscription %d: %v", id, err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// handlePushDelivery queues a fat ping for checking. The hub always gets a
// 2xx for a well-formed request, whatever the signature turns out to be.
func (s *Server) handlePushDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	body, err := readBody(r, s.config.MaxBodyBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	job := feed.PushJob{
		SubscriptionID: id,
		Body:           string(body),
		Signature:      r.Header.Get("X-Hub-Signature"),
	}
	if err := s.svc.Queue.Enqueue(r.Context(), queue.PushIn, job); err != nil {
		s.logger.Printf("Error queueing push for subscription %d: %v", id, err)
		http.Error(w, "try again later", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleHub takes subscribe and unsubscribe requests for our feeds.
func (s *Server) handleHub(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	status, err := s.svc.Hub.HandleRequest(r.Context(), r.PostForm)
	if err != nil {
		if status >= http.StatusInternalServerError {
			s.logger.Printf("Hub request failed: %v", err)
			http.Error(w, http.StatusText(status), status)
			return
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(status)
}

func (s *Server) handleSalmon(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			http.NotFound(w, r)
			return
		}
		body, err := readBody(r, s.config.MaxBodyBytes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		// Only the body is authoritative; legacy peers label envelopes as
		// plain Atom.
		status, err := s.svc.Salmon.Accept(r.Context(), salmon.Target{Kind: kind, ID: id}, body)
		if err != nil {
			if status >= http.StatusInternalServerError {
				s.logger.Printf("Error accepting salmon for %s %s: %v", kind, id, err)
				http.Error(w, http.StatusText(status), status)
				return
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(status)
	}
}
