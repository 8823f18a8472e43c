package distrib

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ostatus/internal/activity"
	"ostatus/internal/config"
	"ostatus/internal/queue"
	"ostatus/internal/salmon"

	"github.com/golang/glog"
)

var ErrInvalidNotice = errors.New("invalid notice")

// Publisher is the hub side of distribution.
type Publisher interface {
	Callbacks(ctx context.Context, topic string) ([]string, error)
	Distribute(ctx context.Context, topic, callback string, atom []byte) error
	BulkDistribute(ctx context.Context, topic string, atom []byte, callbacks []string) error
	AnnounceTopic(ctx context.Context, topic string) error
}

// Enqueuer schedules background work.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, v interface{}) error
}

// Scheduler fans notices out to subscribers and addressees.
type Scheduler struct {
	hub    Publisher
	queue  Enqueuer
	urls   activity.URLs
	cfg    config.Federation
	logger *log.Logger
}

func NewScheduler(hub Publisher, q Enqueuer, cfg config.Federation, logger *log.Logger) *Scheduler {
	return &Scheduler{
		hub:    hub,
		queue:  q,
		urls:   activity.URLs{Base: cfg.BaseURL},
		cfg:    cfg,
		logger: logger,
	}
}

// Submit queues n for distribution.
func (s *Scheduler) Submit(ctx context.Context, n *activity.Notice) error {
	switch {
	case n.URI == "":
		return fmt.Errorf("%w: missing uri", ErrInvalidNotice)
	case n.Author.URI == "":
		return fmt.Errorf("%w: missing author uri", ErrInvalidNotice)
	case n.Author.Local && n.Author.ID == "":
		return fmt.Errorf("%w: local author without id", ErrInvalidNotice)
	}
	return s.queue.Enqueue(ctx, queue.Distribute, n)
}

// HandleNotice is the ostatus queue handler.
func (s *Scheduler) HandleNotice(ctx context.Context, payload []byte) error {
	var n activity.Notice
	if err := queue.Decode(payload, &n); err != nil {
		return err
	}
	entry := n.Entry()
	targets := ComputeTargets(&n, s.urls)

	var errs []error
	queued := 0
	for _, topic := range targets.Topics {
		c, err := s.pushTopic(ctx, topic, &n, entry)
		queued += c
		if err != nil {
			errs = append(errs, fmt.Errorf("distributing to %s: %w", topic, err))
		}
	}
	if len(targets.Slaps) > 0 {
		c, err := s.slap(ctx, &n, entry, targets.Slaps)
		queued += c
		if err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil && queued > 0 {
		// A retry would queue the delivered targets again.
		s.logger.Printf("Notice %s partly distributed (%d tasks queued): %v", n.URI, queued, err)
		return queue.Permanent(err)
	}
	return err
}

func (s *Scheduler) hubURL() string {
	if s.cfg.LocalPushHub != "" {
		return s.cfg.LocalPushHub
	}
	return s.urls.Hub()
}

// pushTopic queues the fat pings for topic and reports how many tasks were
// queued, also on error.
func (s *Scheduler) pushTopic(ctx context.Context, topic string, n *activity.Notice, entry *activity.Entry) (int, error) {
	callbacks, err := s.hub.Callbacks(ctx, topic)
	if err != nil {
		return 0, err
	}
	if err := s.hub.AnnounceTopic(ctx, topic); err != nil {
		s.logger.Printf("Error announcing %s: %v", topic, err)
	}
	if len(callbacks) == 0 {
		return 0, nil
	}

	atom, err := activity.RenderFeed(topic, s.hubURL(), n.Author.Name, n.Published, entry)
	if err != nil {
		return 0, err
	}
	if glog.V(2) {
		glog.Infof("fat ping for %s: %s", topic, atom)
	}
	tasks := PlanPushes(callbacks, s.cfg.MaxUnbatched, s.cfg.BatchSize)
	for i, t := range tasks {
		if t.Batched {
			err = s.hub.BulkDistribute(ctx, topic, atom, t.Callbacks)
		} else {
			err = s.hub.Distribute(ctx, topic, t.Callbacks[0], atom)
		}
		if err != nil {
			return i, err
		}
	}
	s.logger.Printf("Queued %d push tasks for %d subscribers of %s", len(tasks), len(callbacks), topic)
	return len(tasks), nil
}

func (s *Scheduler) slap(ctx context.Context, n *activity.Notice, entry *activity.Entry, to []activity.Profile) (int, error) {
	raw, err := activity.MarshalEntry(entry)
	if err != nil {
		return 0, err
	}
	for i, p := range to {
		job := salmon.SlapJob{
			ActorID:   n.Author.ID,
			TargetURI: p.URI,
			Endpoint:  p.SalmonURL,
			Entry:     string(raw),
		}
		if err := s.queue.Enqueue(ctx, queue.SalmonOut, job); err != nil {
			return i, fmt.Errorf("queueing salmon to %s: %w", p.URI, err)
		}
	}
	return len(to), nil
}
