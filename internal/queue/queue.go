// Package queue runs federation work out of band from the requests that
// cause it. Jobs are persisted so a restart does not lose pending
// deliveries.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ostatus/internal/database"
	"ostatus/internal/metrics"

	"github.com/oklog/ulid/v2"
)

// Queue names.
const (
	Distribute = "ostatus"
	HubOut     = "hubout"
	PushOut    = "pushout"
	HubConfirm = "hubconf"
	PushIn     = "pushin"
	SalmonOut  = "salmon"
	SalmonIn   = "salmonin"
)

// Names lists every queue the daemon runs.
var Names = []string{Distribute, HubOut, PushOut, HubConfirm, PushIn, SalmonOut, SalmonIn}

var ErrUnknownQueue = errors.New("unknown queue")

// Handler processes one job payload.
type Handler func(ctx context.Context, payload []byte) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Store persists jobs.
type Store interface {
	InsertJob(ctx context.Context, j database.Job) error
	ClaimJobs(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]database.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, availableAt time.Time, lastError string) error
	FailJob(ctx context.Context, id string, lastError string) error
}

type Config struct {
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
	// StaleAfter returns claimed jobs to the queue when a worker died
	// without finishing them.
	StaleAfter  time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 6 * time.Hour
	}
	return cfg
}

// Queue dispatches persisted jobs to registered handlers.
type Queue struct {
	store    Store
	cfg      Config
	logger   *log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	entropy  *ulid.MonotonicEntropy
	idMu     sync.Mutex
	handlers map[string]Handler

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func New(store Store, cfg Config, logger *log.Logger, m *metrics.Metrics) *Queue {
	return &Queue{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds h to queue name. It must be called before Start.
func (q *Queue) Register(name string, h Handler) {
	q.handlers[name] = h
}

// Enqueue stores v, JSON encoded, as a job on queue name.
func (q *Queue) Enqueue(ctx context.Context, name string, v interface{}) error {
	return q.EnqueueAt(ctx, name, v, q.now())
}

// EnqueueAt stores a job that becomes runnable at at.
func (q *Queue) EnqueueAt(ctx context.Context, name string, v interface{}, at time.Time) error {
	if _, ok := q.handlers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding %s job: %w", name, err)
	}
	if err := q.store.InsertJob(ctx, database.Job{
		ID:          q.newID(),
		Queue:       name,
		Payload:     payload,
		AvailableAt: at,
	}); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) newID() string {
	q.idMu.Lock()
	defer q.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(q.now()), q.entropy).String()
}

// Start runs the dispatcher until ctx is cancelled or Stop is called. At
// most Workers jobs run at once, and a free worker picks up the next due
// job whatever the other workers are busy with.
func (q *Queue) Start(ctx context.Context) {
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	p := newPool(q.cfg.Workers)
	slots := make(chan struct{}, q.cfg.Workers)
	var running sync.WaitGroup

	go func() {
		defer close(q.done)
		defer p.close()
		defer running.Wait()
		ticker := time.NewTicker(q.cfg.PollInterval)
		defer ticker.Stop()
		for {
			if err := q.fill(ctx, p, slots, &running); err != nil {
				q.logger.Printf("Error dispatching jobs: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-ticker.C:
			case <-q.wake:
			}
		}
	}()
}

// fill claims due jobs for every free slot. Each job gives its slot back
// and wakes the dispatcher when it finishes.
func (q *Queue) fill(ctx context.Context, p *pool, slots chan struct{}, running *sync.WaitGroup) error {
	for {
		free := 0
	acquire:
		for free < cap(slots) {
			select {
			case slots <- struct{}{}:
				free++
			default:
				break acquire
			}
		}
		if free == 0 {
			return nil
		}

		jobs, err := q.store.ClaimJobs(ctx, q.now(), free, q.cfg.StaleAfter)
		for i := len(jobs); i < free; i++ {
			<-slots
		}
		if err != nil {
			return err
		}
		for _, j := range jobs {
			j := j
			running.Add(1)
			p.schedule(func() {
				defer running.Done()
				defer q.release(slots)
				q.run(ctx, j)
			})
		}
		if len(jobs) < free || ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (q *Queue) release(slots chan struct{}) {
	<-slots
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop ends the dispatcher after in-flight jobs finish.
func (q *Queue) Stop() {
	if q.stop == nil {
		return
	}
	close(q.stop)
	<-q.done
}

// RunOnce claims and runs every due job on a temporary pool, waiting for
// each claimed round to finish, and returns how many ran.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	p := newPool(q.cfg.Workers)
	defer p.close()
	total := 0
	for {
		jobs, err := q.store.ClaimJobs(ctx, q.now(), q.cfg.Workers*4, q.cfg.StaleAfter)
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			return total, nil
		}
		var wg sync.WaitGroup
		for _, j := range jobs {
			j := j
			wg.Add(1)
			p.schedule(func() {
				defer wg.Done()
				q.run(ctx, j)
			})
		}
		wg.Wait()
		total += len(jobs)
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (q *Queue) run(ctx context.Context, j database.Job) {
	h, ok := q.handlers[j.Queue]
	if !ok {
		q.logger.Printf("No handler for queue %s, parking job %s", j.Queue, j.ID)
		q.finish(ctx, j, Permanent(fmt.Errorf("%w: %s", ErrUnknownQueue, j.Queue)))
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = Permanent(fmt.Errorf("handler panic: %v", r))
			}
		}()
		return h(ctx, j.Payload)
	}()
	q.finish(ctx, j, err)
}

func (q *Queue) finish(ctx context.Context, j database.Job, err error) {
	var storeErr error
	switch {
	case err == nil:
		q.metrics.Job(j.Queue, metrics.OK)
		storeErr = q.store.CompleteJob(ctx, j.ID)
	case IsPermanent(err) || j.Attempts >= q.cfg.MaxAttempts:
		q.logger.Printf("Job %s on %s failed after %d attempts: %v", j.ID, j.Queue, j.Attempts, err)
		q.metrics.Job(j.Queue, metrics.Failed)
		storeErr = q.store.FailJob(ctx, j.ID, err.Error())
	default:
		delay := q.backoff(j.Attempts)
		q.logger.Printf("Job %s on %s failed (attempt %d), retrying in %s: %v", j.ID, j.Queue, j.Attempts, delay, err)
		q.metrics.Job(j.Queue, metrics.Retried)
		storeErr = q.store.RetryJob(ctx, j.ID, q.now().Add(delay), err.Error())
	}
	if storeErr != nil {
		q.logger.Printf("Error recording outcome of job %s: %v", j.ID, storeErr)
	}
}

// backoff doubles from BaseBackoff per attempt, capped at MaxBackoff.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return d
}

// Decode unmarshals a job payload; a payload that cannot be decoded will
// never succeed and is reported as permanent.
func Decode(payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return Permanent(fmt.Errorf("error decoding job payload: %w", err))
	}
	return nil
}
