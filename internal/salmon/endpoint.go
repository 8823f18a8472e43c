package salmon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"ostatus/internal/activity"
	"ostatus/internal/magicenv"
	"ostatus/internal/magicsig"
	"ostatus/internal/metrics"
	"ostatus/internal/queue"

	"github.com/golang/glog"
)

var ErrNoActor = errors.New("salmon entry names no actor")

// Target is the local user or group a Salmon endpoint belongs to.
type Target struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (t Target) String() string {
	return t.Kind + ":" + t.ID
}

// Enqueuer schedules background work.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, v interface{}) error
}

// Endpoint accepts inbound envelopes. Structure is checked while the peer
// waits; the signature is checked later by a Verifier.
type Endpoint struct {
	queue   Enqueuer
	logger  *log.Logger
	metrics *metrics.Metrics
}

func NewEndpoint(q Enqueuer, logger *log.Logger, m *metrics.Metrics) *Endpoint {
	return &Endpoint{queue: q, logger: logger, metrics: m}
}

// InboundJob is the payload of a salmonin job.
type InboundJob struct {
	Target   Target `json:"target"`
	Envelope string `json:"envelope"`
}

// Accept checks body and queues it for verification, returning the status
// to answer the peer with.
func (e *Endpoint) Accept(ctx context.Context, target Target, body []byte) (int, error) {
	if glog.V(2) {
		glog.Infof("salmon for %s: %s", target, body)
	}
	env, err := magicenv.Parse(body)
	if err != nil {
		e.metrics.SalmonReceived(metrics.Rejected)
		return http.StatusBadRequest, err
	}
	entry, err := env.Payload()
	if err != nil {
		e.metrics.SalmonReceived(metrics.Rejected)
		return http.StatusBadRequest, err
	}
	if entry.ActorURI() == "" {
		e.metrics.SalmonReceived(metrics.Rejected)
		return http.StatusBadRequest, ErrNoActor
	}
	if _, err := magicsig.DecodeBase64URL(env.Sig); err != nil {
		e.metrics.SalmonReceived(metrics.Rejected)
		return http.StatusBadRequest, fmt.Errorf("%w: %v", magicsig.ErrMalformedSignature, err)
	}
	if err := e.queue.Enqueue(ctx, queue.SalmonIn, InboundJob{Target: target, Envelope: string(body)}); err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

// KeyResolver finds the public key of a remote actor. Refresh skips any
// cache.
type KeyResolver interface {
	PublicKey(ctx context.Context, actorURI string) (*magicsig.Key, error)
	Refresh(ctx context.Context, actorURI string) (*magicsig.Key, error)
}

// ActivityHandler receives entries whose signature checked out.
type ActivityHandler interface {
	HandleActivity(ctx context.Context, target Target, entry *activity.Entry, raw []byte) error
}

// Verifier checks queued envelopes against the claimed actor's key.
type Verifier struct {
	keys    KeyResolver
	handler ActivityHandler
	logger  *log.Logger
	metrics *metrics.Metrics
}

func NewVerifier(keys KeyResolver, handler ActivityHandler, logger *log.Logger, m *metrics.Metrics) *Verifier {
	return &Verifier{keys: keys, handler: handler, logger: logger, metrics: m}
}

// HandleInbound is the salmonin queue handler. Envelopes that fail
// verification are dropped without an error.
func (v *Verifier) HandleInbound(ctx context.Context, payload []byte) error {
	var job InboundJob
	if err := queue.Decode(payload, &job); err != nil {
		return err
	}
	env, err := magicenv.Parse([]byte(job.Envelope))
	if err != nil {
		return queue.Permanent(err)
	}
	entry, err := env.Payload()
	if err != nil {
		return queue.Permanent(err)
	}
	actor := entry.ActorURI()
	if actor == "" {
		return queue.Permanent(ErrNoActor)
	}

	ok, err := v.verify(ctx, env, actor)
	if errors.Is(err, magicsig.ErrMalformedSignature) {
		v.metrics.SalmonReceived(metrics.Dropped)
		return queue.Permanent(fmt.Errorf("salmon from %s: %w", actor, err))
	}
	if err != nil {
		return fmt.Errorf("verifying salmon from %s: %w", actor, err)
	}
	if !ok {
		v.logger.Printf("Dropping salmon for %s: bad signature from %s", job.Target, actor)
		v.metrics.SalmonReceived(metrics.Dropped)
		return nil
	}

	raw, err := env.RawPayload()
	if err != nil {
		return queue.Permanent(err)
	}
	if err := v.handler.HandleActivity(ctx, job.Target, entry, raw); err != nil {
		return err
	}
	v.metrics.SalmonReceived(metrics.OK)
	return nil
}

// verify tries the known key first and a freshly discovered one after a
// mismatch, since the actor may have rotated keys.
func (v *Verifier) verify(ctx context.Context, env *magicenv.Envelope, actor string) (bool, error) {
	ok, err := env.Verify(ctx, func(ctx context.Context) (*magicsig.Key, error) {
		return v.keys.PublicKey(ctx, actor)
	})
	if err != nil || ok || env.Alg != magicsig.AlgRSASHA256 || env.Encoding != magicenv.Encoding {
		return ok, err
	}
	ok, err = env.Verify(ctx, func(ctx context.Context) (*magicsig.Key, error) {
		return v.keys.Refresh(ctx, actor)
	})
	if err != nil {
		// The first key was usable, so a failed refresh is a plain mismatch.
		v.logger.Printf("Refreshing key of %s failed: %v", actor, err)
		return false, nil
	}
	return ok, nil
}
