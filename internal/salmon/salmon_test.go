package salmon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ostatus/internal/activity"
	"ostatus/internal/database"
	"ostatus/internal/magicenv"
	"ostatus/internal/magicsig"
	"ostatus/internal/queue"

	"github.com/stretchr/testify/require"
)

const (
	aliceURI = "http://local.example/user/1"
	bobURI   = "http://remote.example/user/bob"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs [][]byte
}

func (q *recordingQueue) Enqueue(ctx context.Context, name string, v interface{}) error {
	if name != queue.SalmonIn {
		return errors.New("unexpected queue " + name)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, b)
	q.mu.Unlock()
	return nil
}

type staticKeys struct {
	keys      map[string]*magicsig.Key
	refreshed map[string]*magicsig.Key
	lookups   int
}

func (s *staticKeys) PublicKey(ctx context.Context, uri string) (*magicsig.Key, error) {
	s.lookups++
	k, ok := s.keys[uri]
	if !ok {
		return nil, errors.New("unknown actor " + uri)
	}
	return k.Public(), nil
}

func (s *staticKeys) Refresh(ctx context.Context, uri string) (*magicsig.Key, error) {
	k, ok := s.refreshed[uri]
	if !ok {
		return nil, errors.New("no fresher key for " + uri)
	}
	return k.Public(), nil
}

type capturedActivity struct {
	target Target
	entry  *activity.Entry
	raw    []byte
}

type captureHandler struct {
	got []capturedActivity
}

func (h *captureHandler) HandleActivity(ctx context.Context, target Target, entry *activity.Entry, raw []byte) error {
	h.got = append(h.got, capturedActivity{target, entry, raw})
	return nil
}

func newKeyring(t *testing.T) *magicsig.Keyring {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "salmon.db"), database.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return magicsig.NewKeyring(db, 1024, "", log.New(io.Discard, "", 0))
}

func replyEntry(t *testing.T) []byte {
	t.Helper()
	n := &activity.Notice{
		URI:       "tag:local.example,2024:noticeId=7",
		Content:   "@bob thanks",
		Published: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Author:    activity.Profile{ID: "1", URI: aliceURI, Name: "alice", Local: true},
		InReplyTo: &activity.Reply{URI: "tag:remote.example,2024:note/1", Author: activity.Profile{URI: bobURI}},
		Mentions:  []activity.Profile{{URI: bobURI}},
	}
	raw, err := activity.MarshalEntry(n.Entry())
	require.NoError(t, err)
	return raw
}

func TestReplyReachesRemoteActorVerified(t *testing.T) {
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)
	keyring := newKeyring(t)

	// Bob's server.
	inbox := &recordingQueue{}
	endpoint := NewEndpoint(inbox, logger, nil)
	var posted []byte
	var ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype = r.Header.Get("Content-Type")
		posted, _ = io.ReadAll(r.Body)
		status, err := endpoint.Accept(r.Context(), Target{Kind: "user", ID: "bob"}, posted)
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	// Alice's server.
	client := NewClient(keyring, nil, srv.Client(), logger, nil)
	require.NoError(t, client.Post(ctx, srv.URL, "1", replyEntry(t)))

	require.Equal(t, magicenv.ContentType, ctype)
	env, err := magicenv.Parse(posted)
	require.NoError(t, err)
	require.Equal(t, "RSA-SHA256", env.Alg)
	require.Equal(t, "base64url", env.Encoding)
	require.Len(t, inbox.jobs, 1)

	aliceKey, err := keyring.ForActor(ctx, "1")
	require.NoError(t, err)
	keys := &staticKeys{keys: map[string]*magicsig.Key{aliceURI: aliceKey}}
	handler := &captureHandler{}
	verifier := NewVerifier(keys, handler, logger, nil)
	require.NoError(t, verifier.HandleInbound(ctx, inbox.jobs[0]))

	require.Len(t, handler.got, 1)
	got := handler.got[0]
	require.Equal(t, Target{Kind: "user", ID: "bob"}, got.target)
	require.Equal(t, aliceURI, got.entry.Author.URI)
	require.Equal(t, "tag:local.example,2024:noticeId=7", got.entry.ID)
	require.Contains(t, got.entry.Mentions(), bobURI)
}

func TestVerifierDropsForgeries(t *testing.T) {
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)
	signer, err := magicsig.Generate(1024)
	require.NoError(t, err)
	other, err := magicsig.Generate(1024)
	require.NoError(t, err)

	env, err := magicenv.Sign(replyEntry(t), activity.AtomContentType, signer)
	require.NoError(t, err)
	job, _ := json.Marshal(InboundJob{Target: Target{Kind: "user", ID: "bob"}, Envelope: string(env.ToXML())})

	// The published key is not the one that signed.
	handler := &captureHandler{}
	keys := &staticKeys{keys: map[string]*magicsig.Key{aliceURI: other}}
	require.NoError(t, NewVerifier(keys, handler, logger, nil).HandleInbound(ctx, job))
	require.Empty(t, handler.got)

	// A rotated key is picked up on refresh.
	keys.refreshed = map[string]*magicsig.Key{aliceURI: signer}
	require.NoError(t, NewVerifier(keys, handler, logger, nil).HandleInbound(ctx, job))
	require.Len(t, handler.got, 1)

	// Key discovery failure is retried by the queue, not swallowed.
	keys = &staticKeys{}
	err = NewVerifier(keys, handler, logger, nil).HandleInbound(ctx, job)
	require.Error(t, err)

	// An undecodable signature will never verify, so it is not retried.
	garbled := *env
	garbled.Sig = "not*base64!"
	job, _ = json.Marshal(InboundJob{Envelope: string(garbled.ToXML())})
	keys = &staticKeys{keys: map[string]*magicsig.Key{aliceURI: signer}}
	err = NewVerifier(keys, handler, logger, nil).HandleInbound(ctx, job)
	require.True(t, queue.IsPermanent(err), "malformed signature is permanent: %v", err)
	require.ErrorIs(t, err, magicsig.ErrMalformedSignature)
	require.Len(t, handler.got, 1)

	// Unsupported algorithms never reach key discovery.
	env.Alg = "RSA-SHA1"
	job, _ = json.Marshal(InboundJob{Envelope: string(env.ToXML())})
	keys = &staticKeys{}
	require.NoError(t, NewVerifier(keys, handler, logger, nil).HandleInbound(ctx, job))
	require.Zero(t, keys.lookups)
	require.Len(t, handler.got, 1)
}

func TestEndpointRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	q := &recordingQueue{}
	e := NewEndpoint(q, log.New(io.Discard, "", 0), nil)
	signer, err := magicsig.Generate(1024)
	require.NoError(t, err)

	notAtom, err := magicenv.Sign([]byte(`{"type":"Note"}`), "application/json", signer)
	require.NoError(t, err)
	noActor, err := magicenv.Sign([]byte(`<entry xmlns="http://www.w3.org/2005/Atom"><id>x</id></entry>`), activity.AtomContentType, signer)
	require.NoError(t, err)

	badSig, err := magicenv.Sign(replyEntry(t), activity.AtomContentType, signer)
	require.NoError(t, err)
	badSig.Sig = "not*base64!"

	for name, body := range map[string][]byte{
		"garbage":  []byte("hello"),
		"no env":   []byte(`<feed xmlns="http://www.w3.org/2005/Atom"/>`),
		"not atom": notAtom.ToXML(),
		"no actor": noActor.ToXML(),
		"bad sig":  badSig.ToXML(),
	} {
		status, err := e.Accept(ctx, Target{Kind: "user", ID: "1"}, body)
		require.Error(t, err, name)
		require.Equal(t, http.StatusBadRequest, status, name)
	}
	require.Empty(t, q.jobs)
}

type fixedFinder string

func (f fixedFinder) SalmonURL(ctx context.Context, uri string) (string, error) {
	return string(f), nil
}

func TestHandleSlap(t *testing.T) {
	ctx := context.Background()
	status := http.StatusCreated
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(status)
	}))
	defer srv.Close()

	keyring := newKeyring(t)
	logger := log.New(io.Discard, "", 0)
	job, _ := json.Marshal(SlapJob{ActorID: "1", TargetURI: bobURI, Entry: string(replyEntry(t))})

	c := NewClient(keyring, fixedFinder(srv.URL), srv.Client(), logger, nil)
	require.NoError(t, c.HandleSlap(ctx, job))
	require.Equal(t, 1, hits)

	status = http.StatusForbidden
	err := c.HandleSlap(ctx, job)
	require.True(t, queue.IsPermanent(err), "4xx is permanent: %v", err)

	status = http.StatusServiceUnavailable
	err = c.HandleSlap(ctx, job)
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))

	// Actors without an endpoint are skipped.
	c = NewClient(keyring, fixedFinder(""), srv.Client(), logger, nil)
	hits = 0
	require.NoError(t, c.HandleSlap(ctx, job))
	require.Zero(t, hits)
}
