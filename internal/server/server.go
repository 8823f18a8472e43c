// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"ostatus/internal/activity"
	"ostatus/internal/auth"
	"ostatus/internal/config"
	"ostatus/internal/database"
	"ostatus/internal/distrib"
	"ostatus/internal/feedsub"
	"ostatus/internal/hubsub"
	"ostatus/internal/metrics"
	"ostatus/internal/salmon"
)

// maxBodyBytes caps pushed feeds, hub requests and salmon envelopes.
const maxBodyBytes = 5 << 20

type Config struct {
	Federation   config.Federation
	MaxBodyBytes int64
}

// Enqueuer schedules background work.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, v interface{}) error
}

// Services are the federation components the routes drive.
type Services struct {
	Auth      *auth.Service
	Feeds     *feedsub.Manager
	Hub       *hubsub.Hub
	Salmon    *salmon.Endpoint
	Scheduler *distrib.Scheduler
	Queue     Enqueuer
	Metrics   *metrics.Metrics
}

type Server struct {
	db     *database.DB
	logger *log.Logger
	svc    Services
	urls   activity.URLs
	config Config
}

func NewServer(db *database.DB, logger *log.Logger, svc Services, config Config) (*Server, error) {
	if svc.Auth == nil || svc.Feeds == nil || svc.Hub == nil || svc.Salmon == nil || svc.Scheduler == nil || svc.Queue == nil {
		return nil, errors.New("server: missing federation service")
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = maxBodyBytes
	}
	if !svc.Auth.Enabled() {
		logger.Printf("No operator password configured, admin API disabled")
	}
	return &Server{
		db:     db,
		logger: logger,
		svc:    svc,
		urls:   activity.URLs{Base: config.Federation.BaseURL},
		config: config,
	}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.svc.Metrics.Handler(s.logger))

	mux.HandleFunc("GET /main/push/callback/{id}", s.handlePushVerify)
	mux.HandleFunc("POST /main/push/callback/{id}", s.handlePushDelivery)
	mux.HandleFunc("POST /main/push/hub", s.handleHub)
	mux.HandleFunc("POST /main/salmon/user/{id}", s.handleSalmon("user"))
	mux.HandleFunc("POST /main/salmon/group/{id}", s.handleSalmon("group"))

	mux.Handle("GET /admin/feeds", s.requireAuth(s.handleGetFeed))
	mux.Handle("POST /admin/feeds", s.requireAuth(s.handleAddFeed))
	mux.Handle("DELETE /admin/feeds", s.requireAuth(s.handleRemoveFeed))
	mux.Handle("POST /admin/notices", s.requireAuth(s.handleNotice))
	mux.Handle("GET /admin/inbox", s.requireAuth(s.handleInbox))

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Printf("Health check failed: DB ping error: %v", err)
		http.Error(w, "DB Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// requireAuth guards the admin API with HTTP basic auth. Admin responses
// are JSON and get compressed.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return gzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.svc.Auth.Enabled() {
			RespondWithError(w, http.StatusServiceUnavailable, "admin API disabled")
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || s.svc.Auth.Authenticate(user, pass) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="ostatus"`)
			RespondWithError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}))
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Printf("Listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
