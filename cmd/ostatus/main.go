package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ostatus/internal/activity"
	"ostatus/internal/auth"
	"ostatus/internal/config"
	"ostatus/internal/database"
	"ostatus/internal/discovery"
	"ostatus/internal/distrib"
	"ostatus/internal/feed"
	"ostatus/internal/feedsub"
	"ostatus/internal/fedhttp"
	"ostatus/internal/hubsub"
	"ostatus/internal/magicsig"
	"ostatus/internal/metrics"
	"ostatus/internal/queue"
	"ostatus/internal/salmon"
	"ostatus/internal/server"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Version will be set during build
	Version = "dev"

	// Command line flags
	configPath = flag.String("config", "", "Path to YAML config file (default: none, OSTATUS_* environment only)")
	port       = flag.Int("port", 0, "Port to run the server on (default: 8080 or OSTATUS_PORT)")
	dbPath     = flag.String("db", "", "Path to database file (default: data/ostatus.db or OSTATUS_DB_PATH)")
	dataPath   = flag.String("data", "", "Path to data directory (default: data or OSTATUS_DATA_PATH)")
	version    = flag.Bool("version", false, "Print version information")
)

// maintenanceEvery is how often leases are renewed and expired.
const maintenanceEvery = time.Hour

func main() {
	// glog registers its -v and -logtostderr flags on the default set.
	flag.Parse()

	if *version {
		fmt.Printf("ostatus version %s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *dataPath != "" {
		cfg.DataPath = *dataPath
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer rotating.Close()
		out = io.MultiWriter(os.Stdout, rotating)
	}
	logger := log.New(out, "ostatus: ", log.LstdFlags|log.Lshortfile)

	if err := cfg.Federation.Validate(); err != nil {
		logger.Fatalf("Invalid federation settings: %v", err)
	}

	logger.Printf("Starting ostatus v%s", Version)
	logger.Printf("Port: %d", cfg.Port)
	logger.Printf("Database: %s", cfg.DBPath)
	logger.Printf("Base URL: %s", cfg.Federation.BaseURL)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		logger.Fatalf("Failed to create database directory: %v", err)
	}
	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		logger.Fatalf("Failed to create data directory: %v", err)
	}

	db, err := database.NewDB(cfg.DBPath, database.DefaultConfig())
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, db, logger); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Printf("Shut down cleanly")
}

func run(ctx context.Context, cfg config.Config, db *database.DB, logger *log.Logger) error {
	fed := cfg.Federation
	urls := activity.URLs{Base: fed.BaseURL}

	m := metrics.New("ostatus")
	m.Register(metrics.NewQueueCollector("ostatus", db, logger, queue.Names...))

	transport := fedhttp.NewTransport(fed)
	client := fedhttp.NewClient(fed, transport)
	noRedirect := fedhttp.NewNoRedirectClient(fed, transport)

	lookup := discovery.NewClient(client, discovery.Config{Logger: logger})
	keys := discovery.NewKeyResolver(lookup, db, 0, logger)
	keyring := magicsig.NewKeyring(db, fed.KeyBits, fed.KeySealSecret, logger)

	jobs := queue.New(db, queue.Config{
		Workers:     fed.Workers,
		MaxAttempts: fed.MaxAttempts,
	}, logger, m)

	inbox := feed.NewInbox(db, logger)
	feeds := feedsub.NewManager(db, discovery.NewFeedFinder(client, logger),
		feedsub.NewHTTPTransport(noRedirect), db, inbox, fed, logger, m)
	hub := hubsub.NewHub(db, jobs, noRedirect, noRedirect, fed, urls.OwnsTopic, logger, m)
	slaps := salmon.NewClient(keyring, keys, noRedirect, logger, m)
	verifier := salmon.NewVerifier(keys, inbox, logger, m)
	scheduler := distrib.NewScheduler(hub, jobs, fed, logger)

	jobs.Register(queue.Distribute, scheduler.HandleNotice)
	jobs.Register(queue.HubOut, hub.HandleOut)
	jobs.Register(queue.PushOut, hub.HandlePublish)
	jobs.Register(queue.HubConfirm, hub.HandleConfirm)
	jobs.Register(queue.PushIn, feed.PushHandler(feeds))
	jobs.Register(queue.SalmonOut, slaps.HandleSlap)
	jobs.Register(queue.SalmonIn, verifier.HandleInbound)
	jobs.Start(ctx)
	defer jobs.Stop()

	poller := feed.NewPoller(feeds, client, fed.PollEvery, fed.Workers, logger)
	poller.Start(ctx)
	defer poller.Stop()

	go maintain(ctx, feeds, hub, logger)

	srv, err := server.NewServer(db, logger, server.Services{
		Auth:      auth.NewService(cfg.Operator.Username, cfg.Operator.PasswordHash),
		Feeds:     feeds,
		Hub:       hub,
		Salmon:    salmon.NewEndpoint(jobs, logger, m),
		Scheduler: scheduler,
		Queue:     jobs,
		Metrics:   m,
	}, server.Config{Federation: fed})
	if err != nil {
		return err
	}

	logger.Printf("Starting server on port %d", cfg.Port)
	return srv.Start(ctx, cfg.GetAddress())
}

// maintain renews subscriptions whose lease ends within a day and drops
// expired subscribers of our own hub.
func maintain(ctx context.Context, feeds *feedsub.Manager, hub *hubsub.Hub, logger *log.Logger) {
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()

	for {
		renewLeases(ctx, feeds, logger)
		if n, err := hub.ExpireLeases(ctx); err != nil {
			logger.Printf("Error expiring hub leases: %v", err)
		} else if n > 0 {
			logger.Printf("Expired %d hub subscriptions", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func renewLeases(ctx context.Context, feeds *feedsub.Manager, logger *log.Logger) {
	subs, err := feeds.EndingBefore(ctx, time.Now().Add(24*time.Hour))
	if errors.Is(err, feedsub.ErrNoneFound) {
		return
	}
	if err != nil {
		logger.Printf("Error listing subscriptions to renew: %v", err)
		return
	}
	for _, s := range subs {
		if ctx.Err() != nil {
			return
		}
		if err := s.Renew(ctx); err != nil {
			logger.Printf("Error renewing %s: %v", s.URI, err)
		}
	}
}
