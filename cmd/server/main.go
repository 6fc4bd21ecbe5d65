package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenwatch/backend/internal/config"
	"github.com/tokenwatch/backend/internal/mock"
	"github.com/tokenwatch/backend/internal/session"
	"github.com/tokenwatch/backend/internal/tracker"
	"github.com/tokenwatch/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	root := flag.String("root", "", "Override session log root directory")
	authToken := flag.String("token", "", "API auth token (empty disables auth)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	mockMode := flag.Bool("mock", false, "Generate synthetic session logs")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *root != "" {
		cfg.Tracker.RootDir = *root
	}
	if *debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mockMode {
		dir, err := os.MkdirTemp("", "tokenwatch-mock-")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create mock root")
		}
		defer os.RemoveAll(dir)
		cfg.Tracker.RootDir = dir

		gen := mock.NewGenerator(dir, time.Second, log)
		if err := gen.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start mock generator")
		}
		log.Info().Str("root", dir).Msg("running in mock mode")
	}

	// The broadcaster needs the tracker for snapshots and the tracker
	// needs the broadcaster as its sink; bridge the cycle with a late
	// bind through a small indirection.
	var tr *tracker.Tracker
	source := &deferredSource{}

	broadcaster := ws.NewBroadcaster(source, cfg.Tracker.BroadcastThrottle, cfg.Tracker.SnapshotInterval, log)
	defer broadcaster.Stop()

	tr, err = tracker.New(cfg.Tracker, broadcaster, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build tracker")
	}
	source.tracker = tr

	if err := tr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start tracker")
	}
	defer tr.Stop()

	log.Info().Str("root", cfg.Tracker.RootDir).Int("max_sessions", cfg.Tracker.MaxSessions).
		Msg("tracking session logs")

	server := ws.NewServer(source, broadcaster, nil, *authToken, log)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		tr.Stop()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

// deferredSource lets the broadcaster be constructed before the tracker
// that feeds it.
type deferredSource struct {
	tracker *tracker.Tracker
}

func (d *deferredSource) Snapshots() []session.Snapshot {
	if d.tracker == nil {
		return nil
	}
	return d.tracker.Snapshots()
}

func (d *deferredSource) Parses() int64 {
	if d.tracker == nil {
		return 0
	}
	return d.tracker.Parses()
}
