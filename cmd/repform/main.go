package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/meltforce/repform/internal/compute"
	"github.com/meltforce/repform/internal/config"
	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/journal"
	"github.com/meltforce/repform/internal/mcp"
	"github.com/meltforce/repform/internal/scoring"
	httpserver "github.com/meltforce/repform/internal/server"
	"github.com/meltforce/repform/internal/storage"
	"github.com/meltforce/repform/internal/tracker"
	"tailscale.com/tsnet"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	migrateOnly := flag.Bool("migrate-only", false, "run migrations and exit")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	log.Info("repform starting", "version", Version)

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	catalog, err := loadCatalog(cfg.Analysis.Catalog)
	if err != nil {
		log.Error("failed to load exercise catalog", "error", err)
		os.Exit(1)
	}
	log.Info("exercise catalog loaded", "exercises", len(catalog.List()))

	ctx := context.Background()

	// Local journal is always open: it is the history store without
	// Postgres and the fallback when Postgres is unreachable.
	jrnl, err := journal.Open(cfg.Local.StateDir)
	if err != nil {
		log.Error("failed to open journal", "dir", cfg.Local.StateDir, "error", err)
		os.Exit(1)
	}
	defer jrnl.Close()

	var (
		primary  tracker.Recorder   = jrnl
		fallback tracker.Recorder
		history  httpserver.History = jrnl
	)
	if cfg.Database.Enabled {
		dsn := cfg.Database.DSN()
		if err := storage.RunMigrations(dsn, "migrations"); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
		log.Info("migrations applied")

		if *migrateOnly {
			log.Info("migrate-only: exiting")
			return
		}

		db, err := storage.New(ctx, dsn)
		if err != nil {
			log.Error("failed to connect database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		log.Info("database connected")
		primary, fallback, history = db, jrnl, db
	} else if *migrateOnly {
		log.Info("migrate-only: database disabled, nothing to do")
		return
	}

	// Analysis core
	fc := faults.New(log, faults.WithCapacity(cfg.Analysis.History.Errors))
	defer fc.Close()

	pool := compute.New(compute.Config{
		Workers:  cfg.Analysis.Compute.Workers,
		Queue:    cfg.Analysis.Compute.Queue,
		Timeout:  cfg.Analysis.Compute.Timeout,
		Attempts: cfg.Analysis.Compute.Attempts,
		Backoff:  cfg.Analysis.Compute.Backoff,
	}, log)
	defer pool.Close()

	scorer := scoring.New(catalog.Weights(), log,
		scoring.WithReporter(fc),
		scoring.WithSessionCap(cfg.Analysis.History.Scores))

	tr, err := tracker.New(tracker.Config{
		TargetFPS:    cfg.Analysis.TargetFPS,
		StateTimeout: cfg.Analysis.StateTimeout,
		HistoryCap:   cfg.Analysis.History.Transitions,
		PerfectScore: cfg.Analysis.PerfectScore,
		NoPoseFrames: cfg.Analysis.NoPoseFrames,
	}, catalog, pool, fc, scorer, log, tracker.WithRecorder(primary, fallback))
	if err != nil {
		log.Error("failed to create tracker", "error", err)
		os.Exit(1)
	}

	// Create server
	srv := httpserver.New(httpserver.Deps{
		Tracker:     tr,
		Faults:      fc,
		Scorer:      scorer,
		Catalog:     catalog,
		History:     history,
		DefaultMode: cfg.Analysis.SkillMode,
	}, cfg.Auth.APIKey, cfg.Analysis.MaxFPS, log)

	mcpSrv := mcp.New(&mcp.Local{Tracker: tr, Faults: fc, Scorer: scorer, Catalog: catalog, History: history}, Version, log)
	srv.SetMCP(server.NewStreamableHTTPServer(mcpSrv,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return mcp.WithCaller(ctx, httpserver.UserFromRequest(r).Login)
		}),
	))

	// Start server: tsnet or plain HTTP
	var listener net.Listener
	var tsServer *tsnet.Server

	if cfg.Tailscale.Enabled {
		tsServer = &tsnet.Server{
			Hostname: cfg.Tailscale.Hostname,
			Dir:      cfg.Tailscale.StateDir,
		}
		if err := tsServer.Start(); err != nil {
			log.Error("tsnet start failed", "error", err)
			os.Exit(1)
		}
		defer tsServer.Close()

		lc, err := tsServer.LocalClient()
		if err != nil {
			log.Error("tsnet local client failed", "error", err)
			os.Exit(1)
		}
		srv.SetTailscale(func(ctx context.Context, remoteAddr string) (httpserver.UserInfo, error) {
			who, err := lc.WhoIs(ctx, remoteAddr)
			if err != nil {
				return httpserver.UserInfo{}, err
			}
			if who.UserProfile == nil {
				return httpserver.UserInfo{}, fmt.Errorf("whois %s: no user profile", remoteAddr)
			}
			return httpserver.UserInfo{Login: who.UserProfile.LoginName, DisplayName: who.UserProfile.DisplayName}, nil
		})

		listener, err = tsServer.Listen("tcp", ":80")
		if err != nil {
			log.Error("tsnet listen failed", "error", err)
			os.Exit(1)
		}
		log.Info("tsnet server starting", "hostname", cfg.Tailscale.Hostname)
	} else {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			log.Error("listen failed", "addr", addr, "error", err)
			os.Exit(1)
		}
		log.Info("server starting", "addr", addr, "mode", "dev (no tailscale)")
	}

	httpSrv := &http.Server{Handler: srv}

	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	// end live sessions so their rows carry an end time
	tr.Close(shutdownCtx)
	log.Info("server stopped")
}

func loadCatalog(path string) (*exercise.Catalog, error) {
	if path == "" {
		return exercise.Default()
	}
	return exercise.Load(path)
}
