package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/meltforce/repform/internal/compute"
	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/journal"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/replay"
	"github.com/meltforce/repform/internal/scoring"
	"github.com/meltforce/repform/internal/tracker"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	path := flag.String("path", "", "recording to replay (.jsonl, .jsonl.gz or .jsonl.zst)")
	exerciseID := flag.String("exercise", "squat", "exercise ID")
	skill := flag.String("skill", "beginner", "skill mode (beginner or pro)")
	catalogPath := flag.String("catalog", "", "optional exercise catalog merged over the built-in one")
	stateDir := flag.String("state-dir", "", "persist the session to the journal in this directory")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("repform-replay", Version)
		return
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *path == "" {
		fmt.Fprintf(os.Stderr, "Usage: repform-replay -path recording.jsonl [-exercise squat] [-skill beginner] [-state-dir DIR]\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	mode, err := phase.ParseSkillMode(*skill)
	if err != nil {
		log.Error("invalid skill mode", "error", err)
		os.Exit(1)
	}

	catalog, err := exercise.Default()
	if *catalogPath != "" {
		catalog, err = exercise.Load(*catalogPath)
	}
	if err != nil {
		log.Error("failed to load exercise catalog", "error", err)
		os.Exit(1)
	}

	fc := faults.New(log)
	defer fc.Close()
	pool := compute.New(compute.DefaultConfig(), log)
	defer pool.Close()
	scorer := scoring.New(catalog.Weights(), log, scoring.WithReporter(fc))

	var opts []tracker.Option
	if *stateDir != "" {
		j, err := journal.Open(*stateDir)
		if err != nil {
			log.Error("failed to open journal", "dir", *stateDir, "error", err)
			os.Exit(1)
		}
		defer j.Close()
		opts = append(opts, tracker.WithRecorder(j, nil))
	}

	// replayed timestamps are far apart from wall clock; skip the fps check
	tr, err := tracker.New(tracker.Config{TargetFPS: 0.1}, catalog, pool, fc, scorer, log, opts...)
	if err != nil {
		log.Error("failed to create tracker", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	stats, err := replay.New(tr, log).ReplayFile(ctx, *path, *exerciseID, mode)
	tr.Close(ctx)
	if err != nil {
		log.Error("replay failed", "error", err)
		if stats != nil {
			printStats(log, stats)
		}
		os.Exit(1)
	}

	printStats(log, stats)
	if fs := fc.Stats(); fs.Total > 0 {
		log.Info("faults", "total", fs.Total, "by_category", fs.ByCategory, "recovery_rate", fs.RecoveryRate)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats.Summary); err != nil {
		log.Error("writing summary", "error", err)
		os.Exit(1)
	}
}

func printStats(log *slog.Logger, stats *replay.Stats) {
	log.Info("replay stats",
		"lines", stats.Lines,
		"malformed", stats.Malformed,
		"processed", stats.Processed,
		"skipped", stats.Skipped,
		"no_pose", stats.NoPose,
		"reps_counted", stats.RepsCounted,
		"reps_rejected", stats.RepsRejected,
	)
	if len(stats.Rejections) > 0 {
		log.Info("rejections by reason", "reasons", stats.Rejections)
	}
}
