// Package replay feeds recorded landmark frames through a tracker session.
// Recordings are JSON Lines, one frame per line, optionally gzip or zstd
// compressed.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/pose"
	"github.com/meltforce/repform/internal/tracker"
)

// maxLine bounds a single recorded frame.
const maxLine = 1 << 20

// Frame is one recorded line.
type Frame struct {
	Landmarks []pose.Landmark `json:"landmarks"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stats tracks replay progress.
type Stats struct {
	Lines     int
	Malformed int
	Processed int
	Skipped   int
	NoPose    int

	RepsCounted  int
	RepsRejected int
	Rejections   map[string]int

	Summary *tracker.Summary
}

// Replayer runs recordings through a tracker.
type Replayer struct {
	tracker *tracker.Tracker
	log     *slog.Logger
	// Interval spaces frames that carry no timestamp.
	Interval time.Duration
}

// New creates a Replayer. Frames without a timestamp are spaced 1/30s
// apart.
func New(t *tracker.Tracker, log *slog.Logger) *Replayer {
	return &Replayer{tracker: t, log: log, Interval: time.Second / 30}
}

// ReplayFile opens path, decompressing by extension (.gz, .zst), and
// replays it into a new session.
func (rp *Replayer) ReplayFile(ctx context.Context, path, exerciseID string, mode phase.SkillMode) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening recording: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	return rp.Replay(ctx, r, "", exerciseID, mode)
}

// Replay starts a session, feeds it every frame in r and ends it.
// Malformed lines are counted and skipped. An empty sessionID gets a
// generated one.
func (rp *Replayer) Replay(ctx context.Context, r io.Reader, sessionID, exerciseID string, mode phase.SkillMode) (*Stats, error) {
	sess, err := rp.tracker.Start(ctx, sessionID, exerciseID, mode)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	id := sess.ID()
	stats := &Stats{Rejections: map[string]int{}}

	runErr := rp.feed(ctx, r, id, stats)

	sum, err := rp.tracker.End(ctx, id)
	if err != nil {
		return stats, errors.Join(runErr, fmt.Errorf("ending session: %w", err))
	}
	stats.Summary = &sum
	return stats, runErr
}

func (rp *Replayer) feed(ctx context.Context, r io.Reader, id string, stats *Stats) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)

	var last time.Time
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		stats.Lines++

		var fr Frame
		if err := json.Unmarshal([]byte(line), &fr); err != nil {
			stats.Malformed++
			rp.log.Warn("skipping malformed frame", "line", stats.Lines, "error", err)
			continue
		}
		at := fr.Timestamp
		if at.IsZero() {
			if last.IsZero() {
				last = time.Now()
			}
			at = last.Add(rp.Interval)
		}
		last = at

		res, err := rp.tracker.ProcessFrame(ctx, id, fr.Landmarks, at)
		if err != nil {
			return fmt.Errorf("line %d: %w", stats.Lines, err)
		}
		stats.Processed++
		switch {
		case res.NoPose:
			stats.NoPose++
		case res.Skipped:
			stats.Skipped++
		}
		if res.Rep != nil {
			if res.Rep.Counted {
				stats.RepsCounted++
			} else {
				stats.RepsRejected++
				stats.Rejections[res.Rep.Reason]++
			}
			rp.log.Info("rep", "number", res.Rep.Number, "counted", res.Rep.Counted,
				"reason", res.Rep.Reason, "score", res.Rep.Score.Overall, "grade", res.Rep.Score.Grade)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading recording: %w", err)
	}
	return nil
}
