// Package compute runs angle extraction on a fixed set of worker
// goroutines so that ingest handlers never do the trigonometry inline.
package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meltforce/repform/internal/metrics"
	"github.com/meltforce/repform/internal/pose"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolClosed  = errors.New("compute: pool closed")
	ErrLaneTimeout = errors.New("compute: lane timed out")
)

// Config sizes the pool and its retry policy.
type Config struct {
	Workers  int
	Queue    int
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// DefaultConfig returns 4 workers, a 64 slot queue, a 5s timeout per
// attempt and 3 attempts starting at 50ms backoff.
func DefaultConfig() Config {
	return Config{Workers: 4, Queue: 64, Timeout: 5 * time.Second, Attempts: 3, Backoff: 50 * time.Millisecond}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Queue <= 0 {
		c.Queue = d.Queue
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// Extractor computes angles from one frame.
type Extractor func([]pose.Landmark) (pose.ExerciseAngles, error)

type result struct {
	angles pose.ExerciseAngles
	err    error
}

type job struct {
	ctx       context.Context
	landmarks []pose.Landmark
	reply     chan result
}

// Pool is a bounded worker pool for angle extraction.
type Pool struct {
	cfg     Config
	extract Extractor
	log     *slog.Logger

	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
	g         *errgroup.Group
}

// Option configures a Pool.
type Option func(*Pool)

// WithExtractor replaces pose.ExtractExerciseAngles.
func WithExtractor(fn Extractor) Option {
	return func(p *Pool) { p.extract = fn }
}

// New starts the workers. Close must be called to stop them.
func New(cfg Config, log *slog.Logger, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		extract: pose.ExtractExerciseAngles,
		log:     log,
		jobs:    make(chan job, cfg.Queue),
		done:    make(chan struct{}),
		g:       new(errgroup.Group),
	}
	for _, o := range opts {
		o(p)
	}
	for i := 0; i < cfg.Workers; i++ {
		p.g.Go(p.work)
	}
	log.Debug("compute pool started", "workers", cfg.Workers, "queue", cfg.Queue)
	return p
}

func (p *Pool) work() error {
	for {
		select {
		case <-p.done:
			return nil
		case j := <-p.jobs:
			if j.ctx.Err() != nil {
				// submitter gave up while queued
				continue
			}
			a, err := p.extract(j.landmarks)
			j.reply <- result{angles: a, err: err}
		}
	}
}

// Submit extracts angles on the pool. Each attempt is bounded by the
// configured timeout; timed out attempts are retried with exponential
// backoff. Geometry errors are returned at once, wrapped unchanged. When
// every attempt times out the error wraps ErrLaneTimeout.
func (p *Pool) Submit(ctx context.Context, landmarks []pose.Landmark) (pose.ExerciseAngles, error) {
	frame := make([]pose.Landmark, len(landmarks))
	copy(frame, landmarks)

	var last error
	for attempt := 0; attempt < p.cfg.Attempts; attempt++ {
		if attempt > 0 {
			metrics.ComputeRetries.Inc()
			wait := p.cfg.Backoff << (attempt - 1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return pose.ExerciseAngles{}, ctx.Err()
			case <-p.done:
				return pose.ExerciseAngles{}, ErrPoolClosed
			}
		}

		a, err := p.try(ctx, frame)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, errAttemptTimeout) {
			return pose.ExerciseAngles{}, err
		}
		last = err
		p.log.Debug("angle extraction attempt timed out", "attempt", attempt+1)
	}
	return pose.ExerciseAngles{}, fmt.Errorf("%w after %d attempts: %v", ErrLaneTimeout, p.cfg.Attempts, last)
}

var errAttemptTimeout = errors.New("attempt timed out")

func (p *Pool) try(ctx context.Context, frame []pose.Landmark) (pose.ExerciseAngles, error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	j := job{ctx: actx, landmarks: frame, reply: make(chan result, 1)}
	select {
	case p.jobs <- j:
	case <-p.done:
		return pose.ExerciseAngles{}, ErrPoolClosed
	case <-actx.Done():
		return pose.ExerciseAngles{}, p.attemptErr(ctx)
	}

	select {
	case r := <-j.reply:
		return r.angles, r.err
	case <-p.done:
		return pose.ExerciseAngles{}, ErrPoolClosed
	case <-actx.Done():
		return pose.ExerciseAngles{}, p.attemptErr(ctx)
	}
}

// attemptErr separates a caller cancellation from a per-attempt timeout.
func (p *Pool) attemptErr(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return errAttemptTimeout
}

// Close stops accepting work and waits for running extractions to finish.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return p.g.Wait()
}
