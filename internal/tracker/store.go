package tracker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/meltforce/repform/internal/faults"
)

// store routes writes to the primary recorder until it looks unreachable,
// then to the fallback for the rest of the process lifetime.
type store struct {
	mu       sync.Mutex
	primary  Recorder
	fallback Recorder
	degraded bool

	faults *faults.Controller
	log    *slog.Logger
}

func (s *store) current() Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return s.fallback
	}
	return s.primary
}

func (s *store) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// persist runs write against the current recorder. Failures are reported
// to the fault controller and never returned; the recoveries decided on
// are handed back instead.
func (s *store) persist(ctx context.Context, write func(Recorder) error) []faults.Recovery {
	r := s.current()
	if r == nil {
		return nil
	}
	err := write(r)
	if err == nil {
		return nil
	}

	if !isNetwork(err) {
		return []faults.Recovery{s.faults.HandleStorageError(err)}
	}

	recs := []faults.Recovery{s.faults.HandleNetworkError(err)}
	fb := s.switchToFallback()
	if fb == nil {
		return recs
	}
	if err := write(fb); err != nil {
		recs = append(recs, s.faults.HandleStorageError(err))
	}
	return recs
}

func (s *store) switchToFallback() Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback == nil {
		return nil
	}
	if !s.degraded {
		s.degraded = true
		s.log.Warn("database unreachable, writing to local journal")
	}
	return s.fallback
}

func isNetwork(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err)
}
