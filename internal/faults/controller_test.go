package faults

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestController(t *testing.T, opts ...Option) (*Controller, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(log, append([]Option{WithClock(clk.Now)}, opts...)...)
	t.Cleanup(c.Close)
	return c, clk
}

// TestStrategyFor verifies the retry policy table, including that the
// result depends on nothing but its arguments.
func TestStrategyFor(t *testing.T) {
	tests := []struct {
		cat  Category
		sev  Severity
		want Strategy
	}{
		{CategoryCamera, SeverityCritical, Strategy{0, 0, FallbackStop, true}},
		{CategoryStorage, SeverityCritical, Strategy{0, 0, FallbackStop, true}},
		{CategoryDetection, SeverityHigh, Strategy{2, 1000, FallbackPause, true}},
		{CategoryAngle, SeverityHigh, Strategy{1, 1000, FallbackPause, true}},
		{CategoryNetwork, SeverityMedium, Strategy{5, 500, FallbackContinue, false}},
		{CategoryStorage, SeverityLow, Strategy{10, 100, FallbackContinue, false}},
	}
	for _, tt := range tests {
		got := StrategyFor(tt.cat, tt.sev)
		assert.Equal(t, tt.want, got, "StrategyFor(%s, %s)", tt.cat, tt.sev)
	}

	c, _ := newTestController(t)
	before := StrategyFor(CategoryCamera, SeverityCritical)
	for i := 0; i < 10; i++ {
		c.HandleCameraError(errors.New("denied"))
	}
	assert.Equal(t, before, StrategyFor(CategoryCamera, SeverityCritical))
}

// TestHandlersAssignSeverityAndAction checks every entry point against its
// policy row.
func TestHandlersAssignSeverityAndAction(t *testing.T) {
	c, _ := newTestController(t)
	boom := errors.New("boom")

	tests := []struct {
		name     string
		call     func() Recovery
		category Category
		severity Severity
		rec      Recovery
	}{
		{"detection", func() Recovery { return c.HandleDetectionFailure(0.5, 12) },
			CategoryDetection, SeverityHigh, Recovery{true, ActionLowerConfidence}},
		{"angle few missing", func() Recovery { return c.HandleAngleCalculationError(boom, []string{"left_knee"}) },
			CategoryAngle, SeverityMedium, Recovery{true, ActionInterpolate}},
		{"angle many missing", func() Recovery {
			return c.HandleAngleCalculationError(boom, []string{"left_hip", "left_knee", "left_ankle"})
		}, CategoryAngle, SeverityHigh, Recovery{true, ActionSkipFrame}},
		{"state machine", func() Recovery { return c.HandleStateMachineError("stuck", nil) },
			CategoryStateMachine, SeverityMedium, Recovery{true, ActionResetStateMachine}},
		{"performance mild", func() Recovery { return c.HandlePerformanceIssue(20, 30) },
			CategoryPerformance, SeverityMedium, Recovery{true, ActionReduceFrequency}},
		{"performance severe", func() Recovery { return c.HandlePerformanceIssue(10, 30) },
			CategoryPerformance, SeverityHigh, Recovery{true, ActionReduceResAndFreq}},
		{"camera", func() Recovery { return c.HandleCameraError(boom) },
			CategoryCamera, SeverityCritical, Recovery{false, ActionRequestCameraPermit}},
		{"network", func() Recovery { return c.HandleNetworkError(boom) },
			CategoryNetwork, SeverityMedium, Recovery{true, ActionLocalOnly}},
		{"storage", func() Recovery { return c.HandleStorageError(boom) },
			CategoryStorage, SeverityLow, Recovery{true, ActionContinueNoPersisting}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.Clear()
			assert.Equal(t, tt.rec, tt.call())

			errs := c.Errors()
			require.Len(t, errs, 1)
			assert.Equal(t, tt.category, errs[0].Category)
			assert.Equal(t, tt.severity, errs[0].Severity)
			assert.Equal(t, tt.rec.Recovered, errs[0].Recovered)
			assert.Equal(t, tt.rec.Action, errs[0].RecoveryAction)
			assert.NotEmpty(t, errs[0].ID)
		})
	}
}

// TestRepeatedCameraErrors logs 35 camera faults after one clear.
func TestRepeatedCameraErrors(t *testing.T) {
	c, _ := newTestController(t)
	c.HandleNetworkError(nil)
	c.Clear()

	for i := 0; i < 35; i++ {
		rec := c.HandleCameraError(errors.New("permission denied"))
		assert.False(t, rec.Recovered)
	}

	s := c.Stats()
	assert.Equal(t, 35, s.Total)
	assert.Equal(t, 35, s.ByCategory[CategoryCamera])
	assert.Equal(t, 35, s.BySeverity[SeverityCritical])
	assert.Equal(t, 0, s.Recovered)
	assert.Zero(t, s.RecoveryRate)
	assert.Len(t, s.Recent, 10)
}

// TestRingBufferEvictsOldest fills past capacity and checks that only the
// newest entries survive, in order.
func TestRingBufferEvictsOldest(t *testing.T) {
	c, _ := newTestController(t, WithCapacity(3))
	for i := 0; i < 5; i++ {
		c.HandleStateMachineError(string(rune('a'+i)), nil)
	}

	errs := c.Errors()
	require.Len(t, errs, 3)
	assert.Equal(t, "c", errs[0].Message)
	assert.Equal(t, "d", errs[1].Message)
	assert.Equal(t, "e", errs[2].Message)

	s := c.Stats()
	assert.Equal(t, "e", s.Recent[0].Message)
}

func TestStatsRecoveryRate(t *testing.T) {
	c, _ := newTestController(t)
	c.HandleCameraError(nil)
	c.HandleStorageError(nil)
	c.HandleStorageError(nil)
	c.HandleNetworkError(nil)

	s := c.Stats()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 3, s.Recovered)
	assert.InDelta(t, 0.75, s.RecoveryRate, 1e-9)
}

// TestIsSystemHealthy walks the three unhealthy rules and the 60 second
// window.
func TestIsSystemHealthy(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		c, _ := newTestController(t)
		h := c.IsSystemHealthy()
		assert.True(t, h.Healthy)
		assert.Empty(t, h.Issues)
	})

	t.Run("critical", func(t *testing.T) {
		c, _ := newTestController(t)
		c.HandleCameraError(nil)
		h := c.IsSystemHealthy()
		assert.False(t, h.Healthy)
		require.Len(t, h.Recommendations, 1)
		assert.Contains(t, h.Recommendations[0], "camera")
	})

	t.Run("three high is fine, four is not", func(t *testing.T) {
		c, _ := newTestController(t)
		for i := 0; i < 3; i++ {
			c.HandleDetectionFailure(0.5, 30)
		}
		assert.True(t, c.IsSystemHealthy().Healthy)

		c.HandleDetectionFailure(0.5, 30)
		h := c.IsSystemHealthy()
		assert.False(t, h.Healthy)
		assert.Contains(t, h.Recommendations, "Restart the session.")
	})

	t.Run("performance", func(t *testing.T) {
		c, _ := newTestController(t)
		for i := 0; i < 6; i++ {
			c.HandlePerformanceIssue(25, 30)
		}
		h := c.IsSystemHealthy()
		assert.False(t, h.Healthy)
		assert.Equal(t, 6, h.RecentErrors)
	})

	t.Run("old errors age out", func(t *testing.T) {
		c, clk := newTestController(t)
		c.HandleCameraError(nil)
		clk.Advance(61 * time.Second)
		h := c.IsSystemHealthy()
		assert.True(t, h.Healthy)
		assert.Equal(t, 0, h.RecentErrors)
		assert.Equal(t, 1, c.Stats().Total)
	})
}

// TestSubscribersReceiveBeforeReturn verifies the fault is already queued
// for every subscriber when the handler returns.
func TestSubscribersReceiveBeforeReturn(t *testing.T) {
	c, _ := newTestController(t)
	id1, ch1, err := c.Subscribe(4)
	require.NoError(t, err)
	_, ch2, err := c.Subscribe(4)
	require.NoError(t, err)

	c.HandleStorageError(errors.New("disk full"))

	require.Len(t, ch1, 1)
	require.Len(t, ch2, 1)
	got := <-ch1
	assert.Equal(t, CategoryStorage, got.Category)
	assert.Equal(t, "disk full", got.Message)
	<-ch2

	require.NoError(t, c.Unsubscribe(id1))
	c.HandleStorageError(nil)
	_, open := <-ch1
	assert.False(t, open)
	assert.Len(t, ch2, 1)
}

func TestParseCategory(t *testing.T) {
	got, ok := ParseCategory("network")
	assert.True(t, ok)
	assert.Equal(t, CategoryNetwork, got)

	_, ok = ParseCategory("gpu")
	assert.False(t, ok)
}

// TestSubscriberStats lets a one-slot subscriber fall behind.
func TestSubscriberStats(t *testing.T) {
	c, _ := newTestController(t)
	id, ch, err := c.Subscribe(1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Subscribers())

	for i := 0; i < 3; i++ {
		c.HandleCameraError(nil)
	}
	st, err := c.SubscriberStats(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, CategoryCamera, (<-ch).Category)

	require.NoError(t, c.Unsubscribe(id))
	assert.Equal(t, 0, c.Subscribers())
	_, err = c.SubscriberStats(id)
	assert.Error(t, err)
}
