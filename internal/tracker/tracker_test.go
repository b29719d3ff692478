package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/meltforce/repform/internal/compute"
	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/faults"
	"github.com/meltforce/repform/internal/models"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/pose"
	"github.com/meltforce/repform/internal/pose/posetest"
	"github.com/meltforce/repform/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// angleFunc adapts a function to AngleSource.
type angleFunc func([]pose.Landmark) (pose.ExerciseAngles, error)

func (f angleFunc) Submit(_ context.Context, l []pose.Landmark) (pose.ExerciseAngles, error) {
	return f(l)
}

var extract = angleFunc(pose.ExtractExerciseAngles)

type fakeRecorder struct {
	mu       sync.Mutex
	fail     error
	sessions []models.SessionRow
	reps     []models.RepRow
	errs     []models.PoseErrorRow
}

func (r *fakeRecorder) SaveSession(_ context.Context, row models.SessionRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sessions = append(r.sessions, row)
	return nil
}

func (r *fakeRecorder) SaveRep(_ context.Context, row models.RepRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.reps = append(r.reps, row)
	return nil
}

func (r *fakeRecorder) SavePoseError(_ context.Context, row models.PoseErrorRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.errs = append(r.errs, row)
	return nil
}

func (r *fakeRecorder) counts() (sessions, reps, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.reps), len(r.errs)
}

type fixture struct {
	tr     *Tracker
	faults *faults.Controller
}

func newFixture(t *testing.T, cfg Config, angles AngleSource, opts ...Option) fixture {
	t.Helper()
	cat, err := exercise.Default()
	require.NoError(t, err)
	log := testLogger()
	fc := faults.New(log)
	scorer := scoring.New(cat.Weights(), log, scoring.WithReporter(fc))
	if cfg.TargetFPS == 0 {
		// frames in these tests are sparse
		cfg.TargetFPS = 0.1
	}
	tr, err := New(cfg, cat, angles, fc, scorer, log, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		tr.Close(context.Background())
		fc.Close()
	})
	return fixture{tr: tr, faults: fc}
}

// feed sends one posetest frame per knee angle, step apart.
func feed(t *testing.T, tr *Tracker, id string, start time.Time, step time.Duration, knees ...float64) []FrameResult {
	t.Helper()
	out := make([]FrameResult, 0, len(knees))
	for i, k := range knees {
		res, err := tr.ProcessFrame(context.Background(), id, posetest.Frame(k), start.Add(time.Duration(i)*step))
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

func lastRep(results []FrameResult) *RepResult {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Rep != nil {
			return results[i].Rep
		}
	}
	return nil
}

var cleanSquat = []float64{170, 130, 110, 80, 75, 78, 110, 140, 165}

func TestCleanRepIsCounted(t *testing.T) {
	rec := &fakeRecorder{}
	f := newFixture(t, Config{}, extract, WithRecorder(rec, nil))
	_, err := f.tr.Start(context.Background(), "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	results := feed(t, f.tr, "s1", t0, 250*time.Millisecond, cleanSquat...)

	rep := lastRep(results)
	require.NotNil(t, rep)
	assert.True(t, rep.Counted, "reason %q, score %.3f", rep.Reason, rep.Score.Overall)
	assert.Equal(t, 1, rep.Number)
	assert.InDelta(t, 75, rep.Rep.DeepestAngle, 0.01)
	assert.Equal(t, 1.0, rep.Rep.Correctness)
	assert.GreaterOrEqual(t, rep.Score.Overall, 0.85)

	last := results[len(results)-1]
	assert.Equal(t, phase.Standing, last.Phase)
	assert.Equal(t, 1, last.Counted)
	assert.Equal(t, 0, last.Rejected)

	sessions, reps, _ := rec.counts()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, reps)

	p, ok := f.tr.Progress("s1")
	require.True(t, ok)
	assert.Len(t, p.Scores, 1)
}

func TestShallowRepIsRejected(t *testing.T) {
	f := newFixture(t, Config{}, extract)
	_, err := f.tr.Start(context.Background(), "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	results := feed(t, f.tr, "s1", t0, 400*time.Millisecond, 170, 130, 115, 120, 135, 165)
	rep := lastRep(results)
	require.NotNil(t, rep)
	assert.False(t, rep.Counted)
	assert.Equal(t, ReasonShallow, rep.Reason)
	assert.Equal(t, "Not counted: go deeper", results[len(results)-1].Cue)
	assert.True(t, rep.Rep.Shallow)
	assert.Equal(t, 1, results[len(results)-1].Rejected)
}

// TestCleanRepAfterShallowBounces checks that a clean rep still counts
// when the phase window overflowed during the rep's descent.
func TestCleanRepAfterShallowBounces(t *testing.T) {
	f := newFixture(t, Config{}, extract)
	_, err := f.tr.Start(context.Background(), "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	shallow := []float64{170, 130, 115, 120, 135, 165}
	var knees []float64
	for i := 0; i < 3; i++ {
		knees = append(knees, shallow...)
	}
	knees = append(knees, cleanSquat...)

	results := feed(t, f.tr, "s1", t0, 250*time.Millisecond, knees...)
	rep := lastRep(results)
	require.NotNil(t, rep)
	assert.True(t, rep.Counted, "reason %q, score %.3f", rep.Reason, rep.Score.Overall)
	assert.InDelta(t, 75, rep.Rep.DeepestAngle, 0.01)

	last := results[len(results)-1]
	assert.Equal(t, 1, last.Counted)
	assert.Equal(t, 3, last.Rejected)
}

// feedElbow sends standing frames with the given elbow angles.
func feedElbow(t *testing.T, tr *Tracker, id string, start time.Time, step time.Duration, elbows ...float64) []FrameResult {
	t.Helper()
	out := make([]FrameResult, 0, len(elbows))
	for i, e := range elbows {
		res, err := tr.ProcessFrame(context.Background(), id, posetest.Frame(170, posetest.WithElbowAngle(e)), start.Add(time.Duration(i)*step))
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

func TestElbowDrivenExercises(t *testing.T) {
	tests := []struct {
		exercise string
		elbows   []float64
		deepest  float64
	}{
		{"pushup", []float64{170, 130, 100, 80, 75, 80, 120, 140, 165}, 75},
		{"bicep_curl", []float64{170, 130, 100, 50, 40, 35, 40, 80, 130, 165}, 35},
	}
	for _, tt := range tests {
		t.Run(tt.exercise, func(t *testing.T) {
			f := newFixture(t, Config{}, extract)
			_, err := f.tr.Start(context.Background(), "s1", tt.exercise, phase.Beginner)
			require.NoError(t, err)

			results := feedElbow(t, f.tr, "s1", t0, 250*time.Millisecond, tt.elbows...)
			rep := lastRep(results)
			require.NotNil(t, rep)
			assert.True(t, rep.Counted, "reason %q, score %.3f", rep.Reason, rep.Score.Overall)
			assert.InDelta(t, tt.deepest, rep.Rep.DeepestAngle, 0.01)
			assert.Equal(t, 1.0, rep.Rep.Correctness)
			assert.Equal(t, phase.Standing, results[len(results)-1].Phase)
		})
	}
}

// TestElbowExerciseWithHiddenArms cannot read either arm; the lower body
// alone must not drive a push-up.
func TestElbowExerciseWithHiddenArms(t *testing.T) {
	f := newFixture(t, Config{}, extract)
	_, err := f.tr.Start(context.Background(), "s1", "pushup", phase.Beginner)
	require.NoError(t, err)

	frame := posetest.Frame(170, posetest.WithHidden(pose.LeftElbow, pose.RightElbow))
	res, err := f.tr.ProcessFrame(context.Background(), "s1", frame, t0)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Nil(t, res.Angles)
	assert.Equal(t, "Required landmarks not detected", res.Cue)
	assert.Equal(t, 1, f.faults.Stats().ByCategory[faults.CategoryAngle])
}

// TestFrameFeedback follows the coaching cue through one squat, with one
// frame leaning far forward at the bottom.
func TestFrameFeedback(t *testing.T) {
	f := newFixture(t, Config{}, extract)
	ctx := context.Background()
	_, err := f.tr.Start(ctx, "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	frames := [][]pose.Landmark{
		posetest.Frame(170),
		posetest.Frame(130),
		posetest.Frame(80),
		posetest.Frame(78, posetest.WithHipAngle(30)),
		posetest.Frame(110),
		posetest.Frame(140),
		posetest.Frame(165),
	}
	var results []FrameResult
	for i, lm := range frames {
		res, err := f.tr.ProcessFrame(ctx, "s1", lm, t0.Add(time.Duration(i)*300*time.Millisecond))
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.Equal(t, "Ready", results[0].Cue)
	assert.Empty(t, results[0].Issues)
	assert.Equal(t, "Control the movement", results[1].Cue)
	assert.Equal(t, "Good depth!", results[2].Cue)

	lean := results[3]
	require.Len(t, lean.Issues, 1)
	assert.Equal(t, scoring.Posture, lean.Issues[0].Type)
	assert.Equal(t, scoring.SeverityHigh, lean.Issues[0].Severity)
	assert.Equal(t, "Poor form! "+lean.Issues[0].Correction, lean.Cue)

	// one posture slip lowers the score but the rep still counts
	last := results[len(results)-1]
	require.NotNil(t, last.Rep)
	assert.True(t, last.Rep.Counted, "score %.3f", last.Rep.Score.Overall)
	assert.Equal(t, scoring.Posture, last.Rep.Rep.Issues[0].Type)
	assert.Equal(t, "Great rep!", last.Cue)

	res, err := f.tr.ProcessFrame(ctx, "s1", nil, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "No pose detected", res.Cue)
}

func TestTooDeepRepScoresBelowThreshold(t *testing.T) {
	f := newFixture(t, Config{}, extract)
	_, err := f.tr.Start(context.Background(), "s1", "squat", phase.Pro)
	require.NoError(t, err)

	results := feed(t, f.tr, "s1", t0, 250*time.Millisecond, 170, 130, 100, 60, 45, 60, 110, 140, 165)
	rep := lastRep(results)
	require.NotNil(t, rep)
	assert.False(t, rep.Counted)
	assert.Equal(t, ReasonBelowThreshold, rep.Reason)
	assert.Equal(t, 0.4, rep.Rep.Correctness)
	assert.Less(t, rep.Score.Overall, 0.85)
}

func TestUnknownExerciseAndSessions(t *testing.T) {
	f := newFixture(t, Config{}, extract)
	ctx := context.Background()

	_, err := f.tr.Start(ctx, "s1", "handstand", phase.Beginner)
	assert.ErrorIs(t, err, exercise.ErrUnknownExercise)

	_, err = f.tr.ProcessFrame(ctx, "nope", posetest.Frame(170), t0)
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = f.tr.End(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, ok := f.tr.Progress("nope")
	assert.False(t, ok)

	s, err := f.tr.Start(ctx, "", "squat", phase.Beginner)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())

	_, err = f.tr.Start(ctx, s.ID(), "squat", phase.Beginner)
	assert.ErrorIs(t, err, ErrSessionExists)
}

// TestAngleFailureRecovery checks that a frame missing one or two
// landmarks reuses the last good angles while a worse frame is skipped.
func TestAngleFailureRecovery(t *testing.T) {
	var next error
	src := angleFunc(func(l []pose.Landmark) (pose.ExerciseAngles, error) {
		if next != nil {
			return pose.ExerciseAngles{}, next
		}
		return pose.ExtractExerciseAngles(l)
	})
	f := newFixture(t, Config{}, src)
	ctx := context.Background()
	_, err := f.tr.Start(ctx, "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	// nothing to interpolate from yet
	next = &pose.VisibilityError{Missing: []pose.Index{pose.LeftKnee}}
	res, err := f.tr.ProcessFrame(ctx, "s1", posetest.Frame(170), t0)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	next = nil
	_, err = f.tr.ProcessFrame(ctx, "s1", posetest.Frame(130), t0.Add(100*time.Millisecond))
	require.NoError(t, err)

	next = &pose.VisibilityError{Missing: []pose.Index{pose.LeftKnee, pose.LeftAnkle}}
	res, err = f.tr.ProcessFrame(ctx, "s1", posetest.Frame(120), t0.Add(200*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, res.Interpolated)
	require.NotNil(t, res.Angles)
	assert.InDelta(t, 130, res.Angles.Knee, 0.01)
	require.Len(t, res.Recoveries, 1)
	assert.Equal(t, faults.ActionInterpolate, res.Recoveries[0].Action)

	next = &pose.VisibilityError{Missing: []pose.Index{pose.LeftKnee, pose.LeftAnkle, pose.LeftHip}}
	res, err = f.tr.ProcessFrame(ctx, "s1", posetest.Frame(120), t0.Add(300*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Nil(t, res.Angles)
	assert.Equal(t, faults.ActionSkipFrame, res.Recoveries[0].Action)
	assert.Equal(t, phase.Transition, res.Phase)

	stats := f.faults.Stats()
	assert.Equal(t, 3, stats.ByCategory[faults.CategoryAngle])
}

func TestShortFrameNamesMissingLandmarks(t *testing.T) {
	missing := missingLandmarks(fmt.Errorf("wrapped: %w", pose.ErrInsufficientLandmarks), make([]pose.Landmark, 30))
	assert.Equal(t, []string{pose.Index(30).String(), pose.Index(31).String(), pose.Index(32).String()}, missing)

	ve := &pose.VisibilityError{Missing: []pose.Index{pose.LeftHip}}
	assert.Equal(t, []string{pose.LeftHip.String()}, missingLandmarks(ve, nil))

	assert.Nil(t, missingLandmarks(pose.ErrDegenerateVector, nil))
}

func TestNoPoseReportsDetectionFailure(t *testing.T) {
	f := newFixture(t, Config{NoPoseFrames: 3}, extract)
	ctx := context.Background()
	_, err := f.tr.Start(ctx, "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	var reported int
	for i := 0; i < 7; i++ {
		res, err := f.tr.ProcessFrame(ctx, "s1", nil, t0.Add(time.Duration(i)*100*time.Millisecond))
		require.NoError(t, err)
		assert.True(t, res.NoPose)
		for _, r := range res.Recoveries {
			if r.Action == faults.ActionLowerConfidence {
				reported++
			}
		}
	}
	assert.Equal(t, 2, reported)
}

func TestPerformanceShortfallReportedOncePerWindow(t *testing.T) {
	f := newFixture(t, Config{TargetFPS: 30, PerfWindow: 2 * time.Second}, extract)
	ctx := context.Background()
	_, err := f.tr.Start(ctx, "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	// 10 fps for 3 seconds
	results := feed(t, f.tr, "s1", t0, 100*time.Millisecond, repeat(170, 31)...)

	var perf []faults.Recovery
	for _, r := range results {
		for _, rec := range r.Recoveries {
			if rec.Action == faults.ActionReduceResAndFreq || rec.Action == faults.ActionReduceFrequency {
				perf = append(perf, rec)
			}
		}
	}
	require.Len(t, perf, 1)
	assert.Equal(t, faults.ActionReduceResAndFreq, perf[0].Action)
	assert.Equal(t, 1, f.faults.Stats().ByCategory[faults.CategoryPerformance])
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// TestTimeoutAbortsRep leaves the machine in Transition long enough to be
// reset; the partial rep is dropped.
func TestTimeoutAbortsRep(t *testing.T) {
	f := newFixture(t, Config{StateTimeout: time.Second}, extract)
	ctx := context.Background()
	s, err := f.tr.Start(ctx, "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	feed(t, f.tr, "s1", t0, 100*time.Millisecond, 170, 130)
	assert.True(t, s.Snapshot().RepActive)

	res, err := f.tr.ProcessFrame(ctx, "s1", posetest.Frame(120), t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, phase.Standing, res.Phase)
	require.NotEmpty(t, res.Recoveries)
	assert.Equal(t, faults.ActionResetStateMachine, res.Recoveries[len(res.Recoveries)-1].Action)
	assert.False(t, s.Snapshot().RepActive)
	assert.Nil(t, res.Rep)
}

func TestNetworkFailureSwitchesToJournal(t *testing.T) {
	primary := &fakeRecorder{}
	fallback := &fakeRecorder{}
	f := newFixture(t, Config{}, extract, WithRecorder(primary, fallback))
	ctx := context.Background()

	_, err := f.tr.Start(ctx, "s1", "squat", phase.Beginner)
	require.NoError(t, err)
	assert.False(t, f.tr.Degraded())

	primary.mu.Lock()
	primary.fail = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	primary.mu.Unlock()

	results := feed(t, f.tr, "s1", t0, 250*time.Millisecond, cleanSquat...)
	last := results[len(results)-1]
	require.NotNil(t, last.Rep)

	var actions []string
	for _, r := range last.Recoveries {
		actions = append(actions, r.Action)
	}
	assert.Contains(t, actions, faults.ActionLocalOnly)
	assert.True(t, f.tr.Degraded())

	_, reps, _ := fallback.counts()
	assert.Equal(t, 1, reps)
	_, reps, _ = primary.counts()
	assert.Equal(t, 0, reps)
}

func TestStorageFailureContinuesWithoutPersisting(t *testing.T) {
	primary := &fakeRecorder{fail: errors.New("disk full")}
	fallback := &fakeRecorder{}
	f := newFixture(t, Config{}, extract, WithRecorder(primary, fallback))
	ctx := context.Background()

	_, err := f.tr.Start(ctx, "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	results := feed(t, f.tr, "s1", t0, 250*time.Millisecond, cleanSquat...)
	last := results[len(results)-1]
	require.NotNil(t, last.Rep)
	require.Len(t, last.Recoveries, 1)
	assert.Equal(t, faults.ActionContinueNoPersisting, last.Recoveries[0].Action)
	assert.False(t, f.tr.Degraded())

	sessions, reps, _ := fallback.counts()
	assert.Equal(t, 0, sessions)
	assert.Equal(t, 0, reps)
}

func TestFaultsArePersisted(t *testing.T) {
	rec := &fakeRecorder{}
	f := newFixture(t, Config{}, extract, WithRecorder(rec, nil))

	f.faults.HandleCameraError(errors.New("camera unplugged"))
	f.faults.HandleNetworkError(nil)

	require.Eventually(t, func() bool {
		_, _, n := rec.counts()
		return n == 2
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "camera", rec.errs[0].Category)
	assert.Equal(t, "critical", rec.errs[0].Severity)
	assert.False(t, rec.errs[0].Recovered)
}

func TestEndReturnsSummary(t *testing.T) {
	rec := &fakeRecorder{}
	f := newFixture(t, Config{}, extract, WithRecorder(rec, nil))
	ctx := context.Background()

	_, err := f.tr.Start(ctx, "s1", "squat", phase.Beginner)
	require.NoError(t, err)
	feed(t, f.tr, "s1", t0, 250*time.Millisecond, cleanSquat...)
	feed(t, f.tr, "s1", t0.Add(5*time.Second), 400*time.Millisecond, 170, 130, 115, 135, 165)

	assert.Len(t, f.tr.Sessions(), 1)

	sum, err := f.tr.End(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Session.Counted)
	assert.Equal(t, 1, sum.Session.Rejected)
	require.NotNil(t, sum.Session.AverageScore)
	assert.Len(t, sum.Progress.Scores, 2)
	assert.Empty(t, f.tr.Sessions())

	_, ok := f.tr.Progress("s1")
	assert.False(t, ok, "history is dropped when a session ends")

	rec.mu.Lock()
	final := rec.sessions[len(rec.sessions)-1]
	rec.mu.Unlock()
	require.NotNil(t, final.EndedAt)
	assert.Equal(t, 1, final.RepsCounted)
	assert.Equal(t, 1, final.RepsRejected)

	_, err = f.tr.ProcessFrame(ctx, "s1", posetest.Frame(170), t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrUnknownSession)
}

// TestWithComputePool runs frames through the real compute lane.
func TestWithComputePool(t *testing.T) {
	pool := compute.New(compute.Config{Workers: 2}, testLogger())
	defer pool.Close()

	f := newFixture(t, Config{}, pool)
	ctx := context.Background()
	_, err := f.tr.Start(ctx, "s1", "squat", phase.Beginner)
	require.NoError(t, err)

	results := feed(t, f.tr, "s1", t0, 250*time.Millisecond, cleanSquat...)
	rep := lastRep(results)
	require.NotNil(t, rep)
	assert.True(t, rep.Counted)

	require.NoError(t, pool.Close())
	_, err = f.tr.ProcessFrame(ctx, "s1", posetest.Frame(170), t0.Add(time.Minute))
	assert.ErrorIs(t, err, compute.ErrPoolClosed)
}
