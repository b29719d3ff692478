package pose_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/meltforce/repform/internal/pose"
	"github.com/meltforce/repform/internal/pose/posetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pt(x, y, z float64) pose.Landmark {
	return pose.Landmark{X: x, Y: y, Z: z, Visibility: 1}
}

// TestAngleKnownValues covers the boundary cases of the dot-product formula:
// identical rays, opposite rays and a right angle.
func TestAngleKnownValues(t *testing.T) {
	tests := []struct {
		name        string
		p1, v, p3   pose.Landmark
		want        float64
	}{
		{"opposite rays", pt(0, 0, 0), pt(1, 0, 0), pt(2, 0, 0), 180},
		{"identical rays", pt(2, 0, 0), pt(0, 0, 0), pt(4, 0, 0), 0},
		{"right angle", pt(1, 0, 0), pt(0, 0, 0), pt(0, 1, 0), 90},
		{"right angle in depth", pt(0, 0, 1), pt(0, 0, 0), pt(0, 1, 0), 90},
		{"forty five", pt(1, 0, 0), pt(0, 0, 0), pt(1, 1, 0), 45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pose.Angle(tt.p1, tt.v, tt.p3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestAngleDegenerate verifies a zero-length ray is rejected instead of
// producing NaN.
func TestAngleDegenerate(t *testing.T) {
	_, err := pose.Angle(pt(1, 1, 0), pt(1, 1, 0), pt(2, 2, 0))
	assert.ErrorIs(t, err, pose.ErrDegenerateVector)

	_, err = pose.Angle(pt(0, 0, 0), pt(1, 1, 0), pt(1, 1, 0))
	assert.ErrorIs(t, err, pose.ErrDegenerateVector)
}

// TestAngleRange checks that random non-degenerate triples stay in [0,180]
// and are rounded to two decimals.
func TestAngleRange(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		p1 := pt(r.Float64()*3-1, r.Float64()*3-1, r.Float64()*2-1)
		v := pt(r.Float64()*3-1, r.Float64()*3-1, r.Float64()*2-1)
		p3 := pt(r.Float64()*3-1, r.Float64()*3-1, r.Float64()*2-1)
		got, err := pose.Angle(p1, v, p3)
		if errors.Is(err, pose.ErrDegenerateVector) {
			continue
		}
		require.NoError(t, err)
		require.GreaterOrEqual(t, got, 0.0)
		require.LessOrEqual(t, got, 180.0)
		require.Equal(t, pose.Round(got), got)
	}
}

// TestAngleNearCollinearClamps feeds rays that overshoot |cos| > 1 through
// float error; the clamp must keep the result finite.
func TestAngleNearCollinearClamps(t *testing.T) {
	got, err := pose.Angle(pt(0.1, 0.1, 0.1), pt(0.2, 0.2, 0.2), pt(0.3, 0.3, 0.3))
	require.NoError(t, err)
	assert.Equal(t, 180.0, got)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 12.35, pose.Round(12.345000001))
	assert.Equal(t, 12.34, pose.Round(12.3449))
	assert.Equal(t, 0.0, pose.Round(0.004))
}

// TestExtractExerciseAnglesShortFrame verifies a short frame fails fast with
// ErrInsufficientLandmarks and returns zero angles.
func TestExtractExerciseAnglesShortFrame(t *testing.T) {
	frame := posetest.Frame(120)[:10]
	got, err := pose.ExtractExerciseAngles(frame)
	assert.ErrorIs(t, err, pose.ErrInsufficientLandmarks)
	assert.Equal(t, pose.ExerciseAngles{}, got)
}

func TestExtractExerciseAnglesKnee(t *testing.T) {
	for _, knee := range []float64{170, 120, 90, 70} {
		got, err := pose.ExtractExerciseAngles(posetest.Frame(knee))
		require.NoError(t, err)
		assert.InDelta(t, knee, got.Knee, 0.01, "knee %v", knee)
		assert.InDelta(t, 180, got.Hip, 0.01)
		assert.Greater(t, got.Offset, 0.0)
	}
}

func TestExtractExerciseAnglesHipLean(t *testing.T) {
	got, err := pose.ExtractExerciseAngles(posetest.Frame(100, posetest.WithHipAngle(60)))
	require.NoError(t, err)
	assert.InDelta(t, 60, got.Hip, 0.01)
}

// TestExtractExerciseAnglesLowVisibility hides both knees so neither side
// can be used; the error must name the missing joints.
func TestExtractExerciseAnglesLowVisibility(t *testing.T) {
	frame := posetest.Frame(120, posetest.WithHidden(pose.LeftKnee, pose.RightKnee))
	_, err := pose.ExtractExerciseAngles(frame)
	require.ErrorIs(t, err, pose.ErrLowVisibility)

	var visErr *pose.VisibilityError
	require.True(t, errors.As(err, &visErr))
	assert.Equal(t, []string{"left_knee"}, visErr.MissingNames())
}

// TestExtractExerciseAnglesFallsBackToVisibleSide hides one knee only; the
// other side of the body must carry the calculation.
func TestExtractExerciseAnglesFallsBackToVisibleSide(t *testing.T) {
	frame := posetest.Frame(120, posetest.WithHidden(pose.LeftKnee))
	got, err := pose.ExtractExerciseAngles(frame)
	require.NoError(t, err)
	assert.InDelta(t, 120, got.Knee, 0.01)
}

func TestExtractExerciseAnglesNoseHidden(t *testing.T) {
	frame := posetest.Frame(120, posetest.WithHidden(pose.Nose))
	_, err := pose.ExtractExerciseAngles(frame)
	var visErr *pose.VisibilityError
	require.True(t, errors.As(err, &visErr))
	assert.Equal(t, []pose.Index{pose.Nose}, visErr.Missing)
}

func TestExtractExerciseAnglesElbow(t *testing.T) {
	for _, elbow := range []float64{170, 120, 75, 40} {
		got, err := pose.ExtractExerciseAngles(posetest.Frame(170, posetest.WithElbowAngle(elbow)))
		require.NoError(t, err)
		assert.InDelta(t, elbow, got.Elbow, 0.01, "elbow %v", elbow)
		assert.InDelta(t, 170, got.Knee, 0.01)
	}
}

// TestElbowAngleHiddenArm hides both elbows: the lower body angles still
// come through, the elbow stays zero and ElbowAngle names the joint.
func TestElbowAngleHiddenArm(t *testing.T) {
	frame := posetest.Frame(170, posetest.WithHidden(pose.LeftElbow, pose.RightElbow))
	got, err := pose.ExtractExerciseAngles(frame)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Elbow)
	assert.InDelta(t, 170, got.Knee, 0.01)

	_, err = pose.ElbowAngle(frame)
	var visErr *pose.VisibilityError
	require.True(t, errors.As(err, &visErr))
	assert.Equal(t, []string{"left_elbow"}, visErr.MissingNames())
}

// TestElbowAngleFallsBackToVisibleArm hides the left wrist only.
func TestElbowAngleFallsBackToVisibleArm(t *testing.T) {
	frame := posetest.Frame(170, posetest.WithElbowAngle(90), posetest.WithHidden(pose.LeftWrist))
	got, err := pose.ElbowAngle(frame)
	require.NoError(t, err)
	assert.InDelta(t, 90, got, 0.01)
}

func TestMeanVisibility(t *testing.T) {
	assert.Equal(t, 0.0, pose.MeanVisibility(nil))
	assert.InDelta(t, 0.4, pose.MeanVisibility(posetest.Frame(170, posetest.WithVisibility(0.4))), 0.05)
}
