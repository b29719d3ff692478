// Package posetest builds synthetic side-view landmark frames for tests.
package posetest

import (
	"math"

	"github.com/meltforce/repform/internal/pose"
)

const (
	thigh    = 0.2
	shin     = 0.2
	torso    = 0.3
	upperArm = 0.15
	forearm  = 0.13
)

type frameOpts struct {
	hipAngle   float64
	elbowAngle float64
	visibility float64
	lowVis     []pose.Index
}

// Option adjusts a synthetic frame.
type Option func(*frameOpts)

// WithHipAngle sets the torso-to-thigh angle (180 = upright).
func WithHipAngle(deg float64) Option {
	return func(o *frameOpts) { o.hipAngle = deg }
}

// WithElbowAngle sets the upper arm to forearm angle (180 = straight). The
// upper arm hangs straight down from the shoulder.
func WithElbowAngle(deg float64) Option {
	return func(o *frameOpts) { o.elbowAngle = deg }
}

// WithVisibility sets the visibility of every landmark.
func WithVisibility(v float64) Option {
	return func(o *frameOpts) { o.visibility = v }
}

// WithHidden drops the visibility of the given landmarks to 0.1.
func WithHidden(idx ...pose.Index) Option {
	return func(o *frameOpts) { o.lowVis = append(o.lowVis, idx...) }
}

// Frame returns a 33-landmark frame of a body seen from its left side with
// the given knee angle in degrees. The thigh is vertical, the shin rotates
// around the knee.
func Frame(kneeAngle float64, opts ...Option) []pose.Landmark {
	o := frameOpts{hipAngle: 180, elbowAngle: 170, visibility: 0.95}
	for _, fn := range opts {
		fn(&o)
	}

	lm := make([]pose.Landmark, pose.LandmarkCount)
	for i := range lm {
		lm[i] = pose.Landmark{X: 0.5, Y: 0.5, Visibility: o.visibility}
	}

	rad := func(d float64) float64 { return d * math.Pi / 180 }

	hip := pose.Landmark{X: 0.5, Y: 0.5}
	knee := pose.Landmark{X: 0.5, Y: hip.Y + thigh}
	ankle := pose.Landmark{
		X: knee.X + shin*math.Sin(rad(kneeAngle)),
		Y: knee.Y - shin*math.Cos(rad(kneeAngle)),
	}
	foot := pose.Landmark{X: ankle.X + 0.08, Y: ankle.Y}
	heel := pose.Landmark{X: ankle.X - 0.02, Y: ankle.Y}
	shoulder := pose.Landmark{
		X: hip.X - torso*math.Sin(rad(o.hipAngle)),
		Y: hip.Y + torso*math.Cos(rad(o.hipAngle)),
	}
	nose := pose.Landmark{X: shoulder.X + 0.01, Y: shoulder.Y - 0.08}
	elbow := pose.Landmark{X: shoulder.X, Y: shoulder.Y + upperArm}
	wrist := pose.Landmark{
		X: elbow.X + forearm*math.Sin(rad(o.elbowAngle)),
		Y: elbow.Y - forearm*math.Cos(rad(o.elbowAngle)),
	}

	set := func(i pose.Index, p pose.Landmark, dx float64, vis float64) {
		lm[i] = pose.Landmark{X: p.X + dx, Y: p.Y, Z: 0, Visibility: vis}
	}

	left, right := o.visibility, o.visibility*0.9
	set(pose.Nose, nose, 0, o.visibility)
	set(pose.LeftShoulder, shoulder, 0, left)
	set(pose.RightShoulder, shoulder, 0.03, right)
	set(pose.LeftElbow, elbow, 0, left)
	set(pose.RightElbow, elbow, 0.03, right)
	set(pose.LeftWrist, wrist, 0, left)
	set(pose.RightWrist, wrist, 0.03, right)
	set(pose.LeftHip, hip, 0, left)
	set(pose.RightHip, hip, 0.03, right)
	set(pose.LeftKnee, knee, 0, left)
	set(pose.RightKnee, knee, 0.03, right)
	set(pose.LeftAnkle, ankle, 0, left)
	set(pose.RightAnkle, ankle, 0.03, right)
	set(pose.LeftHeel, heel, 0, left)
	set(pose.RightHeel, heel, 0.03, right)
	set(pose.LeftFootIndex, foot, 0, left)
	set(pose.RightFootIndex, foot, 0.03, right)

	for _, i := range o.lowVis {
		lm[i].Visibility = 0.1
	}
	return lm
}
