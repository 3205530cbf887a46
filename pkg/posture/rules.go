// Package posture implements the squat posture rule: the back angle at the hip and the
// horizontal knee/ankle offset decide whether a frame shows good or bad form.
package posture

import (
	"fmt"
	"strings"

	"github.com/menta2k/posture-analyzer/pkg/types"
)

const (
	// BackAngleThreshold is the shoulder-hip-knee angle (degrees) below which the back leans too far
	BackAngleThreshold = 150.0
	// KneeOverToeOffset is how far (pixels) the knee may pass the ankle horizontally
	KneeOverToeOffset = 5.0
)

// Verdict is the posture classification of a single frame
type Verdict string

const (
	Good       Verdict = "good"
	Bad        Verdict = "bad"
	Undetected Verdict = "undetected"
	Error      Verdict = "error"
)

// Reasons reported with a verdict
const (
	ReasonGood         = "Good posture"
	ReasonNoPerson     = "No person detected"
	ReasonFewKeypoints = "Not enough keypoints detected"
	ReasonModelMissing = "AI model not loaded"
	ReasonVideoNotOpen = "Could not open video file"
	reasonJoin         = "; "
)

// Wording selects how verbose the bad-posture reasons are.
// Video analysis explains each issue, single image analysis keeps it short.
type Wording int

const (
	Long Wording = iota
	Short
)

func (w Wording) backAngle(angle float64) string {
	msg := fmt.Sprintf("Back angle %d° is too sharp (< %d°)", int(angle), int(BackAngleThreshold))
	if w == Short {
		return msg + "."
	}
	return msg + ", indicating forward lean or rounded back."
}

func (w Wording) kneeOverToe() string {
	if w == Short {
		return "Knee over toe detected."
	}
	return "Knee over toe detected, which can put strain on knees."
}

// Feedback is the verdict for one frame. Frame is 1-based and omitted for single images.
type Feedback struct {
	Frame       int      `json:"frame,omitempty"`
	Posture     Verdict  `json:"posture"`
	Reason      string   `json:"reason"`
	BackAngle   *float64 `json:"back_angle,omitempty"`
	KneeOverToe *bool    `json:"knee_over_toe,omitempty"`
}

// ErrorFeedback reports a failure that prevented analysis
func ErrorFeedback(reason string) Feedback {
	return Feedback{Posture: Error, Reason: reason}
}

// Classify applies the squat rule to the joints of a detected pose.
// A nil pose means no person was found.
func Classify(pose *types.Pose, layout Layout, wording Wording) Feedback {
	if pose == nil || len(pose.Keypoints) == 0 {
		return Feedback{Posture: Undetected, Reason: ReasonNoPerson}
	}
	if len(pose.Keypoints) < layout.Count {
		return Feedback{Posture: Undetected, Reason: ReasonFewKeypoints}
	}

	shoulder := pose.Keypoints[layout.Shoulder].Point()
	hip := pose.Keypoints[layout.Hip].Point()
	knee := pose.Keypoints[layout.Knee].Point()
	ankle := pose.Keypoints[layout.Ankle].Point()

	backAngle := layout.AngleFunc(shoulder, hip, knee)
	kneeOverToe := knee.X > ankle.X+KneeOverToeOffset

	fb := Feedback{
		Posture:     Good,
		BackAngle:   &backAngle,
		KneeOverToe: &kneeOverToe,
	}

	var reasons []string
	if backAngle < BackAngleThreshold {
		fb.Posture = Bad
		reasons = append(reasons, wording.backAngle(backAngle))
	}
	if kneeOverToe {
		fb.Posture = Bad
		reasons = append(reasons, wording.kneeOverToe())
	}

	if len(reasons) == 0 {
		fb.Reason = ReasonGood
	} else {
		fb.Reason = strings.Join(reasons, reasonJoin)
	}
	return fb
}
