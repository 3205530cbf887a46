package types

import (
	"image"
	"math"

	"github.com/menta2k/posture-analyzer/pkg/geometry"
)

// Keypoint is a single body joint estimated by a pose model, in source image pixels
type Keypoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Point returns the keypoint position
func (k Keypoint) Point() geometry.Point {
	return geometry.Point{X: k.X, Y: k.Y}
}

// Pose is one detected person
type Pose struct {
	Score     float64         `json:"score"`
	Box       image.Rectangle `json:"box"`
	Keypoints []Keypoint      `json:"keypoints"`
}

// Scaled returns a copy of the pose with coordinates multiplied by sx and sy.
// The pose itself is returned when both factors are 1.
func (p *Pose) Scaled(sx, sy float64) *Pose {
	if p == nil || (sx == 1 && sy == 1) {
		return p
	}
	out := &Pose{
		Score: p.Score,
		Box: image.Rect(
			int(math.Round(float64(p.Box.Min.X)*sx)), int(math.Round(float64(p.Box.Min.Y)*sy)),
			int(math.Round(float64(p.Box.Max.X)*sx)), int(math.Round(float64(p.Box.Max.Y)*sy)),
		),
		Keypoints: make([]Keypoint, len(p.Keypoints)),
	}
	for i, k := range p.Keypoints {
		out.Keypoints[i] = Keypoint{X: k.X * sx, Y: k.Y * sy, Score: k.Score}
	}
	return out
}

// FrameInfo describes the decoded media an analysis ran over
type FrameInfo struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps,omitempty"`
	FrameCount int     `json:"frame_count,omitempty"`
	// Truncated is set when decoding stopped at the configured frame limit
	Truncated  bool    `json:"truncated,omitempty"`
}

// OverlayOptions controls the annotated image written by the CLI
type OverlayOptions struct {
	OutputPath string
	Format     string
	Quality    int
	Lossless   bool
}
