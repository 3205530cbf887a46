package client

import (
	"context"
	"image"

	"github.com/menta2k/posture-analyzer/pkg/posture"
	"github.com/menta2k/posture-analyzer/pkg/types"
)

// PoseEstimator finds the single most confident person in an image.
// Estimate returns a nil pose when nobody is visible.
type PoseEstimator interface {
	Name() string
	Layout() posture.Layout
	Estimate(ctx context.Context, img image.Image) (*types.Pose, error)
	Close() error
}

// VisionClient sends one image and a prompt to a vision language model
type VisionClient interface {
	Chat(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
