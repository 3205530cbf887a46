package analyzer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/posture-analyzer/pkg/client"
	"github.com/menta2k/posture-analyzer/pkg/posture"
	"github.com/menta2k/posture-analyzer/pkg/types"
	"github.com/menta2k/posture-analyzer/pkg/video"
)

// ErrNoModel is reported when no pose estimator is configured
var ErrNoModel = errors.New(posture.ReasonModelMissing)

// Mode selects per-frame feedback or a summary for video analysis
type Mode string

const (
	ModeFrame   Mode = "frame"
	ModeSummary Mode = "summary"
)

// ParseMode maps a query value to a Mode. Anything but "summary" is frame mode.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeSummary)) {
		return ModeSummary
	}
	return ModeFrame
}

// FrameSource delivers decoded video frames in order
type FrameSource interface {
	Frames(ctx context.Context, path string, opts video.Options, fn video.FrameFunc) (types.FrameInfo, error)
}

// Config holds configuration for the posture analyzer
type Config struct {
	// Workers bounds how many frames are estimated at once
	Workers int
	Video   video.Options
}

// DefaultConfig returns the configuration used by New
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	return Config{
		Workers: workers,
		Video: video.Options{
			Stride: 1,
		},
	}
}

// PostureAnalyzer runs a pose estimator over images and videos and applies the squat rule
type PostureAnalyzer struct {
	estimator client.PoseEstimator
	frames    FrameSource
	config    Config
	log       *logrus.Entry
}

// New creates a PostureAnalyzer with default configuration and an ffmpeg frame source.
// A nil estimator is allowed; every analysis then reports that the model is not loaded.
func New(estimator client.PoseEstimator) *PostureAnalyzer {
	return NewWithConfig(estimator, video.NewDecoder(), DefaultConfig())
}

// NewWithConfig creates a PostureAnalyzer with a custom frame source and configuration
func NewWithConfig(estimator client.PoseEstimator, frames FrameSource, config Config) *PostureAnalyzer {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &PostureAnalyzer{
		estimator: estimator,
		frames:    frames,
		config:    config,
		log:       logrus.WithField("component", "analyzer"),
	}
}

// Estimator returns the configured estimator, or nil
func (a *PostureAnalyzer) Estimator() client.PoseEstimator {
	return a.estimator
}

// ModelLoaded reports whether an estimator is configured
func (a *PostureAnalyzer) ModelLoaded() bool {
	return a.estimator != nil
}

// Frame is the analysis of one image
type Frame struct {
	Pose     *types.Pose
	Feedback posture.Feedback
}

// AnalyzeImage classifies a single image with the short reason wording
func (a *PostureAnalyzer) AnalyzeImage(ctx context.Context, img image.Image) (posture.Feedback, error) {
	f, err := a.AnalyzeImageDetailed(ctx, img)
	return f.Feedback, err
}

// AnalyzeImageDetailed is AnalyzeImage that also returns the detected pose
func (a *PostureAnalyzer) AnalyzeImageDetailed(ctx context.Context, img image.Image) (Frame, error) {
	if a.estimator == nil {
		a.log.Error("model not loaded, cannot analyze frame")
		return Frame{Feedback: posture.ErrorFeedback(posture.ReasonModelMissing)}, nil
	}
	return a.analyze(ctx, img, 0, video.NoScale, posture.Short)
}

// analyze estimates the pose in img and classifies it. Keypoints are mapped back to source
// pixels with scale before the rule runs, so the knee offset is measured at source size.
func (a *PostureAnalyzer) analyze(ctx context.Context, img image.Image, index int, scale video.Scale, wording posture.Wording) (Frame, error) {
	pose, err := a.estimator.Estimate(ctx, img)
	if err != nil {
		return Frame{}, fmt.Errorf("pose estimation failed: %w", err)
	}
	pose = pose.Scaled(scale.X, scale.Y)

	fb := posture.Classify(pose, a.estimator.Layout(), wording)
	fb.Frame = index

	entry := a.log.WithFields(logrus.Fields{"frame": index, "posture": fb.Posture})
	if fb.BackAngle != nil {
		entry = entry.WithFields(logrus.Fields{
			"back_angle":    fmt.Sprintf("%.2f", *fb.BackAngle),
			"knee_over_toe": *fb.KneeOverToe,
		})
	}
	entry.Debug(fb.Reason)

	return Frame{Pose: pose, Feedback: fb}, nil
}

// Result is the outcome of a video analysis. Exactly one of Frames, Summary or Error is
// meaningful, depending on Mode and on whether the analysis could run.
type Result struct {
	Mode    Mode
	Info    types.FrameInfo
	Frames  []posture.Feedback
	Summary *posture.Summary
	Error   *posture.Feedback
}

// Payload is the value reported to clients under "feedback"
func (r Result) Payload() interface{} {
	switch {
	case r.Error != nil:
		return r.Error
	case r.Mode == ModeSummary:
		return r.Summary
	case r.Frames == nil:
		return []posture.Feedback{}
	}
	return r.Frames
}

// AnalyzeFrames classifies frames in order with the long reason wording. Frames are
// estimated concurrently and numbered from 1.
func (a *PostureAnalyzer) AnalyzeFrames(ctx context.Context, frames []image.Image, mode Mode) (Result, error) {
	if a.estimator == nil {
		fb := posture.ErrorFeedback(posture.ReasonModelMissing)
		return Result{Mode: mode, Error: &fb}, nil
	}

	p := a.newPipeline(ctx)
	for i, img := range frames {
		p.submit(i+1, img, video.NoScale)
	}
	feedback, err := p.wait()
	if err != nil {
		return Result{}, err
	}
	return a.finish(mode, feedback, types.FrameInfo{FrameCount: len(frames)}), nil
}

// AnalyzeVideo decodes the video at path and classifies every delivered frame
func (a *PostureAnalyzer) AnalyzeVideo(ctx context.Context, path string, mode Mode) (Result, error) {
	if a.estimator == nil {
		a.log.Error("model not loaded, cannot analyze video")
		fb := posture.ErrorFeedback(posture.ReasonModelMissing)
		return Result{Mode: mode, Error: &fb}, nil
	}
	if a.frames == nil {
		return Result{}, fmt.Errorf("no frame source configured")
	}

	p := a.newPipeline(ctx)
	info, err := a.frames.Frames(p.ctx, path, a.config.Video, func(index int, img image.Image, scale video.Scale) error {
		return p.submit(index, img, scale)
	})
	feedback, werr := p.wait()

	if errors.Is(err, video.ErrOpenVideo) {
		a.log.WithError(err).WithField("path", path).Error("could not open video")
		fb := posture.ErrorFeedback(posture.ReasonVideoNotOpen)
		return Result{Mode: mode, Error: &fb}, nil
	}
	if werr != nil {
		return Result{}, werr
	}
	if err != nil {
		return Result{}, fmt.Errorf("video decoding failed: %w", err)
	}

	res := a.finish(mode, feedback, info)
	if info.Truncated {
		a.log.WithFields(logrus.Fields{
			"path":       path,
			"max_frames": a.config.Video.MaxFrames,
		}).Warn("video truncated at frame limit, results cover the analyzed frames only")
	}
	a.log.WithFields(logrus.Fields{
		"path":   path,
		"frames": len(feedback),
		"mode":   mode,
	}).Info("video analysis complete")
	return res, nil
}

func (a *PostureAnalyzer) finish(mode Mode, feedback []posture.Feedback, info types.FrameInfo) Result {
	res := Result{Mode: mode, Info: info}
	if mode == ModeSummary {
		s := posture.Summarize(feedback)
		res.Summary = &s
		return res
	}
	res.Frames = feedback
	return res
}

// pipeline estimates frames on a bounded errgroup and keeps them in submission order
type pipeline struct {
	a   *PostureAnalyzer
	g   *errgroup.Group
	ctx context.Context

	mu    sync.Mutex
	slots []*posture.Feedback
}

func (a *PostureAnalyzer) newPipeline(ctx context.Context) *pipeline {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.Workers)
	return &pipeline{a: a, g: g, ctx: gctx}
}

// submit blocks while all workers are busy, which also throttles decoding
func (p *pipeline) submit(index int, img image.Image, scale video.Scale) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	slot := new(posture.Feedback)
	p.slots = append(p.slots, slot)
	p.mu.Unlock()

	p.g.Go(func() error {
		f, err := p.a.analyze(p.ctx, img, index, scale, posture.Long)
		if err != nil {
			return fmt.Errorf("frame %d: %w", index, err)
		}
		*slot = f.Feedback
		return nil
	})
	return nil
}

func (p *pipeline) wait() ([]posture.Feedback, error) {
	if err := p.g.Wait(); err != nil {
		return nil, err
	}
	out := make([]posture.Feedback, len(p.slots))
	for i, s := range p.slots {
		out[i] = *s
	}
	return out, nil
}
