// Package postureanalyzer checks squat form in images and videos.
//
// A pose estimator finds the joints of the person in each frame. The back angle at the hip
// (shoulder, hip, knee) and the horizontal knee/ankle offset then decide whether the frame
// shows good or bad posture.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		postureanalyzer "github.com/menta2k/posture-analyzer"
//		"github.com/menta2k/posture-analyzer/pkg/analyzer"
//	)
//
//	func main() {
//		pa, err := postureanalyzer.New(nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer pa.Close()
//
//		res, err := pa.AnalyzeFile(context.Background(), "squat.mp4", analyzer.ModeSummary)
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("accuracy: %.2f%%\n", res.Summary.Accuracy)
//	}
//
// Three pose estimator backends are available:
//
//   - onnx: a YOLO pose model run in process through ONNX Runtime (17 COCO keypoints)
//   - landmark: an external MediaPipe Pose worker spoken to over msgpack (33 landmarks)
//   - vlm: a vision language model served by Ollama or llama.cpp, asked for keypoints as JSON
//
// Video frames are decoded with ffmpeg and estimated concurrently. Results keep frame order.
package postureanalyzer

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/posture-analyzer/internal/config"
	"github.com/menta2k/posture-analyzer/pkg/analyzer"
	"github.com/menta2k/posture-analyzer/pkg/client"
	"github.com/menta2k/posture-analyzer/pkg/detection"
	"github.com/menta2k/posture-analyzer/pkg/landmark"
	"github.com/menta2k/posture-analyzer/pkg/llamacpp"
	"github.com/menta2k/posture-analyzer/pkg/ollama"
	"github.com/menta2k/posture-analyzer/pkg/onnx"
	"github.com/menta2k/posture-analyzer/pkg/posture"
	"github.com/menta2k/posture-analyzer/pkg/processing"
	"github.com/menta2k/posture-analyzer/pkg/types"
	"github.com/menta2k/posture-analyzer/pkg/video"
)

// Version of the posture analyzer
const Version = "1.0.0"

// NewEstimator builds the pose estimator selected by cfg.Backend.
// BackendNone yields a nil estimator and no error.
func NewEstimator(cfg config.EstimatorConfig) (client.PoseEstimator, error) {
	switch cfg.Backend {
	case config.BackendONNX:
		est, err := onnx.New(onnx.Config{
			ModelPath:     cfg.ONNX.ModelPath,
			LibraryPath:   cfg.ONNX.LibraryPath,
			InputSize:     cfg.ONNX.InputSize,
			ConfThreshold: float32(cfg.ONNX.ConfThreshold),
			IOUThreshold:  float32(cfg.ONNX.IOUThreshold),
			Sessions:      cfg.ONNX.Sessions,
			Threads:       cfg.ONNX.Threads,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load onnx pose model: %w", err)
		}
		return est, nil

	case config.BackendLandmark:
		w, err := landmark.New(landmark.Config{
			Command: cfg.Landmark.Command,
			Args:    cfg.Landmark.Args,
			MaxDim:  cfg.Landmark.MaxDim,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create landmark worker: %w", err)
		}
		if err := w.Start(); err != nil {
			return nil, fmt.Errorf("failed to start landmark worker: %w", err)
		}
		return w, nil

	case config.BackendVLM:
		vc, err := newVisionClient(cfg.VLM)
		if err != nil {
			return nil, err
		}
		return detection.NewDetector(vc, detection.Config{
			Model:    cfg.VLM.Model,
			MaxDim:   cfg.VLM.MaxDim,
			Quality:  cfg.VLM.Quality,
			MinScore: cfg.VLM.MinScore,
		}), nil

	case config.BackendNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown estimator backend %q", cfg.Backend)
}

func newVisionClient(cfg config.VLMConfig) (client.VisionClient, error) {
	switch cfg.Provider {
	case "ollama":
		c, err := ollama.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return c, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown vision provider %q", cfg.Provider)
}

// AnalyzerConfig maps the file configuration onto the analysis pipeline
func AnalyzerConfig(cfg *config.Config) analyzer.Config {
	return analyzer.Config{
		Workers: cfg.Estimator.Workers,
		Video: video.Options{
			Stride:    cfg.Video.Stride,
			MaxFrames: cfg.Video.MaxFrames,
			MaxHeight: cfg.Video.MaxHeight,
		},
	}
}

// PostureAnalyzer provides a high-level interface for posture analysis of media files
type PostureAnalyzer struct {
	analyzer  *analyzer.PostureAnalyzer
	processor *processing.Processor
	estimator client.PoseEstimator
}

// New loads the estimator configured in cfg and wires it to an ffmpeg frame source.
// A nil cfg uses the default configuration.
func New(cfg *config.Config) (*PostureAnalyzer, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	est, err := NewEstimator(cfg.Estimator)
	if err != nil {
		return nil, err
	}
	return NewWithEstimator(est, cfg), nil
}

// NewWithEstimator creates a PostureAnalyzer around an existing estimator, which may be nil
func NewWithEstimator(est client.PoseEstimator, cfg *config.Config) *PostureAnalyzer {
	if cfg == nil {
		cfg = config.Default()
	}
	return &PostureAnalyzer{
		analyzer:  analyzer.NewWithConfig(est, video.NewDecoder(), AnalyzerConfig(cfg)),
		processor: processing.NewProcessor(),
		estimator: est,
	}
}

// Analyzer returns the underlying analysis pipeline
func (pa *PostureAnalyzer) Analyzer() *analyzer.PostureAnalyzer {
	return pa.analyzer
}

// LoadImage loads an image from file
func (pa *PostureAnalyzer) LoadImage(path string) (image.Image, error) {
	return pa.processor.LoadImage(path)
}

// AnalyzeImage classifies the posture in a single image
func (pa *PostureAnalyzer) AnalyzeImage(ctx context.Context, img image.Image) (posture.Feedback, error) {
	return pa.analyzer.AnalyzeImage(ctx, img)
}

// AnalyzeFile analyzes an image or video file. The media kind is sniffed from the content;
// images are analyzed as a video with a single frame.
func (pa *PostureAnalyzer) AnalyzeFile(ctx context.Context, path string, mode analyzer.Mode) (analyzer.Result, error) {
	kind, err := pa.detectKind(path)
	if err != nil {
		return analyzer.Result{}, err
	}

	if kind == processing.KindImage {
		img, err := pa.LoadImage(path)
		if err == nil {
			return pa.analyzer.AnalyzeFrames(ctx, []image.Image{img}, mode)
		}
		logrus.WithField("component", "postureanalyzer").WithError(err).Warn("image could not be decoded, trying video decoder")
	}
	return pa.analyzer.AnalyzeVideo(ctx, path, mode)
}

func (pa *PostureAnalyzer) detectKind(path string) (processing.MediaKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return processing.KindUnknown, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	kind, _, err := pa.processor.DetectKind(f)
	return kind, err
}

// AnnotateImage analyzes img and draws the detected skeleton and verdict on a copy
func (pa *PostureAnalyzer) AnnotateImage(ctx context.Context, img image.Image) (image.Image, posture.Feedback, error) {
	frame, err := pa.analyzer.AnalyzeImageDetailed(ctx, img)
	if err != nil {
		return nil, posture.Feedback{}, err
	}

	layout := posture.COCO17
	if pa.estimator != nil {
		layout = pa.estimator.Layout()
	}
	return pa.processor.DrawPose(img, frame.Pose, layout, frame.Feedback), frame.Feedback, nil
}

// SaveImage writes img according to opts
func (pa *PostureAnalyzer) SaveImage(img image.Image, opts types.OverlayOptions) error {
	return pa.processor.SaveImage(img, opts.OutputPath, opts.Format, opts.Quality, opts.Lossless)
}

// Close releases the estimator
func (pa *PostureAnalyzer) Close() error {
	if pa.estimator == nil {
		return nil
	}
	return pa.estimator.Close()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
