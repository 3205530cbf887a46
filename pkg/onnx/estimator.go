// Package onnx runs YOLO pose models (yolov8n-pose.onnx, yolo11n-pose.onnx) locally through
// ONNX Runtime. Each pooled session owns its input and output tensors so several frames can be
// estimated at once.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/posture-analyzer/pkg/posture"
	"github.com/menta2k/posture-analyzer/pkg/processing"
	"github.com/menta2k/posture-analyzer/pkg/types"
)

// ErrClosed is returned by Estimate after Close
var ErrClosed = errors.New("onnx estimator closed")

// Config describes the model and the runtime
type Config struct {
	ModelPath     string
	LibraryPath   string // onnxruntime shared library; empty uses the runtime default
	InputName     string
	OutputName    string
	InputSize     int
	NumKeypoints  int
	ConfThreshold float32
	IOUThreshold  float32
	Sessions      int
	Threads       int
}

// DefaultConfig matches the exported ultralytics yolov8n-pose model
func DefaultConfig() Config {
	return Config{
		ModelPath:     "yolov8n-pose.onnx",
		InputName:     "images",
		OutputName:    "output0",
		InputSize:     640,
		NumKeypoints:  17,
		ConfThreshold: 0.25,
		IOUThreshold:  0.45,
		Sessions:      2,
		Threads:       1,
	}
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// Estimator is a pose estimator backed by a pool of ONNX Runtime sessions
type Estimator struct {
	config Config
	pool   chan *session
	all    []*session
	log    *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

// New loads the model into cfg.Sessions sessions
func New(cfg Config) (*Estimator, error) {
	def := DefaultConfig()
	if cfg.InputName == "" {
		cfg.InputName = def.InputName
	}
	if cfg.OutputName == "" {
		cfg.OutputName = def.OutputName
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = def.InputSize
	}
	if cfg.NumKeypoints <= 0 {
		cfg.NumKeypoints = def.NumKeypoints
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	e := &Estimator{
		config: cfg,
		pool:   make(chan *session, cfg.Sessions),
		log:    logrus.WithField("component", "onnx"),
	}
	for i := 0; i < cfg.Sessions; i++ {
		s, err := newSession(cfg)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("session %d: %w", i, err)
		}
		e.all = append(e.all, s)
		e.pool <- s
	}

	e.log.WithFields(logrus.Fields{
		"model":    cfg.ModelPath,
		"sessions": cfg.Sessions,
		"input":    cfg.InputSize,
	}).Info("pose model loaded")
	return e, nil
}

func newSession(cfg Config) (*session, error) {
	size := int64(cfg.InputSize)
	s := &session{}

	var err error
	s.input, err = ort.NewTensor(ort.NewShape(1, 3, size, size), make([]float32, 3*size*size))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}

	channels := int64(5 + cfg.NumKeypoints*3)
	s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, channels, int64(anchorCount(cfg.InputSize))))
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.destroy()
		return nil, err
	}
	defer options.Destroy()
	if cfg.Threads > 0 {
		_ = options.SetIntraOpNumThreads(cfg.Threads)
		_ = options.SetInterOpNumThreads(1)
	}

	s.session, err = ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.Value{s.input}, []ort.Value{s.output}, options)
	if err != nil {
		s.destroy()
		return nil, err
	}
	return s, nil
}

func (e *Estimator) Name() string { return "onnx" }

func (e *Estimator) Layout() posture.Layout { return posture.COCO17 }

// Estimate waits for a free session, runs the model on img and returns the best person
func (e *Estimator) Estimate(ctx context.Context, img image.Image) (*types.Pose, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	var s *session
	select {
	case s = <-e.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.pool <- s }()

	boxed, lb := processing.LetterboxImage(img, e.config.InputSize)
	fillCHW(s.input.GetData(), boxed)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	pose := bestPose(s.output.GetData(), e.config, lb, img.Bounds())
	if pose != nil {
		e.log.WithField("score", pose.Score).Debug("person detected")
	}
	return pose, nil
}

// Close releases every session. The shared runtime environment stays initialized.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, s := range e.all {
		s.destroy()
	}
	return nil
}

// fillCHW writes img as planar RGB scaled to [0,1]
func fillCHW(dst []float32, img *image.NRGBA) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			p := row[x*4:]
			dst[i] = float32(p[0]) / 255
			dst[plane+i] = float32(p[1]) / 255
			dst[2*plane+i] = float32(p[2]) / 255
		}
	}
}
