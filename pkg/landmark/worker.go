// Package landmark estimates poses with a MediaPipe Pose worker process. Frames go to the
// worker's stdin and landmarks come back on its stdout, both as length-prefixed msgpack.
package landmark

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/posture-analyzer/pkg/posture"
	"github.com/menta2k/posture-analyzer/pkg/types"
)

// ErrClosed is returned by Estimate after Close
var ErrClosed = errors.New("landmark worker closed")

// Config describes how to launch the worker
type Config struct {
	Command string
	Args    []string
	// MaxDim scales frames down before they are sent; 0 sends them as is
	MaxDim int
	// StopTimeout is how long Close waits for the worker to exit before killing it
	StopTimeout time.Duration
}

// DefaultConfig runs the bundled python worker script
func DefaultConfig() Config {
	return Config{
		Command:     "python3",
		Args:        []string{"scripts/pose_worker.py"},
		MaxDim:      960,
		StopTimeout: 2 * time.Second,
	}
}

// process is a running worker and its pipes
type process struct {
	stdin  io.WriteCloser
	stdout io.Reader
	stop   func(timeout time.Duration)
}

// Worker is a pose estimator backed by a single worker process. Calls are serialised.
type Worker struct {
	config Config
	spawn  func() (*process, error)
	log    *logrus.Entry

	mu     sync.Mutex
	proc   *process
	closed bool
}

// New creates a worker. The process is started lazily on the first Estimate.
func New(cfg Config) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("landmark worker command is required")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("landmark worker command: %w", err)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}

	w := &Worker{
		config: cfg,
		log:    logrus.WithField("component", "landmark"),
	}
	w.spawn = w.spawnProcess
	return w, nil
}

func (w *Worker) Name() string { return "landmark" }

func (w *Worker) Layout() posture.Layout { return posture.MediaPipe33 }

// Start launches the worker now instead of on first use
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.ensureStarted()
}

func (w *Worker) ensureStarted() error {
	if w.proc != nil {
		return nil
	}
	p, err := w.spawn()
	if err != nil {
		return err
	}
	w.proc = p
	return nil
}

func (w *Worker) spawnProcess() (*process, error) {
	cmd := exec.Command(w.config.Command, w.config.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start landmark worker: %w", err)
	}
	w.log.WithFields(logrus.Fields{
		"command": w.config.Command,
		"pid":     cmd.Process.Pid,
	}).Info("landmark worker started")

	go w.logStderr(stderr)

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if err != nil {
			w.log.WithError(err).Warn("landmark worker exited")
		} else {
			w.log.Debug("landmark worker exited")
		}
		close(done)
	}()

	return &process{
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		stop: func(timeout time.Duration) {
			_ = stdin.Close()
			select {
			case <-done:
			case <-time.After(timeout):
				_ = cmd.Process.Kill()
				<-done
			}
		},
	}, nil
}

// logStderr forwards worker output, mapping python log prefixes onto levels
func (w *Worker) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "ERROR"), strings.Contains(line, "CRITICAL"):
			w.log.Error(line)
		case strings.Contains(line, "WARN"):
			w.log.Warn(line)
		default:
			w.log.Debug(line)
		}
	}
}

// Estimate sends img to the worker and converts the landmarks to pixels of img.
// A failed exchange leaves the stream out of sync, so the worker is restarted on next use.
func (w *Worker) Estimate(ctx context.Context, img image.Image) (*types.Pose, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if err := w.ensureStarted(); err != nil {
		return nil, err
	}

	req := encodeRGB(img, w.config.MaxDim)
	proc := w.proc

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if r.err = writeMessage(proc.stdin, req); r.err == nil {
			r.err = readMessage(proc.stdout, &r.resp)
		}
		done <- r
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		w.restart()
		<-done
		return nil, ctx.Err()
	}

	if res.err != nil {
		w.restart()
		return nil, fmt.Errorf("landmark worker: %w", res.err)
	}
	if res.resp.Error != "" {
		return nil, fmt.Errorf("landmark worker: %s", res.resp.Error)
	}

	w.log.WithFields(logrus.Fields{
		"landmarks":    len(res.resp.Landmarks),
		"inference_ms": res.resp.InferenceMs,
	}).Debug("landmarks received")
	return toPose(res.resp.Landmarks, img.Bounds()), nil
}

func (w *Worker) restart() {
	if w.proc == nil {
		return
	}
	w.proc.stop(w.config.StopTimeout)
	w.proc = nil
}

// Close stops the worker process
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.restart()
	return nil
}

// encodeRGB packs img into a Request, scaled down to maxDim if needed
func encodeRGB(img image.Image, maxDim int) Request {
	b := img.Bounds()
	var nrgba *image.NRGBA
	if maxDim > 0 && (b.Dx() > maxDim || b.Dy() > maxDim) {
		nrgba = imaging.Fit(img, maxDim, maxDim, imaging.Linear)
	} else {
		nrgba = imaging.Clone(img)
	}

	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	data := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			data = append(data, row[x], row[x+1], row[x+2])
		}
	}
	return Request{Width: w, Height: h, Data: data}
}

// toPose converts normalized landmarks to pixels of the source rectangle.
// Coordinates are relative so a scaled frame maps back without extra bookkeeping.
func toPose(lms []Landmark, src image.Rectangle) *types.Pose {
	if len(lms) == 0 {
		return nil
	}

	w, h := float64(src.Dx()), float64(src.Dy())
	pose := &types.Pose{Keypoints: make([]types.Keypoint, len(lms))}
	minX, minY, maxX, maxY := w, h, 0.0, 0.0
	var total float64
	for i, lm := range lms {
		x, y := float64(lm.X)*w, float64(lm.Y)*h
		pose.Keypoints[i] = types.Keypoint{
			X:     x + float64(src.Min.X),
			Y:     y + float64(src.Min.Y),
			Score: float64(lm.Visibility),
		}
		total += float64(lm.Visibility)
		if x < minX {
			minX = x
		}
		if y < minY {
			minY = y
		}
		if x > maxX {
			maxX = x
		}
		if y > maxY {
			maxY = y
		}
	}
	pose.Score = total / float64(len(lms))
	pose.Box = image.Rect(int(minX), int(minY), int(maxX), int(maxY)).Add(src.Min).Intersect(src)
	return pose
}
