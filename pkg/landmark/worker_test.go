package landmark

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/posture-analyzer/pkg/posture"
)

// fakeWorker answers every request with handler, speaking the framed protocol over pipes
func fakeWorker(t *testing.T, handler func(Request) Response) (*Worker, *int32) {
	t.Helper()
	var spawned int32
	w := &Worker{
		config: Config{StopTimeout: time.Second},
		log:    logrus.WithField("component", "landmark-test"),
	}
	w.spawn = func() (*process, error) {
		atomic.AddInt32(&spawned, 1)
		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()
		go func() {
			defer respW.Close()
			for {
				var req Request
				if err := readMessage(reqR, &req); err != nil {
					return
				}
				if err := writeMessage(respW, handler(req)); err != nil {
					return
				}
			}
		}()
		return &process{
			stdin:  reqW,
			stdout: respR,
			stop: func(time.Duration) {
				reqW.Close()
				respR.Close()
			},
		}, nil
	}
	return w, &spawned
}

func standing() []Landmark {
	lms := make([]Landmark, 33)
	for i := range lms {
		lms[i] = Landmark{X: 0.5, Y: float32(i) / 40, Visibility: 0.9}
	}
	return lms
}

func TestProtocolRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Response{Landmarks: standing()[:3], InferenceMs: 12.5}
	require.NoError(t, writeMessage(&buf, in))

	assert.Equal(t, byte(0), buf.Bytes()[0], "length prefix is big-endian")

	var out Response
	require.NoError(t, readMessage(&buf, &out))
	assert.Equal(t, in, out)
}

func TestReadMessageRejectsOversized(t *testing.T) {
	err := readMessage(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), &Response{})
	assert.ErrorContains(t, err, "exceeds limit")

	err = readMessage(bytes.NewReader([]byte{0, 0}), &Response{})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEstimate(t *testing.T) {
	var got Request
	w, _ := fakeWorker(t, func(req Request) Response {
		got = req
		return Response{Landmarks: standing(), InferenceMs: 5}
	})
	defer w.Close()

	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	img.Set(0, 0, color.RGBA{10, 20, 30, 255})

	pose, err := w.Estimate(context.Background(), img)
	require.NoError(t, err)
	require.NotNil(t, pose)
	require.Len(t, pose.Keypoints, 33)

	assert.Equal(t, 4, got.Width)
	assert.Equal(t, 2, got.Height)
	require.Len(t, got.Data, 4*2*3)
	assert.Equal(t, []byte{10, 20, 30}, got.Data[:3])

	// left knee is landmark 25: y = 25/40 of 2px
	assert.InDelta(t, 2.0, pose.Keypoints[25].X, 1e-6)
	assert.InDelta(t, 1.25, pose.Keypoints[25].Y, 1e-6)
	assert.InDelta(t, 0.9, pose.Score, 1e-6)

	fb := posture.Classify(pose, w.Layout(), posture.Long)
	assert.Equal(t, posture.Good, fb.Posture)
}

func TestEstimateNoPerson(t *testing.T) {
	w, _ := fakeWorker(t, func(Request) Response { return Response{} })
	defer w.Close()

	pose, err := w.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	require.NoError(t, err)
	assert.Nil(t, pose)
}

func TestEstimateWorkerError(t *testing.T) {
	w, spawned := fakeWorker(t, func(Request) Response { return Response{Error: "bad frame"} })
	defer w.Close()

	_, err := w.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.ErrorContains(t, err, "bad frame")
	assert.Equal(t, int32(1), atomic.LoadInt32(spawned), "a reported error keeps the worker")
}

func TestEstimateRestartsAfterBrokenPipe(t *testing.T) {
	var calls int32
	w, spawned := fakeWorker(t, func(Request) Response {
		atomic.AddInt32(&calls, 1)
		return Response{Landmarks: standing()}
	})
	defer w.Close()

	require.NoError(t, w.Start())
	// simulate the worker dying
	w.proc.stop(0)

	_, err := w.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.Error(t, err)

	pose, err := w.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	require.NoError(t, err)
	assert.NotNil(t, pose)
	assert.Equal(t, int32(2), atomic.LoadInt32(spawned))
}

func TestEstimateContextCancel(t *testing.T) {
	block := make(chan struct{})
	w, _ := fakeWorker(t, func(Request) Response {
		<-block
		return Response{}
	})
	defer close(block)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.Estimate(ctx, image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosed(t *testing.T) {
	w, _ := fakeWorker(t, func(Request) Response { return Response{} })
	require.NoError(t, w.Close())
	_, err := w.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEncodeRGBScalesDown(t *testing.T) {
	req := encodeRGB(image.NewRGBA(image.Rect(0, 0, 200, 100)), 50)
	assert.Equal(t, 50, req.Width)
	assert.Equal(t, 25, req.Height)
	assert.Len(t, req.Data, 50*25*3)
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Command: "definitely-not-a-real-binary-xyz"})
	assert.Error(t, err)
}
