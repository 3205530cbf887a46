package postureanalyzer

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/posture-analyzer/internal/config"
	"github.com/menta2k/posture-analyzer/pkg/analyzer"
	"github.com/menta2k/posture-analyzer/pkg/posture"
	"github.com/menta2k/posture-analyzer/pkg/types"
)

// createTestImage creates a plain image large enough for the overlay
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{64, 64, 64, 255})
		}
	}
	return img
}

// squatEstimator reports a person with the knee past the toes
type squatEstimator struct {
	closed bool
}

func (e *squatEstimator) Name() string { return "squat" }

func (e *squatEstimator) Layout() posture.Layout { return posture.COCO17 }

func (e *squatEstimator) Close() error {
	e.closed = true
	return nil
}

func (e *squatEstimator) Estimate(ctx context.Context, img image.Image) (*types.Pose, error) {
	kps := make([]types.Keypoint, 17)
	for i := range kps {
		kps[i] = types.Keypoint{X: 50, Y: 50, Score: 0.9}
	}
	kps[5] = types.Keypoint{X: 100, Y: 40, Score: 0.9}
	kps[11] = types.Keypoint{X: 100, Y: 100, Score: 0.9}
	kps[13] = types.Keypoint{X: 130, Y: 160, Score: 0.9}
	kps[15] = types.Keypoint{X: 100, Y: 220, Score: 0.9}
	return &types.Pose{Score: 0.9, Box: image.Rect(90, 30, 140, 230), Keypoints: kps}, nil
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "frame.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, createTestImage(240, 240)))
	return path
}

func TestNewEstimator(t *testing.T) {
	cfg := config.Default().Estimator

	t.Run("none", func(t *testing.T) {
		c := cfg
		c.Backend = config.BackendNone
		est, err := NewEstimator(c)
		require.NoError(t, err)
		assert.Nil(t, est)
	})

	t.Run("unknown", func(t *testing.T) {
		c := cfg
		c.Backend = "openpose"
		_, err := NewEstimator(c)
		assert.ErrorContains(t, err, "unknown estimator backend")
	})

	t.Run("onnx without model", func(t *testing.T) {
		c := cfg
		c.ONNX.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
		_, err := NewEstimator(c)
		assert.ErrorContains(t, err, "failed to load onnx pose model")
	})

	t.Run("landmark without command", func(t *testing.T) {
		c := cfg
		c.Backend = config.BackendLandmark
		c.Landmark.Command = "definitely-not-a-pose-worker"
		_, err := NewEstimator(c)
		assert.ErrorContains(t, err, "failed to create landmark worker")
	})

	for _, provider := range []string{"ollama", "llamacpp"} {
		t.Run("vlm "+provider, func(t *testing.T) {
			c := cfg
			c.Backend = config.BackendVLM
			c.VLM.Provider = provider
			est, err := NewEstimator(c)
			require.NoError(t, err)
			assert.Equal(t, "vlm", est.Name())
			assert.Equal(t, posture.COCO17.Count, est.Layout().Count)
		})
	}

	t.Run("vlm unknown provider", func(t *testing.T) {
		c := cfg
		c.Backend = config.BackendVLM
		c.VLM.Provider = "openai"
		_, err := NewEstimator(c)
		assert.ErrorContains(t, err, "unknown vision provider")
	})
}

func TestAnalyzerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Estimator.Workers = 3
	cfg.Video.Stride = 2

	ac := AnalyzerConfig(cfg)
	assert.Equal(t, 3, ac.Workers)
	assert.Equal(t, 2, ac.Video.Stride)
	assert.Equal(t, cfg.Video.MaxFrames, ac.Video.MaxFrames)
}

func TestAnalyzeFileImage(t *testing.T) {
	pa := NewWithEstimator(&squatEstimator{}, nil)
	path := writePNG(t, t.TempDir())

	res, err := pa.AnalyzeFile(context.Background(), path, analyzer.ModeFrame)
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, 1, res.Frames[0].Frame)
	assert.Equal(t, posture.Bad, res.Frames[0].Posture)
	assert.Contains(t, res.Frames[0].Reason, "Knee over toe detected")

	res, err = pa.AnalyzeFile(context.Background(), path, analyzer.ModeSummary)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Summary.Accuracy)
}

func TestAnalyzeFileMissing(t *testing.T) {
	pa := NewWithEstimator(&squatEstimator{}, nil)
	_, err := pa.AnalyzeFile(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), analyzer.ModeFrame)
	assert.Error(t, err)
}

func TestAnnotateAndSave(t *testing.T) {
	pa := NewWithEstimator(&squatEstimator{}, nil)
	img := createTestImage(240, 240)

	out, fb, err := pa.AnnotateImage(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds().Size(), out.Bounds().Size())
	assert.Equal(t, posture.Bad, fb.Posture)
	assert.Equal(t, "Knee over toe detected.", fb.Reason)

	path := filepath.Join(t.TempDir(), "annotated.png")
	require.NoError(t, pa.SaveImage(out, types.OverlayOptions{OutputPath: path, Format: "png", Quality: 90}))

	loaded, err := pa.LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, 240, loaded.Bounds().Dx())
}

func TestWithoutEstimator(t *testing.T) {
	pa := NewWithEstimator(nil, config.Default())
	assert.False(t, pa.Analyzer().ModelLoaded())

	fb, err := pa.AnalyzeImage(context.Background(), createTestImage(10, 10))
	require.NoError(t, err)
	assert.Equal(t, posture.Error, fb.Posture)
	assert.NoError(t, pa.Close())
}

func TestClose(t *testing.T) {
	est := &squatEstimator{}
	pa := NewWithEstimator(est, nil)
	require.NoError(t, pa.Close())
	assert.True(t, est.closed)
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}
