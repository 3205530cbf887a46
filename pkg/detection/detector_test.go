package detection

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/posture-analyzer/pkg/posture"
)

type fakeVision struct {
	reply  string
	err    error
	prompt string
	model  string
}

func (f *fakeVision) Chat(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.model, f.prompt = model, prompt
	return f.reply, f.err
}

// uprightAnswer places every joint on a vertical line, feet at the bottom
func uprightAnswer(t *testing.T) string {
	t.Helper()
	a := answer{Person: true, Confidence: 0.9}
	for i, n := range CocoNames {
		a.Keypoints = append(a.Keypoints, answerKeypoint{
			Name:  n,
			X:     0.5,
			Y:     0.05 + float64(i)*0.05,
			Score: 0.8,
		})
	}
	b, err := json.Marshal(a)
	require.NoError(t, err)
	return "```json\n" + string(b) + "\n```"
}

func TestEstimateUpright(t *testing.T) {
	vision := &fakeVision{reply: uprightAnswer(t)}
	d := NewDetector(vision, DefaultConfig())

	img := image.NewRGBA(image.Rect(0, 0, 200, 400))
	pose, err := d.Estimate(context.Background(), img)
	require.NoError(t, err)
	require.NotNil(t, pose)
	require.Len(t, pose.Keypoints, 17)

	assert.Equal(t, "qwen2.5vl:7b", vision.model)
	assert.Equal(t, DefaultPrompt, vision.prompt)

	// left knee is index 13: y = 0.05 + 13*0.05 = 0.70 of 400 px
	assert.InDelta(t, 100, pose.Keypoints[13].X, 1e-9)
	assert.InDelta(t, 280, pose.Keypoints[13].Y, 1e-6)

	fb := posture.Classify(pose, d.Layout(), posture.Short)
	assert.Equal(t, posture.Good, fb.Posture)
}

func TestEstimateNoPerson(t *testing.T) {
	d := NewDetector(&fakeVision{reply: `{"person": false, "confidence": 0.0, "keypoints": []}`}, DefaultConfig())
	pose, err := d.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)))
	require.NoError(t, err)
	assert.Nil(t, pose)

	d = NewDetector(&fakeVision{reply: `{"person": true, "confidence": 0.1, "keypoints": [{"name":"nose","x":0.5,"y":0.5,"score":1}]}`}, DefaultConfig())
	pose, err = d.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)))
	require.NoError(t, err)
	assert.Nil(t, pose, "low confidence answers are treated as no person")
}

func TestEstimateMissingJoints(t *testing.T) {
	reply := `{
		"person": true,
		"keypoints": [
			{"name": "left_shoulder", "x": 0.5, "y": 0.2, "score": 0.9},
			{"name": "left_hip", "x": 0.5, "y": 0.5, "score": 0.9}, // hip
		]
	}`
	d := NewDetector(&fakeVision{reply: reply}, DefaultConfig())
	pose, err := d.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 100, 100)))
	require.NoError(t, err)
	require.NotNil(t, pose)
	assert.Len(t, pose.Keypoints, 2)

	fb := posture.Classify(pose, posture.COCO17, posture.Short)
	assert.Equal(t, posture.ReasonFewKeypoints, fb.Reason)
}

func TestEstimatePixelCoordinates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDim = 100
	reply := `{"person": true, "confidence": 0.8, "keypoints": [` +
		`{"name":"left_knee","x":50,"y":25,"score":0.9}]}`
	d := NewDetector(&fakeVision{reply: reply}, cfg)

	// 400x200 is sent as 100x50, so pixel answers scale by 4
	pose, err := d.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 400, 200)))
	require.NoError(t, err)
	require.Len(t, pose.Keypoints, 1)
	assert.InDelta(t, 200, pose.Keypoints[0].X, 1e-9)
	assert.InDelta(t, 100, pose.Keypoints[0].Y, 1e-9)
}

func TestEstimateErrors(t *testing.T) {
	boom := errors.New("connection refused")
	d := NewDetector(&fakeVision{err: boom}, DefaultConfig())
	_, err := d.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)))
	assert.ErrorIs(t, err, boom)

	d = NewDetector(&fakeVision{reply: "I see a person squatting."}, DefaultConfig())
	_, err = d.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)))
	assert.Error(t, err)
}

func TestSanitizeModelJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\": 1}\n```":             `{"a": 1}`,
		"Sure! {\"a\": [1, 2,]} hope it helps": `{"a": [1, 2]}`,
		"{/* note */\"a\": 1}":                 `{"a": 1}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeModelJSON(in), in)
	}
}
