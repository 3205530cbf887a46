package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/posture-analyzer/pkg/client"
	"github.com/menta2k/posture-analyzer/pkg/posture"
	"github.com/menta2k/posture-analyzer/pkg/processing"
	"github.com/menta2k/posture-analyzer/pkg/types"
)

// DefaultPrompt asks the model for the 17 COCO keypoints of the most prominent person
const DefaultPrompt = `You are a human pose estimator.

Find the single most prominent person in the image and return JSON only:
{
  "person": true,
  "confidence": 0.0,
  "keypoints": [
    {"name": "nose", "x": 0.0, "y": 0.0, "score": 0.0}
  ]
}

HARD RULES
- List all 17 keypoints with these names: nose, left_eye, right_eye, left_ear, right_ear,
  left_shoulder, right_shoulder, left_elbow, right_elbow, left_wrist, right_wrist,
  left_hip, right_hip, left_knee, right_knee, left_ankle, right_ankle.
- "left" and "right" are the person's own left and right.
- x and y are normalized to [0,1] (NOT pixels), origin at the top-left corner.
- score is how visible the joint is, from 0.0 to 1.0. Estimate occluded joints with a low score.
- If there is no person, return {"person": false, "confidence": 0.0, "keypoints": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// CocoNames is the keypoint order of the COCO17 layout
var CocoNames = []string{
	"nose", "left_eye", "right_eye", "left_ear", "right_ear",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_hip", "right_hip",
	"left_knee", "right_knee", "left_ankle", "right_ankle",
}

// Config holds the vision model parameters
type Config struct {
	Model    string
	Prompt   string
	MaxDim   int
	Quality  int
	MinScore float64
}

// DefaultConfig returns sensible defaults for small local vision models
func DefaultConfig() Config {
	return Config{
		Model:    "qwen2.5vl:7b",
		Prompt:   DefaultPrompt,
		MaxDim:   768,
		Quality:  90,
		MinScore: 0.3,
	}
}

// Detector estimates poses by asking a vision language model for keypoints
type Detector struct {
	client    client.VisionClient
	processor *processing.Processor
	config    Config
	log       *logrus.Entry
}

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient, config Config) *Detector {
	if config.Prompt == "" {
		config.Prompt = DefaultPrompt
	}
	return &Detector{
		client:    client,
		processor: processing.NewProcessor(),
		config:    config,
		log:       logrus.WithField("component", "vlm"),
	}
}

func (d *Detector) Name() string { return "vlm" }

func (d *Detector) Layout() posture.Layout { return posture.COCO17 }

func (d *Detector) Close() error { return nil }

// Estimate sends img to the model and converts the answer to a pose in img pixels
func (d *Detector) Estimate(ctx context.Context, img image.Image) (*types.Pose, error) {
	sent := processing.FitWithin(img, d.config.MaxDim)
	imgB64, err := d.processor.PrepareImageForModel(sent, "jpg", 0, d.config.Quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	raw, err := d.client.Chat(ctx, d.config.Model, d.config.Prompt, imgB64)
	if err != nil {
		return nil, err
	}

	answer, err := parseAnswer(raw)
	if err != nil {
		d.log.WithError(err).Debugf("unparseable model answer: %q", raw)
		return nil, err
	}
	if !answer.Person || len(answer.Keypoints) == 0 {
		return nil, nil
	}
	// a zero confidence means the model did not report one
	if answer.Confidence > 0 && answer.Confidence < d.config.MinScore {
		return nil, nil
	}

	return answer.toPose(img.Bounds(), sent.Bounds()), nil
}

type answerKeypoint struct {
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

type answer struct {
	Person     bool             `json:"person"`
	Confidence float64          `json:"confidence"`
	Keypoints  []answerKeypoint `json:"keypoints"`
}

func parseAnswer(raw string) (*answer, error) {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("model returned non-JSON response")
	}

	var a answer
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	return &a, nil
}

// toPose maps the answer onto COCO order in source pixels. Coordinates above 1 are taken
// as pixels of the image that was sent. When joints are missing the keypoints are
// compacted so the pose reads as incomplete.
func (a *answer) toPose(src, sent image.Rectangle) *types.Pose {
	sw, sh := float64(src.Dx()), float64(src.Dy())
	rx, ry := sw/float64(sent.Dx()), sh/float64(sent.Dy())

	index := make(map[string]int, len(CocoNames))
	for i, n := range CocoNames {
		index[n] = i
	}

	kps := make([]types.Keypoint, len(CocoNames))
	found := make([]bool, len(CocoNames))
	for i, kp := range a.Keypoints {
		slot, ok := index[strings.ToLower(strings.TrimSpace(kp.Name))]
		if !ok {
			if kp.Name != "" || i >= len(CocoNames) {
				continue
			}
			slot = i
		}

		x, y := kp.X, kp.Y
		if x > 1 || y > 1 {
			x, y = x*rx, y*ry
		} else {
			x, y = x*sw, y*sh
		}
		kps[slot] = types.Keypoint{
			X:     clamp(x, 0, sw) + float64(src.Min.X),
			Y:     clamp(y, 0, sh) + float64(src.Min.Y),
			Score: clamp(kp.Score, 0, 1),
		}
		found[slot] = true
	}

	pose := &types.Pose{Score: clamp(a.Confidence, 0, 1), Box: src}
	for i, ok := range found {
		if ok {
			pose.Keypoints = append(pose.Keypoints, kps[i])
		}
	}
	if len(pose.Keypoints) == len(CocoNames) {
		pose.Keypoints = kps
	}
	return pose
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reInline   = regexp.MustCompile(`(?m)//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments and trailing commas from a model answer
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
