package onnx

import (
	"image"
	"sort"

	"github.com/chewxy/math32"

	"github.com/menta2k/posture-analyzer/pkg/processing"
	"github.com/menta2k/posture-analyzer/pkg/types"
)

// yolo pose heads predict on three grids with these strides
var strides = []int{8, 16, 32}

// keypoints below this confidence are reported at (0, 0)
const visibleScore = 0.5

// anchorCount returns how many predictions the model emits for a square input
func anchorCount(inputSize int) int {
	n := 0
	for _, s := range strides {
		g := inputSize / s
		n += g * g
	}
	return n
}

type candidate struct {
	box   [4]float32 // x1, y1, x2, y2 in model input pixels
	score float32
	kpts  []float32 // x, y, conf per keypoint in model input pixels
}

// decodeOutput reads a [1, 4+1+K*3, anchors] tensor laid out channel-major
func decodeOutput(data []float32, anchors, numKeypoints int, confThreshold float32) []candidate {
	channels := 5 + numKeypoints*3
	if len(data) < channels*anchors {
		return nil
	}

	var cands []candidate
	for i := 0; i < anchors; i++ {
		score := data[4*anchors+i]
		if score < confThreshold {
			continue
		}

		cx := data[0*anchors+i]
		cy := data[1*anchors+i]
		w := data[2*anchors+i]
		h := data[3*anchors+i]

		kpts := make([]float32, numKeypoints*3)
		for k := range kpts {
			kpts[k] = data[(5+k)*anchors+i]
		}

		cands = append(cands, candidate{
			box:   [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
			score: score,
			kpts:  kpts,
		})
	}
	return cands
}

func iou(a, b [4]float32) float32 {
	ix1 := math32.Max(a[0], b[0])
	iy1 := math32.Max(a[1], b[1])
	ix2 := math32.Min(a[2], b[2])
	iy2 := math32.Min(a[3], b[3])

	inter := math32.Max(0, ix2-ix1) * math32.Max(0, iy2-iy1)
	if inter == 0 {
		return 0
	}
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	return inter / (areaA + areaB - inter)
}

// nms sorts cands by score and drops the ones overlapping a better candidate
func nms(cands []candidate, iouThreshold float32) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	kept := make([]candidate, 0, len(cands))
	suppressed := make([]bool, len(cands))
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		for j := i + 1; j < len(cands); j++ {
			if !suppressed[j] && iou(cands[i].box, cands[j].box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// toPose maps a candidate from model input space back to the source image
func toPose(c candidate, lb processing.Letterbox, src image.Rectangle) *types.Pose {
	w, h := float64(src.Dx()), float64(src.Dy())

	x1, y1 := lb.ToSource(float64(c.box[0]), float64(c.box[1]))
	x2, y2 := lb.ToSource(float64(c.box[2]), float64(c.box[3]))

	pose := &types.Pose{
		Score: float64(c.score),
		Box: image.Rect(
			int(clamp(x1, 0, w)), int(clamp(y1, 0, h)),
			int(clamp(x2, 0, w)), int(clamp(y2, 0, h)),
		).Add(src.Min),
		Keypoints: make([]types.Keypoint, len(c.kpts)/3),
	}
	for i := range pose.Keypoints {
		score := float64(c.kpts[i*3+2])
		if score < visibleScore {
			pose.Keypoints[i] = types.Keypoint{Score: score}
			continue
		}
		x, y := lb.ToSource(float64(c.kpts[i*3]), float64(c.kpts[i*3+1]))
		pose.Keypoints[i] = types.Keypoint{
			X:     clamp(x, 0, w) + float64(src.Min.X),
			Y:     clamp(y, 0, h) + float64(src.Min.Y),
			Score: score,
		}
	}
	return pose
}

// bestPose returns the highest scoring person after NMS, or nil
func bestPose(data []float32, cfg Config, lb processing.Letterbox, src image.Rectangle) *types.Pose {
	cands := decodeOutput(data, anchorCount(cfg.InputSize), cfg.NumKeypoints, cfg.ConfThreshold)
	kept := nms(cands, cfg.IOUThreshold)
	if len(kept) == 0 {
		return nil
	}
	return toPose(kept[0], lb, src)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
