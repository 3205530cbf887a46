package onnx

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/posture-analyzer/pkg/posture"
	"github.com/menta2k/posture-analyzer/pkg/processing"
)

// fakeOutput builds a channel-major [1, 5+K*3, anchors] buffer with the given detections
type det struct {
	anchor         int
	cx, cy, w, h   float32
	score          float32
	kptX, kptY, kc float32
}

func fakeOutput(anchors, keypoints int, dets ...det) []float32 {
	data := make([]float32, (5+keypoints*3)*anchors)
	for _, d := range dets {
		i := d.anchor
		data[0*anchors+i] = d.cx
		data[1*anchors+i] = d.cy
		data[2*anchors+i] = d.w
		data[3*anchors+i] = d.h
		data[4*anchors+i] = d.score
		for k := 0; k < keypoints; k++ {
			data[(5+k*3)*anchors+i] = d.kptX
			data[(5+k*3+1)*anchors+i] = d.kptY + float32(k)
			data[(5+k*3+2)*anchors+i] = d.kc
		}
	}
	return data
}

func TestAnchorCount(t *testing.T) {
	assert.Equal(t, 8400, anchorCount(640))
	assert.Equal(t, 2100, anchorCount(320))
}

func TestDecodeOutputThreshold(t *testing.T) {
	data := fakeOutput(10, 17,
		det{anchor: 2, cx: 50, cy: 50, w: 20, h: 40, score: 0.9, kptX: 50, kptY: 40, kc: 0.8},
		det{anchor: 7, cx: 10, cy: 10, w: 5, h: 5, score: 0.1},
	)
	cands := decodeOutput(data, 10, 17, 0.25)
	require.Len(t, cands, 1)
	assert.Equal(t, [4]float32{40, 30, 60, 70}, cands[0].box)
	assert.Len(t, cands[0].kpts, 51)
	assert.Equal(t, float32(41), cands[0].kpts[4], "second keypoint y")

	assert.Nil(t, decodeOutput(data[:20], 10, 17, 0.25), "short buffers are ignored")
}

func TestNMS(t *testing.T) {
	cands := []candidate{
		{box: [4]float32{0, 0, 10, 10}, score: 0.6},
		{box: [4]float32{1, 1, 11, 11}, score: 0.9},
		{box: [4]float32{50, 50, 60, 60}, score: 0.7},
	}
	kept := nms(cands, 0.45)
	require.Len(t, kept, 2)
	assert.Equal(t, float32(0.9), kept[0].score)
	assert.Equal(t, float32(0.7), kept[1].score)
}

func TestIOU(t *testing.T) {
	assert.Equal(t, float32(1), iou([4]float32{0, 0, 10, 10}, [4]float32{0, 0, 10, 10}))
	assert.Equal(t, float32(0), iou([4]float32{0, 0, 10, 10}, [4]float32{20, 20, 30, 30}))
	assert.InDelta(t, 25.0/175.0, iou([4]float32{0, 0, 10, 10}, [4]float32{5, 5, 15, 15}), 1e-6)
}

func TestBestPoseMapsToSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InputSize = 64
	anchors := anchorCount(cfg.InputSize)

	// a 128x64 source letterboxed into 64x64: scale 0.5, 16px padding on top
	lb := processing.Letterbox{Scale: 0.5, PadX: 0, PadY: 16}
	data := fakeOutput(anchors, cfg.NumKeypoints,
		det{anchor: 3, cx: 32, cy: 32, w: 16, h: 32, score: 0.8, kptX: 30, kptY: 20, kc: 0.9},
		det{anchor: 9, cx: 33, cy: 33, w: 16, h: 32, score: 0.5, kptX: 0, kptY: 0, kc: 0.9},
	)

	pose := bestPose(data, cfg, lb, image.Rect(0, 0, 128, 64))
	require.NotNil(t, pose)
	assert.InDelta(t, 0.8, pose.Score, 1e-6)
	require.Len(t, pose.Keypoints, 17)
	assert.InDelta(t, 60, pose.Keypoints[0].X, 1e-6)
	assert.InDelta(t, 8, pose.Keypoints[0].Y, 1e-6)
	assert.InDelta(t, 10, pose.Keypoints[1].Y, 1e-6)
	assert.Equal(t, image.Rect(48, 0, 80, 64), pose.Box)
}

func TestToPoseHidesLowConfidenceKeypoints(t *testing.T) {
	// upright squat with the knee straight above the ankle
	kpts := make([]float32, 17*3)
	place := func(i int, x, y, conf float32) {
		kpts[i*3], kpts[i*3+1], kpts[i*3+2] = x, y, conf
	}
	for i := 0; i < 17; i++ {
		place(i, 100, 100, 0.9)
	}
	place(5, 100, 100, 0.9)
	place(11, 100, 200, 0.9)
	place(13, 100, 300, 0.9)
	place(15, 100, 400, 0.1)

	c := candidate{box: [4]float32{50, 50, 150, 450}, score: 0.9, kpts: kpts}
	pose := toPose(c, processing.Letterbox{Scale: 1}, image.Rect(0, 0, 640, 640))

	ankle := pose.Keypoints[15]
	assert.Zero(t, ankle.X)
	assert.Zero(t, ankle.Y)
	assert.InDelta(t, 0.1, ankle.Score, 1e-6)
	assert.Equal(t, 100.0, pose.Keypoints[13].X)

	// an occluded ankle sits at x=0, so the knee is past it
	fb := posture.Classify(pose, posture.COCO17, posture.Long)
	assert.Equal(t, posture.Bad, fb.Posture)
	assert.Equal(t, "Knee over toe detected, which can put strain on knees.", fb.Reason)

	// exactly at the threshold the keypoint stays visible
	place(15, 100, 400, visibleScore)
	pose = toPose(candidate{box: c.box, score: 0.9, kpts: kpts}, processing.Letterbox{Scale: 1}, image.Rect(0, 0, 640, 640))
	assert.Equal(t, 100.0, pose.Keypoints[15].X)
	assert.Equal(t, posture.Good, posture.Classify(pose, posture.COCO17, posture.Long).Posture)
}

func TestBestPoseNoPerson(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InputSize = 32
	data := fakeOutput(anchorCount(32), cfg.NumKeypoints)
	assert.Nil(t, bestPose(data, cfg, processing.Letterbox{Scale: 1}, image.Rect(0, 0, 32, 32)))
}

func TestNewMissingModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
	_, err := New(cfg)
	assert.ErrorContains(t, err, "model file")
}

func TestFillCHW(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	copy(img.Pix, []uint8{255, 0, 0, 255, 0, 255, 51, 255})
	dst := make([]float32, 6)
	fillCHW(dst, img)
	assert.Equal(t, []float32{1, 0, 0, 1, 0, 0.2}, dst)
}
