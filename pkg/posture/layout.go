package posture

import (
	"github.com/menta2k/posture-analyzer/pkg/geometry"
)

// Layout maps a pose model's keypoint ordering onto the joints the squat rule needs.
// Only the left side of the body is evaluated.
type Layout struct {
	Name      string
	Count     int
	Shoulder  int
	Hip       int
	Knee      int
	Ankle     int
	AngleFunc geometry.AngleFunc
}

// COCO17 is the keypoint order emitted by YOLO pose models
//
//	0 nose, 1-2 eyes, 3-4 ears, 5-6 shoulders, 7-8 elbows, 9-10 wrists,
//	11-12 hips, 13-14 knees, 15-16 ankles (left first)
var COCO17 = Layout{
	Name:      "coco17",
	Count:     17,
	Shoulder:  5,
	Hip:       11,
	Knee:      13,
	Ankle:     15,
	AngleFunc: geometry.Angle,
}

// MediaPipe33 is the landmark order emitted by MediaPipe Pose
var MediaPipe33 = Layout{
	Name:      "mediapipe33",
	Count:     33,
	Shoulder:  11,
	Hip:       23,
	Knee:      25,
	Ankle:     27,
	AngleFunc: geometry.AngleAtan2,
}

// LayoutByName returns a known layout; ok is false for unknown names
func LayoutByName(name string) (Layout, bool) {
	switch name {
	case COCO17.Name:
		return COCO17, true
	case MediaPipe33.Name:
		return MediaPipe33, true
	}
	return Layout{}, false
}

// Skeleton returns the bone pairs drawn on overlays for this layout
func (l Layout) Skeleton() [][2]int {
	if l.Name == MediaPipe33.Name {
		return mediaPipeSkeleton
	}
	return cocoSkeleton
}

var cocoSkeleton = [][2]int{
	{15, 13}, {13, 11}, {16, 14}, {14, 12},
	{11, 12}, {5, 11}, {6, 12},
	{5, 6}, {5, 7}, {6, 8}, {7, 9}, {8, 10},
	{1, 2}, {0, 1}, {0, 2}, {1, 3}, {2, 4},
}

var mediaPipeSkeleton = [][2]int{
	{11, 12}, {11, 13}, {13, 15}, {12, 14}, {14, 16},
	{11, 23}, {12, 24}, {23, 24},
	{23, 25}, {25, 27}, {27, 29}, {29, 31}, {27, 31},
	{24, 26}, {26, 28}, {28, 30}, {30, 32}, {28, 32},
}
