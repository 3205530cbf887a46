package processing

import (
	"fmt"
	"image"
	"math"

	"github.com/fogleman/gg"

	"github.com/menta2k/posture-analyzer/pkg/posture"
	"github.com/menta2k/posture-analyzer/pkg/types"
)

// minimum keypoint score for a joint to be drawn
const overlayMinScore = 0.5

// DrawPose renders the skeleton of pose on top of img, highlights the joints the squat rule
// measures and writes the verdict in the top-left corner.
func (p *Processor) DrawPose(img image.Image, pose *types.Pose, layout posture.Layout, fb posture.Feedback) image.Image {
	dc := gg.NewContextForImage(img)
	w, h := float64(dc.Width()), float64(dc.Height())
	stroke := math.Max(2, 0.004*math.Min(w, h))
	radius := stroke * 1.5

	if pose != nil && len(pose.Keypoints) >= layout.Count {
		kps := pose.Keypoints

		// skeleton
		dc.SetRGB255(0, 170, 255)
		dc.SetLineWidth(stroke)
		for _, bone := range layout.Skeleton() {
			a, b := kps[bone[0]], kps[bone[1]]
			if a.Score < overlayMinScore || b.Score < overlayMinScore {
				continue
			}
			dc.DrawLine(a.X, a.Y, b.X, b.Y)
			dc.Stroke()
		}

		// measured side, coloured by verdict
		if fb.Posture == posture.Bad {
			dc.SetRGB255(255, 0, 0)
		} else {
			dc.SetRGB255(0, 255, 0)
		}
		dc.SetLineWidth(stroke * 1.5)
		joints := []int{layout.Shoulder, layout.Hip, layout.Knee, layout.Ankle}
		for i := 0; i+1 < len(joints); i++ {
			a, b := kps[joints[i]], kps[joints[i+1]]
			dc.DrawLine(a.X, a.Y, b.X, b.Y)
			dc.Stroke()
		}
		for _, j := range joints {
			dc.DrawCircle(kps[j].X, kps[j].Y, radius*1.5)
			dc.Fill()
		}

		if fb.BackAngle != nil {
			hip := kps[layout.Hip]
			dc.DrawStringAnchored(fmt.Sprintf("%.0f°", *fb.BackAngle), hip.X+radius*3, hip.Y, 0, 0.5)
		}
	}

	label := fmt.Sprintf("%s: %s", fb.Posture, fb.Reason)
	tw, th := dc.MeasureString(label)
	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawRectangle(0, 0, clamp(tw+16, 0, w), th+16)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(label, 8, 8+th/2, 0, 0.5)

	return dc.Image()
}
