package posture

import "math"

// Summary reduces per-frame feedback to a single report
type Summary struct {
	Accuracy         float64 `json:"accuracy"`
	BadPostureFrames int     `json:"bad_posture_frames"`
	UndetectedFrames int     `json:"undetected_frames"`
	TopIssue         string  `json:"top_issue"`
}

const (
	topIssueNone     = "None"
	topIssueNoFrames = "No frames analyzed"
)

// Summarize computes the share of frames without bad posture and the most common issue.
// Undetected frames count towards the total but not as bad.
func Summarize(feedback []Feedback) Summary {
	if len(feedback) == 0 {
		return Summary{
			Accuracy: 100,
			TopIssue: topIssueNoFrames,
		}
	}

	var s Summary
	counts := map[string]int{}
	var order []string
	for _, f := range feedback {
		switch f.Posture {
		case Bad:
			s.BadPostureFrames++
			if _, seen := counts[f.Reason]; !seen {
				order = append(order, f.Reason)
			}
			counts[f.Reason]++
		case Undetected:
			s.UndetectedFrames++
		}
	}

	s.TopIssue = topIssueNone
	best := 0
	for _, reason := range order {
		if counts[reason] > best {
			best = counts[reason]
			s.TopIssue = reason
		}
	}

	ratio := 1 - float64(s.BadPostureFrames)/float64(len(feedback))
	// half to even, so 90.625 reports as 90.62
	s.Accuracy = math.RoundToEven(ratio*100*100) / 100
	return s
}
