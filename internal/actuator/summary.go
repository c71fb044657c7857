package actuator

import (
	"strconv"
	"strings"
)

// Summary is the results view of a finished test.
type Summary struct {
	TotalPoints    int     `json:"total_points"`
	PointsShown    int     `json:"points_shown"`
	Detected       int     `json:"detected"`
	Missed         int     `json:"missed"`
	FalsePresses   int     `json:"false_presses"`
	OutOfThreshold int     `json:"out_of_threshold"`
	Accuracy       float64 `json:"accuracy"` // percent of shown points detected
}

// Summarize derives the results figures from a report. Detected points come
// from the click pattern when it covers the shown points; presses beyond
// those count as false. Negative counters read as zero.
func Summarize(r Report) Summary {
	r.PointsShown = max(0, r.PointsShown)
	r.TotalPoints = max(0, r.TotalPoints)
	r.Clicks = max(0, r.Clicks)
	r.OutOfThresCounter = max(0, r.OutOfThresCounter)
	s := Summary{
		TotalPoints:    r.TotalPoints,
		PointsShown:    r.PointsShown,
		OutOfThreshold: r.OutOfThresCounter,
	}
	detected := r.Clicks
	if len(r.ClickPattern) >= r.PointsShown && r.ClickPattern != "" {
		detected = strings.Count(r.ClickPattern[:r.PointsShown], "1")
	}
	detected = min(detected, r.PointsShown)
	s.Detected = detected
	s.Missed = r.PointsShown - detected
	s.FalsePresses = max(0, r.Clicks-detected)
	if r.PointsShown > 0 {
		s.Accuracy = float64(detected) / float64(r.PointsShown) * 100
	}
	return s
}

// Rows returns the summary as ordered Metric,Value pairs.
func (s Summary) Rows() [][2]string {
	return [][2]string{
		{"Total points shown", strconv.Itoa(s.PointsShown)},
		{"Points detected", strconv.Itoa(s.Detected)},
		{"Points missed", strconv.Itoa(s.Missed)},
		{"False button presses", strconv.Itoa(s.FalsePresses)},
		{"Out of threshold", strconv.Itoa(s.OutOfThreshold)},
		{"Detection accuracy", strconv.FormatFloat(s.Accuracy, 'f', 1, 64) + "%"},
	}
}
