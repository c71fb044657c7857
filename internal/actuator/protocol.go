// Package actuator speaks the single-byte command protocol of the fixation
// test controller and tracks the JSON status reports it prints back.
package actuator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Command is one protocol byte, written raw with no terminator.
type Command byte

const (
	CmdStartTest      Command = 0x01
	CmdEndTest        Command = 0x02
	CmdPing           Command = 0x03
	CmdWithin         Command = 0x04
	CmdOutOfThreshold Command = 0x05
	CmdRequestResults Command = 0x06
)

func (c Command) String() string {
	switch c {
	case CmdStartTest:
		return "start-test"
	case CmdEndTest:
		return "end-test"
	case CmdPing:
		return "ping"
	case CmdWithin:
		return "within-threshold"
	case CmdOutOfThreshold:
		return "out-of-threshold"
	case CmdRequestResults:
		return "request-test-results"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(c))
	}
}

// Valid reports whether the controller understands c.
func (c Command) Valid() bool { return c >= CmdStartTest && c <= CmdRequestResults }

// Status is the controller's test state as printed in reports.
type Status string

const (
	StatusReady    Status = "System Ready"
	StatusRunning  Status = "Test Running"
	StatusFinished Status = "Test Finished"
)

// Report is one JSON status line. The counters are only present while a
// test is running or finished.
type Report struct {
	TestStatus        Status `json:"test_status"`
	PointsShown       int    `json:"points_shown"`
	TotalPoints       int    `json:"total_points"`
	Clicks            int    `json:"clicks"`
	ClickPattern      string `json:"click_pattern"`
	OutOfThresCounter int    `json:"out_of_thres_counter"`

	Received time.Time `json:"received,omitzero"`
}

var ErrBadReport = errors.New("malformed controller report")

// ParseReport decodes a JSON status line.
func ParseReport(line string) (*Report, error) {
	line = strings.TrimSpace(line)
	var r Report
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReport, err)
	}
	switch r.TestStatus {
	case StatusReady, StatusRunning, StatusFinished:
	default:
		return nil, fmt.Errorf("%w: unknown test_status %q", ErrBadReport, r.TestStatus)
	}
	if strings.Trim(r.ClickPattern, "01") != "" {
		return nil, fmt.Errorf("%w: click_pattern %q", ErrBadReport, r.ClickPattern)
	}
	if r.PointsShown < 0 || r.TotalPoints < 0 || r.Clicks < 0 || r.OutOfThresCounter < 0 {
		return nil, fmt.Errorf("%w: negative counter", ErrBadReport)
	}
	return &r, nil
}

// Active reports whether the status means a test is in progress.
func (s Status) Active() bool { return s == StatusRunning }
