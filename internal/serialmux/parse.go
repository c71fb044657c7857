package serialmux

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	LineTypeReport = "report"
	LineTypePong   = "pong"
	LineTypeText   = "text"
)

// ClassifyLine inspects a controller line: JSON objects are status reports,
// the ping answer is a pong and anything else is free text.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "{"):
		return LineTypeReport
	case line == "PONG":
		return LineTypePong
	default:
		return LineTypeText
	}
}

// CommandHelp lists the controller command bytes for the admin form.
var CommandHelp = []struct {
	Byte string
	Name string
}{
	{"01", "start test"},
	{"02", "end test"},
	{"03", "ping"},
	{"04", "within threshold"},
	{"05", "out of threshold"},
	{"06", "request test results"},
}

// ParseCommandBytes parses hex bytes such as "04", "0x04" or "04 06".
func ParseCommandBytes(s string) ([]byte, error) {
	var out []byte
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
		field = strings.TrimPrefix(strings.ToLower(field), "0x")
		if len(field) == 1 {
			field = "0" + field
		}
		b, err := hex.DecodeString(field)
		if err != nil || len(b) != 1 {
			return nil, fmt.Errorf("invalid command byte %q: expected hex such as 0x04", field)
		}
		out = append(out, b[0])
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no command bytes in %q", s)
	}
	return out, nil
}
