package tasks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const progressMarker = "Executing step"

var progressRe = regexp.MustCompile(`Executing step\s+(\d+)\s*/\s*(\d+)`)

// parseProgress extracts n and m from "Executing step n/m". ok is false when
// the marker is absent; err is set when it is present but malformed.
func parseProgress(text string) (current, total int, ok bool, err error) {
	if !strings.Contains(text, progressMarker) {
		return 0, 0, false, nil
	}
	m := progressRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false, fmt.Errorf("malformed progress marker in %q", text)
	}
	current, err = strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse current step: %w", err)
	}
	total, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse max step: %w", err)
	}
	return current, total, true, nil
}
