package constants

import (
	"fmt"
	"strings"
)

// AnalysisMode selects which engine operation a job runs. The set is
// closed: job launching switches on this tag, not on free-form strings.
type AnalysisMode string

const (
	// ModeTextOnly runs plain text detection.
	ModeTextOnly AnalysisMode = "TEXT"
	// ModeAnalysis runs structured analysis (forms and tables).
	ModeAnalysis AnalysisMode = "ANALYSIS"
)

// ParseMode maps a configuration string onto the closed mode set.
func ParseMode(s string) (AnalysisMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "TEXT", "TEXT_ONLY":
		return ModeTextOnly, nil
	case "ANALYSIS", "STRUCTURED":
		return ModeAnalysis, nil
	default:
		return "", fmt.Errorf("unknown analysis mode %q", s)
	}
}
