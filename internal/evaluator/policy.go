// Package evaluator sizes and risk-checks candidate signals per trading mode.
package evaluator

import (
	"fmt"
	"strings"
)

// Mode is the user's risk profile. It is a closed enum; each mode maps to one
// Policy row so the threshold table stays exhaustive and testable.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeModerate     Mode = "moderate"
	ModeAggressive   Mode = "aggressive"
)

// Policy holds the per-mode thresholds.
type Policy struct {
	MinConfidence  float64
	MinReturn      float64
	MaxPositionPct float64 // fraction of buying power per trade
}

var policies = map[Mode]Policy{
	ModeConservative: {MinConfidence: 0.80, MinReturn: 0.02, MaxPositionPct: 0.05},
	ModeModerate:     {MinConfidence: 0.70, MinReturn: 0.015, MaxPositionPct: 0.08},
	ModeAggressive:   {MinConfidence: 0.60, MinReturn: 0.01, MaxPositionPct: 0.10},
}

// MaxUtilization is the global risk cap: projected post-trade fund utilization
// may not exceed this fraction of total capital, independent of mode.
const MaxUtilization = 0.80

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := policies[m]; !ok {
		return "", fmt.Errorf("unknown trading mode %q", s)
	}
	return m, nil
}

// PolicyFor returns the threshold row for a mode.
func PolicyFor(m Mode) (Policy, bool) {
	p, ok := policies[m]
	return p, ok
}

// Modes lists all valid modes.
func Modes() []Mode {
	return []Mode{ModeConservative, ModeModerate, ModeAggressive}
}
