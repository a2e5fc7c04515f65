package models

import "strings"

// RiskLevel is the assessed danger of a single tool call.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevels lists every level in ascending order.
var RiskLevels = []RiskLevel{RiskNone, RiskLow, RiskMedium, RiskHigh, RiskCritical}

// ParseRiskLevel converts a string to a RiskLevel.
// Unknown values map to RiskNone and ok=false.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	l := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if l.Rank() < 0 {
		return RiskNone, false
	}
	return l, true
}

// Rank returns the ordinal of the level, or -1 if unknown.
func (r RiskLevel) Rank() int {
	for i, l := range RiskLevels {
		if l == r {
			return i
		}
	}
	return -1
}

// AtLeast reports whether r is the same as or more severe than other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// MaxRisk returns the more severe of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
