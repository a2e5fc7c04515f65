package protect

import (
	"regexp"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ContentPattern matches dangerous content inside a parameter value.
type ContentPattern struct {
	Pattern string
	Level   models.RiskLevel
	Reason  string
}

// DangerousContent lists regex patterns for shell and SQL payloads.
var DangerousContent = []ContentPattern{
	{Pattern: `rm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+(/|~|\*)`, Level: models.RiskCritical, Reason: "recursive delete of a root or home path"},
	{Pattern: `curl[^|]*\|\s*(ba|z)?sh`, Level: models.RiskHigh, Reason: "pipes a download into a shell"},
	{Pattern: `wget[^|]*\|\s*(ba|z)?sh`, Level: models.RiskHigh, Reason: "pipes a download into a shell"},
	{Pattern: `:\(\)\s*\{\s*:\|:&\s*\};:`, Level: models.RiskCritical, Reason: "fork bomb"},
	{Pattern: `(?i)drop\s+(table|database|schema)\s+`, Level: models.RiskHigh, Reason: "drops database objects"},
	{Pattern: `(?i)delete\s+from\s+\w+\s*;?\s*$`, Level: models.RiskHigh, Reason: "unbounded delete"},
	{Pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----`, Level: models.RiskHigh, Reason: "contains a private key"},
	{Pattern: `>\s*/dev/sd[a-z]`, Level: models.RiskCritical, Reason: "writes to a raw disk"},
}

type compiledContent struct {
	re     *regexp.Regexp
	level  models.RiskLevel
	reason string
}

// ContentDetector scans parameter values for dangerous payloads.
type ContentDetector struct {
	patterns []compiledContent
}

// NewContentDetector compiles DangerousContent.
func NewContentDetector() *ContentDetector {
	d := &ContentDetector{}
	for _, p := range DangerousContent {
		d.Add(p)
	}
	return d
}

// Add compiles and appends a pattern. Invalid expressions are skipped.
func (d *ContentDetector) Add(p ContentPattern) bool {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return false
	}
	d.patterns = append(d.patterns, compiledContent{re: re, level: p.Level, reason: p.Reason})
	return true
}

// Scan returns the highest level matched in value and its reason.
func (d *ContentDetector) Scan(value string) (models.RiskLevel, string) {
	level, reason := models.RiskNone, ""
	for _, p := range d.patterns {
		if p.re.MatchString(value) && p.level.Rank() > level.Rank() {
			level, reason = p.level, p.reason
		}
	}
	return level, reason
}
