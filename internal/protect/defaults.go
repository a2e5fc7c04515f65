// Package protect assigns a static minimum risk to tool calls, independent of
// the oracle's judgement.
package protect

import "github.com/ShayCichocki/conductor/pkg/models"

// CapabilityRule floors the risk of capabilities whose qualified name
// matches Pattern (single-segment glob, e.g. "shell__*delete*").
type CapabilityRule struct {
	Pattern string           `yaml:"pattern"`
	Level   models.RiskLevel `yaml:"level"`
}

// KeywordRule floors the risk of calls whose parameters contain Keyword.
type KeywordRule struct {
	Keyword string           `yaml:"keyword"`
	Level   models.RiskLevel `yaml:"level"`
}

// DefaultCapabilityRules covers destructive and privileged capability names.
var DefaultCapabilityRules = []CapabilityRule{
	{Pattern: "*__*delete_all*", Level: models.RiskCritical},
	{Pattern: "*__*format*disk*", Level: models.RiskCritical},
	{Pattern: "*__*wipe*", Level: models.RiskCritical},
	{Pattern: "*__*drop_database*", Level: models.RiskCritical},
	{Pattern: "shell__*", Level: models.RiskMedium},
	{Pattern: "*__*delete*", Level: models.RiskHigh},
	{Pattern: "*__*remove*", Level: models.RiskMedium},
	{Pattern: "*__*kill*", Level: models.RiskMedium},
	{Pattern: "*__*shutdown*", Level: models.RiskHigh},
	{Pattern: "*__*send_payment*", Level: models.RiskHigh},
}

// DefaultKeywords are substrings of parameter values that signal danger.
var DefaultKeywords = []KeywordRule{
	{Keyword: "rm -rf", Level: models.RiskCritical},
	{Keyword: "mkfs", Level: models.RiskCritical},
	{Keyword: "dd if=", Level: models.RiskCritical},
	{Keyword: "drop table", Level: models.RiskHigh},
	{Keyword: "truncate table", Level: models.RiskHigh},
	{Keyword: "sudo ", Level: models.RiskHigh},
	{Keyword: "chmod 777", Level: models.RiskHigh},
	{Keyword: "shutdown", Level: models.RiskMedium},
	{Keyword: "password", Level: models.RiskMedium},
	{Keyword: "secret", Level: models.RiskMedium},
	{Keyword: "token", Level: models.RiskLow},
}

// DefaultPathPatterns are protected locations in path-like parameters.
var DefaultPathPatterns = []string{
	"**/.ssh/**",
	"**/.gnupg/**",
	"**/.aws/**",
	"**/secrets/**",
	"**/credentials/**",
	"**/certs/**",
	"**/keys/**",
	"/etc/**",
	"/boot/**",
	"/System/**",
	"C:/Windows/**",
}

// DefaultFileTypes are file extensions treated as protected.
var DefaultFileTypes = []string{
	".pem",
	".key",
	".env",
	".p12",
	".pfx",
	".jks",
	".keystore",
	".kdbx",
}
