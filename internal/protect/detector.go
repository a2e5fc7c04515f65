package protect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Assessment is the static risk floor for one tool call.
type Assessment struct {
	Level   models.RiskLevel
	Reasons []string
}

func (a *Assessment) raise(level models.RiskLevel, reason string) {
	if level.Rank() <= models.RiskNone.Rank() {
		return
	}
	a.Level = models.MaxRisk(a.Level, level)
	a.Reasons = append(a.Reasons, reason)
}

// Detector floors tool-call risk using four strategies:
// 1. Capability-name patterns (e.g. shell__*)
// 2. Keywords in parameter values (e.g. "rm -rf")
// 3. Protected paths in path-like values (e.g. **/.ssh/**) and file types
// 4. Dangerous content patterns (e.g. curl | sh)
type Detector struct {
	mu           sync.RWMutex
	capabilities []CapabilityRule
	keywords     []KeywordRule
	paths        []string
	fileTypes    []string
	content      *ContentDetector
}

// conductorConfig is the protected_capabilities section of .conductor.yaml.
type conductorConfig struct {
	ProtectedCapabilities struct {
		Capabilities []CapabilityRule `yaml:"capabilities"`
		Keywords     []KeywordRule    `yaml:"keywords"`
		Paths        []string         `yaml:"paths"`
		FileTypes    []string         `yaml:"file_types"`
	} `yaml:"protected_capabilities"`
}

// New creates a detector with the default rules.
func New() *Detector {
	return &Detector{
		capabilities: append([]CapabilityRule{}, DefaultCapabilityRules...),
		keywords:     append([]KeywordRule{}, DefaultKeywords...),
		paths:        append([]string{}, DefaultPathPatterns...),
		fileTypes:    append([]string{}, DefaultFileTypes...),
		content:      NewContentDetector(),
	}
}

// Assess returns the static risk floor of call.
func (d *Detector) Assess(call models.ToolCall) Assessment {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a := Assessment{Level: models.RiskNone}

	for _, r := range d.capabilities {
		if matchCapability(call.Capability, r.Pattern) {
			a.raise(r.Level, "capability matches protected pattern "+r.Pattern)
		}
	}

	for _, v := range stringValues(call.Parameters) {
		d.assessValue(&a, v)
	}
	return a
}

func (d *Detector) assessValue(a *Assessment, value string) {
	lower := strings.ToLower(value)
	for _, k := range d.keywords {
		if strings.Contains(lower, strings.ToLower(k.Keyword)) {
			a.raise(k.Level, "parameter contains protected keyword "+k.Keyword)
		}
	}

	if level, reason := d.content.Scan(value); level != models.RiskNone {
		a.raise(level, "parameter "+reason)
	}

	if !looksLikePath(value) {
		return
	}
	normalized := strings.ReplaceAll(strings.TrimSpace(value), `\`, "/")
	for _, p := range d.paths {
		if matchPath(normalized, p) {
			a.raise(models.RiskHigh, "path matches protected pattern "+p)
			return
		}
	}
	ext := strings.ToLower(filepath.Ext(normalized))
	for _, ft := range d.fileTypes {
		if ext != "" && ext == strings.ToLower(ft) {
			a.raise(models.RiskHigh, "file type is protected: "+ft)
			return
		}
	}
}

func looksLikePath(v string) bool {
	if strings.ContainsAny(v, "\n ") && !strings.HasPrefix(v, "/") {
		return false
	}
	return strings.ContainsAny(v, `/\`) || strings.HasPrefix(v, "~") || strings.HasPrefix(filepath.Ext(v), ".")
}

// stringValues flattens every string in params, in key order.
func stringValues(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		out = appendStrings(out, params[k])
	}
	return out
}

func appendStrings(out []string, v any) []string {
	switch x := v.(type) {
	case string:
		return append(out, x)
	case []any:
		for _, e := range x {
			out = appendStrings(out, e)
		}
	case []string:
		out = append(out, x...)
	case map[string]any:
		out = append(out, stringValues(x)...)
	}
	return out
}

// AddCapabilityRule adds a capability-name rule.
func (d *Detector) AddCapabilityRule(r CapabilityRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capabilities = append(d.capabilities, r)
}

// AddKeyword adds a parameter keyword rule.
func (d *Detector) AddKeyword(r KeywordRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keywords = append(d.keywords, r)
}

// AddPath adds a protected path pattern.
func (d *Detector) AddPath(pattern string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, pattern)
}

// LoadConfig extends the rules from the protected_capabilities section of a
// .conductor.yaml file.
func (d *Detector) LoadConfig(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var config conductorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}
	pc := config.ProtectedCapabilities

	for i, r := range pc.Capabilities {
		if !validPattern(r.Pattern) {
			return fmt.Errorf("protected_capabilities.capabilities[%d]: bad pattern %q", i, r.Pattern)
		}
		level, ok := models.ParseRiskLevel(string(r.Level))
		if !ok {
			return fmt.Errorf("protected_capabilities.capabilities[%d]: unknown level %q", i, r.Level)
		}
		pc.Capabilities[i].Level = level
	}
	for i, r := range pc.Keywords {
		level, ok := models.ParseRiskLevel(string(r.Level))
		if !ok {
			return fmt.Errorf("protected_capabilities.keywords[%d]: unknown level %q", i, r.Level)
		}
		pc.Keywords[i].Level = level
	}

	for i, p := range pc.Paths {
		if !validPattern(p) {
			return fmt.Errorf("protected_capabilities.paths[%d]: bad pattern %q", i, p)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.capabilities = append(d.capabilities, pc.Capabilities...)
	d.keywords = append(d.keywords, pc.Keywords...)
	d.paths = append(d.paths, pc.Paths...)
	d.fileTypes = append(d.fileTypes, pc.FileTypes...)
	return nil
}
