// Package oracle defines the structured scoring interface used for every
// language-model decision in a run, plus its Anthropic binding.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ShayCichocki/conductor/internal/gateway"
)

// ModelHint selects between the configured fast and strong models.
type ModelHint string

const (
	ModelFast   ModelHint = "fast"
	ModelStrong ModelHint = "strong"
)

// Purposes label the decision a request makes.
const (
	PurposeClassify    = "classify"
	PurposePlan        = "plan"
	PurposeSelect      = "select_servers"
	PurposeToolCalls   = "tool_calls"
	PurposeReplan      = "replan"
	PurposeRisk        = "risk"
	PurposeEligibility = "eligibility"
	PurposePerception  = "perception"
	PurposeAnalysis    = "analysis"
)

// Attachment is an image sent alongside the prompt.
type Attachment struct {
	MediaType string
	Data      []byte
}

// Request is one structured decision.
type Request struct {
	// Purpose labels the request in logs and test scripts.
	Purpose     string
	// Class selects the gateway timeout; planning when empty.
	Class       gateway.CallClass
	System      string
	Prompt      string
	Schema      Schema
	ModelHint   ModelHint
	Temperature float64
	Attachments []Attachment
	MaxTokens   int64
}

// Result is a parsed, schema-checked answer.
type Result struct {
	Fields map[string]any
	Raw    string
	// Repaired is set when the answer needed repair or coercion to parse.
	// Callers that require a clean structured answer treat it as a fallback.
	Repaired bool
	Model    string
}

// Oracle answers structured requests.
type Oracle interface {
	Score(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (*Result, error)

// Score calls f.
func (f Func) Score(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// String returns a string field, or "".
func (r *Result) String(name string) string {
	if r == nil {
		return ""
	}
	s, _ := r.Fields[name].(string)
	return s
}

// Bool returns a boolean field and whether it was present.
func (r *Result) Bool(name string) (bool, bool) {
	if r == nil {
		return false, false
	}
	b, ok := r.Fields[name].(bool)
	return b, ok
}

// Number returns a numeric field and whether it was present.
func (r *Result) Number(name string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	switch v := r.Fields[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Int returns a numeric field rounded to the nearest integer.
func (r *Result) Int(name string) int {
	n, _ := r.Number(name)
	return int(math.Round(n))
}

// Strings returns an array field of strings.
func (r *Result) Strings(name string) []string {
	if r == nil {
		return nil
	}
	switch v := r.Fields[name].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Object returns an object field.
func (r *Result) Object(name string) map[string]any {
	if r == nil {
		return nil
	}
	m, _ := r.Fields[name].(map[string]any)
	return m
}

// Decode re-encodes the fields into v.
func (r *Result) Decode(v any) error {
	if r == nil {
		return fmt.Errorf("nil result")
	}
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
