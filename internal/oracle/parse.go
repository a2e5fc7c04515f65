package oracle

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Parse extracts the JSON object from text and checks it against schema.
// Malformed JSON is passed through jsonrepair; a repaired or coerced answer
// is returned with Repaired set.
func Parse(text string, schema Schema) (*Result, error) {
	candidate := extractObject(text)
	if candidate == "" {
		return nil, &MalformedResponseError{Raw: text, Reason: "no JSON object in response"}
	}

	res := &Result{Raw: text}
	var fields map[string]any
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(candidate)
		if rerr != nil {
			return nil, &MalformedResponseError{Raw: text, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
		if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
			return nil, &MalformedResponseError{Raw: text, Reason: fmt.Sprintf("invalid JSON after repair: %v", err)}
		}
		res.Repaired = true
	}
	if fields == nil {
		return nil, &MalformedResponseError{Raw: text, Reason: "response is not an object"}
	}

	out := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		v, ok := fields[f.Name]
		if !ok || v == nil {
			if f.Required {
				return nil, &MalformedResponseError{Raw: text, Reason: fmt.Sprintf("missing required field %q", f.Name)}
			}
			continue
		}
		cv, coerced, err := checkField(f, v)
		if err != nil {
			return nil, &MalformedResponseError{Raw: text, Reason: err.Error()}
		}
		if coerced {
			res.Repaired = true
		}
		out[f.Name] = cv
	}
	if len(schema.Fields) == 0 {
		out = fields
	}
	res.Fields = out
	return res, nil
}

// extractObject returns the outermost {...} span, ignoring code fences and
// surrounding prose. An unterminated object is returned as-is for repair.
func extractObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return strings.TrimSpace(text[start:])
	}
	return text[start : end+1]
}

func checkField(f Field, v any) (any, bool, error) {
	switch f.Type {
	case TypeString, "":
		var s string
		coerced := false
		switch x := v.(type) {
		case string:
			s = x
		case float64, bool:
			s, coerced = fmt.Sprint(x), true
		default:
			return nil, false, fmt.Errorf("field %q: expected string", f.Name)
		}
		// A blank optional string is an absent hint, not an enum violation.
		if !f.Required && strings.TrimSpace(s) == "" {
			return "", coerced, nil
		}
		s, err := checkEnum(f, s)
		if err != nil {
			return nil, false, err
		}
		return s, coerced, nil

	case TypeNumber, TypeInteger:
		var n float64
		coerced := false
		switch x := v.(type) {
		case float64:
			n = x
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(x), "%"), 64)
			if err != nil {
				return nil, false, fmt.Errorf("field %q: expected number", f.Name)
			}
			n, coerced = parsed, true
		default:
			return nil, false, fmt.Errorf("field %q: expected number", f.Name)
		}
		if f.Type == TypeInteger && n != math.Trunc(n) {
			return nil, false, fmt.Errorf("field %q: expected integer", f.Name)
		}
		if f.Max > f.Min && (n < f.Min || n > f.Max) {
			return nil, false, fmt.Errorf("field %q: %g outside [%g, %g]", f.Name, n, f.Min, f.Max)
		}
		return n, coerced, nil

	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, false, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, false, fmt.Errorf("field %q: expected boolean", f.Name)
			}
			return b, true, nil
		}
		return nil, false, fmt.Errorf("field %q: expected boolean", f.Name)

	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			return nil, false, fmt.Errorf("field %q: expected array", f.Name)
		}
		if len(f.Enum) > 0 {
			for i, e := range arr {
				s, ok := e.(string)
				if !ok {
					return nil, false, fmt.Errorf("field %q: expected array of strings", f.Name)
				}
				norm, err := checkEnum(f, s)
				if err != nil {
					return nil, false, err
				}
				arr[i] = norm
			}
		}
		return arr, false, nil

	case TypeObject:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("field %q: expected object", f.Name)
		}
		return m, false, nil
	}
	return v, false, nil
}

// checkEnum matches s against the field's enum, ignoring case and
// surrounding space, and returns the canonical enum value.
func checkEnum(f Field, s string) (string, error) {
	if len(f.Enum) == 0 {
		return s, nil
	}
	trimmed := strings.TrimSpace(s)
	for _, e := range f.Enum {
		if strings.EqualFold(e, trimmed) {
			return e, nil
		}
	}
	return "", fmt.Errorf("field %q: %q is not one of %v", f.Name, s, f.Enum)
}
