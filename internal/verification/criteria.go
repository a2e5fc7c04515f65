package verification

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
)

// criteriaFunctions are the only functions a criteria expression may call.
var criteriaFunctions = map[string]govaluate.ExpressionFunction{
	"contains": func(args ...interface{}) (interface{}, error) {
		s, sub, err := twoStrings("contains", args)
		if err != nil {
			return nil, err
		}
		return strings.Contains(s, sub), nil
	},
	"matches": func(args ...interface{}) (interface{}, error) {
		s, pattern, err := twoStrings("matches", args)
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("matches: %w", err)
		}
		return re.MatchString(s), nil
	},
	"lower": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("lower: expected 1 argument, got %d", len(args))
		}
		return strings.ToLower(fmt.Sprint(args[0])), nil
	},
}

func twoStrings(name string, args []interface{}) (string, string, error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("%s: expected 2 arguments, got %d", name, len(args))
	}
	return fmt.Sprint(args[0]), fmt.Sprint(args[1]), nil
}

// ValidateCriteria reports whether expr parses.
func ValidateCriteria(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, criteriaFunctions)
	return err
}

// CriteriaVars are the variables a criteria expression can read:
// output (all text joined), is_error, result_count and output_len.
func CriteriaVars(results []ProbeCall) map[string]interface{} {
	var texts []string
	isError := false
	for _, r := range results {
		texts = append(texts, r.Output)
		if r.IsError {
			isError = true
		}
	}
	output := strings.Join(texts, "\n")
	return map[string]interface{}{
		"output":       output,
		"is_error":     isError,
		"result_count": float64(len(results)),
		"output_len":   float64(len(output)),
	}
}

// EvaluateCriteria evaluates a boolean expression over probe results, e.g.
//
//	!is_error && contains(output, "report.csv")
func EvaluateCriteria(expr string, results []ProbeCall) (bool, error) {
	e, err := govaluate.NewEvaluableExpressionWithFunctions(expr, criteriaFunctions)
	if err != nil {
		return false, fmt.Errorf("parse criteria %q: %w", expr, err)
	}
	v, err := e.Evaluate(CriteriaVars(results))
	if err != nil {
		return false, fmt.Errorf("evaluate criteria %q: %w", expr, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("criteria %q evaluated to %T, not bool", expr, v)
	}
	return b, nil
}
