// Package planner provides the oracle-backed strategies of the stage
// pipeline: intent classification, task planning, capability-server
// selection, tool-call planning and replanning.
//
// Every strategy asks the oracle for a closed response shape. Enumerable
// answers (server names, capability names, replan actions) are offered as
// enums, so an answer outside the set fails parsing instead of reaching the
// pipeline.
package planner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/oracle"
)

// Strategies bundles one instance of every strategy over a shared oracle.
type Strategies struct {
	Classifier  *Classifier
	Planner     *Planner
	Selector    *Selector
	ToolPlanner *ToolPlanner
	Replanner   *Replanner
}

// NewStrategies builds every strategy over o.
func NewStrategies(o oracle.Oracle, logger logging.Logger) Strategies {
	logger = logging.Component(logging.OrNop(logger), "planner")
	return Strategies{
		Classifier:  NewClassifier(o, logger),
		Planner:     NewPlanner(o, logger),
		Selector:    NewSelector(o, logger),
		ToolPlanner: NewToolPlanner(o, logger),
		Replanner:   NewReplanner(o, logger),
	}
}

// looseString accepts a JSON string or number, since models often answer
// ids as numbers.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = looseString(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = looseString(n.String())
	return nil
}

func looseStrings(in []looseString) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, string(s))
		}
	}
	return out
}

// describeServers renders servers with their capabilities for a prompt.
func describeServers(servers []mcp.ServerSummary) string {
	var sb strings.Builder
	for _, s := range servers {
		fmt.Fprintf(&sb, "- %s", s.Name)
		if s.Description != "" {
			fmt.Fprintf(&sb, ": %s", s.Description)
		}
		sb.WriteString("\n")
		for _, c := range s.Capabilities {
			fmt.Fprintf(&sb, "    - %s", c.Name)
			if c.Description != "" {
				fmt.Fprintf(&sb, ": %s", runewidth.Truncate(c.Description, 120, "..."))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// describeCapability renders one capability with its parameters.
func describeCapability(c mcp.Capability) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- %s", c.QualifiedName())
	if c.Description != "" {
		fmt.Fprintf(&sb, ": %s", runewidth.Truncate(c.Description, 200, "..."))
	}
	required := make(map[string]bool)
	for _, p := range c.RequiredParams() {
		required[p] = true
	}
	if names := c.ParamNames(); len(names) > 0 {
		parts := make([]string, len(names))
		for i, n := range names {
			parts[i] = n
			if required[n] {
				parts[i] += " (required)"
			}
		}
		fmt.Fprintf(&sb, "\n    parameters: %s", strings.Join(parts, ", "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func quoteAll(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = strconv.Quote(s)
	}
	return strings.Join(quoted, ", ")
}
