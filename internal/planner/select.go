package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrNoServers is returned when no live server can serve an item.
var ErrNoServers = errors.New("no capability servers available")

// Selector picks the capability servers an item needs.
type Selector struct {
	oracle oracle.Oracle
	logger logging.Logger
}

// NewSelector creates a selector.
func NewSelector(o oracle.Oracle, logger logging.Logger) *Selector {
	return &Selector{oracle: o, logger: logging.OrNop(logger)}
}

// SelectSchema returns the selection response shape over the given server names.
func SelectSchema(names []string) oracle.Schema {
	return oracle.Schema{
		Name: "server_selection",
		Fields: []oracle.Field{
			{Name: "servers", Type: oracle.TypeArray, Required: true, Enum: names,
				Description: "servers whose capabilities the step needs"},
			{Name: "reason", Type: oracle.TypeString},
		},
	}
}

// SelectServers returns the servers for item. Servers preset on the item
// (verification hints) are kept when they are live. Lost servers are never offered.
func (s *Selector) SelectServers(ctx context.Context, item *models.WorkItem, servers []mcp.ServerSummary) ([]string, error) {
	var candidates []mcp.ServerSummary
	for _, srv := range servers {
		if srv.Lost {
			continue
		}
		candidates = append(candidates, srv)
	}
	if len(candidates) == 0 {
		return nil, ErrNoServers
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}

	if preset := intersect(item.Servers, names); len(preset) > 0 {
		return preset, nil
	}
	if len(candidates) == 1 {
		return names, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Step: %s\n", item.Action)
	if item.SuccessCriteria != "" {
		fmt.Fprintf(&sb, "Success criteria: %s\n", item.SuccessCriteria)
	}
	sb.WriteString("\nAvailable tool servers:\n")
	sb.WriteString(describeServers(candidates))
	fmt.Fprintf(&sb, "\nChoose one or more of: %s", quoteAll(names))

	res, err := s.oracle.Score(ctx, oracle.Request{
		Purpose:     oracle.PurposeSelect,
		Class:       gateway.ClassPlanning,
		System:      toolCallSystem,
		Prompt:      sb.String(),
		Schema:      SelectSchema(names),
		ModelHint:   oracle.ModelFast,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("select servers for %s: %w", item.ID, err)
	}

	selected := dedupe(res.Strings("servers"))
	if len(selected) == 0 {
		return nil, &oracle.MalformedResponseError{Raw: res.Raw, Reason: "no servers selected"}
	}
	s.logger.Log("item %s: selected servers %v", item.ID, selected)
	return selected, nil
}

func intersect(want, have []string) []string {
	var out []string
	for _, w := range want {
		for _, h := range have {
			if w == h {
				out = append(out, w)
				break
			}
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
