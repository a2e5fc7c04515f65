package validation

import (
	"context"
	"slices"
	"strings"

	"github.com/ShayCichocki/conductor/internal/mcp"
)

// StructuralCheck rejects calls outside the advertised capability set of the
// selected servers, and calls missing a required parameter.
type StructuralCheck struct {
	catalog Catalog
}

// NewStructuralCheck creates a structural check over catalog.
func NewStructuralCheck(catalog Catalog) *StructuralCheck {
	return &StructuralCheck{catalog: catalog}
}

// Stage implements Check.
func (c *StructuralCheck) Stage() Stage { return StageStructural }

// Check implements Check.
func (c *StructuralCheck) Check(_ context.Context, b Batch, _ *Outcome) *Rejection {
	if len(b.Calls) == 0 {
		return reject(StageStructural, -1, "", "batch contains no tool calls")
	}

	advertised := make(map[string][]mcp.Capability)
	for i, call := range b.Calls {
		server, name, ok := mcp.SplitQualified(call.Capability)
		if !ok {
			return reject(StageStructural, i, call.Capability, "capability name is not qualified as <server>__<capability>")
		}
		if !slices.Contains(b.Servers, server) {
			return reject(StageStructural, i, call.Capability, "server %q is not selected for this item (selected: %s)", server, strings.Join(b.Servers, ", "))
		}

		caps, seen := advertised[server]
		if !seen {
			var err error
			caps, err = c.catalog.ListCapabilities(server)
			if err != nil {
				return reject(StageStructural, i, call.Capability, "capabilities of %q unavailable: %v", server, err)
			}
			advertised[server] = caps
		}

		capability, found := findCapability(caps, name)
		if !found {
			return reject(StageStructural, i, call.Capability, "capability is not advertised by server %q", server)
		}
		for _, p := range capability.RequiredParams() {
			if v, ok := call.Parameters[p]; !ok || v == nil {
				return reject(StageStructural, i, call.Capability, "missing required parameter %q", p)
			}
		}
	}
	return nil
}

func findCapability(caps []mcp.Capability, name string) (mcp.Capability, bool) {
	for _, c := range caps {
		if c.Name == name {
			return c, true
		}
	}
	return mcp.Capability{}, false
}
