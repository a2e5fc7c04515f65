package mcp

import (
	"sort"
	"strings"
)

// QualifiedSeparator joins a server name and a capability name.
const QualifiedSeparator = "__"

// Capability is one action advertised by a server, together with its schema.
type Capability struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Qualify returns "<server>__<name>".
func Qualify(server, name string) string {
	return server + QualifiedSeparator + name
}

// SplitQualified splits a qualified capability name.
func SplitQualified(qualified string) (server, name string, ok bool) {
	server, name, ok = strings.Cut(qualified, QualifiedSeparator)
	if !ok || server == "" || name == "" {
		return "", "", false
	}
	return server, name, true
}

// QualifiedName returns the name used in tool-call plans.
func (c Capability) QualifiedName() string {
	return Qualify(c.Server, c.Name)
}

// RequiredParams lists the parameters the input schema marks as required.
func (c Capability) RequiredParams() []string {
	raw, ok := c.InputSchema["required"]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []any:
		for _, p := range v {
			if s, ok := p.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	}
	return out
}

// ParamNames lists the declared parameter names in sorted order.
func (c Capability) ParamNames() []string {
	props, _ := c.InputSchema["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func capabilitiesFrom(server string, tools []ToolSchema) []Capability {
	caps := make([]Capability, 0, len(tools))
	for _, t := range tools {
		caps = append(caps, Capability{
			Server:      server,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return caps
}
