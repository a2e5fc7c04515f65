package oracle

import (
	"fmt"
	"strings"
)

// FieldType is the JSON type of a schema field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field is one key of a closed response shape.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	// Enum restricts a string field, or every element of an array field.
	Enum     []string
	Required bool
	// Min and Max bound number fields when Max > Min.
	Min, Max float64
}

// Schema is a closed response shape. Keys outside Fields are dropped.
type Schema struct {
	Name   string
	Fields []Field
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Instructions renders the response contract appended to every prompt.
func (s Schema) Instructions() string {
	var sb strings.Builder
	sb.WriteString("Respond with ONLY a single JSON object, no prose and no code fences.\n")
	sb.WriteString("Fields:\n")
	for _, f := range s.Fields {
		fmt.Fprintf(&sb, "- %q (%s", f.Name, f.Type)
		if f.Required {
			sb.WriteString(", required")
		}
		if f.Max > f.Min {
			fmt.Fprintf(&sb, ", %g-%g", f.Min, f.Max)
		}
		sb.WriteString(")")
		if len(f.Enum) > 0 {
			quoted := make([]string, len(f.Enum))
			for i, e := range f.Enum {
				quoted[i] = fmt.Sprintf("%q", e)
			}
			fmt.Fprintf(&sb, " one of [%s]", strings.Join(quoted, ", "))
		}
		if f.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(f.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
