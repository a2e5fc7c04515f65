package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var verdictSchema = Schema{
	Name: "verdict",
	Fields: []Field{
		{Name: "match", Type: TypeBoolean, Required: true},
		{Name: "confidence", Type: TypeNumber, Required: true, Min: 0, Max: 100},
		{Name: "risk", Type: TypeString, Enum: []string{"none", "low", "high"}},
		{Name: "tags", Type: TypeArray, Enum: []string{"a", "b"}},
		{Name: "notes", Type: TypeString},
	},
}

func TestParseClean(t *testing.T) {
	res, err := Parse(`{"match": true, "confidence": 82, "risk": "low", "extra": 1}`, verdictSchema)
	require.NoError(t, err)
	assert.False(t, res.Repaired)

	match, ok := res.Bool("match")
	assert.True(t, ok)
	assert.True(t, match)
	assert.Equal(t, 82, res.Int("confidence"))
	assert.Equal(t, "low", res.String("risk"))
	assert.NotContains(t, res.Fields, "extra", "keys outside the schema are dropped")
}

func TestParseExtractsFromProse(t *testing.T) {
	text := "Sure, here you go:\n```json\n{\"match\": false, \"confidence\": 40}\n```\nHope that helps."
	res, err := Parse(text, verdictSchema)
	require.NoError(t, err)
	match, _ := res.Bool("match")
	assert.False(t, match)
	assert.False(t, res.Repaired)
}

func TestParseRepairsMalformedJSON(t *testing.T) {
	res, err := Parse(`{"match": true, "confidence": 90,}`, verdictSchema)
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.Equal(t, 90, res.Int("confidence"))
}

func TestParseCoercionFlagsRepaired(t *testing.T) {
	res, err := Parse(`{"match": "true", "confidence": "75%"}`, verdictSchema)
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	n, ok := res.Number("confidence")
	assert.True(t, ok)
	assert.Equal(t, 75.0, n)
}

func TestParseEnumCanonicalized(t *testing.T) {
	res, err := Parse(`{"match": true, "confidence": 1, "risk": " HIGH ", "tags": ["A", "b"]}`, verdictSchema)
	require.NoError(t, err)
	assert.Equal(t, "high", res.String("risk"))
	assert.Equal(t, []string{"a", "b"}, res.Strings("tags"))
}

func TestParseBlankOptionalEnumIsAbsent(t *testing.T) {
	res, err := Parse(`{"match": true, "confidence": 1, "risk": "  "}`, verdictSchema)
	require.NoError(t, err)
	assert.Equal(t, "", res.String("risk"))
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no object", "I cannot answer that."},
		{"missing required", `{"match": true}`},
		{"enum violation", `{"match": true, "confidence": 5, "risk": "extreme"}`},
		{"array enum violation", `{"match": true, "confidence": 5, "tags": ["c"]}`},
		{"out of range", `{"match": true, "confidence": 150}`},
		{"wrong type", `{"match": [1], "confidence": 5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text, verdictSchema)
			var me *MalformedResponseError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.text, me.Raw)
		})
	}
}

func TestParseWithoutSchemaKeepsEverything(t *testing.T) {
	res, err := Parse(`{"a": 1, "b": "x"}`, Schema{})
	require.NoError(t, err)
	assert.Len(t, res.Fields, 2)
}

func TestSchemaInstructions(t *testing.T) {
	text := verdictSchema.Instructions()
	assert.Contains(t, text, `"match" (boolean, required)`)
	assert.Contains(t, text, `"confidence" (number, required, 0-100)`)
	assert.Contains(t, text, `one of ["none", "low", "high"]`)
}

func TestResultDecode(t *testing.T) {
	res := &Result{Fields: map[string]any{"match": true, "confidence": 70.0}}
	var v struct {
		Match      bool    `json:"match"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, res.Decode(&v))
	assert.True(t, v.Match)
	assert.Equal(t, 70.0, v.Confidence)

	var nilRes *Result
	assert.Equal(t, "", nilRes.String("x"))
	assert.Error(t, nilRes.Decode(&v))
}
