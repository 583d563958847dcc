package jsonx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObjectPlain(t *testing.T) {
	raw, err := ExtractObject(`{"passed": true, "issues": []}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"passed": true, "issues": []}`, string(raw))
}

func TestExtractObjectFromFencedBlock(t *testing.T) {
	text := "Here is my review:\n```json\n{\"passed\": false, \"issues\": [\"missing error handling\"]}\n```\nLet me know."
	raw, err := ExtractObject(text)
	require.NoError(t, err)

	var out struct {
		Passed bool     `json:"passed"`
		Issues []string `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.False(t, out.Passed)
	assert.Equal(t, []string{"missing error handling"}, out.Issues)
}

func TestExtractObjectBalancedBraces(t *testing.T) {
	text := `The verdict follows. {"passed": true, "note": "nested {braces} in string"} trailing prose.`
	raw, err := ExtractObject(text)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"passed": true`)
}

func TestExtractObjectRepairsDefects(t *testing.T) {
	text := "```json\n" + `{
		// reviewer notes
		"passed": false,
		"issues": ["off-by-one in loop",],
		status: "done",
	}` + "\n```"
	raw, err := ExtractObject(text)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, false, out["passed"])
	assert.Equal(t, "done", out["status"])
}

func TestExtractObjectSmartQuotes(t *testing.T) {
	text := `{“passed”: true}`
	raw, err := ExtractObject(text)
	require.NoError(t, err)
	assert.JSONEq(t, `{"passed": true}`, string(raw))
}

func TestExtractObjectFailures(t *testing.T) {
	_, err := ExtractObject("no json here at all")
	assert.ErrorIs(t, err, ErrNoObject)

	_, err = ExtractObject("{unclosed: ")
	assert.ErrorIs(t, err, ErrNoObject)
}

func TestNormalizeTrailingCommas(t *testing.T) {
	got := Normalize(`{"a": [1, 2,], "b": 3,}`)
	assert.True(t, json.Valid([]byte(got)), "got: %s", got)
}
