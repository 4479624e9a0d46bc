package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuralIgnoresValues(t *testing.T) {
	a := json.RawMessage(`{"action":"opened","number":1,"merged":false}`)
	b := json.RawMessage(`{"action":"closed","number":999,"merged":true}`)

	fa, err := Structural(a)
	require.NoError(t, err)
	fb, err := Structural(b)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)
}

func TestStructuralIgnoresKeyOrder(t *testing.T) {
	a := json.RawMessage(`{"x":1,"y":"s"}`)
	b := json.RawMessage(`{"y":"t","x":2}`)

	fa, err := Structural(a)
	require.NoError(t, err)
	fb, err := Structural(b)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
}

func TestStructuralDistinguishesShapes(t *testing.T) {
	a := json.RawMessage(`{"id":1}`)
	b := json.RawMessage(`{"id":"1"}`)
	c := json.RawMessage(`{"id":1,"extra":null}`)

	fa, err := Structural(a)
	require.NoError(t, err)
	fb, err := Structural(b)
	require.NoError(t, err)
	fc, err := Structural(c)
	require.NoError(t, err)

	assert.NotEqual(t, fa, fb)
	assert.NotEqual(t, fa, fc)
}

func TestStructuralRejectsInvalidJSON(t *testing.T) {
	_, err := Structural(json.RawMessage(`{"oops"`))
	assert.Error(t, err)
}

func TestSkeleton(t *testing.T) {
	var value any
	require.NoError(t, json.Unmarshal([]byte(`{
		"action": "opened",
		"pull_request": {"number": 1374, "draft": false, "labels": ["bug", "ui"]},
		"empty": [],
		"nothing": null
	}`), &value))

	got := Skeleton(value)
	want := map[string]any{
		"action": "string",
		"pull_request": map[string]any{
			"number": "number",
			"draft":  "boolean",
			"labels": []any{"string"},
		},
		"empty":   []any{},
		"nothing": "null",
	}
	assert.Equal(t, want, got)
}

func TestExtended(t *testing.T) {
	base := "aaaa"
	assert.Equal(t, base, Extended(base, nil))
	assert.Equal(t, base, Extended(base, map[string]string{}))

	withA := Extended(base, map[string]string{".event": "push"})
	withB := Extended(base, map[string]string{".event": "pull_request"})
	assert.NotEqual(t, base, withA)
	assert.NotEqual(t, withA, withB)
	assert.Equal(t, withA, Extended(base, map[string]string{".event": "push"}))
}
