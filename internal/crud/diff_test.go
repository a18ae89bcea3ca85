package crud

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffOnlyChangedKeys(t *testing.T) {
	out, err := Diff(`{"name":"a","age":1}`, `{"name":"a","age":2}`)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, map[string]any{"age": float64(2)}, m)
}

func TestDiffRemovedKeyBecomesNull(t *testing.T) {
	out, err := Diff(`{"name":"a","deprecated":"x"}`, `{"name":"a"}`)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	val, ok := m["deprecated"]
	require.True(t, ok)
	assert.Nil(t, val)
	_, ok = m["name"]
	assert.False(t, ok, "unchanged key must be omitted")
}

func TestDiffEmptyOldTreatsEveryKeyAsNew(t *testing.T) {
	out, err := Diff("", `{"name":"a","age":1}`)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, map[string]any{"name": "a", "age": float64(1)}, m)
}

func TestDiffIgnoresKeyOrderInNestedObjects(t *testing.T) {
	out, err := Diff(`{"meta":{"a":1,"b":2}}`, `{"meta":{"b":2,"a":1}}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, out)
}

func TestDiffNoChangesYieldsEmptyObject(t *testing.T) {
	out, err := Diff(`{"name":"a"}`, `{"name":"a"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, out)
}
