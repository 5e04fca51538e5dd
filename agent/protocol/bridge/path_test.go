package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	data := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 1}},
		"s": "x",
	}
	v, ok := getPath(data, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = getPath(data, "a.missing")
	assert.False(t, ok)
	_, ok = getPath(data, "s.deeper")
	assert.False(t, ok)
	_, ok = getPath(nil, "a")
	assert.False(t, ok)
	_, ok = getPath(data, "")
	assert.False(t, ok)
}

func TestSetPath(t *testing.T) {
	data := map[string]any{"s": "x"}
	require.NoError(t, setPath(data, "a.b.c", 1))
	require.NoError(t, setPath(data, "a.b.d", 2))
	assert.Equal(t, map[string]any{"c": 1, "d": 2}, data["a"].(map[string]any)["b"])

	assert.Error(t, setPath(data, "s.t", 3))
	assert.Error(t, setPath(data, "", 3))
}

func TestCloneValue(t *testing.T) {
	orig := map[string]any{"m": map[string]any{"k": "v"}, "l": []any{map[string]any{"x": 1}}}
	c := cloneValue(orig).(map[string]any)
	c["m"].(map[string]any)["k"] = "changed"
	c["l"].([]any)[0].(map[string]any)["x"] = 2

	assert.Equal(t, "v", orig["m"].(map[string]any)["k"])
	assert.Equal(t, 1, orig["l"].([]any)[0].(map[string]any)["x"])
}
