package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExpand_SingleAxis verifies the simplest matrix: one axis expands
// to one entry per value, in declaration order.
func TestExpand_SingleAxis(t *testing.T) {
	axes := map[string][]interface{}{
		"python-version": {"3.9", "3.10", "3.11", "3.12"},
	}

	entries, err := Expand(axes, nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "3.9", entries[0].Values["python-version"])
	assert.Equal(t, "3.10", entries[1].Values["python-version"])
	assert.Equal(t, "3.11", entries[2].Values["python-version"])
	assert.Equal(t, "3.12", entries[3].Values["python-version"])
}

// TestExpand_CrossProduct verifies that two axes produce their full
// cross-product, iterated in sorted axis order for determinism.
func TestExpand_CrossProduct(t *testing.T) {
	axes := map[string][]interface{}{
		"python-version": {"3.11", "3.12"},
		"os":             {"ubuntu", "macos"},
	}

	entries, err := Expand(axes, nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	// "os" sorts before "python-version", so os varies slowest.
	assert.Equal(t, map[string]string{"os": "ubuntu", "python-version": "3.11"}, entries[0].Values)
	assert.Equal(t, map[string]string{"os": "ubuntu", "python-version": "3.12"}, entries[1].Values)
	assert.Equal(t, map[string]string{"os": "macos", "python-version": "3.11"}, entries[2].Values)
	assert.Equal(t, map[string]string{"os": "macos", "python-version": "3.12"}, entries[3].Values)
}

// TestExpand_Exclude verifies that exclude entries remove matching
// combinations, including partial-key matches.
func TestExpand_Exclude(t *testing.T) {
	axes := map[string][]interface{}{
		"python-version": {"3.11", "3.12"},
		"os":             {"ubuntu", "macos"},
	}
	exclude := []map[string]interface{}{
		{"os": "macos", "python-version": "3.11"},
	}

	entries, err := Expand(axes, nil, exclude)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, entry := range entries {
		assert.False(t, entry.Values["os"] == "macos" && entry.Values["python-version"] == "3.11")
	}

	// A single-key exclude removes every combination carrying that value.
	entries, err = Expand(axes, nil, []map[string]interface{}{{"os": "macos"}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, "ubuntu", entry.Values["os"])
	}
}

// TestExpand_ExcludeAll verifies that removing every combination is
// reported as an error rather than yielding a silent empty run.
func TestExpand_ExcludeAll(t *testing.T) {
	axes := map[string][]interface{}{
		"python-version": {"3.12"},
	}
	exclude := []map[string]interface{}{
		{"python-version": "3.12"},
	}

	_, err := Expand(axes, nil, exclude)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no entries")
}

// TestExpand_IncludeExtends verifies that an include entry matching an
// existing combination on its axis keys adds its extra keys there.
func TestExpand_IncludeExtends(t *testing.T) {
	axes := map[string][]interface{}{
		"python-version": {"3.11", "3.12"},
	}
	include := []map[string]interface{}{
		{"python-version": "3.12", "experimental": true},
	}

	entries, err := Expand(axes, include, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.NotContains(t, entries[0].Values, "experimental")
	assert.Equal(t, "true", entries[1].Values["experimental"])
}

// TestExpand_IncludeAppends verifies that an include entry with a
// novel axis value becomes a new standalone combination.
func TestExpand_IncludeAppends(t *testing.T) {
	axes := map[string][]interface{}{
		"python-version": {"3.11", "3.12"},
	}
	include := []map[string]interface{}{
		{"python-version": "3.13", "experimental": true},
	}

	entries, err := Expand(axes, include, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	last := entries[2].Values
	assert.Equal(t, "3.13", last["python-version"])
	assert.Equal(t, "true", last["experimental"])
}

// TestExpand_IncludeWithoutAxisKeys verifies the two no-axis-key
// cases: extras merge into every combination when axes exist, and
// form standalone combinations when they do not.
func TestExpand_IncludeWithoutAxisKeys(t *testing.T) {
	t.Run("merges into all combinations", func(t *testing.T) {
		axes := map[string][]interface{}{
			"python-version": {"3.11", "3.12"},
		}
		include := []map[string]interface{}{
			{"cache": "pip"},
		}

		entries, err := Expand(axes, include, nil)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		for _, entry := range entries {
			assert.Equal(t, "pip", entry.Values["cache"])
		}
	})

	t.Run("include-only matrix", func(t *testing.T) {
		include := []map[string]interface{}{
			{"python-version": "3.11", "os": "ubuntu"},
			{"python-version": "3.12", "os": "macos"},
		}

		entries, err := Expand(nil, include, nil)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "ubuntu", entries[0].Values["os"])
		assert.Equal(t, "macos", entries[1].Values["os"])
	})
}

// TestExpand_TooLarge verifies the entry cap.
func TestExpand_TooLarge(t *testing.T) {
	values := make([]interface{}, 9)
	for i := range values {
		values[i] = i
	}
	axes := map[string][]interface{}{
		"a": values,
		"b": values,
	}

	_, err := Expand(axes, nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64")
}

// TestStringify verifies scalar rendering, in particular that floats
// keep their shortest round-trip form.
func TestStringify(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected string
	}{
		{"string", "3.10", "3.10"},
		{"int", 8, "8"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"float whole", float64(20), "20"},
		{"float fraction", 3.9, "3.9"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Stringify(tt.value))
		})
	}
}

// TestDisplayName verifies job name decoration with matrix values in
// sorted key order.
func TestDisplayName(t *testing.T) {
	assert.Equal(t, "test", DisplayName("test", nil))
	assert.Equal(t, "test (3.10)", DisplayName("test", map[string]string{"python-version": "3.10"}))
	assert.Equal(t, "test (ubuntu, 3.10)", DisplayName("test", map[string]string{
		"python-version": "3.10",
		"os":             "ubuntu",
	}))
}
