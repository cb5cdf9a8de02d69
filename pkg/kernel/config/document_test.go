package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrativewave/agentkernel/pkg/kernel/config"
)

func TestDocumentAccessors(t *testing.T) {
	doc := config.NewDocument(map[string]any{
		"name":     "kernel",
		"count":    5,
		"ratio":    0.25,
		"enabled":  true,
		"timeout":  "30s",
		"interval": 10,
		"tags":     []any{"gpu", "cpu"},
		"nested":   map[string]any{"depth": 2},
	})

	assert.Equal(t, "kernel", doc.String("name", ""))
	assert.Equal(t, "fallback", doc.String("missing", "fallback"))
	assert.Equal(t, 5, doc.Int("count", 0))
	assert.Equal(t, 0.25, doc.Float("ratio", 0))
	assert.True(t, doc.Bool("enabled", false))
	assert.Equal(t, 30*time.Second, doc.Duration("timeout", 0))
	assert.Equal(t, 10*time.Second, doc.Duration("interval", 0))
	assert.Equal(t, []string{"gpu", "cpu"}, doc.StringSlice("tags", nil))
	assert.Equal(t, 2, doc.Section("nested").Int("depth", 0))
	assert.True(t, doc.Has("name"))
	assert.False(t, doc.Has("missing"))
}

func TestDocumentTypeMismatchFallsBack(t *testing.T) {
	doc := config.NewDocument(map[string]any{
		"count":   "not a number",
		"enabled": "yes",
		"mixed":   []any{"a", 1},
	})

	assert.Equal(t, 7, doc.Int("count", 7))
	assert.False(t, doc.Bool("enabled", false))
	assert.Nil(t, doc.StringSlice("mixed", nil))
	assert.Equal(t, config.NewDocument(nil).Keys(), doc.Section("count").Keys())
}

func TestDocumentJSONNumbers(t *testing.T) {
	// JSON decoding delivers every number as float64.
	doc, err := config.FromJSON([]byte(`{"count": 12, "fraction": 1.5}`))
	require.NoError(t, err)
	assert.Equal(t, 12, doc.Int("count", 0))
	assert.Equal(t, 0, doc.Int("fraction", 0))
	assert.Equal(t, 1.5, doc.Float("fraction", 0))
}

func TestFromYAML(t *testing.T) {
	doc, err := config.FromYAML([]byte("log_level: debug\nmax_concurrent_tasks: 4\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", doc.String("log_level", ""))
	assert.Equal(t, 4, doc.Int("max_concurrent_tasks", 0))

	_, err = config.FromYAML([]byte(":\n  - ]["))
	assert.Error(t, err)
}

func TestDefaultSystem(t *testing.T) {
	doc := config.DefaultSystem()
	assert.Empty(t, config.Validate("system", doc))
	assert.Equal(t, 10, doc.Int("max_concurrent_tasks", 0))
}
