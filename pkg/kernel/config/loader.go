package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Types lists the configuration documents the kernel understands. The
// watcher maps file stems onto these.
var Types = []string{"system", "agents", "pipeline", "resources"}

// KnownType reports whether configType is one of Types.
func KnownType(configType string) bool {
	for _, t := range Types {
		if t == configType {
			return true
		}
	}
	return false
}

// FromFile loads a document from a file, choosing the decoder by
// extension. Supported: .yaml, .yml, .json.
func FromFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Document{}, fmt.Errorf("unsupported config file extension: %s", filepath.Ext(path))
	}
}

// FromYAML parses YAML content into a Document.
func FromYAML(data []byte) (Document, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Document{}, fmt.Errorf("parse yaml: %w", err)
	}
	return NewDocument(m), nil
}

// FromJSON parses JSON content into a Document.
func FromJSON(data []byte) (Document, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Document{}, fmt.Errorf("parse json: %w", err)
	}
	return NewDocument(m), nil
}

// DefaultSystem returns the built-in system document applied when no
// system file exists on disk.
func DefaultSystem() Document {
	return NewDocument(map[string]any{
		"log_level":            "info",
		"max_concurrent_tasks": 10,
		"task_retry_limit":     3,
		"event_history_size":   1000,
		"debounce_window":      "1s",
	})
}
