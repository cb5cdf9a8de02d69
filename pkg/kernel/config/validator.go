package config

import (
	"fmt"
)

var logLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warning": true,
	"error":   true,
}

// Validate checks a document against the schema for its config type
// and returns human-readable problems. An empty slice means the
// document may be applied. Unknown config types fail validation.
func Validate(configType string, doc Document) []string {
	switch configType {
	case "system":
		return validateSystem(doc)
	case "agents":
		return validateAgents(doc)
	case "pipeline":
		return validatePipeline(doc)
	case "resources":
		return validateResources(doc)
	default:
		return []string{fmt.Sprintf("unknown config type %q", configType)}
	}
}

func validateSystem(doc Document) []string {
	var problems []string
	if doc.Has("log_level") && !logLevels[doc.String("log_level", "")] {
		problems = append(problems, fmt.Sprintf("system.log_level must be one of debug, info, warning, error; got %v", doc.Any("log_level", nil)))
	}
	if doc.Has("max_concurrent_tasks") && doc.Int("max_concurrent_tasks", 0) < 1 {
		problems = append(problems, "system.max_concurrent_tasks must be a positive integer")
	}
	if doc.Has("task_retry_limit") && doc.Int("task_retry_limit", -1) < 0 {
		problems = append(problems, "system.task_retry_limit must be a non-negative integer")
	}
	if doc.Has("event_history_size") && doc.Int("event_history_size", 0) < 1 {
		problems = append(problems, "system.event_history_size must be a positive integer")
	}
	if doc.Has("debounce_window") && doc.Duration("debounce_window", -1) < 0 {
		problems = append(problems, "system.debounce_window must be a duration")
	}
	return problems
}

func validateAgents(doc Document) []string {
	var problems []string
	raw := doc.Any("agents", nil)
	if raw == nil {
		return []string{"agents document must contain an agents map"}
	}
	agents, ok := raw.(map[string]any)
	if !ok {
		return []string{"agents must be a map of agent name to settings"}
	}
	for name, settings := range agents {
		m, ok := settings.(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("agent %q settings must be a map", name))
			continue
		}
		agent := NewDocument(m)
		if agent.String("kind", "") == "" {
			problems = append(problems, fmt.Sprintf("agent %q is missing a kind", name))
		}
		if agent.Has("max_concurrent") && agent.Int("max_concurrent", 0) < 1 {
			problems = append(problems, fmt.Sprintf("agent %q max_concurrent must be a positive integer", name))
		}
	}
	return problems
}

func validatePipeline(doc Document) []string {
	var problems []string
	raw := doc.Any("stages", nil)
	if raw == nil {
		return []string{"pipeline document must contain a stages list"}
	}
	stages, ok := raw.([]any)
	if !ok || len(stages) == 0 {
		return []string{"pipeline.stages must be a non-empty list"}
	}
	seen := make(map[string]bool)
	for i, raw := range stages {
		m, ok := raw.(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("pipeline.stages[%d] must be a map", i))
			continue
		}
		stage := NewDocument(m)
		name := stage.String("name", "")
		if name == "" {
			problems = append(problems, fmt.Sprintf("pipeline.stages[%d] is missing a name", i))
			continue
		}
		if seen[name] {
			problems = append(problems, fmt.Sprintf("pipeline stage %q is declared twice", name))
		}
		seen[name] = true
		for _, dep := range stage.StringSlice("depends_on", nil) {
			if !seen[dep] {
				problems = append(problems, fmt.Sprintf("pipeline stage %q depends on %q which is not declared earlier", name, dep))
			}
		}
	}
	return problems
}

func validateResources(doc Document) []string {
	var problems []string
	if doc.Has("max_concurrent") && doc.Int("max_concurrent", 0) < 1 {
		problems = append(problems, "resources.max_concurrent must be a positive integer")
	}
	if raw := doc.Any("tags", nil); raw != nil {
		tags, ok := raw.(map[string]any)
		if !ok {
			problems = append(problems, "resources.tags must be a map of tag to ceiling")
		} else {
			for tag, v := range tags {
				if n, ok := asInt(v); !ok || n < 1 {
					problems = append(problems, fmt.Sprintf("resources.tags[%q] must be a positive integer", tag))
				}
			}
		}
	}
	return problems
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
