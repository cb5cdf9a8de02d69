package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Options holds the process-level knobs read from the environment at
// bootstrap, before any config file is loaded.
type Options struct {
	ConfigDir      string        `env:"KERNEL_CONFIG_DIR" envDefault:"config"`
	LogLevel       string        `env:"KERNEL_LOG_LEVEL" envDefault:"info"`
	MaxConcurrent  int           `env:"KERNEL_MAX_CONCURRENT_TASKS" envDefault:"10"`
	RetryLimit     int           `env:"KERNEL_TASK_RETRY_LIMIT" envDefault:"3"`
	HistorySize    int           `env:"KERNEL_EVENT_HISTORY_SIZE" envDefault:"1000"`
	DebounceWindow time.Duration `env:"KERNEL_CONFIG_DEBOUNCE" envDefault:"1s"`
}

// OptionsFromEnv parses Options from the process environment.
func OptionsFromEnv() (Options, error) {
	var opts Options
	if err := env.Parse(&opts); err != nil {
		return Options{}, fmt.Errorf("parse kernel environment: %w", err)
	}
	return opts, nil
}
