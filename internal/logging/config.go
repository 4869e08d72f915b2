// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum enabled level: debug, info, warn, or error.
	Level string

	// Format selects the encoder: json or console.
	Format string

	// Development enables development behavior such as DPanic panicking.
	Development bool
}

// Validate checks the configuration. Empty fields are valid; New applies
// defaults.
func (c *Config) Validate() error {
	if c.Level != "" {
		if _, err := zapcore.ParseLevel(c.Level); err != nil {
			return fmt.Errorf("invalid logging level %q: %w", c.Level, err)
		}
	}

	switch c.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging format %q (expected json or console)", c.Format)
	}

	return nil
}
