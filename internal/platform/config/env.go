// Package config is the small plumbing every binary shares: struct-tagged
// environment parsing and fatal exits for command entry points. Anything
// beyond that belongs to the binary's own ParseConfig.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target from environment variables using its env struct tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
