// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a reusable set of launch defaults, loaded from YAML.
// Values set explicitly on Options win over profile values.
type Profile struct {
	// Name identifies the profile in logs and errors.
	Name string `yaml:"name"`

	// Mounts are prepended to the launch's mounts.
	Mounts []Mount `yaml:"mounts,omitempty"`

	// Environment supplies defaults for keys the launch does not set.
	Environment map[string]string `yaml:"environment,omitempty"`

	// Interpreter overrides the unsandboxed interpreter command.
	Interpreter string `yaml:"interpreter,omitempty"`
}

// LoadProfile reads and parses a profile file.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reading profile: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	return profile, nil
}

// Apply merges the profile's defaults into opts and returns the
// result. Profile mounts come first so a launch can shadow them;
// environment keys set by the launch are kept.
func (p Profile) Apply(opts Options) Options {
	merged := opts

	if len(p.Mounts) > 0 {
		merged.Mounts = append(append([]Mount{}, p.Mounts...), opts.Mounts...)
	}

	if len(p.Environment) > 0 {
		environment := make(map[string]string, len(p.Environment)+len(opts.Environment))
		for key, value := range p.Environment {
			environment[key] = value
		}
		for key, value := range opts.Environment {
			environment[key] = value
		}
		merged.Environment = environment
	}

	if merged.Interpreter == "" {
		merged.Interpreter = p.Interpreter
	}

	return merged
}
