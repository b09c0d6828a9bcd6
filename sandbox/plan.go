// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Interpreter invocation inside the sandbox. The path is fixed: the
// sandbox mounts declare exactly what is visible, so a PATH search
// would be meaningless there.
const (
	sandboxInterpreter = "/usr/bin/python3"

	// defaultInterpreter is the command used for unsandboxed
	// development launches, resolved through the host's PATH by the
	// process controller.
	defaultInterpreter = "python3"
)

// Mount declares one read-only bind of a host path into the sandbox.
type Mount struct {
	// Source is the host path. Must be absolute.
	Source string `yaml:"source"`

	// Dest is the in-sandbox path. Must be absolute. Empty means
	// mount at the source path.
	Dest string `yaml:"dest,omitempty"`
}

// Options describes one launch.
type Options struct {
	// Entrypoint is the interpreter entry point (a bytecode archive
	// or script path). Required. In the sandboxed flavor it must be
	// reachable through one of the declared mounts.
	Entrypoint string

	// Tag, when non-empty, is appended to the argument vector purely
	// so the process is identifiable in process listings. The
	// interpreter ignores it.
	Tag string

	// Mounts are the read-only binds for the sandboxed flavor.
	// Ignored when Unsandboxed is set.
	Mounts []Mount

	// Environment is the child's environment. The sandboxed flavor
	// starts from a cleared environment and sets exactly these
	// variables (plus the ENCLAVE_* toggles from Config).
	Environment map[string]string

	// Unsandboxed launches the interpreter directly with no bwrap
	// wrapping. Development only.
	Unsandboxed bool

	// Interpreter overrides the command used for unsandboxed
	// launches. Defaults to "python3". Ignored when sandboxed.
	Interpreter string
}

// Config carries the controller-level toggles passed to the child via
// ENCLAVE_* environment variables. The zero value disables everything.
type Config struct {
	// RecordDir enables raw-frame session recording into a
	// per-session subdirectory of this path.
	RecordDir string `yaml:"record_dir,omitempty"`

	// ThrottleFraction, when in (0, 1), limits the interpreter to
	// roughly that fraction of CPU time via the duty-cycle throttler.
	// Zero disables throttling.
	ThrottleFraction float64 `yaml:"throttle_fraction,omitempty"`

	// Deterministic asks the interpreter for reproducible time and
	// randomness. Exported to the child as ENCLAVE_DETERMINISTIC=1
	// (and PYTHONHASHSEED=0, so hash-ordering is stable too).
	Deterministic bool `yaml:"deterministic,omitempty"`
}

// Plan is the opaque spawn parameterization consumed by the process
// controller.
type Plan struct {
	// Path is the executable to spawn: bwrap for sandboxed launches,
	// the interpreter command otherwise.
	Path string

	// Args is the full argument vector, excluding the leading
	// program name.
	Args []string

	// Env is the complete child environment in KEY=VALUE form,
	// sorted. For sandboxed launches this is redundant with the
	// --setenv arguments but harmless; for unsandboxed launches it
	// is the only environment source.
	Env []string

	// Tag echoes Options.Tag for diagnostics.
	Tag string
}

// BuildPlan validates opts and produces spawn parameters.
func BuildPlan(opts Options, config Config) (Plan, error) {
	if opts.Entrypoint == "" {
		return Plan{}, fmt.Errorf("entrypoint is required")
	}
	if !filepath.IsAbs(opts.Entrypoint) && !opts.Unsandboxed {
		return Plan{}, fmt.Errorf("sandboxed entrypoint %q must be absolute", opts.Entrypoint)
	}
	if err := validateConfig(config); err != nil {
		return Plan{}, err
	}

	environment := childEnvironment(opts, config)

	if opts.Unsandboxed {
		return unsandboxedPlan(opts, environment), nil
	}
	return sandboxedPlan(opts, environment)
}

func validateConfig(config Config) error {
	if config.ThrottleFraction < 0 || config.ThrottleFraction >= 1 {
		if config.ThrottleFraction != 0 {
			return fmt.Errorf("throttle fraction %v outside (0, 1)", config.ThrottleFraction)
		}
	}
	return nil
}

// childEnvironment merges the caller's environment with the ENCLAVE_*
// toggles, returning sorted KEY=VALUE pairs. Sorted output keeps the
// plan deterministic, which the argv-level golden tests rely on.
func childEnvironment(opts Options, config Config) []string {
	merged := make(map[string]string, len(opts.Environment)+3)
	for key, value := range opts.Environment {
		merged[key] = value
	}
	if config.RecordDir != "" {
		merged["ENCLAVE_RECORD_DIR"] = config.RecordDir
	}
	if config.ThrottleFraction > 0 {
		merged["ENCLAVE_THROTTLE"] = strconv.FormatFloat(config.ThrottleFraction, 'g', -1, 64)
	}
	if config.Deterministic {
		merged["ENCLAVE_DETERMINISTIC"] = "1"
		merged["PYTHONHASHSEED"] = "0"
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+merged[key])
	}
	return pairs
}

// sandboxedPlan builds the bwrap invocation: full namespace
// isolation, cleared environment, declared mounts only, and the
// fixed interpreter entry point.
func sandboxedPlan(opts Options, environment []string) (Plan, error) {
	args := []string{
		"--die-with-parent",
		"--unshare-all",
		"--clearenv",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}

	for _, mount := range opts.Mounts {
		if !filepath.IsAbs(mount.Source) {
			return Plan{}, fmt.Errorf("mount source %q must be absolute", mount.Source)
		}
		dest := mount.Dest
		if dest == "" {
			dest = mount.Source
		}
		if !filepath.IsAbs(dest) {
			return Plan{}, fmt.Errorf("mount dest %q must be absolute", dest)
		}
		args = append(args, "--ro-bind", mount.Source, dest)
	}

	for _, pair := range environment {
		key, value, _ := strings.Cut(pair, "=")
		args = append(args, "--setenv", key, value)
	}

	args = append(args, "--", sandboxInterpreter, "-I", opts.Entrypoint)
	if opts.Tag != "" {
		args = append(args, opts.Tag)
	}

	return Plan{
		Path: "bwrap",
		Args: args,
		Env:  environment,
		Tag:  opts.Tag,
	}, nil
}

// unsandboxedPlan invokes the interpreter directly. Mounts are
// meaningless without bwrap and are dropped; isolation flags are
// omitted entirely.
func unsandboxedPlan(opts Options, environment []string) Plan {
	interpreter := opts.Interpreter
	if interpreter == "" {
		interpreter = defaultInterpreter
	}

	args := []string{opts.Entrypoint}
	if opts.Tag != "" {
		args = append(args, opts.Tag)
	}

	return Plan{
		Path: interpreter,
		Args: args,
		Env:  environment,
		Tag:  opts.Tag,
	}
}
