// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// enclave-run launches a sandboxed interpreter, invokes one exported
// function, prints the result, and shuts the sandbox down.
//
// Usage:
//
//	enclave-run --entry /opt/worker/main.pyz --mount /opt/worker <function> [json-arg...]
//
// Arguments after the function name are parsed as JSON values and
// passed through as call arguments. The result is printed in CBOR
// diagnostic notation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/enclave/enclave"
	"github.com/bureau-foundation/enclave/lib/codec"
	"github.com/bureau-foundation/enclave/lib/process"
	"github.com/bureau-foundation/enclave/lib/version"
	"github.com/bureau-foundation/enclave/record"
	"github.com/bureau-foundation/enclave/rpc"
	"github.com/bureau-foundation/enclave/sandbox"
	"github.com/bureau-foundation/enclave/throttle"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		entrypoint    string
		interpreter   string
		profilePath   string
		mountFlags    []string
		envFlags      []string
		tag           string
		unsandboxed   bool
		recordDir     string
		compression   string
		throttleFrac  float64
		deterministic bool
		grace         time.Duration
		verbose       bool
	)

	flagSet := pflag.NewFlagSet("enclave-run", pflag.ContinueOnError)
	flagSet.StringVar(&entrypoint, "entry", "", "interpreter entry point (required)")
	flagSet.StringVar(&interpreter, "interpreter", "", "interpreter command for --unsandboxed launches")
	flagSet.StringVar(&profilePath, "profile", "", "YAML launch profile supplying mount and environment defaults")
	flagSet.StringArrayVar(&mountFlags, "mount", nil, "read-only bind SOURCE[:DEST], repeatable")
	flagSet.StringArrayVar(&envFlags, "env", nil, "child environment variable KEY=VALUE, repeatable")
	flagSet.StringVar(&tag, "tag", "", "tag appended to the child argv for process listings")
	flagSet.BoolVar(&unsandboxed, "unsandboxed", false, "launch the interpreter directly, without bwrap")
	flagSet.StringVar(&recordDir, "record-dir", "", "record the protocol streams into a session under this directory")
	flagSet.StringVar(&compression, "compression", "zstd", "session stream compression: none, lz4, or zstd")
	flagSet.Float64Var(&throttleFrac, "throttle", 0, "fraction of CPU time granted to the child, in (0, 1); 0 disables throttling")
	flagSet.BoolVar(&deterministic, "deterministic", false, "ask the interpreter to run in deterministic mode")
	flagSet.DurationVar(&grace, "grace", time.Second, "shutdown grace period before the process group is killed")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	// Handle --version before flag parsing to match other Enclave
	// binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("enclave-run %s\n", version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	args := flagSet.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: enclave-run [flags] <function> [json-arg...]")
	}
	function := args[0]

	callArgs := make([]any, 0, len(args)-1)
	for _, raw := range args[1:] {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return fmt.Errorf("argument %q is not valid JSON: %w", raw, err)
		}
		callArgs = append(callArgs, value)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	launch := sandbox.Options{
		Entrypoint:  entrypoint,
		Tag:         tag,
		Environment: map[string]string{},
		Unsandboxed: unsandboxed,
		Interpreter: interpreter,
	}
	for _, m := range mountFlags {
		source, dest, _ := strings.Cut(m, ":")
		launch.Mounts = append(launch.Mounts, sandbox.Mount{Source: source, Dest: dest})
	}
	for _, pair := range envFlags {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("environment entry %q is not KEY=VALUE", pair)
		}
		launch.Environment[key] = value
	}
	if profilePath != "" {
		profile, err := sandbox.LoadProfile(profilePath)
		if err != nil {
			return err
		}
		launch = profile.Apply(launch)
	}

	plan, err := sandbox.BuildPlan(launch, sandbox.Config{
		RecordDir:        recordDir,
		ThrottleFraction: throttleFrac,
		Deterministic:    deterministic,
	})
	if err != nil {
		return err
	}

	opts := enclave.Options{
		GracePeriod: grace,
		Logger:      logger,
	}

	if recordDir != "" {
		comp, err := record.ParseCompression(compression)
		if err != nil {
			return err
		}
		session, err := record.NewSession(recordDir, record.SessionOptions{
			Compression: comp,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		opts.Recorder = session
		logger.Info("recording session", "dir", session.Dir())
	}

	if throttleFrac > 0 {
		limiter, err := throttle.New(throttleFrac, throttle.WithLogger(logger))
		if err != nil {
			return err
		}
		opts.Throttle = limiter
	}

	e, err := enclave.Launch(plan, opts)
	if err != nil {
		return err
	}

	result, callErr := e.Call(context.Background(), function, callArgs...)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	if callErr != nil {
		var remote *rpc.RemoteError
		if errors.As(callErr, &remote) {
			return fmt.Errorf("sandbox raised: %s", remote.Message)
		}
		return callErr
	}

	diagnostic, err := codec.Diagnose(result)
	if err != nil {
		return fmt.Errorf("formatting result: %w", err)
	}
	fmt.Println(diagnostic)
	return nil
}
