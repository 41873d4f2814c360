// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SSHConfig configures the OpenSSH runner.
type SSHConfig struct {
	// Binary is the ssh client. Empty means "ssh" on PATH.
	Binary string

	// ConnectTimeout is passed as -o ConnectTimeout. Zero means 10s.
	ConnectTimeout time.Duration

	// Options are extra client arguments. Each entry may hold several
	// whitespace-separated tokens, for example "-J bastion".
	Options []string

	Logger *slog.Logger
}

// SSH runs commands through the OpenSSH client.
type SSH struct {
	binary  string
	options []string
	logger  *slog.Logger
}

// NewSSH returns an SSH runner. Host keys of new hosts are accepted
// on first use; changed keys still fail.
func NewSSH(cfg SSHConfig) *SSH {
	binary := cfg.Binary
	if binary == "" {
		binary = "ssh"
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	options := []string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(int(connectTimeout.Round(time.Second)/time.Second)),
		"-o", "StrictHostKeyChecking=accept-new",
	}
	for _, option := range cfg.Options {
		options = append(options, strings.Fields(option)...)
	}
	return &SSH{binary: binary, options: options, logger: logger}
}

// Args returns the ssh argument vector for running script on host.
func (s *SSH) Args(host, script string) []string {
	args := append([]string(nil), s.options...)
	return append(args, host, "sh -c "+ShellQuote(strings.Trim(script, "\n")))
}

// Run executes command on host.
func (s *SSH) Run(ctx context.Context, host string, command Command) (Result, error) {
	runContext := ctx
	if command.Timeout > 0 {
		var cancel context.CancelFunc
		runContext, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	process := exec.CommandContext(runContext, s.binary, s.Args(host, command.Script)...)
	process.Stdout = &stdout
	process.Stderr = &stderr
	if command.Stdin != nil {
		process.Stdin = bytes.NewReader(command.Stdin)
	}
	// Grandchildren holding the output pipes must not outlive the kill.
	process.WaitDelay = time.Second

	start := time.Now()
	err := process.Run()
	elapsed := time.Since(start)

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case ctx.Err() != nil:
		return Result{}, fmt.Errorf("ssh %s %s: %w", host, command.Name, ctx.Err())
	case runContext.Err() != nil:
		result.ExitCode = ExitTimeout
		if result.Stderr == "" {
			result.Stderr = "ssh timeout"
		}
	case err == nil:
	default:
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return Result{}, fmt.Errorf("ssh %s %s: %w", host, command.Name, err)
		}
		result.ExitCode = exitError.ExitCode()
	}

	s.logger.Debug("remote command finished",
		"host", host,
		"command", command.Name,
		"exit_code", result.ExitCode,
		"elapsed", elapsed,
	)
	return result, nil
}
