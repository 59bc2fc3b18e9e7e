// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package compose scales a Docker Compose service through the compose CLI.
package compose

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/absmach/qscale/orchestrator"
)

var _ orchestrator.Backend = (*Backend)(nil)

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

// Run implements Runner. A non-zero exit includes stderr in the error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%s exited with code %d: %s", name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return out, err
	}
	return out, nil
}

// Option configures a Backend.
type Option func(*Backend)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(b *Backend) { b.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// Backend drives `compose ps` and `compose up --scale`.
type Backend struct {
	command []string
	file    string
	runner  Runner
	logger  *slog.Logger
}

// New creates a Backend. command is the compose invocation, e.g.
// ["docker", "compose"] or ["docker-compose"]; file is the compose file
// and may be empty to use the CLI's default lookup.
func New(command []string, file string, opts ...Option) (*Backend, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("compose command cannot be empty")
	}
	b := &Backend{
		command: append([]string(nil), command...),
		file:    file,
		runner:  ExecRunner{},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Replicas counts the running containers of service.
func (b *Backend) Replicas(ctx context.Context, service string) (int, error) {
	out, err := b.run(ctx, "ps", "-q", service)
	if err != nil {
		return 0, fmt.Errorf("failed to list containers of %q: %w", service, err)
	}

	n := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

// Scale runs service with count replicas without recreating existing ones.
func (b *Backend) Scale(ctx context.Context, service string, count int) error {
	b.logger.Info("scaling compose service",
		slog.String("service", service),
		slog.Int("replicas", count))

	_, err := b.run(ctx, "up", "-d", "--scale", fmt.Sprintf("%s=%d", service, count), "--no-recreate", service)
	return err
}

func (b *Backend) run(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string(nil), b.command[1:]...)
	if b.file != "" {
		full = append(full, "-f", b.file)
	}
	full = append(full, args...)

	b.logger.Debug("running compose command",
		slog.String("command", b.command[0]),
		slog.Any("args", full))
	return b.runner.Run(ctx, b.command[0], full...)
}
