// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process orchestration backend. It applies scale
// requests instantly and is used for dry runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/absmach/qscale/orchestrator"
)

var _ orchestrator.Backend = (*Backend)(nil)

// Call records one Scale request.
type Call struct {
	Service string
	Count   int
}

// Backend keeps replica counts in a map.
type Backend struct {
	mu       sync.Mutex
	initial  int
	replicas map[string]int
	calls    []Call
	readErr  error
	scaleErr error
}

// New creates a Backend where every unknown service starts at initial.
func New(initial int) *Backend {
	return &Backend{
		initial:  initial,
		replicas: make(map[string]int),
	}
}

// Replicas implements orchestrator.Backend.
func (b *Backend) Replicas(_ context.Context, service string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return 0, b.readErr
	}
	return b.get(service), nil
}

// Scale implements orchestrator.Backend.
func (b *Backend) Scale(_ context.Context, service string, count int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Service: service, Count: count})
	if b.scaleErr != nil {
		return b.scaleErr
	}
	b.replicas[service] = count
	return nil
}

// Set changes the replica count out of band, as an operator would.
func (b *Backend) Set(service string, count int) {
	b.mu.Lock()
	b.replicas[service] = count
	b.mu.Unlock()
}

// Get returns the replica count without going through a Driver.
func (b *Backend) Get(service string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(service)
}

// FailReads makes Replicas fail with err until called with nil.
func (b *Backend) FailReads(err error) {
	b.mu.Lock()
	b.readErr = err
	b.mu.Unlock()
}

// FailScales makes Scale fail with err until called with nil.
func (b *Backend) FailScales(err error) {
	b.mu.Lock()
	b.scaleErr = err
	b.mu.Unlock()
}

// Calls returns every Scale request, including failed ones.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

func (b *Backend) get(service string) int {
	if n, ok := b.replicas[service]; ok {
		return n
	}
	return b.initial
}
