// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"sync"
)

// Handler answers one command for one host.
type Handler func(ctx context.Context, host string, command Command) (Result, error)

// Call records one command a Fake received.
type Call struct {
	Host    string
	Command Command
}

// Fake is a Runner for tests. Commands are dispatched to the handler
// registered for the host, falling back to Default. A host with no
// handler fails like an unreachable machine.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call

	// Default handles hosts without a registered handler.
	Default Handler
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]Handler)}
}

// Handle registers handler for host.
func (f *Fake) Handle(host string, handler Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[host] = handler
}

// Run implements Runner.
func (f *Fake) Run(ctx context.Context, host string, command Command) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Host: host, Command: command})
	handler, ok := f.handlers[host]
	if !ok {
		handler = f.Default
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if handler == nil {
		return Result{
			ExitCode: ExitSSHError,
			Stderr:   fmt.Sprintf("ssh: connect to host %s port 22: Connection refused", host),
		}, nil
	}
	return handler(ctx, host, command)
}

// Calls returns the commands received so far, in arrival order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the commands received for host whose name is name.
// An empty name matches every command.
func (f *Fake) CallsTo(host, name string) []Call {
	var matched []Call
	for _, call := range f.Calls() {
		if call.Host == host && (name == "" || call.Command.Name == name) {
			matched = append(matched, call)
		}
	}
	return matched
}
