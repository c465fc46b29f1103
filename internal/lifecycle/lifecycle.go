// Package lifecycle provides owners whose terminal state ends the resources
// bound to them.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
)

// Owner reaches a terminal state exactly once; Done is closed at that point.
type Owner interface {
	Done() <-chan struct{}
}

// Scope is a context-backed Owner. Destroying the scope, or cancelling its
// parent context, moves it to the terminal state.
type Scope struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewScope creates a scope under parent.
func NewScope(parent context.Context, name string) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{name: name, ctx: ctx, cancel: cancel}
}

// Done is closed when the scope is destroyed.
func (s *Scope) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns the scope context, cancelled on Destroy.
func (s *Scope) Context() context.Context { return s.ctx }

// Name returns the scope name.
func (s *Scope) Name() string { return s.name }

// Alive reports whether the scope has not reached its terminal state.
func (s *Scope) Alive() bool { return s.ctx.Err() == nil }

// Destroy moves the scope to its terminal state. Idempotent.
func (s *Scope) Destroy() {
	s.once.Do(func() {
		slog.Debug("lifecycle: scope destroyed", "scope", s.name)
		s.cancel()
	})
}
