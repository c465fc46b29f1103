// Package session binds camera use cases to an exclusively held device for
// the lifetime of an owner.
//
// A Session holds at most one device and one set of use cases. Bind swaps the
// set atomically: either the requested set ends up fully attached, or the
// previous set is restored. When the owner reaches its terminal state the
// session unbinds everything and returns the device to its provider.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wan-ghuan/camerax/internal/camera"
	"github.com/wan-ghuan/camerax/internal/lifecycle"
	"github.com/wan-ghuan/camerax/internal/permission"
)

var (
	// ErrPermissionDenied is returned by Bind when camera access is not granted.
	ErrPermissionDenied = errors.New("session: camera permission not granted")
	// ErrOwnerDone is returned when binding to an owner that already ended.
	ErrOwnerDone = errors.New("session: owner already destroyed")
	// ErrClosed is returned by Bind after Close.
	ErrClosed = errors.New("session: closed")
)

// BindError reports a failed bind. The session is left in its prior state.
type BindError struct {
	Selector camera.Selector
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("session: bind %s: %v", e.Selector, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// BindResult completes an asynchronous Bind.
type BindResult struct {
	Err error
}

// State is the binding state of a session.
type State int

const (
	StateUnbound State = iota
	StateBinding
	StateBound
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBinding:
		return "binding"
	case StateBound:
		return "bound"
	default:
		return "unknown"
	}
}

// binding is the currently attached set.
type binding struct {
	owner    lifecycle.Owner
	selector camera.Selector
	device   camera.Device
	useCases []UseCase
	stop     chan struct{} // ends the owner watcher
}

// Session owns the camera device and the use cases bound to it.
type Session struct {
	provider camera.Provider
	gate     permission.Gate

	bindMu sync.Mutex // serializes Bind, unbind and Close

	mu      sync.Mutex
	state   State
	current *binding
	closed  bool

	wg sync.WaitGroup
}

// New creates an unbound session. A nil gate grants access.
func New(provider camera.Provider, gate permission.Gate) (*Session, error) {
	if provider == nil {
		return nil, fmt.Errorf("session: provider is required")
	}
	if gate == nil {
		gate = permission.Static(true)
	}
	return &Session{provider: provider, gate: gate}, nil
}

// Bind asynchronously unbinds the current set and binds useCases on the
// device chosen by sel, tied to owner. The returned channel yields exactly
// one result.
func (s *Session) Bind(ctx context.Context, owner lifecycle.Owner, sel camera.Selector, useCases ...UseCase) <-chan BindResult {
	result := make(chan BindResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result <- BindResult{Err: s.bind(ctx, owner, sel, useCases)}
	}()
	return result
}

// BindSync is Bind followed by waiting for the result.
func (s *Session) BindSync(ctx context.Context, owner lifecycle.Owner, sel camera.Selector, useCases ...UseCase) error {
	return (<-s.Bind(ctx, owner, sel, useCases...)).Err
}

func (s *Session) bind(ctx context.Context, owner lifecycle.Owner, sel camera.Selector, useCases []UseCase) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return &BindError{Selector: sel, Err: err}
	}
	if owner == nil {
		return &BindError{Selector: sel, Err: fmt.Errorf("session: owner is required")}
	}
	select {
	case <-owner.Done():
		return &BindError{Selector: sel, Err: ErrOwnerDone}
	default:
	}
	if !s.gate.Granted(ctx) {
		slog.Warn("session: camera permission not granted", "selector", sel.String())
		return ErrPermissionDenied
	}
	if err := validate(useCases); err != nil {
		return &BindError{Selector: sel, Err: err}
	}

	s.mu.Lock()
	prev := s.current
	prevState := s.state
	s.mu.Unlock()

	if prev != nil && sameOwner(prev.owner, owner) && prev.selector == sel && sameSet(prev.useCases, useCases) {
		slog.Debug("session: bind is a no-op, set already bound", "selector", sel.String(), "use_cases", len(useCases))
		return nil
	}

	s.setState(StateBinding)

	dev, acquired, err := s.device(ctx, prev, sel)
	if err != nil {
		s.setState(prevState)
		slog.Warn("session: camera acquisition failed", "selector", sel.String(), "error", err)
		return &BindError{Selector: sel, Err: err}
	}

	if prev != nil {
		close(prev.stop)
		s.detachAll(prev.device, prev.useCases)
		s.setState(StateUnbound)
		s.setState(StateBinding)
	}

	if err := s.attachAll(dev, useCases); err != nil {
		if acquired {
			if cerr := dev.Close(); cerr != nil {
				slog.Warn("session: failed to close device after bind failure", "device", dev.ID(), "error", cerr)
			}
		}
		s.restore(prev, prevState)
		slog.Warn("session: bind failed, previous set restored",
			"selector", sel.String(),
			"error", err,
			"restored", prev != nil,
		)
		return &BindError{Selector: sel, Err: err}
	}

	if acquired && prev != nil {
		if err := prev.device.Close(); err != nil {
			slog.Warn("session: failed to release previous device", "device", prev.device.ID(), "error", err)
		}
	}

	next := &binding{
		owner:    owner,
		selector: sel,
		device:   dev,
		useCases: append([]UseCase(nil), useCases...),
		stop:     make(chan struct{}),
	}
	s.mu.Lock()
	s.current = next
	s.state = StateBound
	s.mu.Unlock()
	s.watch(next)

	slog.Info("session: use cases bound",
		"selector", sel.String(),
		"device", dev.ID(),
		"use_cases", kinds(useCases),
	)
	return nil
}

// device returns the device for sel, reusing the current one when the
// selector is unchanged. acquired reports a newly acquired device.
func (s *Session) device(ctx context.Context, prev *binding, sel camera.Selector) (dev camera.Device, acquired bool, err error) {
	if prev != nil && prev.selector == sel {
		return prev.device, false, nil
	}
	dev, err = s.provider.Acquire(ctx, sel)
	if err != nil {
		return nil, false, err
	}
	return dev, true, nil
}

// attachAll attaches every use case, detaching the already attached ones if
// any fails.
func (s *Session) attachAll(dev camera.Device, useCases []UseCase) error {
	for i, uc := range useCases {
		if err := uc.attach(dev); err != nil {
			s.detachAll(dev, useCases[:i])
			return fmt.Errorf("attach %s: %w", uc.Kind(), err)
		}
	}
	return nil
}

func (s *Session) detachAll(dev camera.Device, useCases []UseCase) {
	for _, uc := range useCases {
		if err := uc.detach(dev); err != nil {
			slog.Warn("session: detach failed", "device", dev.ID(), "use_case", uc.Kind(), "error", err)
		}
	}
}

// restore re-attaches the previous set after a failed bind.
func (s *Session) restore(prev *binding, prevState State) {
	if prev == nil {
		s.setState(prevState)
		return
	}

	if err := s.attachAll(prev.device, prev.useCases); err != nil {
		slog.Error("session: failed to restore previous set, releasing device",
			"device", prev.device.ID(),
			"error", err,
		)
		prev.device.Close()
		s.mu.Lock()
		s.current = nil
		s.state = StateUnbound
		s.mu.Unlock()
		return
	}

	restored := &binding{
		owner:    prev.owner,
		selector: prev.selector,
		device:   prev.device,
		useCases: prev.useCases,
		stop:     make(chan struct{}),
	}
	s.mu.Lock()
	s.current = restored
	s.state = prevState
	s.mu.Unlock()
	s.watch(restored)
}

// watch unbinds b when its owner ends.
func (s *Session) watch(b *binding) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-b.owner.Done():
			slog.Info("session: owner destroyed, unbinding", "selector", b.selector.String())
			s.unbindIf(b)
		case <-b.stop:
		}
	}()
}

// unbindIf unbinds only if b is still the current binding.
func (s *Session) unbindIf(b *binding) {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current != b {
		return
	}
	s.unbindLocked()
}

// UnbindAll detaches every use case and releases the device.
func (s *Session) UnbindAll() {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	s.unbindLocked()
}

// unbindLocked requires bindMu.
func (s *Session) unbindLocked() {
	s.mu.Lock()
	b := s.current
	s.current = nil
	s.state = StateUnbound
	s.mu.Unlock()

	if b == nil {
		return
	}

	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	s.detachAll(b.device, b.useCases)
	if err := b.device.Close(); err != nil {
		slog.Warn("session: failed to release device", "device", b.device.ID(), "error", err)
	}
	slog.Info("session: all use cases unbound", "device", b.device.ID())
}

// Close unbinds and waits for pending binds and watchers. Idempotent.
func (s *Session) Close() error {
	s.bindMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.bindMu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.unbindLocked()
	s.bindMu.Unlock()

	s.wg.Wait()
	return nil
}

// State returns the current binding state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bound reports whether a use case of kind is currently bound.
func (s *Session) Bound(kind camera.StreamKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	for _, uc := range s.current.useCases {
		if uc.Kind() == kind {
			return true
		}
	}
	return false
}

// Selector returns the bound selector, or false when unbound.
func (s *Session) Selector() (camera.Selector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return camera.Selector{}, false
	}
	return s.current.selector, true
}

// DeviceStats returns the counters of the bound device, or false when
// unbound or the device does not report stats.
func (s *Session) DeviceStats() (camera.DeviceStats, bool) {
	s.mu.Lock()
	b := s.current
	s.mu.Unlock()
	if b == nil {
		return camera.DeviceStats{}, false
	}
	sr, ok := b.device.(camera.StatsReporter)
	if !ok {
		return camera.DeviceStats{}, false
	}
	return sr.DeviceStats(), true
}

// sameOwner compares owners by their Done channel. Owner implementations
// need not be comparable, so the interface values are never compared.
func sameOwner(a, b lifecycle.Owner) bool {
	return a.Done() == b.Done()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()
	if old != state {
		slog.Debug("session: state changed", "from", old.String(), "to", state.String())
	}
}

func kinds(useCases []UseCase) []string {
	names := make([]string, len(useCases))
	for i, uc := range useCases {
		names[i] = uc.Kind().String()
	}
	return names
}
