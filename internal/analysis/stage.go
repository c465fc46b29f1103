// Package analysis runs frame analysis on a dedicated worker goroutine.
//
// The stage accepts frames from device callbacks without blocking and keeps
// at most one analysis task in flight. Devices hold back the next frame of a
// stream until the previous one is released, so a frame arriving while
// another is still unreleased means a producer broke that contract; it is
// released immediately and counted.
package analysis

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wan-ghuan/camerax/internal/frame"
)

const (
	defaultRateWindow = 64
	stopTimeout       = 3 * time.Second
	defaultStageName  = "luminosity"
)

// Func analyzes one frame and takes ownership of it. Implementations must
// close the frame before returning.
type Func func(*frame.Frame) error

// AnalysisError reports a failed analysis of one frame. It is logged by the
// stage and never propagated to the frame producer.
type AnalysisError struct {
	Stage   string
	Seq     uint64
	TraceID string
	Err     error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis %s: frame %d: %v", e.Stage, e.Seq, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Config configures a Stage.
type Config struct {
	// Name identifies the stage in logs and stats.
	Name string
	// RateWindow is the number of recent completions used for rate stats.
	RateWindow int
}

// Stage is a single-worker analysis executor with a one-frame mailbox.
type Stage struct {
	name    string
	analyze Func
	window  int

	// --- Mailbox state (protected by mu) ---
	mu      sync.Mutex
	cond    *sync.Cond
	pending *frame.Frame // parked frame, nil when empty
	current *frame.Frame // frame handed to analyze, kept to detect overlap
	closed  bool
	started bool

	lastSeq        uint64
	lastAnalyzedAt time.Time
	completions    []time.Time

	wg sync.WaitGroup

	// --- Counters ---
	received   atomic.Uint64
	analyzed   atomic.Uint64
	failed     atomic.Uint64
	violations atomic.Uint64
	abandoned  atomic.Uint64
}

// New creates a stage running analyze. Call Start to launch the worker.
func New(analyze Func, cfg Config) (*Stage, error) {
	if analyze == nil {
		return nil, errors.New("analysis: analyze func is required")
	}
	if cfg.Name == "" {
		cfg.Name = defaultStageName
	}
	if cfg.RateWindow <= 1 {
		cfg.RateWindow = defaultRateWindow
	}

	s := &Stage{
		name:        cfg.Name,
		analyze:     analyze,
		window:      cfg.RateWindow,
		completions: make([]time.Time, 0, cfg.RateWindow),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Start launches the worker goroutine.
func (s *Stage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("analysis %s: stage stopped", s.name)
	}
	if s.started {
		return fmt.Errorf("analysis %s: stage already started", s.name)
	}
	s.started = true

	s.wg.Add(1)
	go s.run()

	slog.Info("analysis: stage started", "stage", s.name)
	return nil
}

// OnFrame hands a frame to the stage. It never blocks. The stage owns the
// frame from this point and guarantees it is released.
func (s *Stage) OnFrame(f *frame.Frame) {
	if f == nil {
		return
	}
	s.received.Add(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.abandoned.Add(1)
		f.Close()
		return
	}

	if s.pending != nil || (s.current != nil && !s.current.Released()) {
		busy := s.current
		s.mu.Unlock()

		s.violations.Add(1)
		slog.Warn("analysis: frame delivered before previous release, dropping",
			"stage", s.name,
			"seq", f.Seq,
			"in_flight_seq", seqOf(busy),
			"trace_id", f.TraceID,
		)
		f.Close()
		return
	}

	s.pending = f
	s.cond.Signal()
	s.mu.Unlock()
}

// run is the worker loop: wait for a frame, analyze it, repeat until closed.
func (s *Stage) run() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for s.pending == nil && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		f := s.pending
		s.pending = nil
		s.current = f
		s.mu.Unlock()

		s.process(f)
	}
}

// process runs the analyze func with panic containment and release fallback.
func (s *Stage) process(f *frame.Frame) {
	err := s.invoke(f)

	if err != nil {
		if !f.Released() {
			f.Close()
		}
		s.failed.Add(1)
		aerr := &AnalysisError{Stage: s.name, Seq: f.Seq, TraceID: f.TraceID, Err: err}
		slog.Warn("analysis: frame analysis failed",
			"stage", s.name,
			"seq", f.Seq,
			"trace_id", f.TraceID,
			"error", aerr,
		)
	} else {
		if !f.Released() {
			slog.Warn("analysis: analyzer returned without releasing frame",
				"stage", s.name,
				"seq", f.Seq,
			)
			f.Close()
		}
		s.analyzed.Add(1)
	}

	now := time.Now()
	s.mu.Lock()
	s.lastSeq = f.Seq
	s.lastAnalyzedAt = now
	if len(s.completions) == s.window {
		copy(s.completions, s.completions[1:])
		s.completions = s.completions[:s.window-1]
	}
	s.completions = append(s.completions, now)
	s.mu.Unlock()
}

func (s *Stage) invoke(f *frame.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analyzer panic: %v", r)
		}
	}()
	return s.analyze(f)
}

// Stop lets the in-flight analysis finish, releases any parked frame and
// waits for the worker to exit. Frames offered after Stop are released
// immediately. Idempotent.
func (s *Stage) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	parked := s.pending
	s.pending = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if parked != nil {
		s.abandoned.Add(1)
		parked.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("analysis: stop timeout exceeded, analyzer still running", "stage", s.name)
		return fmt.Errorf("analysis %s: stop timeout after %s", s.name, stopTimeout)
	}

	slog.Info("analysis: stage stopped",
		"stage", s.name,
		"analyzed", s.analyzed.Load(),
		"failed", s.failed.Load(),
		"violations", s.violations.Load(),
		"abandoned", s.abandoned.Load(),
	)
	return nil
}

func seqOf(f *frame.Frame) uint64 {
	if f == nil {
		return 0
	}
	return f.Seq
}
