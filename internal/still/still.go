// Package still issues one-shot photo captures against the bound camera and
// reports their outcome asynchronously.
package still

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wan-ghuan/camerax/internal/camera"
)

const (
	defaultQuality = 90
	waitTimeout    = 3 * time.Second
)

// Binding exposes the camera while still capture is bound.
type Binding interface {
	Camera() (camera.PictureTaker, bool)
}

// Reporter receives user-facing outcome messages.
type Reporter interface {
	Report(message string, isError bool)
}

// CaptureError reports a failed photo capture.
type CaptureError struct {
	Path string
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("still: capture %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// State is the completion state of a Request.
type State int

const (
	StatePending State = iota
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of a Request. Err is a *CaptureError on
// failure.
type Result struct {
	URI  string
	Path string
	Err  error
}

// Request is one photo capture. It reaches a terminal state exactly once.
type Request struct {
	ID        string
	Path      string
	CreatedAt time.Time

	state  atomic.Int32
	result chan Result
	once   sync.Once
}

func newRequest(path string, now time.Time) *Request {
	return &Request{
		ID:        uuid.New().String(),
		Path:      path,
		CreatedAt: now,
		result:    make(chan Result, 1),
	}
}

// Result yields the outcome once and is then closed.
func (r *Request) Result() <-chan Result { return r.result }

// State returns the current completion state.
func (r *Request) State() State { return State(r.state.Load()) }

func (r *Request) complete(res Result) {
	r.once.Do(func() {
		if res.Err != nil {
			r.state.Store(int32(StateFailed))
		} else {
			r.state.Store(int32(StateSucceeded))
		}
		r.result <- res
		close(r.result)
	})
}

// Config configures a Controller.
type Config struct {
	// Dir receives photos. Use ResolveOutputDir to pick it.
	Dir string
	// Quality is the JPEG quality, 1-100 (default 90).
	Quality int
	// Now returns the capture time; defaults to time.Now.
	Now func() time.Time
}

// Stats counts capture outcomes.
type Stats struct {
	Requested uint64
	Skipped   uint64
	Succeeded uint64
	Failed    uint64
	InFlight  int64
}

// Controller issues capture requests.
type Controller struct {
	binding  Binding
	reporter Reporter
	dir      string
	quality  int
	now      func() time.Time

	wg       sync.WaitGroup
	inFlight atomic.Int64

	requested atomic.Uint64
	skipped   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// NewController creates a controller. reporter may be nil.
func NewController(binding Binding, reporter Reporter, cfg Config) (*Controller, error) {
	if binding == nil {
		return nil, fmt.Errorf("still: binding is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("still: output directory is required")
	}
	if cfg.Quality == 0 {
		cfg.Quality = defaultQuality
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, fmt.Errorf("still: invalid JPEG quality %d (must be 1-100)", cfg.Quality)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		binding:  binding,
		reporter: reporter,
		dir:      cfg.Dir,
		quality:  cfg.Quality,
		now:      cfg.Now,
	}, nil
}

// Capture starts a photo capture. It returns false, without writing or
// reporting anything, when still capture is not bound.
func (c *Controller) Capture(ctx context.Context) (*Request, bool) {
	taker, ok := c.binding.Camera()
	if !ok {
		c.skipped.Add(1)
		slog.Debug("still: capture ignored, still capture not bound")
		return nil, false
	}

	now := c.now()
	req := newRequest(filepath.Join(c.dir, FileName(now)), now)
	c.requested.Add(1)
	c.inFlight.Add(1)

	slog.Debug("still: capture requested", "request_id", req.ID, "path", req.Path)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inFlight.Add(-1)
		c.run(ctx, req, taker)
	}()
	return req, true
}

func (c *Controller) run(ctx context.Context, req *Request, taker camera.PictureTaker) {
	err := c.take(ctx, req, taker)
	if err != nil {
		c.failed.Add(1)
		capErr := &CaptureError{Path: req.Path, Err: err}
		slog.Error("still: Photo capture failed", "request_id", req.ID, "path", req.Path, "error", err)
		c.report(fmt.Sprintf("Photo capture failed: %v", err), true)
		req.complete(Result{Path: req.Path, Err: capErr})
		return
	}

	uri := fileURI(req.Path)
	c.succeeded.Add(1)
	msg := "Photo capture succeeded: " + uri
	slog.Info("still: "+msg, "request_id", req.ID, "latency", time.Since(req.CreatedAt))
	c.report(msg, false)
	req.complete(Result{URI: uri, Path: req.Path})
}

func (c *Controller) take(ctx context.Context, req *Request, taker camera.PictureTaker) error {
	f, err := taker.TakePicture(ctx)
	if err != nil {
		return err
	}
	if f == nil {
		return errors.New("camera returned no frame")
	}
	defer f.Close()

	return writeJPEG(req.Path, f, c.quality)
}

func (c *Controller) report(message string, isError bool) {
	if c.reporter != nil {
		c.reporter.Report(message, isError)
	}
}

// Wait blocks until in-flight captures finish or the timeout expires.
func (c *Controller) Wait() error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(waitTimeout):
		slog.Warn("still: wait timeout exceeded", "in_flight", c.inFlight.Load())
		return fmt.Errorf("still: %d captures still in flight after %s", c.inFlight.Load(), waitTimeout)
	}
}

// Stats returns a snapshot of capture counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Requested: c.requested.Load(),
		Skipped:   c.skipped.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		InFlight:  c.inFlight.Load(),
	}
}
