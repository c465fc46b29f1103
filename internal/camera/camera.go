// Package camera defines the hardware camera contract and a synthetic
// implementation.
//
// A Provider hands out Devices exclusively: a device held by one session
// cannot be acquired again until it is closed. A Device produces frames on
// independent streams. Each stream lends one frame at a time; the next frame
// of that stream is produced only after the consumer closes the previous one.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wan-ghuan/camerax/internal/frame"
)

var (
	// ErrInUse is returned when the selected device is held by another owner.
	ErrInUse = errors.New("camera: device in use")
	// ErrNoDevice is returned when no device matches the selector.
	ErrNoDevice = errors.New("camera: no matching device")
	// ErrDeviceClosed is returned for operations on a closed device.
	ErrDeviceClosed = errors.New("camera: device closed")
	// ErrStreamOpen is returned when opening a stream that is already open.
	ErrStreamOpen = errors.New("camera: stream already open")
	// ErrStreamNotOpen is returned when the required stream is not open.
	ErrStreamNotOpen = errors.New("camera: stream not open")
	// ErrNoFrame is returned by TakePicture when no frame is available yet.
	ErrNoFrame = errors.New("camera: no frame available")
)

// DeliverFunc receives a borrowed frame. It must not block and must arrange
// for the frame to be closed.
type DeliverFunc func(*frame.Frame)

// PictureTaker produces a full-resolution still frame. The caller owns the
// returned frame and must close it.
type PictureTaker interface {
	TakePicture(ctx context.Context) (*frame.Frame, error)
}

// Device is an exclusively held camera.
type Device interface {
	PictureTaker

	// ID identifies the hardware handle.
	ID() string
	// OpenStream starts delivering frames of kind to deliver. StreamStill
	// takes a nil deliver.
	OpenStream(kind StreamKind, deliver DeliverFunc) error
	// CloseStream stops a stream. Frames already delivered stay valid until
	// their consumer closes them.
	CloseStream(kind StreamKind) error
	// Close stops all streams and returns the handle to its provider. Idempotent.
	Close() error
}

// DeviceStats is a snapshot of device health counters.
type DeviceStats struct {
	Device       string            `json:"device"`
	Frames       uint64            `json:"frames"`
	Dropped      uint64            `json:"dropped"`
	BytesRead    uint64            `json:"bytes_read"`
	Reconnects   uint32            `json:"reconnects"`
	Reconnecting bool              `json:"reconnecting"`
	Errors       map[string]uint64 `json:"errors,omitempty"`
}

// StatsReporter is implemented by devices that expose health counters.
type StatsReporter interface {
	DeviceStats() DeviceStats
}

// Provider acquires devices.
type Provider interface {
	Acquire(ctx context.Context, sel Selector) (Device, error)
}

// Claims tracks which hardware handles are held.
type Claims struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewClaims creates an empty claim table.
func NewClaims() *Claims {
	return &Claims{held: make(map[string]bool)}
}

// Claim marks id as held, failing with ErrInUse if it already is.
func (c *Claims) Claim(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[id] {
		return fmt.Errorf("%w: %s", ErrInUse, id)
	}
	c.held[id] = true
	return nil
}

// Release frees id.
func (c *Claims) Release(id string) {
	c.mu.Lock()
	delete(c.held, id)
	c.mu.Unlock()
}

// Held reports whether id is held.
func (c *Claims) Held(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held[id]
}

// Count returns the number of held handles.
func (c *Claims) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}
