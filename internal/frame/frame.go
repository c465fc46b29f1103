// Package frame defines the borrowed, reference-counted frame buffer handed
// out by camera devices.
//
// A device lends a Frame to exactly one consumer. The consumer must Close it
// when done; until then the device holds back the next frame of the same
// stream. Retain lets a consumer share a frame with a second owner, in which
// case the release hook runs when the last reference is dropped.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrReleased is returned when a frame is used after its last reference was dropped.
var ErrReleased = errors.New("frame: already released")

// Format is the pixel layout of a frame.
type Format int

const (
	// FormatGray8 is a single luminance plane, one byte per pixel.
	FormatGray8 Format = iota
	// FormatI420 is planar YUV 4:2:0 (Y, U, V planes).
	FormatI420
	// FormatNV12 is semi-planar YUV 4:2:0 (Y plane, interleaved UV plane).
	FormatNV12
)

// String returns the GStreamer caps name of the format.
func (f Format) String() string {
	switch f {
	case FormatGray8:
		return "GRAY8"
	case FormatI420:
		return "I420"
	case FormatNV12:
		return "NV12"
	default:
		return "unknown"
	}
}

// Plane is one image plane. The bytes are read-only for consumers.
type Plane struct {
	data   []byte
	Stride int
}

// NewPlane wraps data as a plane with the given row stride.
func NewPlane(data []byte, stride int) Plane {
	return Plane{data: data, Stride: stride}
}

// Len returns the plane size in bytes.
func (p Plane) Len() int { return len(p.data) }

// Bytes exposes the underlying plane bytes. Callers must not modify them.
func (p Plane) Bytes() []byte { return p.data }

// Reader returns a fresh seekable reader over the plane.
func (p Plane) Reader() *bytes.Reader { return bytes.NewReader(p.data) }

// Info carries frame metadata.
type Info struct {
	Seq          uint64
	Timestamp    time.Time
	Width        int
	Height       int
	Format       Format
	SourceStream string
	TraceID      string
}

// Frame is a borrowed image buffer. Plane 0 is always the luminance plane.
type Frame struct {
	Info
	Planes []Plane

	refs    atomic.Int32
	release func()
}

// New creates a frame holding one reference. release runs exactly once, when
// the last reference is closed. A missing TraceID is generated.
func New(info Info, planes []Plane, release func()) *Frame {
	if info.TraceID == "" {
		info.TraceID = uuid.New().String()
	}
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now()
	}
	f := &Frame{Info: info, Planes: planes, release: release}
	f.refs.Store(1)
	return f
}

// NewGray builds a single-plane GRAY8 frame.
func NewGray(info Info, data []byte, release func()) *Frame {
	info.Format = FormatGray8
	return New(info, []Plane{NewPlane(data, info.Width)}, release)
}

// Luminance returns plane 0, or an empty plane for a frame without planes.
func (f *Frame) Luminance() Plane {
	if len(f.Planes) == 0 {
		return Plane{}
	}
	return f.Planes[0]
}

// Retain adds a reference. It fails if the frame was already released.
func (f *Frame) Retain() error {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return fmt.Errorf("retain frame %d: %w", f.Seq, ErrReleased)
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Close drops a reference and runs the release hook when none remain.
// Closing a frame that is already released returns ErrReleased.
func (f *Frame) Close() error {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return fmt.Errorf("close frame %d: %w", f.Seq, ErrReleased)
		}
		if f.refs.CompareAndSwap(n, n-1) {
			if n == 1 && f.release != nil {
				f.release()
			}
			return nil
		}
	}
}

// Released reports whether the last reference has been dropped.
func (f *Frame) Released() bool {
	return f.refs.Load() <= 0
}
