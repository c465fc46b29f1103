package session

import (
	"fmt"
	"sync"

	"github.com/wan-ghuan/camerax/internal/camera"
	"github.com/wan-ghuan/camerax/internal/frame"
)

// UseCase is one output bound to a device stream. Implementations are
// provided by this package: Preview, ImageCapture and ImageAnalysis.
type UseCase interface {
	Kind() camera.StreamKind
	attach(dev camera.Device) error
	detach(dev camera.Device) error
}

// Surface receives preview frames. Render must not block and takes ownership
// of the frame.
type Surface interface {
	Render(f *frame.Frame)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(*frame.Frame)

// Render calls fn(f).
func (fn SurfaceFunc) Render(f *frame.Frame) { fn(f) }

// DiscardSurface releases every preview frame immediately.
var DiscardSurface Surface = SurfaceFunc(func(f *frame.Frame) { f.Close() })

// FrameSink receives analysis frames, e.g. an analysis stage.
type FrameSink interface {
	OnFrame(f *frame.Frame)
}

// Preview forwards viewfinder frames to a surface.
type Preview struct {
	surface Surface
}

// NewPreview creates a preview use case rendering to surface. A nil surface
// discards frames.
func NewPreview(surface Surface) *Preview {
	if surface == nil {
		surface = DiscardSurface
	}
	return &Preview{surface: surface}
}

func (p *Preview) Kind() camera.StreamKind { return camera.StreamPreview }

func (p *Preview) attach(dev camera.Device) error {
	return dev.OpenStream(camera.StreamPreview, p.surface.Render)
}

func (p *Preview) detach(dev camera.Device) error {
	return dev.CloseStream(camera.StreamPreview)
}

// ImageCapture keeps the device ready for still pictures.
type ImageCapture struct {
	mu  sync.RWMutex
	dev camera.Device
}

// NewImageCapture creates a still capture use case.
func NewImageCapture() *ImageCapture { return &ImageCapture{} }

func (c *ImageCapture) Kind() camera.StreamKind { return camera.StreamStill }

// Camera returns the bound device, or false when the use case is not bound.
func (c *ImageCapture) Camera() (camera.PictureTaker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dev == nil {
		return nil, false
	}
	return c.dev, true
}

func (c *ImageCapture) attach(dev camera.Device) error {
	if err := dev.OpenStream(camera.StreamStill, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.dev = dev
	c.mu.Unlock()
	return nil
}

func (c *ImageCapture) detach(dev camera.Device) error {
	c.mu.Lock()
	c.dev = nil
	c.mu.Unlock()
	return dev.CloseStream(camera.StreamStill)
}

// ImageAnalysis feeds analysis frames to a sink.
type ImageAnalysis struct {
	sink FrameSink
}

// NewImageAnalysis creates an analysis use case delivering to sink.
func NewImageAnalysis(sink FrameSink) *ImageAnalysis {
	return &ImageAnalysis{sink: sink}
}

func (a *ImageAnalysis) Kind() camera.StreamKind { return camera.StreamAnalysis }

func (a *ImageAnalysis) attach(dev camera.Device) error {
	if a.sink == nil {
		return fmt.Errorf("session: analysis use case has no sink")
	}
	return dev.OpenStream(camera.StreamAnalysis, a.sink.OnFrame)
}

func (a *ImageAnalysis) detach(dev camera.Device) error {
	return dev.CloseStream(camera.StreamAnalysis)
}

// sameSet reports whether a and b contain the same use cases, in any order.
func sameSet(a, b []UseCase) bool {
	if len(a) != len(b) {
		return false
	}
	for _, x := range a {
		found := false
		for _, y := range b {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// validate rejects empty sets, nil entries and duplicate stream kinds.
func validate(useCases []UseCase) error {
	if len(useCases) == 0 {
		return fmt.Errorf("session: at least one use case is required")
	}
	seen := make(map[camera.StreamKind]bool, len(useCases))
	for _, uc := range useCases {
		if uc == nil {
			return fmt.Errorf("session: nil use case")
		}
		if seen[uc.Kind()] {
			return fmt.Errorf("session: duplicate %s use case", uc.Kind())
		}
		seen[uc.Kind()] = true
	}
	return nil
}
