package camera

import (
	"fmt"
	"strings"
)

// Facing is the lens direction used to pick a camera.
type Facing int

const (
	// FacingBack selects the rear camera (default).
	FacingBack Facing = iota
	// FacingFront selects the front camera.
	FacingFront
)

// String returns the config name of the facing.
func (f Facing) String() string {
	switch f {
	case FacingBack:
		return "rear"
	case FacingFront:
		return "front"
	default:
		return "unknown"
	}
}

// ParseFacing parses "rear"/"back" or "front".
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rear", "back":
		return FacingBack, nil
	case "front":
		return FacingFront, nil
	default:
		return FacingBack, fmt.Errorf("camera: unknown facing %q (must be rear or front)", s)
	}
}

// Selector identifies which hardware camera to bind. DeviceID, when set,
// names a device directly and takes precedence over Facing.
type Selector struct {
	Facing   Facing
	DeviceID string
}

// DefaultSelector selects the rear camera.
var DefaultSelector = Selector{Facing: FacingBack}

func (s Selector) String() string {
	if s.DeviceID != "" {
		return s.DeviceID
	}
	return s.Facing.String()
}

// StreamKind is a per-use-case output of a device.
type StreamKind int

const (
	// StreamPreview feeds the display surface.
	StreamPreview StreamKind = iota
	// StreamAnalysis feeds the analysis stage.
	StreamAnalysis
	// StreamStill keeps the device ready for TakePicture.
	StreamStill
)

func (k StreamKind) String() string {
	switch k {
	case StreamPreview:
		return "preview"
	case StreamAnalysis:
		return "analysis"
	case StreamStill:
		return "still"
	default:
		return "unknown"
	}
}

// Resolution represents supported capture resolutions.
type Resolution int

const (
	// Res480p represents 640x480 (VGA)
	Res480p Resolution = iota
	// Res720p represents 1280x720 (HD)
	Res720p
	// Res1080p represents 1920x1080 (Full HD)
	Res1080p
)

// Dimensions returns the width and height for the resolution.
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Res480p:
		return 640, 480
	case Res1080p:
		return 1920, 1080
	default:
		return 1280, 720
	}
}

func (r Resolution) String() string {
	switch r {
	case Res480p:
		return "480p"
	case Res1080p:
		return "1080p"
	default:
		return "720p"
	}
}

// ParseResolution parses "480p", "720p" or "1080p".
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "480p":
		return Res480p, nil
	case "", "720p":
		return Res720p, nil
	case "1080p":
		return Res1080p, nil
	default:
		return Res720p, fmt.Errorf("camera: unknown resolution %q (must be 480p, 720p or 1080p)", s)
	}
}
