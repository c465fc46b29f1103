// Package permission decides whether the process may use the camera.
package permission

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
)

// Gate reports whether camera access is granted.
type Gate interface {
	Granted(ctx context.Context) bool
}

// Static is a Gate with a fixed answer. Network sources have no local
// device node to check and use Static(true).
type Static bool

// Granted returns the fixed answer.
func (s Static) Granted(context.Context) bool { return bool(s) }

// DeviceGate grants access when every listed device node exists and can be
// opened for reading by this process.
type DeviceGate struct {
	Devices []string
}

// NewDeviceGate creates a gate over the given device nodes.
func NewDeviceGate(devices ...string) *DeviceGate {
	return &DeviceGate{Devices: devices}
}

// Granted opens each device read-only and closes it again.
func (g *DeviceGate) Granted(ctx context.Context) bool {
	if len(g.Devices) == 0 {
		return false
	}
	for _, dev := range g.Devices {
		if ctx.Err() != nil {
			return false
		}

		file, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err != nil {
			reason := "unavailable"
			switch {
			case errors.Is(err, fs.ErrNotExist):
				reason = "not found"
			case errors.Is(err, fs.ErrPermission):
				reason = "permission denied"
			}
			slog.Warn("permission: camera device not accessible",
				"device", dev,
				"reason", reason,
				"error", err,
			)
			return false
		}
		_ = file.Close()
	}
	return true
}
