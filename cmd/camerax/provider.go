package main

import (
	"fmt"
	"time"

	"github.com/wan-ghuan/camerax/internal/camera"
	"github.com/wan-ghuan/camerax/internal/camera/gstreamer"
	"github.com/wan-ghuan/camerax/internal/config"
	"github.com/wan-ghuan/camerax/internal/permission"
)

// buildProvider picks the camera backend named by cfg.Camera.Source.
func buildProvider(cfg config.CameraConfig) (camera.Provider, permission.Gate, error) {
	res, err := camera.ParseResolution(cfg.Resolution)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Source == "synthetic" {
		width, height := res.Dimensions()
		return camera.NewSyntheticProvider(camera.SyntheticConfig{
			Width:  width,
			Height: height,
			FPS:    cfg.FPS,
		}), permission.Static(true), nil
	}

	gcfg := gstreamer.Config{
		Resolution: res,
		FPS:        cfg.FPS,
		Reconnect: gstreamer.ReconnectConfig{
			MaxRetries:    cfg.Reconnect.MaxRetries,
			RetryDelay:    time.Duration(cfg.Reconnect.RetryDelayMS) * time.Millisecond,
			MaxRetryDelay: time.Duration(cfg.Reconnect.MaxRetryDelayS) * time.Second,
		},
	}
	var gate permission.Gate = permission.Static(true)

	switch cfg.Source {
	case "v4l2":
		var devices []string
		if cfg.RearDevice != "" {
			gcfg.Rear = gstreamer.Source{Kind: gstreamer.SourceV4L2, Device: cfg.RearDevice}
			devices = append(devices, cfg.RearDevice)
		}
		if cfg.FrontDevice != "" {
			gcfg.Front = gstreamer.Source{Kind: gstreamer.SourceV4L2, Device: cfg.FrontDevice}
			devices = append(devices, cfg.FrontDevice)
		}
		gate = permission.NewDeviceGate(devices...)
	case "rtsp":
		gcfg.Rear = gstreamer.Source{Kind: gstreamer.SourceRTSP, URL: cfg.RTSPURL}
	case "test":
		gcfg.Rear = gstreamer.Source{Kind: gstreamer.SourceTest}
	default:
		return nil, nil, fmt.Errorf("unknown camera source %q", cfg.Source)
	}

	provider, err := gstreamer.NewProvider(gcfg)
	if err != nil {
		return nil, nil, err
	}
	return provider, gate, nil
}
