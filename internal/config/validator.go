package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/wan-ghuan/camerax/internal/camera"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks cfg and fills derived defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	if cfg.Analysis.Name == "" {
		cfg.Analysis.Name = "luminosity"
	}
	if cfg.Analysis.RateWindow < 2 {
		return fmt.Errorf("analysis.rate_window must be >= 2")
	}

	if cfg.Capture.Enabled {
		if cfg.Capture.ExternalDir == "" && cfg.Capture.InternalDir == "" {
			return fmt.Errorf("capture requires external_dir or internal_dir")
		}
		if cfg.Capture.Quality < 1 || cfg.Capture.Quality > 100 {
			return fmt.Errorf("capture.quality must be 1-100")
		}
	}

	if cfg.Preview.Enabled {
		if cfg.Preview.Listen == "" {
			return fmt.Errorf("preview.listen is required when preview is enabled")
		}
		if cfg.Preview.Quality < 1 || cfg.Preview.Quality > 100 {
			return fmt.Errorf("preview.quality must be 1-100")
		}
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0-2")
		}
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("camerax/%s/events", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("camerax/%s/control", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Responses == "" {
		cfg.MQTT.Topics.Responses = fmt.Sprintf("camerax/%s/responses", cfg.InstanceID)
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	if _, err := camera.ParseFacing(c.Selector); err != nil {
		return err
	}
	if _, err := camera.ParseResolution(c.Resolution); err != nil {
		return err
	}
	if c.FPS < 0 || c.FPS > 60 {
		return fmt.Errorf("fps must be 0-60, got %.2f", c.FPS)
	}

	switch c.Source {
	case "synthetic", "test":
	case "v4l2":
		if c.RearDevice == "" && c.FrontDevice == "" {
			return fmt.Errorf("v4l2 source requires rear_device or front_device")
		}
	case "rtsp":
		if !strings.HasPrefix(c.RTSPURL, "rtsp://") && !strings.HasPrefix(c.RTSPURL, "rtsps://") {
			return fmt.Errorf("rtsp source requires an rtsp:// url")
		}
	default:
		return fmt.Errorf("unknown source %q (must be synthetic, v4l2, rtsp or test)", c.Source)
	}

	if c.Reconnect.MaxRetries < 0 || c.Reconnect.RetryDelayMS < 0 || c.Reconnect.MaxRetryDelayS < 0 {
		return fmt.Errorf("reconnect values must not be negative")
	}
	return nil
}
