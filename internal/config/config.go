// Package config loads the camerax YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete camerax configuration.
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig   `yaml:"camera"`
	Analysis         AnalysisConfig `yaml:"analysis"`
	Capture          CaptureConfig  `yaml:"capture"`
	Preview          PreviewConfig  `yaml:"preview"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
}

// CameraConfig selects and configures the camera hardware.
type CameraConfig struct {
	Source      string  `yaml:"source"`       // synthetic, v4l2, rtsp, test
	Selector    string  `yaml:"selector"`     // rear, front
	RearDevice  string  `yaml:"rear_device"`  // v4l2 device for the rear camera
	FrontDevice string  `yaml:"front_device"` // v4l2 device for the front camera
	RTSPURL     string  `yaml:"rtsp_url"`
	Resolution  string  `yaml:"resolution"` // 480p, 720p, 1080p
	FPS         float64 `yaml:"fps"`
	Reconnect   struct {
		MaxRetries     int `yaml:"max_retries"`
		RetryDelayMS   int `yaml:"retry_delay_ms"`
		MaxRetryDelayS int `yaml:"max_retry_delay_s"`
	} `yaml:"reconnect"`
}

// AnalysisConfig configures the analysis stage.
type AnalysisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Name       string `yaml:"name"`
	RateWindow int    `yaml:"rate_window"` // completions kept for rate stats
}

// CaptureConfig configures still capture.
type CaptureConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ExternalDir string `yaml:"external_dir"` // preferred output directory
	InternalDir string `yaml:"internal_dir"` // fallback output directory
	Quality     int    `yaml:"quality"`      // JPEG quality 1-100
}

// PreviewConfig configures the WebSocket preview surface.
type PreviewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Quality int    `yaml:"quality"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Enabled bool       `yaml:"enabled"`
	Broker  string     `yaml:"broker"`
	Topics  MQTTTopics `yaml:"topics"`
	QoS     byte       `yaml:"qos"`
}

// MQTTTopics contains topic names. Empty topics default to
// camerax/<instance_id>/<name>.
type MQTTTopics struct {
	Events    string `yaml:"events"`
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	return &Config{
		InstanceID:       "camerax",
		ShutdownTimeoutS: 5,
		Camera: CameraConfig{
			Source:     "v4l2",
			Selector:   "rear",
			RearDevice: "/dev/video0",
			Resolution: "720p",
			FPS:        30,
		},
		Analysis: AnalysisConfig{
			Enabled:    true,
			Name:       "luminosity",
			RateWindow: 64,
		},
		Capture: CaptureConfig{
			Enabled:     true,
			InternalDir: "photos",
			Quality:     90,
		},
		Preview: PreviewConfig{
			Enabled: true,
			Listen:  ":8090",
			Quality: 70,
		},
		MQTT: MQTTConfig{
			Broker: "localhost:1883",
			QoS:    1,
		},
	}
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
