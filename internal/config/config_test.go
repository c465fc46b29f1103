package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("instance_id: lobby-cam\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Camera.Source != "v4l2" || cfg.Camera.RearDevice != "/dev/video0" {
		t.Errorf("Unexpected camera defaults %+v", cfg.Camera)
	}
	if cfg.Capture.Quality != 90 || cfg.Analysis.RateWindow != 64 {
		t.Errorf("Unexpected defaults: quality=%d window=%d", cfg.Capture.Quality, cfg.Analysis.RateWindow)
	}
	if cfg.MQTT.Topics.Events != "camerax/lobby-cam/events" ||
		cfg.MQTT.Topics.Control != "camerax/lobby-cam/control" ||
		cfg.MQTT.Topics.Responses != "camerax/lobby-cam/responses" {
		t.Errorf("Unexpected default topics %+v", cfg.MQTT.Topics)
	}
}

func TestLoadFile(t *testing.T) {
	data := `
instance_id: door-01
shutdown_timeout_s: 10
camera:
  source: rtsp
  rtsp_url: rtsp://10.0.0.5/stream1
  selector: front
  resolution: 1080p
  fps: 15
  reconnect:
    max_retries: 3
analysis:
  rate_window: 32
capture:
  external_dir: /media/camerax
  quality: 85
preview:
  enabled: false
mqtt:
  enabled: true
  broker: broker.local:1883
  topics:
    events: site/door-01/events
  qos: 0
`
	path := filepath.Join(t.TempDir(), "camerax.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Camera.Source != "rtsp" || cfg.Camera.FPS != 15 || cfg.Camera.Reconnect.MaxRetries != 3 {
		t.Errorf("Unexpected camera config %+v", cfg.Camera)
	}
	if cfg.Capture.ExternalDir != "/media/camerax" || cfg.Capture.InternalDir != "photos" {
		t.Errorf("Unexpected capture config %+v", cfg.Capture)
	}
	if cfg.Preview.Enabled {
		t.Error("Preview should be disabled")
	}
	if cfg.MQTT.Topics.Events != "site/door-01/events" || cfg.MQTT.Topics.Control != "camerax/door-01/control" {
		t.Errorf("Unexpected topics %+v", cfg.MQTT.Topics)
	}
	if cfg.MQTT.QoS != 0 {
		t.Errorf("Expected qos 0, got %d", cfg.MQTT.QoS)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad instance id", "instance_id: Door_01", "instance_id"},
		{"bad selector", "camera: {selector: sideways}", "facing"},
		{"bad resolution", "camera: {resolution: 4k}", "resolution"},
		{"bad fps", "camera: {fps: 120}", "fps"},
		{"bad source", "camera: {source: usb}", "unknown source"},
		{"rtsp without url", "camera: {source: rtsp}", "rtsp"},
		{"v4l2 without device", "camera: {source: v4l2, rear_device: ''}", "rear_device"},
		{"bad rate window", "analysis: {rate_window: 1}", "rate_window"},
		{"capture without dirs", "capture: {enabled: true, internal_dir: ''}", "internal_dir"},
		{"bad capture quality", "capture: {quality: 0}", "capture.quality"},
		{"preview without listen", "preview: {enabled: true, listen: ''}", "preview.listen"},
		{"mqtt without broker", "mqtt: {enabled: true, broker: ''}", "mqtt.broker"},
		{"mqtt bad qos", "mqtt: {enabled: true, qos: 3}", "mqtt.qos"},
		{"invalid yaml", "camera: [", "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
