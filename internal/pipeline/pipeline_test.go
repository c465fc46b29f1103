package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wan-ghuan/camerax/internal/camera"
	"github.com/wan-ghuan/camerax/internal/config"
	"github.com/wan-ghuan/camerax/internal/luminosity"
	"github.com/wan-ghuan/camerax/internal/notify"
	"github.com/wan-ghuan/camerax/internal/permission"
	"github.com/wan-ghuan/camerax/internal/session"
)

// sumPattern yields 10-byte frames summing to 0, 510 and 765.
func sumPattern(_ camera.StreamKind, seq uint64) []byte {
	data := make([]byte, 10)
	switch seq {
	case 1:
	case 2:
		for i := range data {
			data[i] = 51
		}
	default:
		for i := range data {
			data[i] = 76
		}
		data[9] = 81
	}
	return data
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.InstanceID = "test-cam"
	cfg.Camera.Source = "synthetic"
	cfg.Preview.Enabled = false
	cfg.MQTT.Enabled = false
	cfg.Capture.InternalDir = t.TempDir()
	return cfg
}

type recordedMetric struct {
	seq    uint64
	metric luminosity.Metric
}

type metricRecorder struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (r *metricRecorder) record(seq uint64, m luminosity.Metric) {
	r.mu.Lock()
	r.metrics = append(r.metrics, recordedMetric{seq: seq, metric: m})
	r.mu.Unlock()
}

func (r *metricRecorder) snapshot() []recordedMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedMetric(nil), r.metrics...)
}

type messageRecorder struct {
	mu       sync.Mutex
	messages []string
	errors   []bool
}

func (r *messageRecorder) Report(message string, isError bool) {
	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.errors = append(r.errors, isError)
	r.mu.Unlock()
}

func (r *messageRecorder) last() (string, bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return "", false, 0
	}
	n := len(r.messages)
	return r.messages[n-1], r.errors[n-1], n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestLuminosityEndToEnd(t *testing.T) {
	provider := camera.NewSyntheticProvider(camera.SyntheticConfig{
		Width:     10,
		Height:    1,
		MaxFrames: 3,
		Pattern:   sumPattern,
	})
	recorder := &metricRecorder{}
	cfg := testConfig(t)
	cfg.Capture.Enabled = false

	p, err := New(cfg, Options{
		Provider: provider,
		OnMetric: recorder.record,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		return provider.Stats().Released[camera.StreamAnalysis] == 3
	})

	got := recorder.snapshot()
	want := []recordedMetric{{1, 0}, {2, 51}, {3, 76}}
	if len(got) != len(want) {
		t.Fatalf("Expected %d metrics, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Metric %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}

	// The stream is exhausted; no extra frames or releases appear.
	time.Sleep(50 * time.Millisecond)
	stats := provider.Stats()
	if stats.Delivered[camera.StreamAnalysis] != 3 || stats.Released[camera.StreamAnalysis] != 3 {
		t.Errorf("Expected 3 analysis frames delivered and released, got %d/%d",
			stats.Delivered[camera.StreamAnalysis], stats.Released[camera.StreamAnalysis])
	}

	status := p.Status()
	if status.Analysis == nil || status.Analysis.LastMetric != 76 || status.Analysis.LastSeq != 3 {
		t.Errorf("Unexpected analysis status %+v", status.Analysis)
	}
	t.Logf("✅ Metrics %v with %d releases", got, stats.Released[camera.StreamAnalysis])
}

func TestStartPermissionDenied(t *testing.T) {
	provider := camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 4, Height: 2, FPS: 100})
	reporter := &messageRecorder{}

	p, err := New(testConfig(t), Options{
		Provider: provider,
		Gate:     permission.Static(false),
		Reporter: reporter,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = p.Start(context.Background())
	if !errors.Is(err, session.ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}

	msg, isError, _ := reporter.last()
	if msg != MsgPermissionDenied || !isError {
		t.Errorf("Expected permission message as error, got %q (error=%v)", msg, isError)
	}
	if provider.Stats().Acquired != 0 {
		t.Error("No device should be acquired without permission")
	}
	if p.Status().Status != "unhealthy" {
		t.Errorf("Expected unhealthy status, got %q", p.Status().Status)
	}
}

func TestStartBindFailureKeepsRunning(t *testing.T) {
	provider := camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 4, Height: 2, FPS: 100})
	provider.FailAcquire(errors.New("camera service unavailable"))
	reporter := &messageRecorder{}

	p, err := New(testConfig(t), Options{Provider: provider, Reporter: reporter})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start should keep running after a bind failure, got %v", err)
	}
	defer p.Shutdown(context.Background())

	msg, isError, reports := reporter.last()
	if !strings.HasPrefix(msg, MsgBindFailed) || !strings.Contains(msg, "camera service unavailable") || !isError {
		t.Errorf("Expected bind failure reported as error, got %q (error=%v)", msg, isError)
	}
	if st := p.Status(); st.Status != "unhealthy" || st.Session != "unbound" {
		t.Errorf("Expected unhealthy and unbound, got %+v", st)
	}

	if err := p.Rebind(context.Background(), ""); err == nil {
		t.Fatal("Rebind should fail while the camera is unavailable")
	}
	msg, isError, n := reporter.last()
	if n != reports+1 || !strings.HasPrefix(msg, MsgBindFailed) || !isError {
		t.Errorf("Expected rebind failure reported, got %q (error=%v, reports=%d)", msg, isError, n)
	}

	provider.FailAcquire(nil)
	if err := p.Rebind(context.Background(), ""); err != nil {
		t.Fatalf("Rebind after recovery failed: %v", err)
	}
	if st := p.Status(); st.Status != "healthy" || st.Camera != "rear" {
		t.Errorf("Expected healthy on the rear camera, got %+v", st)
	}
	t.Logf("✅ Bind failure reported, pipeline recovered by rebind")
}

func TestTakePhoto(t *testing.T) {
	provider := camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 8, Height: 4, FPS: 100})
	reporter := &messageRecorder{}
	cfg := testConfig(t)

	p, err := New(cfg, Options{Provider: provider, Reporter: reporter})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	req, ok := p.TakePhoto(context.Background())
	if !ok {
		t.Fatal("Expected capture to start")
	}

	select {
	case res := <-req.Result():
		if res.Err != nil {
			t.Fatalf("Capture failed: %v", res.Err)
		}
		if !strings.HasPrefix(res.URI, "file://") || !strings.HasPrefix(res.Path, cfg.Capture.InternalDir) {
			t.Errorf("Unexpected result %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Capture did not complete")
	}

	msg, isError, _ := reporter.last()
	if !strings.HasPrefix(msg, "Photo capture succeeded: file://") || isError {
		t.Errorf("Unexpected report %q (error=%v)", msg, isError)
	}
	t.Logf("✅ Photo saved to %s", req.Path)
}

func TestTakePhotoDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Enabled = false

	p, err := New(cfg, Options{Provider: camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 4, Height: 2, FPS: 100})})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := p.TakePhoto(context.Background()); ok {
		t.Error("Capture should be a no-op when still capture is disabled")
	}
}

func TestRebind(t *testing.T) {
	provider := camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 4, Height: 2, FPS: 100})

	p, err := New(testConfig(t), Options{Provider: provider})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Rebind(context.Background(), "front"); err == nil {
		t.Error("Rebind before Start should fail")
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	if err := p.Rebind(context.Background(), "front"); err != nil {
		t.Fatalf("Rebind failed: %v", err)
	}
	if st := p.Status(); st.Camera != "front" || st.Session != "bound" {
		t.Errorf("Unexpected status after rebind %+v", st)
	}
	if held := provider.Stats().Held; held != 1 {
		t.Errorf("Expected exactly one held device, got %d", held)
	}
}

// TestUnbindDuringAnalysis holds the analyzer on the first frame while the
// analysis stream is torn down, then checks every delivered frame is released
// exactly once.
func TestUnbindDuringAnalysis(t *testing.T) {
	tests := []struct {
		name   string
		unbind func(t *testing.T, p *Pipeline)
	}{
		{"rebind other camera", func(t *testing.T, p *Pipeline) {
			if err := p.Rebind(context.Background(), "front"); err != nil {
				t.Fatalf("Rebind failed: %v", err)
			}
		}},
		{"owner destroyed", func(t *testing.T, p *Pipeline) {
			p.mu.RLock()
			scope := p.scope
			p.mu.RUnlock()
			scope.Destroy()
			waitFor(t, 2*time.Second, func() bool { return p.Status().Session == "unbound" })
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 4, Height: 2, MaxFrames: 1})
			cfg := testConfig(t)
			cfg.Capture.Enabled = false

			entered := make(chan struct{})
			unblock := make(chan struct{})
			var once sync.Once
			p, err := New(cfg, Options{
				Provider: provider,
				OnMetric: func(seq uint64, m luminosity.Metric) {
					once.Do(func() {
						close(entered)
						<-unblock
					})
				},
			})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if err := p.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			defer p.Shutdown(context.Background())

			select {
			case <-entered:
			case <-time.After(2 * time.Second):
				t.Fatal("Analyzer never received a frame")
			}

			tt.unbind(t, p)

			if s := provider.Stats(); s.Released[camera.StreamAnalysis] >= s.Delivered[camera.StreamAnalysis] {
				t.Fatalf("Frame in analysis released early: %+v", s)
			}

			close(unblock)

			waitFor(t, 2*time.Second, func() bool {
				s := provider.Stats()
				return s.Released[camera.StreamAnalysis] == s.Delivered[camera.StreamAnalysis]
			})
			// Nothing is released twice after the analyzer finishes.
			time.Sleep(50 * time.Millisecond)
			s := provider.Stats()
			if s.Released[camera.StreamAnalysis] != s.Delivered[camera.StreamAnalysis] {
				t.Errorf("Delivered %d, released %d", s.Delivered[camera.StreamAnalysis], s.Released[camera.StreamAnalysis])
			}
			t.Logf("✅ %d analysis frames delivered and released once", s.Delivered[camera.StreamAnalysis])
		})
	}
}

func TestShutdownIdempotent(t *testing.T) {
	provider := camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 4, Height: 2, FPS: 100})

	p, err := New(testConfig(t), Options{Provider: provider})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown %d failed: %v", i, err)
		}
	}
	if held := provider.Stats().Held; held != 0 {
		t.Errorf("Expected device released, %d still held", held)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	provider := camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 4, Height: 2, FPS: 100})

	p, err := New(testConfig(t), Options{Provider: provider})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return p.Status().Session == "bound" })
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if held := provider.Stats().Held; held != 0 {
		t.Errorf("Expected device released, %d still held", held)
	}
}

// reconnectingProvider hands out synthetic devices that report a pipeline
// restart in progress.
type reconnectingProvider struct {
	*camera.SyntheticProvider
}

func (p reconnectingProvider) Acquire(ctx context.Context, sel camera.Selector) (camera.Device, error) {
	dev, err := p.SyntheticProvider.Acquire(ctx, sel)
	if err != nil {
		return nil, err
	}
	return reconnectingDevice{dev}, nil
}

type reconnectingDevice struct {
	camera.Device
}

func (d reconnectingDevice) DeviceStats() camera.DeviceStats {
	return camera.DeviceStats{Device: d.ID(), Reconnects: 2, Reconnecting: true}
}

func TestHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name         string
		reconnecting bool
		start        bool
		wantCode     int
		want         string
		wantDevice   bool
	}{
		{"before start", false, false, http.StatusServiceUnavailable, "unhealthy", false},
		{"running", false, true, http.StatusOK, "healthy", true},
		{"device reconnecting", true, true, http.StatusOK, "degraded", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			synthetic := camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 4, Height: 2, FPS: 100})
			var provider camera.Provider = synthetic
			if tt.reconnecting {
				provider = reconnectingProvider{synthetic}
			}

			p, err := New(testConfig(t), Options{Provider: provider})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if tt.start {
				if err := p.Start(context.Background()); err != nil {
					t.Fatalf("Start failed: %v", err)
				}
				t.Cleanup(func() { p.Shutdown(context.Background()) })
			}

			engine := gin.New()
			p.RegisterRoutes(engine)
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected code %d, got %d", tt.wantCode, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("Expected JSON content type, got %q", ct)
			}
			var st Status
			if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
				t.Fatalf("Invalid JSON: %v", err)
			}
			if st.Status != tt.want || st.InstanceID != "test-cam" {
				t.Errorf("Unexpected status %+v", st)
			}
			if (st.Device != nil) != tt.wantDevice {
				t.Fatalf("Expected device stats present=%v, got %+v", tt.wantDevice, st.Device)
			}
			if st.Device != nil && st.Device.Device != "synthetic:rear" {
				t.Errorf("Unexpected device %q", st.Device.Device)
			}
			if tt.reconnecting && st.Device.Reconnects != 2 {
				t.Errorf("Expected 2 reconnects, got %d", st.Device.Reconnects)
			}
		})
	}
}

func TestHTTPAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	provider := camera.NewSyntheticProvider(camera.SyntheticConfig{Width: 8, Height: 4, FPS: 100})

	p, err := New(testConfig(t), Options{Provider: provider})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	engine := gin.New()
	p.RegisterRoutes(engine)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(http.MethodPost, "/api/v1/capture", ""); rec.Code != http.StatusConflict {
		t.Errorf("Capture before start: expected 409, got %d", rec.Code)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		contains string
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK, `"status":"healthy"`},
		{"status", http.MethodGet, "/api/v1/status", "", http.StatusOK, `"session":"bound"`},
		{"capture", http.MethodPost, "/api/v1/capture", "", http.StatusAccepted, `"request_id"`},
		{"rebind invalid json", http.MethodPost, "/api/v1/rebind", "{", http.StatusBadRequest, "invalid_request"},
		{"rebind front", http.MethodPost, "/api/v1/rebind", `{"selector":"front"}`, http.StatusOK, `"camera":"front"`},
		{"rebind current", http.MethodPost, "/api/v1/rebind", "", http.StatusOK, `"camera":"front"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(tt.method, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Body %q does not contain %q", rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestStatusMap(t *testing.T) {
	st := Status{Status: "healthy", InstanceID: "cam", Viewers: 2}
	m := st.Map()
	if m["status"] != "healthy" || m["instance_id"] != "cam" || m["viewers"] != float64(2) {
		t.Errorf("Unexpected map %v", m)
	}
	if _, ok := m["analysis"]; ok {
		t.Error("Nil analysis should be omitted")
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*config.Config) *config.Config
		opts Options
	}{
		{"nil config", func(*config.Config) *config.Config { return nil }, Options{Provider: camera.NewSyntheticProvider(camera.SyntheticConfig{})}},
		{"nil provider", func(c *config.Config) *config.Config { return c }, Options{}},
		{"bad selector", func(c *config.Config) *config.Config { c.Camera.Selector = "up"; return c }, Options{Provider: camera.NewSyntheticProvider(camera.SyntheticConfig{})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg(testConfig(t)), tt.opts); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

var _ notify.Reporter = (*messageRecorder)(nil)
