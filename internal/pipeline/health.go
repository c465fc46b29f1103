package pipeline

import (
	"encoding/json"
	"time"

	"github.com/wan-ghuan/camerax/internal/camera"
	"github.com/wan-ghuan/camerax/internal/session"
)

// AnalysisStatus summarizes the analysis stage.
type AnalysisStatus struct {
	Analyzed   uint64  `json:"analyzed"`
	Failed     uint64  `json:"failed"`
	Violations uint64  `json:"violations"`
	Busy       bool    `json:"busy"`
	FPS        float64 `json:"fps"`
	LastMetric int64   `json:"last_metric"` // -1 before the first metric
	LastSeq    uint64  `json:"last_seq"`
}

// CaptureStatus summarizes still capture.
type CaptureStatus struct {
	Requested uint64 `json:"requested"`
	Skipped   uint64 `json:"skipped"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	InFlight  int64  `json:"in_flight"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Status        string              `json:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID    string              `json:"instance_id"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Session       string              `json:"session"`
	Camera        string              `json:"camera,omitempty"`
	Viewers       int                 `json:"viewers"`
	MQTTConnected bool                `json:"mqtt_connected"`
	Device        *camera.DeviceStats `json:"device,omitempty"`
	Analysis      *AnalysisStatus     `json:"analysis,omitempty"`
	Capture       *CaptureStatus      `json:"capture,omitempty"`
}

// Status collects the current pipeline status.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	running, started := p.running, p.started
	p.mu.RUnlock()

	st := Status{
		Status:     "healthy",
		InstanceID: p.cfg.InstanceID,
		Session:    p.session.State().String(),
	}
	if running {
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if sel, ok := p.session.Selector(); ok {
		st.Camera = sel.String()
	}
	if ds, ok := p.session.DeviceStats(); ok {
		st.Device = &ds
	}
	if p.previewServer != nil {
		st.Viewers = p.previewServer.Viewers()
	}
	if p.emitter != nil {
		st.MQTTConnected = p.emitter.Stats().Connected
	}

	if p.stage != nil {
		s := p.stage.Stats()
		st.Analysis = &AnalysisStatus{
			Analyzed:   s.Analyzed,
			Failed:     s.Failed,
			Violations: s.Violations,
			Busy:       s.Busy,
			FPS:        s.Rate.FPSMean,
			LastMetric: p.lastMetric.Load(),
			LastSeq:    p.lastSeq.Load(),
		}
	}
	if p.controller != nil {
		s := p.controller.Stats()
		st.Capture = &CaptureStatus{
			Requested: s.Requested,
			Skipped:   s.Skipped,
			Succeeded: s.Succeeded,
			Failed:    s.Failed,
			InFlight:  s.InFlight,
		}
	}

	switch {
	case !running || p.session.State() != session.StateBound:
		st.Status = "unhealthy"
	case st.Device != nil && st.Device.Reconnecting:
		st.Status = "degraded"
	case p.emitter != nil && !st.MQTTConnected:
		st.Status = "degraded"
	}
	return st
}

// Map returns the status as a generic map for control responses.
func (s Status) Map() map[string]interface{} {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]interface{}{"status": s.Status}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{"status": s.Status}
	}
	return m
}
