// Package pipeline wires the camera session, analysis stage, still capture,
// preview surface and notification sinks into one running service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wan-ghuan/camerax/internal/analysis"
	"github.com/wan-ghuan/camerax/internal/camera"
	"github.com/wan-ghuan/camerax/internal/config"
	"github.com/wan-ghuan/camerax/internal/frame"
	"github.com/wan-ghuan/camerax/internal/lifecycle"
	"github.com/wan-ghuan/camerax/internal/luminosity"
	"github.com/wan-ghuan/camerax/internal/notify"
	"github.com/wan-ghuan/camerax/internal/permission"
	"github.com/wan-ghuan/camerax/internal/preview"
	"github.com/wan-ghuan/camerax/internal/session"
	"github.com/wan-ghuan/camerax/internal/still"
)

const (
	// MsgPermissionDenied is reported when camera access is not granted.
	MsgPermissionDenied = "Permissions not granted by the user."
	// MsgBindFailed prefixes the cause of a failed camera bind.
	MsgBindFailed = "Use case binding failed: "
)

// Options supplies collaborators that are not built from config.
type Options struct {
	// Provider acquires camera devices. Required.
	Provider camera.Provider
	// Gate decides camera permission; nil grants access.
	Gate permission.Gate
	// Surface receives preview frames. Nil uses the WebSocket preview
	// server when enabled, otherwise frames are discarded.
	Surface session.Surface
	// Reporter receives user-facing messages in addition to the log and MQTT.
	Reporter notify.Reporter
	// OnMetric observes every luminosity metric.
	OnMetric func(seq uint64, metric luminosity.Metric)
}

// Pipeline is the running camera service.
type Pipeline struct {
	cfg  *config.Config
	opts Options

	session    *session.Session
	stage      *analysis.Stage
	analyzer   *luminosity.Analyzer
	controller *still.Controller

	previewUC  *session.Preview
	captureUC  *session.ImageCapture
	analysisUC *session.ImageAnalysis

	previewServer *preview.Server
	emitter       *notify.MQTTEmitter
	control       *notify.Handler
	reporter      notify.Reporter

	mu       sync.RWMutex
	scope    *lifecycle.Scope
	selector camera.Selector
	running  bool
	started  time.Time

	// Written only by the analysis worker.
	analyzingSeq uint64

	metrics    atomic.Uint64
	lastMetric atomic.Int64
	lastSeq    atomic.Uint64
}

// New builds a pipeline from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("pipeline: camera provider is required")
	}

	facing, err := camera.ParseFacing(cfg.Camera.Selector)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{
		cfg:      cfg,
		opts:     opts,
		selector: camera.Selector{Facing: facing},
	}
	p.lastMetric.Store(-1)

	p.session, err = session.New(opts.Provider, opts.Gate)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	if cfg.MQTT.Enabled {
		p.emitter, err = notify.NewMQTTEmitter(p.mqttConfig())
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}
	p.reporter = p.buildReporter()

	surface := opts.Surface
	if surface == nil && cfg.Preview.Enabled {
		p.previewServer, err = preview.NewServer(preview.Config{
			Addr:    cfg.Preview.Listen,
			Quality: cfg.Preview.Quality,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		p.RegisterRoutes(p.previewServer.Routes())
		surface = p.previewServer
	}
	p.previewUC = session.NewPreview(surface)

	if cfg.Analysis.Enabled {
		p.analyzer = luminosity.NewAnalyzer(p.onMetric)
		p.stage, err = analysis.New(p.analyze, analysis.Config{
			Name:       cfg.Analysis.Name,
			RateWindow: cfg.Analysis.RateWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		p.analysisUC = session.NewImageAnalysis(p.stage)
	}

	if cfg.Capture.Enabled {
		dir, err := still.ResolveOutputDir(cfg.Capture.ExternalDir, cfg.Capture.InternalDir)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		p.captureUC = session.NewImageCapture()
		p.controller, err = still.NewController(p.captureUC, p.reporter, still.Config{
			Dir:     dir,
			Quality: cfg.Capture.Quality,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}

	return p, nil
}

func (p *Pipeline) mqttConfig() notify.MQTTConfig {
	return notify.MQTTConfig{
		Broker:         p.cfg.MQTT.Broker,
		ClientID:       p.cfg.InstanceID,
		EventsTopic:    p.cfg.MQTT.Topics.Events,
		ControlTopic:   p.cfg.MQTT.Topics.Control,
		ResponsesTopic: p.cfg.MQTT.Topics.Responses,
		QoS:            p.cfg.MQTT.QoS,
	}
}

func (p *Pipeline) buildReporter() notify.Reporter {
	reporters := notify.Multi{notify.LogReporter{}}
	if p.emitter != nil {
		reporters = append(reporters, p.emitter)
	}
	if p.opts.Reporter != nil {
		reporters = append(reporters, p.opts.Reporter)
	}
	return reporters
}

// analyze runs on the analysis worker goroutine.
func (p *Pipeline) analyze(f *frame.Frame) error {
	p.analyzingSeq = f.Seq
	return p.analyzer.Analyze(f)
}

func (p *Pipeline) onMetric(m luminosity.Metric) {
	seq := p.analyzingSeq
	p.metrics.Add(1)
	p.lastMetric.Store(int64(m))
	p.lastSeq.Store(seq)

	if p.emitter != nil {
		p.emitter.PublishMetric(seq, int(m))
	}
	if p.opts.OnMetric != nil {
		p.opts.OnMetric(seq, m)
	}
}

// useCases returns the enabled use cases in bind order.
func (p *Pipeline) useCases() []session.UseCase {
	ucs := []session.UseCase{p.previewUC}
	if p.captureUC != nil {
		ucs = append(ucs, p.captureUC)
	}
	if p.analysisUC != nil {
		ucs = append(ucs, p.analysisUC)
	}
	return ucs
}

// Start brings up transports and the analysis worker, then binds the camera.
// A denied permission is reported and returned; the pipeline is then shut down.
// Any other bind failure is reported, and the pipeline keeps running unbound
// so Rebind can retry.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: already running")
	}
	p.running = true
	p.started = time.Now()
	p.scope = lifecycle.NewScope(context.Background(), p.cfg.InstanceID)
	p.mu.Unlock()

	slog.Info("pipeline: starting",
		"instance_id", p.cfg.InstanceID,
		"selector", p.selector.String(),
		"use_cases", len(p.useCases()),
	)

	if err := p.startTransports(ctx); err != nil {
		p.Shutdown(context.Background())
		return err
	}

	if p.stage != nil {
		if err := p.stage.Start(); err != nil {
			p.Shutdown(context.Background())
			return fmt.Errorf("pipeline: %w", err)
		}
	}

	p.mu.RLock()
	scope, sel := p.scope, p.selector
	p.mu.RUnlock()

	if err := p.session.BindSync(ctx, scope, sel, p.useCases()...); err != nil {
		p.reportBindError(err)
		var bindErr *session.BindError
		if errors.As(err, &bindErr) {
			slog.Warn("pipeline: running unbound until rebind", "selector", sel.String(), "error", err)
			return nil
		}
		p.Shutdown(context.Background())
		return fmt.Errorf("pipeline: %w", err)
	}

	slog.Info("pipeline: camera bound", "selector", sel.String())
	return nil
}

// reportBindError tells the user why the camera could not be bound.
func (p *Pipeline) reportBindError(err error) {
	var bindErr *session.BindError
	switch {
	case errors.Is(err, session.ErrPermissionDenied):
		p.reporter.Report(MsgPermissionDenied, true)
	case errors.As(err, &bindErr):
		p.reporter.Report(MsgBindFailed+bindErr.Err.Error(), true)
	}
}

func (p *Pipeline) startTransports(ctx context.Context) error {
	if p.emitter != nil {
		if err := p.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		handler, err := notify.NewHandler(p.mqttConfig(), p.emitter.Client(), p.controlCallbacks())
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		if err := handler.Start(p.scope.Context()); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		p.control = handler
	}

	if p.previewServer != nil {
		if err := p.previewServer.Start(); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) controlCallbacks() notify.CommandCallbacks {
	return notify.CommandCallbacks{
		OnCapture: func() (map[string]interface{}, error) {
			req, ok := p.TakePhoto(context.Background())
			if !ok {
				return nil, fmt.Errorf("still capture is not bound")
			}
			return map[string]interface{}{
				"request_id": req.ID,
				"path":       req.Path,
			}, nil
		},
		OnGetStatus: func() map[string]interface{} {
			return p.Status().Map()
		},
		OnRebind: func(selector string) error {
			return p.Rebind(context.Background(), selector)
		},
	}
}

// Run starts the pipeline and blocks until ctx ends, then shuts down within
// the configured timeout.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("pipeline: context cancelled, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.ShutdownTimeout())
	defer cancel()
	return p.Shutdown(shutdownCtx)
}

// TakePhoto starts a still capture. It returns false when still capture is
// not bound.
func (p *Pipeline) TakePhoto(ctx context.Context) (*still.Request, bool) {
	if p.controller == nil {
		return nil, false
	}
	return p.controller.Capture(ctx)
}

// Rebind switches to the camera named by selector ("rear", "front" or a
// device id). An empty selector rebinds the current camera.
func (p *Pipeline) Rebind(ctx context.Context, selector string) error {
	p.mu.RLock()
	scope, sel, running := p.scope, p.selector, p.running
	p.mu.RUnlock()
	if !running {
		return fmt.Errorf("pipeline: not running")
	}

	if selector != "" {
		facing, err := camera.ParseFacing(selector)
		if err != nil {
			sel = camera.Selector{DeviceID: selector}
		} else {
			sel = camera.Selector{Facing: facing}
		}
	}

	if err := p.session.BindSync(ctx, scope, sel, p.useCases()...); err != nil {
		p.reportBindError(err)
		return fmt.Errorf("pipeline: rebind: %w", err)
	}

	p.mu.Lock()
	p.selector = sel
	p.mu.Unlock()
	return nil
}

// Shutdown waits for pending captures, ends the owner scope and session, then
// stops the analysis worker and transports. Idempotent.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	scope := p.scope
	p.mu.Unlock()

	slog.Info("pipeline: shutting down")

	done := make(chan struct{})
	go func() {
		defer close(done)

		if p.controller != nil {
			if err := p.controller.Wait(); err != nil {
				slog.Error("pipeline: captures still pending", "error", err)
			}
		}
		scope.Destroy()
		if err := p.session.Close(); err != nil {
			slog.Error("pipeline: failed to close session", "error", err)
		}
		if p.stage != nil {
			if err := p.stage.Stop(); err != nil {
				slog.Error("pipeline: failed to stop analysis stage", "error", err)
			}
		}
		if p.control != nil {
			p.control.Stop()
		}
		if p.emitter != nil {
			p.emitter.Disconnect()
		}
		if p.previewServer != nil {
			if err := p.previewServer.Stop(); err != nil {
				slog.Error("pipeline: failed to stop preview server", "error", err)
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pipeline: shutdown: %w", ctx.Err())
	}

	p.mu.RLock()
	uptime := time.Since(p.started)
	p.mu.RUnlock()
	slog.Info("pipeline: shutdown complete", "uptime", uptime, "metrics", p.metrics.Load())
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (p *Pipeline) ShutdownTimeout() time.Duration {
	timeout := time.Duration(p.cfg.ShutdownTimeoutS) * time.Second
	if timeout <= 0 {
		return 5 * time.Second
	}
	return timeout
}
