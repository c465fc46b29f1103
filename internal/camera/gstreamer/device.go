// Package gstreamer implements camera devices on top of GStreamer pipelines.
//
// One pipeline runs per acquired device while at least one stream is open.
// Every decoded I420 sample is offered to the open preview and analysis
// streams; a stream whose previous frame is still unreleased drops the
// sample. The most recent sample is kept for still capture.
package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/wan-ghuan/camerax/internal/camera"
	"github.com/wan-ghuan/camerax/internal/frame"
)

const stopTimeout = 3 * time.Second

// Config configures the GStreamer provider.
type Config struct {
	// Rear and Front map lens facing to sources. A zero Source means the
	// facing is not available.
	Rear  Source
	Front Source

	Resolution camera.Resolution
	FPS        float64
	Reconnect  ReconnectConfig
}

// Provider acquires GStreamer-backed devices.
type Provider struct {
	cfg    Config
	claims *camera.Claims
}

// NewProvider validates cfg and checks GStreamer is usable.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Rear.Kind == "" && cfg.Front.Kind == "" {
		return nil, fmt.Errorf("camera-gst: at least one source is required")
	}
	for _, src := range []Source{cfg.Rear, cfg.Front} {
		if src.Kind == "" {
			continue
		}
		if err := src.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.FPS < 0 || cfg.FPS > 60 {
		return nil, fmt.Errorf("camera-gst: invalid FPS %.2f (must be 0-60)", cfg.FPS)
	}
	if err := checkAvailable(); err != nil {
		return nil, fmt.Errorf("camera-gst: %w", err)
	}

	cfg.Reconnect = cfg.Reconnect.withDefaults()
	return &Provider{cfg: cfg, claims: camera.NewClaims()}, nil
}

// resolve maps a selector to a source.
func (p *Provider) resolve(sel camera.Selector) (Source, error) {
	if sel.DeviceID != "" {
		src := Source{Kind: SourceV4L2, Device: sel.DeviceID}
		if strings.HasPrefix(sel.DeviceID, "rtsp://") || strings.HasPrefix(sel.DeviceID, "rtsps://") {
			src = Source{Kind: SourceRTSP, URL: sel.DeviceID}
		}
		return src, src.Validate()
	}

	src := p.cfg.Rear
	if sel.Facing == camera.FacingFront {
		src = p.cfg.Front
	}
	if src.Kind == "" {
		return Source{}, fmt.Errorf("%w: %s", camera.ErrNoDevice, sel)
	}
	return src, nil
}

// Acquire claims the device selected by sel. The pipeline starts when the
// first stream is opened.
func (p *Provider) Acquire(ctx context.Context, sel camera.Selector) (camera.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := p.resolve(sel)
	if err != nil {
		return nil, err
	}
	if err := p.claims.Claim(src.ID()); err != nil {
		return nil, err
	}

	width, height := p.cfg.Resolution.Dimensions()
	d := &device{
		id:      src.ID(),
		claims:  p.claims,
		streams: make(map[camera.StreamKind]camera.DeliverFunc),
		pipelineCfg: pipelineConfig{
			Source: src,
			Width:  width,
			Height: height,
			FPS:    p.cfg.FPS,
		},
		reconnectCfg: p.cfg.Reconnect,
	}

	slog.Info("camera-gst: device acquired",
		"device", d.id,
		"source", src.Kind,
		"resolution", fmt.Sprintf("%dx%d", width, height),
		"fps", p.cfg.FPS,
	)
	return d, nil
}

// snapshot is the latest decoded sample, shared read-only between frames.
type snapshot struct {
	seq    uint64
	at     time.Time
	planes []frame.Plane
}

type device struct {
	id           string
	claims       *camera.Claims
	pipelineCfg  pipelineConfig
	reconnectCfg ReconnectConfig

	mu       sync.Mutex
	streams  map[camera.StreamKind]camera.DeliverFunc
	closed   bool
	latest   *snapshot
	elements *pipelineElements
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  time.Time

	// outstanding marks a stream whose last frame is not yet released.
	outstanding [3]atomic.Bool

	frameCount    atomic.Uint64
	framesDropped atomic.Uint64
	bytesRead     atomic.Uint64
	reconnect     ReconnectState
	errors        errorCounters
}

func (d *device) ID() string { return d.id }

func (d *device) OpenStream(kind camera.StreamKind, deliver camera.DeliverFunc) error {
	if kind != camera.StreamStill && deliver == nil {
		return fmt.Errorf("camera-gst: %s stream requires a deliver func", kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return camera.ErrDeviceClosed
	}
	if _, ok := d.streams[kind]; ok {
		return fmt.Errorf("%w: %s", camera.ErrStreamOpen, kind)
	}
	d.streams[kind] = deliver

	if d.cancel == nil {
		d.startLocked()
	}
	slog.Debug("camera-gst: stream opened", "device", d.id, "stream", kind)
	return nil
}

func (d *device) CloseStream(kind camera.StreamKind) error {
	d.mu.Lock()
	if _, ok := d.streams[kind]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", camera.ErrStreamNotOpen, kind)
	}
	delete(d.streams, kind)
	idle := len(d.streams) == 0
	d.mu.Unlock()

	if idle {
		d.stop()
	}
	slog.Debug("camera-gst: stream closed", "device", d.id, "stream", kind)
	return nil
}

func (d *device) TakePicture(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	closed := d.closed
	_, still := d.streams[camera.StreamStill]
	latest := d.latest
	d.mu.Unlock()

	switch {
	case closed:
		return nil, camera.ErrDeviceClosed
	case !still:
		return nil, fmt.Errorf("%w: %s", camera.ErrStreamNotOpen, camera.StreamStill)
	case latest == nil:
		return nil, fmt.Errorf("%w: %s", camera.ErrNoFrame, d.id)
	}

	return frame.New(frame.Info{
		Seq:          latest.seq,
		Timestamp:    latest.at,
		Width:        d.pipelineCfg.Width,
		Height:       d.pipelineCfg.Height,
		Format:       frame.FormatI420,
		SourceStream: camera.StreamStill.String(),
	}, latest.planes, nil), nil
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.streams = make(map[camera.StreamKind]camera.DeliverFunc)
	d.mu.Unlock()

	d.stop()
	d.claims.Release(d.id)

	slog.Info("camera-gst: device released",
		"device", d.id,
		"frames", d.frameCount.Load(),
		"dropped", d.framesDropped.Load(),
		"reconnects", d.reconnect.Reconnects(),
	)
	return nil
}

// startLocked launches the pipeline goroutine. d.mu must be held.
func (d *device) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.started = time.Now()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := RunWithReconnect(ctx, d.runOnce, d.reconnectCfg, &d.reconnect)
		if err != nil && ctx.Err() == nil {
			slog.Error("camera-gst: pipeline stopped after reconnection failure",
				"device", d.id,
				"error", err,
				"uptime", time.Since(d.started),
				"frames", d.frameCount.Load(),
			)
		}
	}()
}

// stop cancels the pipeline goroutine and waits for it.
func (d *device) stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("camera-gst: stop timeout exceeded, pipeline goroutine still running", "device", d.id)
	}
}

// runOnce builds and plays a pipeline, monitors it until failure or
// cancellation, then tears it down.
func (d *device) runOnce(ctx context.Context) error {
	elements, err := createPipeline(d.pipelineCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := destroyPipeline(elements); err != nil {
			slog.Error("camera-gst: failed to destroy pipeline", "device", d.id, "error", err)
		}
		d.mu.Lock()
		d.elements = nil
		d.mu.Unlock()
	}()

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onNewSample,
	})

	d.mu.Lock()
	d.elements = elements
	d.mu.Unlock()

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	slog.Info("camera-gst: pipeline started", "device", d.id, "source", d.pipelineCfg.Source.Kind)

	return d.monitorBus(ctx, elements.Pipeline)
}

// onNewSample copies the decoded I420 sample and offers it to open streams.
func (d *device) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("camera-gst: failed to pull sample, skipping frame", "device", d.id)
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("camera-gst: sample without buffer, skipping frame", "device", d.id)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("camera-gst: empty buffer received", "device", d.id)
		return gst.FlowOK
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	buffer.Unmap()

	planes, err := splitI420(copied, d.pipelineCfg.Width, d.pipelineCfg.Height)
	if err != nil {
		d.framesDropped.Add(1)
		slog.Warn("camera-gst: unexpected buffer layout", "device", d.id, "error", err)
		return gst.FlowOK
	}

	seq := d.frameCount.Add(1)
	d.bytesRead.Add(uint64(len(copied)))
	now := time.Now()

	d.mu.Lock()
	d.latest = &snapshot{seq: seq, at: now, planes: planes}
	targets := make(map[camera.StreamKind]camera.DeliverFunc, 2)
	for _, kind := range []camera.StreamKind{camera.StreamPreview, camera.StreamAnalysis} {
		if deliver, ok := d.streams[kind]; ok {
			targets[kind] = deliver
		}
	}
	d.mu.Unlock()

	for kind, deliver := range targets {
		d.offer(kind, deliver, seq, now, planes)
	}
	return gst.FlowOK
}

// offer lends a frame to one stream unless its previous frame is unreleased.
func (d *device) offer(kind camera.StreamKind, deliver camera.DeliverFunc, seq uint64, at time.Time, planes []frame.Plane) {
	flag := &d.outstanding[kind]
	if !flag.CompareAndSwap(false, true) {
		d.framesDropped.Add(1)
		slog.Debug("camera-gst: previous frame unreleased, dropping", "device", d.id, "stream", kind, "seq", seq)
		return
	}

	f := frame.New(frame.Info{
		Seq:          seq,
		Timestamp:    at,
		Width:        d.pipelineCfg.Width,
		Height:       d.pipelineCfg.Height,
		Format:       frame.FormatI420,
		SourceStream: kind.String(),
	}, planes, func() { flag.Store(false) })

	deliver(f)
}

// DeviceStats returns the device counters. The device is reconnecting
// while a pipeline failure is being retried.
func (d *device) DeviceStats() camera.DeviceStats {
	return camera.DeviceStats{
		Device:       d.id,
		Frames:       d.frameCount.Load(),
		Dropped:      d.framesDropped.Load(),
		BytesRead:    d.bytesRead.Load(),
		Reconnects:   d.reconnect.Reconnects(),
		Reconnecting: d.reconnect.Retrying(),
		Errors: map[string]uint64{
			ErrCategoryNetwork.String(): d.errors.network.Load(),
			ErrCategoryCodec.String():   d.errors.codec.Load(),
			ErrCategoryAuth.String():    d.errors.auth.Load(),
			ErrCategoryDevice.String():  d.errors.device.Load(),
			ErrCategoryUnknown.String(): d.errors.unknown.Load(),
		},
	}
}

// splitI420 slices a contiguous I420 buffer into Y, U and V planes.
func splitI420(data []byte, width, height int) ([]frame.Plane, error) {
	yStride, cStride, ySize, cSize := i420Layout(width, height)
	if len(data) < ySize+2*cSize {
		return nil, fmt.Errorf("I420 buffer too small: %d bytes, need %d for %dx%d",
			len(data), ySize+2*cSize, width, height)
	}
	return []frame.Plane{
		frame.NewPlane(data[:ySize], yStride),
		frame.NewPlane(data[ySize:ySize+cSize], cStride),
		frame.NewPlane(data[ySize+cSize:ySize+2*cSize], cStride),
	}, nil
}
