package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wan-ghuan/camerax/internal/frame"
)

// Pattern returns the luminance plane (width*height bytes) for a frame.
type Pattern func(kind StreamKind, seq uint64) []byte

// SyntheticConfig configures the synthetic camera.
type SyntheticConfig struct {
	Width  int
	Height int
	// FPS paces each stream. Zero delivers the next frame as soon as the
	// previous one is released.
	FPS float64
	// MaxFrames limits frames per stream; zero means unlimited.
	MaxFrames int
	// Pattern generates frame content. Defaults to a moving gradient.
	Pattern Pattern
}

// SyntheticStats counts provider activity across all of its devices.
type SyntheticStats struct {
	Acquired  uint64
	Held      int
	Delivered map[StreamKind]uint64
	Released  map[StreamKind]uint64
}

// SyntheticProvider generates frames without camera hardware.
type SyntheticProvider struct {
	cfg    SyntheticConfig
	claims *Claims

	mu         sync.Mutex
	openErr    map[StreamKind]error
	pictureErr error
	acquireErr error

	acquired  atomic.Uint64
	delivered [3]atomic.Uint64
	released  [3]atomic.Uint64
}

// NewSyntheticProvider creates a synthetic provider.
func NewSyntheticProvider(cfg SyntheticConfig) *SyntheticProvider {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = Res480p.Dimensions()
	}
	if cfg.Pattern == nil {
		cfg.Pattern = GradientPattern(cfg.Width, cfg.Height)
	}
	return &SyntheticProvider{
		cfg:     cfg,
		claims:  NewClaims(),
		openErr: make(map[StreamKind]error),
	}
}

// GradientPattern is a horizontal gradient that shifts with each frame.
func GradientPattern(width, height int) Pattern {
	return func(_ StreamKind, seq uint64) []byte {
		data := make([]byte, width*height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data[y*width+x] = byte((x*256/width + int(seq)*4) % 256)
			}
		}
		return data
	}
}

// FailOpen makes OpenStream of kind fail with err; nil clears it.
func (p *SyntheticProvider) FailOpen(kind StreamKind, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.openErr, kind)
		return
	}
	p.openErr[kind] = err
}

// FailAcquire makes Acquire fail with err; nil clears it.
func (p *SyntheticProvider) FailAcquire(err error) {
	p.mu.Lock()
	p.acquireErr = err
	p.mu.Unlock()
}

// FailPicture makes TakePicture fail with err; nil clears it.
func (p *SyntheticProvider) FailPicture(err error) {
	p.mu.Lock()
	p.pictureErr = err
	p.mu.Unlock()
}

// Stats returns a snapshot of provider counters.
func (p *SyntheticProvider) Stats() SyntheticStats {
	stats := SyntheticStats{
		Acquired:  p.acquired.Load(),
		Held:      p.claims.Count(),
		Delivered: make(map[StreamKind]uint64),
		Released:  make(map[StreamKind]uint64),
	}
	for _, k := range []StreamKind{StreamPreview, StreamAnalysis, StreamStill} {
		stats.Delivered[k] = p.delivered[k].Load()
		stats.Released[k] = p.released[k].Load()
	}
	return stats
}

// Acquire claims the synthetic device for sel.
func (p *SyntheticProvider) Acquire(ctx context.Context, sel Selector) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	injected := p.acquireErr
	p.mu.Unlock()
	if injected != nil {
		return nil, fmt.Errorf("camera: acquire %s: %w", sel, injected)
	}

	id := "synthetic:" + sel.String()
	if err := p.claims.Claim(id); err != nil {
		return nil, err
	}
	p.acquired.Add(1)

	slog.Info("camera: synthetic device acquired",
		"device", id,
		"resolution", fmt.Sprintf("%dx%d", p.cfg.Width, p.cfg.Height),
		"fps", p.cfg.FPS,
	)

	return &syntheticDevice{
		provider: p,
		id:       id,
		streams:  make(map[StreamKind]*syntheticStream),
	}, nil
}

type syntheticStream struct {
	kind    StreamKind
	deliver DeliverFunc
	stop    chan struct{}
	done    chan struct{}
}

type syntheticDevice struct {
	provider *SyntheticProvider
	id       string

	mu      sync.Mutex
	streams map[StreamKind]*syntheticStream
	closed  bool

	stillSeq atomic.Uint64
	frames   atomic.Uint64
	bytes    atomic.Uint64
}

func (d *syntheticDevice) ID() string { return d.id }

func (d *syntheticDevice) DeviceStats() DeviceStats {
	return DeviceStats{
		Device:    d.id,
		Frames:    d.frames.Load(),
		BytesRead: d.bytes.Load(),
	}
}

func (d *syntheticDevice) count(f *frame.Frame) {
	d.frames.Add(1)
	for _, pl := range f.Planes {
		d.bytes.Add(uint64(pl.Len()))
	}
}

func (d *syntheticDevice) OpenStream(kind StreamKind, deliver DeliverFunc) error {
	d.provider.mu.Lock()
	injected := d.provider.openErr[kind]
	d.provider.mu.Unlock()
	if injected != nil {
		return fmt.Errorf("camera: open %s stream on %s: %w", kind, d.id, injected)
	}

	if kind != StreamStill && deliver == nil {
		return fmt.Errorf("camera: %s stream requires a deliver func", kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if _, ok := d.streams[kind]; ok {
		return fmt.Errorf("%w: %s", ErrStreamOpen, kind)
	}

	st := &syntheticStream{
		kind:    kind,
		deliver: deliver,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.streams[kind] = st

	if kind == StreamStill {
		close(st.done)
	} else {
		go d.generate(st)
	}

	slog.Debug("camera: stream opened", "device", d.id, "stream", kind)
	return nil
}

// generate delivers frames on one stream, waiting for each release before
// producing the next.
func (d *syntheticDevice) generate(st *syntheticStream) {
	defer close(st.done)

	cfg := d.provider.cfg
	var tick <-chan time.Time
	if cfg.FPS > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.FPS))
		defer ticker.Stop()
		tick = ticker.C
	}

	for seq := uint64(1); cfg.MaxFrames == 0 || seq <= uint64(cfg.MaxFrames); seq++ {
		if tick != nil {
			select {
			case <-tick:
			case <-st.stop:
				return
			}
		}

		released := make(chan struct{})
		f := frame.NewGray(frame.Info{
			Seq:          seq,
			Timestamp:    time.Now(),
			Width:        cfg.Width,
			Height:       cfg.Height,
			SourceStream: st.kind.String(),
		}, cfg.Pattern(st.kind, seq), func() {
			d.provider.released[st.kind].Add(1)
			close(released)
		})

		d.provider.delivered[st.kind].Add(1)
		d.count(f)
		st.deliver(f)

		select {
		case <-released:
		case <-st.stop:
			return
		}
	}

	slog.Debug("camera: synthetic stream exhausted", "device", d.id, "stream", st.kind, "frames", cfg.MaxFrames)
}

func (d *syntheticDevice) CloseStream(kind StreamKind) error {
	d.mu.Lock()
	st, ok := d.streams[kind]
	if ok {
		delete(d.streams, kind)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotOpen, kind)
	}

	close(st.stop)
	<-st.done
	slog.Debug("camera: stream closed", "device", d.id, "stream", kind)
	return nil
}

func (d *syntheticDevice) TakePicture(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	closed := d.closed
	_, still := d.streams[StreamStill]
	d.mu.Unlock()

	if closed {
		return nil, ErrDeviceClosed
	}
	if !still {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotOpen, StreamStill)
	}

	d.provider.mu.Lock()
	injected := d.provider.pictureErr
	d.provider.mu.Unlock()
	if injected != nil {
		return nil, fmt.Errorf("camera: take picture on %s: %w", d.id, injected)
	}

	cfg := d.provider.cfg
	seq := d.stillSeq.Add(1)
	d.provider.delivered[StreamStill].Add(1)
	f := frame.NewGray(frame.Info{
		Seq:          seq,
		Timestamp:    time.Now(),
		Width:        cfg.Width,
		Height:       cfg.Height,
		SourceStream: StreamStill.String(),
	}, cfg.Pattern(StreamStill, seq), func() {
		d.provider.released[StreamStill].Add(1)
	})
	d.count(f)
	return f, nil
}

func (d *syntheticDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	streams := d.streams
	d.streams = make(map[StreamKind]*syntheticStream)
	d.mu.Unlock()

	for _, st := range streams {
		close(st.stop)
		<-st.done
	}

	d.provider.claims.Release(d.id)
	slog.Info("camera: synthetic device released", "device", d.id)
	return nil
}
