package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wan-ghuan/camerax/internal/frame"
)

func TestAcquireIsExclusive(t *testing.T) {
	p := NewSyntheticProvider(SyntheticConfig{Width: 4, Height: 1})
	ctx := context.Background()

	d, err := p.Acquire(ctx, DefaultSelector)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if _, err := p.Acquire(ctx, DefaultSelector); !errors.Is(err, ErrInUse) {
		t.Errorf("Expected ErrInUse, got %v", err)
	}

	front, err := p.Acquire(ctx, Selector{Facing: FacingFront})
	if err != nil {
		t.Fatalf("Front camera should be independent: %v", err)
	}
	front.Close()

	d.Close()
	d2, err := p.Acquire(ctx, DefaultSelector)
	if err != nil {
		t.Fatalf("Acquire after Close failed: %v", err)
	}
	d2.Close()

	if got := p.Stats().Acquired; got != 3 {
		t.Errorf("Expected 3 acquisitions, got %d", got)
	}
}

// TestStreamHoldsUntilRelease verifies the next frame waits for the previous
// frame to be closed.
func TestStreamHoldsUntilRelease(t *testing.T) {
	p := NewSyntheticProvider(SyntheticConfig{Width: 2, Height: 1, MaxFrames: 3})
	d, _ := p.Acquire(context.Background(), DefaultSelector)
	defer d.Close()

	frames := make(chan *frame.Frame, 10)
	if err := d.OpenStream(StreamAnalysis, func(f *frame.Frame) { frames <- f }); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	first := <-frames
	select {
	case f := <-frames:
		t.Fatalf("Frame %d delivered before frame %d was released", f.Seq, first.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	first.Close()
	for want := uint64(2); want <= 3; want++ {
		select {
		case f := <-frames:
			if f.Seq != want {
				t.Errorf("Expected seq %d, got %d", want, f.Seq)
			}
			f.Close()
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for frame %d", want)
		}
	}

	select {
	case f := <-frames:
		t.Fatalf("Unexpected frame %d beyond MaxFrames", f.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	stats := p.Stats()
	if stats.Delivered[StreamAnalysis] != 3 || stats.Released[StreamAnalysis] != 3 {
		t.Errorf("Expected 3 delivered/3 released, got %+v", stats)
	}
}

func TestPatternDrivesContent(t *testing.T) {
	p := NewSyntheticProvider(SyntheticConfig{
		Width: 3, Height: 1, MaxFrames: 1,
		Pattern: func(_ StreamKind, seq uint64) []byte { return []byte{7, 8, 9} },
	})
	d, _ := p.Acquire(context.Background(), DefaultSelector)
	defer d.Close()

	got := make(chan []byte, 1)
	d.OpenStream(StreamPreview, func(f *frame.Frame) {
		got <- append([]byte(nil), f.Luminance().Bytes()...)
		f.Close()
	})

	select {
	case data := <-got:
		if string(data) != string([]byte{7, 8, 9}) {
			t.Errorf("Unexpected plane %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for frame")
	}
}

func TestOpenStreamErrors(t *testing.T) {
	p := NewSyntheticProvider(SyntheticConfig{Width: 1, Height: 1})
	d, _ := p.Acquire(context.Background(), DefaultSelector)
	discard := func(f *frame.Frame) { f.Close() }

	if err := d.OpenStream(StreamPreview, nil); err == nil {
		t.Error("Expected error for nil deliver on preview stream")
	}
	if err := d.OpenStream(StreamPreview, discard); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if err := d.OpenStream(StreamPreview, discard); !errors.Is(err, ErrStreamOpen) {
		t.Errorf("Expected ErrStreamOpen, got %v", err)
	}
	if err := d.CloseStream(StreamAnalysis); !errors.Is(err, ErrStreamNotOpen) {
		t.Errorf("Expected ErrStreamNotOpen, got %v", err)
	}

	injected := errors.New("sensor fault")
	p.FailOpen(StreamAnalysis, injected)
	if err := d.OpenStream(StreamAnalysis, discard); !errors.Is(err, injected) {
		t.Errorf("Expected injected error, got %v", err)
	}
	p.FailOpen(StreamAnalysis, nil)
	if err := d.OpenStream(StreamAnalysis, discard); err != nil {
		t.Errorf("OpenStream after clearing fault failed: %v", err)
	}

	d.Close()
	if err := d.OpenStream(StreamStill, nil); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Expected ErrDeviceClosed, got %v", err)
	}
	if p.Stats().Held != 0 {
		t.Error("Expected claim released after Close")
	}
}

func TestTakePicture(t *testing.T) {
	p := NewSyntheticProvider(SyntheticConfig{Width: 4, Height: 2})
	d, _ := p.Acquire(context.Background(), DefaultSelector)
	defer d.Close()
	ctx := context.Background()

	if _, err := d.TakePicture(ctx); !errors.Is(err, ErrStreamNotOpen) {
		t.Errorf("Expected ErrStreamNotOpen without still stream, got %v", err)
	}

	if err := d.OpenStream(StreamStill, nil); err != nil {
		t.Fatalf("OpenStream still failed: %v", err)
	}

	f, err := d.TakePicture(ctx)
	if err != nil {
		t.Fatalf("TakePicture failed: %v", err)
	}
	if f.Width != 4 || f.Height != 2 || f.Luminance().Len() != 8 {
		t.Errorf("Unexpected picture %dx%d (%d bytes)", f.Width, f.Height, f.Luminance().Len())
	}
	f.Close()

	p.FailPicture(errors.New("busy"))
	if _, err := d.TakePicture(ctx); err == nil {
		t.Error("Expected injected picture error")
	}

	if r := p.Stats().Released[StreamStill]; r != 1 {
		t.Errorf("Expected 1 still release, got %d", r)
	}
}

func TestFailAcquire(t *testing.T) {
	p := NewSyntheticProvider(SyntheticConfig{Width: 2, Height: 1})
	ctx := context.Background()
	boom := errors.New("camera service unavailable")

	p.FailAcquire(boom)
	if _, err := p.Acquire(ctx, DefaultSelector); !errors.Is(err, boom) {
		t.Fatalf("Expected injected acquire error, got %v", err)
	}
	if p.Stats().Held != 0 {
		t.Error("Failed acquire should not hold a claim")
	}

	p.FailAcquire(nil)
	d, err := p.Acquire(ctx, DefaultSelector)
	if err != nil {
		t.Fatalf("Acquire after clearing failure: %v", err)
	}
	d.Close()
}

func TestSyntheticDeviceStats(t *testing.T) {
	p := NewSyntheticProvider(SyntheticConfig{Width: 4, Height: 2, MaxFrames: 2})
	d, _ := p.Acquire(context.Background(), DefaultSelector)
	defer d.Close()

	sr, ok := d.(StatsReporter)
	if !ok {
		t.Fatal("Synthetic device should report stats")
	}

	done := make(chan struct{})
	var n int
	if err := d.OpenStream(StreamAnalysis, func(f *frame.Frame) {
		f.Close()
		n++
		if n == 2 {
			close(done)
		}
	}); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for frames")
	}

	stats := sr.DeviceStats()
	if stats.Device != "synthetic:rear" || stats.Frames != 2 || stats.BytesRead != 16 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.Reconnecting {
		t.Error("Synthetic device never reconnects")
	}
}

func TestParseHelpers(t *testing.T) {
	if f, err := ParseFacing("front"); err != nil || f != FacingFront {
		t.Errorf("ParseFacing(front) = %v, %v", f, err)
	}
	if f, err := ParseFacing(""); err != nil || f != FacingBack {
		t.Errorf("ParseFacing(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFacing("sideways"); err == nil {
		t.Error("Expected error for unknown facing")
	}

	tests := []struct {
		in   string
		w, h int
	}{
		{"480p", 640, 480},
		{"720p", 1280, 720},
		{"1080p", 1920, 1080},
	}
	for _, tt := range tests {
		r, err := ParseResolution(tt.in)
		if err != nil {
			t.Fatalf("ParseResolution(%q) failed: %v", tt.in, err)
		}
		if w, h := r.Dimensions(); w != tt.w || h != tt.h {
			t.Errorf("%s: got %dx%d, want %dx%d", tt.in, w, h, tt.w, tt.h)
		}
		if r.String() != tt.in {
			t.Errorf("String() = %s, want %s", r.String(), tt.in)
		}
	}

	if s := (Selector{DeviceID: "/dev/video2"}).String(); s != "/dev/video2" {
		t.Errorf("Selector with device id should print it, got %s", s)
	}
}
