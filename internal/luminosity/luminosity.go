// Package luminosity computes the average luminance of camera frames.
package luminosity

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wan-ghuan/camerax/internal/frame"
)

// ErrEmptyPlane is returned for frames whose luminance plane has no bytes.
var ErrEmptyPlane = errors.New("luminosity: empty luminance plane")

// Metric is the truncated integer mean of the luminance bytes, in [0, 255].
type Metric int

// Listener receives one metric per analyzed frame.
type Listener func(Metric)

// Compute seeks r back to its start and returns the mean of every byte,
// each read as an unsigned value.
func Compute(r io.ReadSeeker) (Metric, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("luminosity: rewind plane: %w", err)
	}

	var (
		sum   uint64
		count uint64
		buf   [4096]byte
	)
	for {
		n, err := r.Read(buf[:])
		for _, b := range buf[:n] {
			sum += uint64(b)
		}
		count += uint64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("luminosity: read plane: %w", err)
		}
	}

	if count == 0 {
		return 0, ErrEmptyPlane
	}
	return Metric(sum / count), nil
}

// Analyzer turns frames into luminosity metrics.
type Analyzer struct {
	listener Listener
}

// NewAnalyzer creates an analyzer reporting to listener. A nil listener
// discards metrics.
func NewAnalyzer(listener Listener) *Analyzer {
	if listener == nil {
		listener = func(Metric) {}
	}
	return &Analyzer{listener: listener}
}

// Analyze computes the frame metric and hands it to the listener. The frame
// is always closed before Analyze returns, including when the listener panics;
// a listener panic is returned as an error.
func (a *Analyzer) Analyze(f *frame.Frame) (err error) {
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	metric, err := Compute(f.Luminance().Reader())
	if err != nil {
		return fmt.Errorf("frame %d: %w", f.Seq, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("luminosity: listener panic on frame %d: %v", f.Seq, r)
		}
	}()

	slog.Debug("luminosity: Average luminosity",
		"value", int(metric),
		"seq", f.Seq,
		"trace_id", f.TraceID,
	)
	a.listener(metric)
	return nil
}
