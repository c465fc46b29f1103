package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// errorCounters counts bus errors per category.
type errorCounters struct {
	network atomic.Uint64
	codec   atomic.Uint64
	auth    atomic.Uint64
	device  atomic.Uint64
	unknown atomic.Uint64
}

func (c *errorCounters) add(category ErrorCategory) {
	switch category {
	case ErrCategoryNetwork:
		c.network.Add(1)
	case ErrCategoryCodec:
		c.codec.Add(1)
	case ErrCategoryAuth:
		c.auth.Add(1)
	case ErrCategoryDevice:
		c.device.Add(1)
	default:
		c.unknown.Add(1)
	}
}

// monitorBus polls the pipeline bus until an error or EOS (returned as an
// error to trigger a restart) or until ctx ends (nil).
func (d *device) monitorBus(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("camera-gst: context cancelled, stopping bus monitor", "device", d.id)
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("camera-gst: end of stream",
				"device", d.id,
				"frames", d.frameCount.Load(),
			)
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			d.errors.add(category)

			slog.Error("camera-gst: pipeline error",
				"device", d.id,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"frames", d.frameCount.Load(),
				"reconnects", d.reconnect.Reconnects(),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				oldState, newState := msg.ParseStateChanged()
				slog.Debug("camera-gst: pipeline state changed", "device", d.id, "from", oldState, "to", newState)
				if newState == gst.StatePlaying {
					d.reconnect.Reset()
				}
			}
		}
	}
}
