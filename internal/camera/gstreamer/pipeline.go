package gstreamer

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// SourceKind selects the GStreamer source element.
type SourceKind string

const (
	// SourceV4L2 captures from a local video4linux device.
	SourceV4L2 SourceKind = "v4l2"
	// SourceRTSP captures from an H.264 RTSP stream.
	SourceRTSP SourceKind = "rtsp"
	// SourceTest uses videotestsrc.
	SourceTest SourceKind = "test"
)

// Source describes where a camera's frames come from.
type Source struct {
	Kind   SourceKind
	Device string // v4l2 device node, e.g. /dev/video0
	URL    string // rtsp URL
}

// ID names the hardware handle behind the source.
func (s Source) ID() string {
	switch s.Kind {
	case SourceV4L2:
		return s.Device
	case SourceRTSP:
		return s.URL
	case SourceTest:
		return "videotestsrc"
	default:
		return ""
	}
}

// Validate checks the source carries what its kind needs.
func (s Source) Validate() error {
	switch s.Kind {
	case SourceV4L2:
		if s.Device == "" {
			return fmt.Errorf("camera-gst: v4l2 source requires a device")
		}
	case SourceRTSP:
		if !strings.HasPrefix(s.URL, "rtsp://") && !strings.HasPrefix(s.URL, "rtsps://") {
			return fmt.Errorf("camera-gst: invalid RTSP URL %q", s.URL)
		}
	case SourceTest:
	default:
		return fmt.Errorf("camera-gst: unknown source kind %q", s.Kind)
	}
	return nil
}

// pipelineConfig configures one capture pipeline.
type pipelineConfig struct {
	Source Source
	Width  int
	Height int
	FPS    float64
}

// pipelineElements keeps references needed for callbacks and teardown.
type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
}

var initOnce sync.Once

func initGStreamer() {
	initOnce.Do(func() { gst.Init(nil) })
}

// checkAvailable verifies GStreamer can create elements.
func checkAvailable() error {
	initGStreamer()
	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

// createPipeline builds, but does not start, a capture pipeline:
//
//	<source> → videoconvert → videoscale → videorate → capsfilter(I420) → appsink
//
// Sources with dynamic pads (rtspsrc, decodebin) are linked on pad-added.
func createPipeline(cfg pipelineConfig) (*pipelineElements, error) {
	initGStreamer()

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Width, cfg.Height, cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	head, err := addSource(pipeline, cfg.Source, converter)
	if err != nil {
		return nil, err
	}

	if err := pipeline.AddMany(converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}
	if head != nil {
		if err := head.Link(converter); err != nil {
			return nil, fmt.Errorf("failed to link source: %w", err)
		}
	}

	slog.Debug("camera-gst: pipeline created",
		"source", cfg.Source.Kind,
		"id", cfg.Source.ID(),
		"caps", buildCaps(cfg.Width, cfg.Height, cfg.FPS),
	)

	return &pipelineElements{Pipeline: pipeline, AppSink: appsink}, nil
}

// addSource adds the source elements. It returns the element to statically
// link into converter, or nil when linking happens on pad-added.
func addSource(pipeline *gst.Pipeline, src Source, converter *gst.Element) (*gst.Element, error) {
	switch src.Kind {
	case SourceTest:
		testsrc, err := gst.NewElement("videotestsrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create videotestsrc: %w", err)
		}
		testsrc.SetProperty("is-live", true)
		if err := pipeline.Add(testsrc); err != nil {
			return nil, fmt.Errorf("failed to add videotestsrc: %w", err)
		}
		return testsrc, nil

	case SourceV4L2:
		v4l2src, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		v4l2src.SetProperty("device", src.Device)

		// Webcams emit raw YUY2 or MJPEG depending on mode; decodebin handles both.
		decoder, err := gst.NewElement("decodebin")
		if err != nil {
			return nil, fmt.Errorf("failed to create decodebin: %w", err)
		}
		if err := pipeline.AddMany(v4l2src, decoder); err != nil {
			return nil, fmt.Errorf("failed to add v4l2 source: %w", err)
		}
		if err := v4l2src.Link(decoder); err != nil {
			return nil, fmt.Errorf("failed to link v4l2src to decodebin: %w", err)
		}
		decoder.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			onPadAdded(srcPad, converter)
		})
		return nil, nil

	case SourceRTSP:
		rtspsrc, err := gst.NewElement("rtspsrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create rtspsrc: %w", err)
		}
		rtspsrc.SetProperty("location", src.URL)
		rtspsrc.SetProperty("protocols", 4) // TCP only
		rtspsrc.SetProperty("latency", 200)

		depay, err := gst.NewElement("rtph264depay")
		if err != nil {
			return nil, fmt.Errorf("failed to create rtph264depay: %w", err)
		}
		depay.SetProperty("request-keyframe", true)

		decoder, err := gst.NewElement("avdec_h264")
		if err != nil {
			return nil, fmt.Errorf("failed to create avdec_h264: %w", err)
		}
		decoder.SetProperty("max-threads", 0)
		decoder.SetProperty("output-corrupt", false)

		if err := pipeline.AddMany(rtspsrc, depay, decoder); err != nil {
			return nil, fmt.Errorf("failed to add rtsp source: %w", err)
		}
		if err := depay.Link(decoder); err != nil {
			return nil, fmt.Errorf("failed to link rtph264depay to decoder: %w", err)
		}
		rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			onPadAdded(srcPad, depay)
		})
		return decoder, nil

	default:
		return nil, fmt.Errorf("camera-gst: unknown source kind %q", src.Kind)
	}
}

// onPadAdded links a dynamic source pad to sinkElement's sink pad.
func onPadAdded(srcPad *gst.Pad, sinkElement *gst.Element) {
	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("camera-gst: sink pad not found", "element", sinkElement.GetName())
		return
	}
	if sinkPad.IsLinked() {
		slog.Debug("camera-gst: sink pad already linked, ignoring pad", "pad", srcPad.GetName())
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("camera-gst: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("camera-gst: pads linked", "src_pad", srcPad.GetName(), "sink_pad", sinkPad.GetName())
}

// destroyPipeline moves the pipeline to NULL, releasing the device.
func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// buildCaps returns I420 caps with a framerate constraint. Fractional rates
// below 1 fps become 1/N.
func buildCaps(width, height int, fps float64) string {
	numerator, denominator := 1, 1
	switch {
	case fps <= 0:
		return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d", width, height)
	case fps < 1.0:
		denominator = int(1.0 / fps)
	default:
		numerator = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/%d",
		width, height, numerator, denominator)
}

// i420Layout returns plane strides and sizes as GStreamer lays out I420:
// the Y stride is rounded up to 4, chroma stride is ceil(width/2) rounded up to 4.
func i420Layout(width, height int) (yStride, cStride, ySize, cSize int) {
	yStride = roundUp4(width)
	cStride = roundUp4((width + 1) / 2)
	ySize = yStride * roundUp2(height)
	cSize = cStride * (roundUp2(height) / 2)
	return
}

func roundUp4(n int) int { return (n + 3) &^ 3 }
func roundUp2(n int) int { return (n + 1) &^ 1 }
