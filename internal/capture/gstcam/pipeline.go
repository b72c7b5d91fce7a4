package gstcam

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineElements holds the elements the device needs after construction
type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
}

// createPipeline builds, but does not start, the capture pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter → jpegenc → appsink
func createPipeline(cfg Config) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)
	src.SetProperty("do-timestamp", true)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}

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

	encoder, err := gst.NewElement("jpegenc")
	if err != nil {
		return nil, fmt.Errorf("failed to create jpegenc: %w", err)
	}
	encoder.SetProperty("quality", cfg.JPEGQuality)

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, converter, scaler, videorate, capsfilter, encoder, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, encoder, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	slog.Debug("gstcam: pipeline created",
		"device", cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
		"jpeg_quality", cfg.JPEGQuality,
	)

	return &pipelineElements{Pipeline: pipeline, AppSink: appsink}, nil
}

func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// buildCaps renders raw video caps; fps below 1 becomes a fractional rate
// (0.5 → 1/2).
func buildCaps(width, height int, fps float64) string {
	num, den := 1, 1
	if fps < 1.0 {
		den = int(1.0 / fps)
	} else {
		num = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/%d", width, height, num, den)
}
