package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/chenxiaolong/MirrorMobile/internal/output"
	"golang.org/x/image/draw"
)

// maxCaptureFailures is how many consecutive source errors end the session
const maxCaptureFailures = 5

// VirtualDisplay pumps frames from a Source into the attached render target.
// The target can be swapped or detached while the display keeps running.
type VirtualDisplay struct {
	name      string
	source    Source
	interval  time.Duration
	onFrame   func()
	onFailure func(error)

	mu     sync.Mutex
	width  int
	height int
	dpi    int
	target output.Target

	stopChan    chan struct{}
	done        chan struct{}
	releaseOnce sync.Once
}

// NewVirtualDisplay creates the display and starts its update loop.
// onFailure is called from the update loop if the source keeps failing; the
// loop has exited by then.
func NewVirtualDisplay(name string, fps int, source Source, onFrame func(), onFailure func(error)) *VirtualDisplay {
	if fps <= 0 {
		fps = 15
	}

	d := &VirtualDisplay{
		name:      name,
		source:    source,
		interval:  time.Second / time.Duration(fps),
		onFrame:   onFrame,
		onFailure: onFailure,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	go d.updateLoop()
	return d
}

// SetTarget attaches (or replaces) the render target and its dimensions
func (d *VirtualDisplay) SetTarget(width, height, dpi int, target output.Target) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.width = width
	d.height = height
	d.dpi = dpi
	d.target = target

	logger.WithComponent("virtual-display").Debug().
		Str("display", d.name).
		Int("width", width).
		Int("height", height).
		Int("dpi", dpi).
		Str("target", target.Name()).
		Msg("Render target attached")
}

// Detach removes the render target without stopping the display
func (d *VirtualDisplay) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.target != nil {
		logger.WithComponent("virtual-display").Debug().
			Str("display", d.name).
			Str("target", d.target.Name()).
			Msg("Render target detached")
	}
	d.target = nil
}

// HasTarget reports whether a render target is attached
func (d *VirtualDisplay) HasTarget() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target != nil
}

// Release stops the update loop and waits for it to exit
func (d *VirtualDisplay) Release() {
	d.releaseOnce.Do(func() {
		close(d.stopChan)
	})
	<-d.done
}

// updateLoop renders one frame per interval until released
func (d *VirtualDisplay) updateLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log := logger.WithComponent("virtual-display")
	log.Info().
		Str("display", d.name).
		Str("source", d.source.Name()).
		Dur("interval", d.interval).
		Msg("Virtual display update loop started")

	failures := 0
	for {
		select {
		case <-d.stopChan:
			log.Info().Str("display", d.name).Msg("Virtual display released")
			return
		case <-ticker.C:
			if err := d.renderFrame(); err != nil {
				failures++
				log.Warn().Err(err).Int("failures", failures).Msg("Failed to render frame")
				if failures >= maxCaptureFailures {
					if d.onFailure != nil {
						d.onFailure(fmt.Errorf("capture source %s failed: %w", d.source.Name(), err))
					}
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// renderFrame captures one frame and writes it to the target, if any
func (d *VirtualDisplay) renderFrame() error {
	d.mu.Lock()
	target := d.target
	width, height := d.width, d.height
	d.mu.Unlock()

	if target == nil {
		return nil
	}

	frame, err := d.source.Capture()
	if err != nil {
		return err
	}

	if err := target.WriteFrame(Fit(frame, width, height)); err != nil {
		return fmt.Errorf("failed to write frame to %s: %w", target.Name(), err)
	}

	if d.onFrame != nil {
		d.onFrame()
	}
	return nil
}

// Fit scales src into a width x height frame, preserving the aspect ratio and
// centering it on a black background.
func Fit(src *image.RGBA, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	bounds := src.Bounds()
	if bounds.Empty() {
		return dst
	}

	scaleX := float64(width) / float64(bounds.Dx())
	scaleY := float64(height) / float64(bounds.Dy())
	scale := scaleX
	if scaleY < scaleX {
		scale = scaleY
	}

	dstWidth := int(float64(bounds.Dx()) * scale)
	dstHeight := int(float64(bounds.Dy()) * scale)
	offsetX := (width - dstWidth) / 2
	offsetY := (height - dstHeight) / 2

	dstRect := image.Rect(offsetX, offsetY, offsetX+dstWidth, offsetY+dstHeight)
	draw.ApproxBiLinear.Scale(dst, dstRect, src, bounds, draw.Src, nil)
	return dst
}
