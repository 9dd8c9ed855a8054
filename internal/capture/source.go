package capture

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/chenxiaolong/MirrorMobile/internal/config"
	"github.com/chenxiaolong/MirrorMobile/internal/logger"
)

// OpenSource opens the capture backend named in the config
func OpenSource(name string) (Source, error) {
	log := logger.WithComponent("capture-source")

	switch name {
	case config.SourceX11:
		src, err := NewX11Source()
		if err != nil {
			return nil, fmt.Errorf("X11 capture not available: %w", err)
		}
		log.Info().Msg("X11 capture source opened")
		return src, nil
	case config.SourcePattern:
		log.Info().Msg("Test pattern capture source opened")
		return NewPatternSource(1280, 720), nil
	default:
		return nil, fmt.Errorf("unknown capture source: %s", name)
	}
}

// PatternSource produces a moving color bar pattern. It needs no display
// server, which makes it useful for headless runs.
type PatternSource struct {
	width  int
	height int
	start  time.Time

	mu     sync.Mutex
	closed bool
}

// NewPatternSource creates a test pattern source
func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{width: width, height: height, start: time.Now()}
}

var patternColors = []color.RGBA{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
}

// Capture renders the current pattern frame
func (p *PatternSource) Capture() (*image.RGBA, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("pattern source closed")
	}

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	barWidth := p.width / len(patternColors)
	if barWidth == 0 {
		barWidth = 1
	}
	shift := int(time.Since(p.start)/(100*time.Millisecond)) % p.width

	for x := 0; x < p.width; x++ {
		c := patternColors[((x+shift)%p.width/barWidth)%len(patternColors)]
		for y := 0; y < p.height; y++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = c.R
			img.Pix[i+1] = c.G
			img.Pix[i+2] = c.B
			img.Pix[i+3] = c.A
		}
	}
	return img, nil
}

// Close stops the source
func (p *PatternSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Name returns the source name
func (p *PatternSource) Name() string {
	return "pattern"
}
