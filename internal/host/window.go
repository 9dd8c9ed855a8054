package host

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/chenxiaolong/MirrorMobile/internal/output"
	"github.com/chenxiaolong/MirrorMobile/internal/overlay"
)

// Window is a head unit backed by an X11 window. Mapping the window makes the
// surface available; unmapping or closing it destroys the surface.
type Window struct {
	callbacks

	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext
	format pixmapFormat

	wmProtocols    xproto.Atom
	wmDeleteWindow xproto.Atom

	mu         sync.Mutex
	width      int
	height     int
	dpi        int
	mapped     bool
	mirroring  bool
	overlay    overlay.Screen
	frames     uint64
	lastUpdate time.Time

	done chan struct{}
}

type pixmapFormat struct {
	depth        uint8
	bitsPerPixel uint8
	scanlinePad  uint8
	maxBytes     int
}

// NewWindow connects to the X server and creates an unmapped window
func NewWindow(width, height, dpi int) (*Window, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	w := &Window{
		conn:   conn,
		screen: screen,
		width:  width,
		height: height,
		dpi:    dpi,
		done:   make(chan struct{}),
	}

	w.format = pixmapFormat{
		depth: screen.RootDepth,
		// Request length is in 4 byte units and PutImage has a 24 byte header
		maxBytes: int(setup.MaximumRequestLength)*4 - 24,
	}
	for _, f := range setup.PixmapFormats {
		if f.Depth == screen.RootDepth {
			w.format.bitsPerPixel = f.BitsPerPixel
			w.format.scanlinePad = f.ScanlinePad
			break
		}
	}
	if w.format.bitsPerPixel == 0 {
		conn.Close()
		return nil, fmt.Errorf("no pixmap format for depth %d", screen.RootDepth)
	}

	if err := w.create(); err != nil {
		conn.Close()
		return nil, err
	}

	go w.eventLoop()
	return w, nil
}

func (w *Window) create() error {
	log := logger.WithComponent("host")

	id, err := xproto.NewWindowId(w.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	w.window = id

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}

	if err := xproto.CreateWindowChecked(
		w.conn,
		w.screen.RootDepth,
		w.window,
		w.screen.Root,
		0, 0,
		uint16(w.width), uint16(w.height),
		0,
		xproto.WindowClassInputOutput,
		w.screen.RootVisual,
		mask,
		values,
	).Check(); err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := w.setProperty("_NET_WM_NAME", "UTF8_STRING", "MirrorMobile - Head Unit"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := w.setProperty("WM_CLASS", "STRING", "mirrormobile\x00MirrorMobile\x00"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	// Ask the window manager to tell us about close requests instead of killing the connection
	if w.wmProtocols, err = w.atom("WM_PROTOCOLS"); err == nil {
		if w.wmDeleteWindow, err = w.atom("WM_DELETE_WINDOW"); err == nil {
			data := make([]byte, 4)
			xgb.Put32(data, uint32(w.wmDeleteWindow))
			err = xproto.ChangePropertyChecked(w.conn, xproto.PropModeReplace, w.window,
				w.wmProtocols, xproto.AtomAtom, 32, 1, data).Check()
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to register for window close requests")
	}

	gc, err := xproto.NewGcontextId(w.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	if err := xproto.CreateGCChecked(w.conn, gc, xproto.Drawable(w.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	w.gc = gc

	log.Info().
		Int("width", w.width).
		Int("height", w.height).
		Uint32("window_id", uint32(w.window)).
		Msg("Head unit window created")
	return nil
}

// SetSurfaceCallback implements Host
func (w *Window) SetSurfaceCallback(cb output.SurfaceCallback) {
	w.set(cb)
}

// CreateSurface maps the window at the given size. The surface becomes
// available once the server confirms the map.
func (w *Window) CreateSurface(width, height, dpi int) error {
	if width <= 0 || height <= 0 || dpi <= 0 {
		return fmt.Errorf("invalid surface: %dx%d@%d", width, height, dpi)
	}

	w.mu.Lock()
	w.width, w.height, w.dpi = width, height, dpi
	w.mu.Unlock()

	if err := xproto.ConfigureWindowChecked(w.conn, w.window,
		xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
		[]uint32{uint32(width), uint32(height)}).Check(); err != nil {
		return fmt.Errorf("failed to resize window: %w", err)
	}
	if err := xproto.MapWindowChecked(w.conn, w.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}
	return nil
}

// DestroySurface unmaps the window
func (w *Window) DestroySurface() error {
	w.mu.Lock()
	mapped := w.mapped
	w.mu.Unlock()

	if !mapped {
		return ErrNoSurface
	}
	if err := xproto.UnmapWindowChecked(w.conn, w.window).Check(); err != nil {
		return fmt.Errorf("failed to unmap window: %w", err)
	}
	return nil
}

func (w *Window) eventLoop() {
	defer close(w.done)
	log := logger.WithComponent("host")

	for {
		ev, err := w.conn.WaitForEvent()
		if ev == nil && err == nil {
			log.Debug().Msg("X connection closed")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("X error")
			continue
		}

		switch e := ev.(type) {
		case xproto.MapNotifyEvent:
			w.mu.Lock()
			w.mapped = true
			surface := w.surfaceLocked()
			w.mu.Unlock()
			w.available(surface)

		case xproto.UnmapNotifyEvent, xproto.DestroyNotifyEvent:
			w.mu.Lock()
			w.mapped = false
			w.mu.Unlock()
			w.destroyed()

		case xproto.ConfigureNotifyEvent:
			w.mu.Lock()
			resized := int(e.Width) != w.width || int(e.Height) != w.height
			w.width, w.height = int(e.Width), int(e.Height)
			mapped := w.mapped
			surface := w.surfaceLocked()
			w.mu.Unlock()

			// A new size is a new surface
			if resized && mapped {
				w.destroyed()
				w.available(surface)
			}

		case xproto.ExposeEvent:
			if e.Count == 0 {
				w.redraw()
			}

		case xproto.ClientMessageEvent:
			if e.Type == w.wmProtocols && xproto.Atom(e.Data.Data32[0]) == w.wmDeleteWindow {
				log.Info().Msg("Head unit window closed")
				if err := w.DestroySurface(); err != nil {
					log.Debug().Err(err).Msg("Window was not mapped")
				}
			}
		}
	}
}

func (w *Window) surfaceLocked() output.Surface {
	return output.Surface{Width: w.width, Height: w.height, DPI: w.dpi, Target: w}
}

// WriteFrame implements output.Target
func (w *Window) WriteFrame(frame *image.RGBA) error {
	w.mu.Lock()
	w.mirroring = true
	w.frames++
	w.lastUpdate = time.Now()
	w.mu.Unlock()

	return w.putImage(frame)
}

// Name implements output.Target and Host
func (w *Window) Name() string {
	return "x11-window"
}

// ShowScreen implements Host
func (w *Window) ShowScreen(s overlay.Screen) {
	w.mu.Lock()
	w.overlay = s
	w.mirroring = false
	w.mu.Unlock()

	w.redraw()
}

// redraw draws the template unless frames are being mirrored
func (w *Window) redraw() {
	w.mu.Lock()
	if w.mirroring || !w.mapped {
		w.mu.Unlock()
		return
	}
	screen := w.overlay
	width, height := w.width, w.height
	w.mu.Unlock()

	if err := w.putImage(overlay.Render(screen, width, height)); err != nil {
		logger.WithComponent("host").Warn().Err(err).Msg("Failed to draw screen template")
	}
}

// Stats implements Host
func (w *Window) Stats() output.Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.mapped {
		return output.Stats{}
	}
	return output.Stats{Frames: w.frames, LastUpdate: w.lastUpdate, Width: w.width, Height: w.height}
}

// putImage uploads img in as many PutImage requests as the server's request
// size limit requires
func (w *Window) putImage(img *image.RGBA) error {
	data, stride, err := encodeZPixmap(img, w.format)
	if err != nil {
		return err
	}

	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	rowsPerRequest := w.format.maxBytes / stride
	if rowsPerRequest < 1 {
		return fmt.Errorf("image row of %d bytes exceeds the request size limit", stride)
	}

	for y := 0; y < height; y += rowsPerRequest {
		rows := rowsPerRequest
		if y+rows > height {
			rows = height - y
		}
		if err := xproto.PutImageChecked(
			w.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(w.window),
			w.gc,
			uint16(width), uint16(rows),
			0, int16(y),
			0,
			w.format.depth,
			data[y*stride:(y+rows)*stride],
		).Check(); err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// encodeZPixmap converts img to the server's ZPixmap layout with padded rows
func encodeZPixmap(img *image.RGBA, f pixmapFormat) ([]byte, int, error) {
	bytesPerPixel := int(f.bitsPerPixel) / 8
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return nil, 0, fmt.Errorf("unsupported bits per pixel: %d", f.bitsPerPixel)
	}

	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	padBytes := int(f.scanlinePad) / 8
	if padBytes == 0 {
		padBytes = 1
	}
	stride := (width*bytesPerPixel + padBytes - 1) / padBytes * padBytes

	data := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+width*4]
		dst := data[y*stride:]
		for x := 0; x < width; x++ {
			s := src[x*4 : x*4+4]
			d := dst[x*bytesPerPixel:]
			d[0], d[1], d[2] = s[2], s[1], s[0]
			if bytesPerPixel == 4 && f.depth == 32 {
				d[3] = s[3]
			}
		}
	}
	return data, stride, nil
}

func (w *Window) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(w.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}

func (w *Window) setProperty(name, typeName, value string) error {
	prop, err := w.atom(name)
	if err != nil {
		return err
	}
	typ, err := w.atom(typeName)
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(w.conn, xproto.PropModeReplace, w.window,
		prop, typ, 8, uint32(len(value)), []byte(value)).Check()
}

// Close destroys the window and closes the connection
func (w *Window) Close() error {
	xproto.FreeGC(w.conn, w.gc)
	xproto.DestroyWindow(w.conn, w.window)
	w.conn.Sync()
	w.conn.Close()
	<-w.done

	logger.WithComponent("host").Info().Msg("Head unit window closed")
	return nil
}
