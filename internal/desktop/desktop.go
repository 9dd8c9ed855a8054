// Package desktop talks to the freedesktop session services that back the
// capture service's wake lock and persistent notification
package desktop

import (
	"fmt"
	"sync"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/godbus/dbus/v5"
)

const (
	screenSaverService = "org.freedesktop.ScreenSaver"
	screenSaverPath    = "/org/freedesktop/ScreenSaver"

	notificationsService = "org.freedesktop.Notifications"
	notificationsPath    = "/org/freedesktop/Notifications"

	appName = "MirrorMobile"
)

// Session is a session bus connection shared by the wake lock and notifier
type Session struct {
	conn *dbus.Conn
}

// Connect opens the session bus
func Connect() (*Session, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Close closes the bus connection
func (s *Session) Close() error {
	return s.conn.Close()
}

// WakeLock inhibits the screen saver while held
func (s *Session) WakeLock() *ScreenSaverInhibitor {
	return &ScreenSaverInhibitor{obj: s.conn.Object(screenSaverService, screenSaverPath)}
}

// Notifier shows the persistent mirroring notification
func (s *Session) Notifier() *Notifier {
	return &Notifier{obj: s.conn.Object(notificationsService, notificationsPath)}
}

// ScreenSaverInhibitor implements capture.WakeLock with
// org.freedesktop.ScreenSaver.Inhibit
type ScreenSaverInhibitor struct {
	obj dbus.BusObject

	mu     sync.Mutex
	cookie uint32
	held   bool
}

// Acquire inhibits the screen saver. Acquiring twice is a no-op.
func (w *ScreenSaverInhibitor) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.held {
		return nil
	}

	var cookie uint32
	if err := w.obj.Call(screenSaverService+".Inhibit", 0, appName, "Screen mirroring is active").Store(&cookie); err != nil {
		return fmt.Errorf("failed to inhibit screen saver: %w", err)
	}
	w.cookie = cookie
	w.held = true

	logger.WithComponent("desktop").Debug().Uint32("cookie", cookie).Msg("Screen saver inhibited")
	return nil
}

// Release lifts the inhibition
func (w *ScreenSaverInhibitor) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.held {
		return nil
	}
	w.held = false

	if err := w.obj.Call(screenSaverService+".UnInhibit", 0, w.cookie).Err; err != nil {
		return fmt.Errorf("failed to uninhibit screen saver: %w", err)
	}

	logger.WithComponent("desktop").Debug().Uint32("cookie", w.cookie).Msg("Screen saver inhibition released")
	return nil
}

// Notifier implements capture.Notifier with org.freedesktop.Notifications
type Notifier struct {
	obj dbus.BusObject

	mu sync.Mutex
	id uint32
}

// ShowPersistent shows (or replaces) the mirroring notification
func (n *Notifier) ShowPersistent() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	hints := map[string]dbus.Variant{
		"resident":  dbus.MakeVariant(true),
		"transient": dbus.MakeVariant(false),
		"urgency":   dbus.MakeVariant(byte(1)),
	}

	var id uint32
	err := n.obj.Call(notificationsService+".Notify", 0,
		appName,
		n.id,
		"video-display",
		"Screen mirroring",
		"The screen is being mirrored to the head unit.",
		[]string{},
		hints,
		int32(0),
	).Store(&id)
	if err != nil {
		return fmt.Errorf("failed to show notification: %w", err)
	}
	n.id = id
	return nil
}

// Dismiss closes the notification if it is showing
func (n *Notifier) Dismiss() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.id == 0 {
		return nil
	}
	id := n.id
	n.id = 0

	if err := n.obj.Call(notificationsService+".CloseNotification", 0, id).Err; err != nil {
		return fmt.Errorf("failed to close notification: %w", err)
	}
	return nil
}

// Nop is used when no session bus is available
type Nop struct{}

func (Nop) Acquire() error        { return nil }
func (Nop) Release() error        { return nil }
func (Nop) ShowPersistent() error { return nil }
func (Nop) Dismiss() error        { return nil }
