package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

const (
	sourceTypeMonitor  = 1 << 0
	cursorModeEmbedded = 1 << 1
	persistModeUntilRevoked = 2
)

// Portal response codes
const (
	responseSuccess   = 0
	responseCancelled = 1
)

// stepTimeout bounds the dialog steps; the user has to pick a screen in SelectSources
var stepTimeout = map[string]time.Duration{
	"CreateSession": 30 * time.Second,
	"SelectSources": 2 * time.Minute,
	"Start":         2 * time.Minute,
}

// PortalRequester asks for consent through the xdg-desktop-portal ScreenCast
// dialog. The restore token is persisted so later requests can skip the
// dialog.
type PortalRequester struct {
	conn      *dbus.Conn
	tokenPath string

	mu            sync.Mutex
	restoreToken  string
	sessionHandle dbus.ObjectPath
	requests      int
}

// NewPortalRequester connects to the session bus. An empty tokenPath uses the
// default location in the user config directory.
func NewPortalRequester(tokenPath string) (*PortalRequester, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	if tokenPath == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			configDir = os.Getenv("HOME")
		}
		tokenPath = filepath.Join(configDir, "mirrormobile", "portal_token")
	}

	p := &PortalRequester{
		conn:      conn,
		tokenPath: tokenPath,
	}
	p.restoreToken = loadRestoreToken(tokenPath)

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		logger.WithComponent("portal").Warn().Err(err).Msg("Failed to add match rule")
	}

	return p, nil
}

// Name returns the requester name
func (p *PortalRequester) Name() string {
	return "portal"
}

// Request runs CreateSession, SelectSources and Start. Dismissing the dialog
// is reported as ErrDenied.
func (p *PortalRequester) Request(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := logger.WithComponent("portal")
	p.closeSession()
	p.requests++

	results, err := p.call(ctx, "CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(p.token("session")),
	})
	if err != nil {
		return err
	}
	handle, err := sessionHandle(results)
	if err != nil {
		return err
	}
	p.sessionHandle = handle
	log.Debug().Str("session", string(handle)).Msg("Created portal session")

	if p.restoreToken != "" {
		log.Debug().Msg("Using saved restore token")
	}
	if _, err := p.call(ctx, "SelectSources", selectSourcesOptions(p.restoreToken), handle); err != nil {
		return err
	}

	results, err = p.call(ctx, "Start", map[string]dbus.Variant{}, handle, "")
	if err != nil {
		return err
	}

	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok {
			p.restoreToken = token
			if err := saveRestoreToken(p.tokenPath, token); err != nil {
				log.Warn().Err(err).Msg("Failed to save restore token")
			}
		}
	}

	log.Info().Msg("Screen cast consent granted")
	return nil
}

// call invokes a ScreenCast method and waits for its Request.Response signal.
// args precede the options dictionary in the method signature.
func (p *PortalRequester) call(ctx context.Context, method string, options map[string]dbus.Variant, args ...any) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")

	options["handle_token"] = dbus.MakeVariant(p.token(method))

	// Subscribe before calling so the response cannot be missed
	responses := make(chan *dbus.Signal, 10)
	p.conn.Signal(responses)
	defer p.conn.RemoveSignal(responses)

	var requestPath dbus.ObjectPath
	callArgs := append(args, options)
	if err := p.conn.Object(portalService, portalPath).
		CallWithContext(ctx, screenCastIface+"."+method, 0, callArgs...).
		Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	log.Info().Str("request_path", string(requestPath)).Str("method", method).Msg("Waiting for portal response")

	timeout := time.NewTimer(stepTimeout[method])
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-responses:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			return parseResponse(method, sig.Body)
		}
	}
}

// selectSourcesOptions asks for a single monitor and a grant that outlives the
// session, so the next request can be answered with restoreToken
func selectSourcesOptions(restoreToken string) map[string]dbus.Variant {
	options := map[string]dbus.Variant{
		"types":        dbus.MakeVariant(uint32(sourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(uint32(cursorModeEmbedded)),
		"persist_mode": dbus.MakeVariant(uint32(persistModeUntilRevoked)),
	}
	if restoreToken != "" {
		options["restore_token"] = dbus.MakeVariant(restoreToken)
	}
	return options
}

func parseResponse(method string, body []any) (map[string]dbus.Variant, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("invalid %s response", method)
	}
	code, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("invalid %s response code: %T", method, body[0])
	}
	results, _ := body[1].(map[string]dbus.Variant)

	switch code {
	case responseSuccess:
		return results, nil
	case responseCancelled:
		return nil, fmt.Errorf("%s: %w", method, ErrDenied)
	default:
		return nil, fmt.Errorf("%s failed (code %d)", method, code)
	}
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

func (p *PortalRequester) token(prefix string) string {
	return fmt.Sprintf("mirrormobile_%s_%d_%d", prefix, os.Getpid(), p.requests)
}

func (p *PortalRequester) closeSession() {
	if p.sessionHandle == "" {
		return
	}
	if err := p.conn.Object(portalService, p.sessionHandle).Call(sessionIface+".Close", 0).Err; err != nil {
		logger.WithComponent("portal").Debug().Err(err).Msg("Failed to close portal session")
	}
	p.sessionHandle = ""
}

// Close ends the portal session and the bus connection
func (p *PortalRequester) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeSession()
	return p.conn.Close()
}

type storedToken struct {
	Token string `json:"token"`
}

func loadRestoreToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var t storedToken
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Token
}

func saveRestoreToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(storedToken{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
