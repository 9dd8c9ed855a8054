// Package permission implements the screen capture consent flow. Launching a
// request never blocks; the outcome is handed to the capture service, which
// reports it to its listener.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chenxiaolong/MirrorMobile/internal/capture"
	"github.com/chenxiaolong/MirrorMobile/internal/config"
	"github.com/chenxiaolong/MirrorMobile/internal/logger"
)

// ErrDenied means the user refused screen capture
var ErrDenied = errors.New("screen capture permission denied")

// Requester asks the user for consent to capture the screen. Request blocks
// until the user answers and returns nil if capture was granted.
type Requester interface {
	Request(ctx context.Context) error
	Name() string
}

// Starter receives the outcome of a request
type Starter interface {
	Start(source capture.Source)
	Cancel()
}

// Observer is told the result of every request
type Observer interface {
	OnPermissionResult(result string)
}

// Results passed to Observer
const (
	ResultGranted = "granted"
	ResultDenied  = "denied"
	ResultFailed  = "failed"
)

// Flow runs permission requests in the background. It implements
// mirror.Launcher.
type Flow struct {
	ctx       context.Context
	requester Requester
	starter   Starter
	open      func() (capture.Source, error)
	observer  Observer

	mu       sync.Mutex
	inFlight bool
	wg       sync.WaitGroup
}

// NewFlow creates a flow. Requests are bounded by ctx; open creates the
// capture source once consent is given.
func NewFlow(ctx context.Context, requester Requester, starter Starter, open func() (capture.Source, error), observer Observer) *Flow {
	return &Flow{
		ctx:       ctx,
		requester: requester,
		starter:   starter,
		open:      open,
		observer:  observer,
	}
}

// LaunchCaptureRequest starts a request unless one is already showing
func (f *Flow) LaunchCaptureRequest() {
	log := logger.WithComponent("permission")

	f.mu.Lock()
	if f.inFlight {
		f.mu.Unlock()
		log.Debug().Msg("Capture request already in progress")
		return
	}
	f.inFlight = true
	f.wg.Add(1)
	f.mu.Unlock()

	log.Info().Str("requester", f.requester.Name()).Msg("Requesting screen capture permission")

	go func() {
		defer f.wg.Done()
		defer func() {
			f.mu.Lock()
			f.inFlight = false
			f.mu.Unlock()
		}()

		f.run()
	}()
}

func (f *Flow) run() {
	log := logger.WithComponent("permission")

	if err := f.requester.Request(f.ctx); err != nil {
		if errors.Is(err, ErrDenied) {
			log.Info().Msg("Screen capture permission denied")
			f.report(ResultDenied)
		} else {
			log.Error().Err(err).Msg("Screen capture permission request failed")
			f.report(ResultFailed)
		}
		f.starter.Cancel()
		return
	}

	source, err := f.open()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open capture source")
		f.report(ResultFailed)
		f.starter.Cancel()
		return
	}

	log.Info().Str("source", source.Name()).Msg("Screen capture permission granted")
	f.report(ResultGranted)
	f.starter.Start(source)
}

func (f *Flow) report(result string) {
	if f.observer != nil {
		f.observer.OnPermissionResult(result)
	}
}

// InFlight reports whether a request is waiting for the user
func (f *Flow) InFlight() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Wait blocks until the request in progress, if any, finishes
func (f *Flow) Wait() {
	f.wg.Wait()
}

// AutoRequester grants every request. Meant for headless and test setups.
type AutoRequester struct{}

func (AutoRequester) Request(ctx context.Context) error { return ctx.Err() }
func (AutoRequester) Name() string                     { return "auto" }

// NewRequester creates the requester for mode
func NewRequester(mode config.PermissionMode) (Requester, error) {
	switch mode {
	case config.PermissionModePrompt:
		return NewPromptRequester(), nil
	case config.PermissionModePortal:
		return NewPortalRequester("")
	case config.PermissionModeAuto:
		return AutoRequester{}, nil
	default:
		return nil, fmt.Errorf("unknown permission mode: %q", mode)
	}
}
