package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chenxiaolong/MirrorMobile/internal/api"
	"github.com/chenxiaolong/MirrorMobile/internal/capture"
	"github.com/chenxiaolong/MirrorMobile/internal/config"
	"github.com/chenxiaolong/MirrorMobile/internal/desktop"
	"github.com/chenxiaolong/MirrorMobile/internal/host"
	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/chenxiaolong/MirrorMobile/internal/looper"
	"github.com/chenxiaolong/MirrorMobile/internal/metrics"
	"github.com/chenxiaolong/MirrorMobile/internal/mirror"
	"github.com/chenxiaolong/MirrorMobile/internal/overlay"
	"github.com/chenxiaolong/MirrorMobile/internal/permission"
	"github.com/chenxiaolong/MirrorMobile/internal/vehicle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start mirroring",
	Long: `Start the capture service, the head unit and the control API.

The head unit is an X11 window when a display is available and host.enabled
is set. Otherwise surfaces are created through the control API.`,
	Example: `  # Start with the config file defaults
  mirrormobile serve

  # Start the control API on a custom port
  mirrormobile serve --port 9090

  # Grant capture permission without asking
  mirrormobile serve --permission auto

  # Start with debug logging
  mirrormobile serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "control API port (default from config)")
	serveCmd.Flags().String("permission", "", "permission mode (prompt, portal, auto)")
	serveCmd.Flags().String("source", "", "capture source (x11, pattern)")
	serveCmd.Flags().Bool("headless", false, "never open a head unit window")
}

// applyFlags overrides the loaded config for this run only
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if level, _ := flags.GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if port, _ := flags.GetInt("port"); port > 0 {
		cfg.ServerPort = port
	}
	if mode, _ := flags.GetString("permission"); mode != "" {
		cfg.Permission.Mode = config.PermissionMode(mode)
	}
	if source, _ := flags.GetString("source"); source != "" {
		cfg.Capture.Source = source
	}
	if headless, _ := flags.GetBool("headless"); headless {
		cfg.Host.Enabled = false
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to initialize config manager: %w", err)
	}

	cfg := configMgr.Get()
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("permission_mode", string(cfg.Permission.Mode)).
		Str("source", cfg.Capture.Source).
		Msg("Starting MirrorMobile")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, exit := context.WithCancel(ctx)
	defer exit()

	// The looper outlives ctx so that shutdown can still run on it
	lp := looper.New()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- lp.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(reg)

	var wakeLock capture.WakeLock = desktop.Nop{}
	var notifier capture.Notifier = desktop.Nop{}
	if session, err := desktop.Connect(); err != nil {
		log.Warn().Err(err).Msg("No session bus, running without wake lock or notification")
	} else {
		defer session.Close()
		wakeLock = session.WakeLock()
		notifier = session.Notifier()
	}

	service := capture.NewService(lp, configMgr, wakeLock, notifier, capture.Options{
		FPS:     cfg.Capture.FPS,
		OnFrame: recorder.OnFrame,
	})

	requester, err := newRequester(cfg.Permission.Mode, configMgr.GetConfigPath())
	if err != nil {
		return err
	}
	if closer, ok := requester.(io.Closer); ok {
		defer closer.Close()
	}
	prompt, _ := requester.(*permission.PromptRequester)

	flow := permission.NewFlow(ctx, requester, service, func() (capture.Source, error) {
		return capture.OpenSource(cfg.Capture.Source)
	}, recorder)

	headUnit := newHost(cfg.Host)
	defer headUnit.Close()

	sensor := vehicle.NewSensor()
	screen := mirror.NewScreen(mirror.Options{
		Looper:            lp,
		Machine:           mirror.NewMachine(flow),
		Service:           service,
		Prefs:             configMgr,
		Host:              headUnit,
		Sensor:            sensor,
		Observer:          recorder,
		DrivingUntilKnown: cfg.Vehicle.AssumeDrivingUntilKnown,
		OnExit:            exit,
	})

	configMgr.Watch(func(*config.Config) {
		screen.OnPreferencesChanged()
	})
	if err := configMgr.WatchFile(ctx); err != nil {
		log.Warn().Err(err).Msg("Config file changes will not be picked up")
	}

	// Subscribe before Create so the first template is drawn
	updates := screen.Subscribe()
	if err := screen.Create(ctx); err != nil {
		screen.Unsubscribe(updates)
		return fmt.Errorf("failed to create screen: %w", err)
	}

	if _, ok := headUnit.(*host.Window); ok {
		if err := headUnit.CreateSurface(cfg.Host.Width, cfg.Host.Height, cfg.Host.DPI); err != nil {
			log.Warn().Err(err).Msg("Failed to show head unit window")
		}
	}

	server := api.NewServer(api.Options{
		Screen:     screen,
		Config:     configMgr,
		Sensor:     sensor,
		Host:       headUnit,
		Prompt:     prompt,
		Permission: flow,
		Service:    service,
		Gatherer:   reg,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, cfg.ServerPort)
	})
	g.Go(func() error {
		defer screen.Unsubscribe(updates)
		showTemplates(gctx, updates, headUnit)
		return nil
	})

	log.Info().
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Str("head_unit", headUnit.Name()).
		Msg("MirrorMobile is running, press Ctrl+C to stop")

	runErr := g.Wait()

	log.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := screen.Destroy(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to destroy screen")
	}
	flow.Wait()
	if err := lp.Call(shutdownCtx, service.Shutdown); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down capture service")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func newRequester(mode config.PermissionMode, configPath string) (permission.Requester, error) {
	if mode != config.PermissionModePortal {
		return permission.NewRequester(mode)
	}

	// Keep the restore token next to the config file
	return permission.NewPortalRequester(filepath.Join(filepath.Dir(configPath), "portal_token"))
}

// newHost opens the head unit window, falling back to a headless head unit
// whose surfaces come from the control API
func newHost(cfg config.HostConfig) host.Host {
	log := logger.WithComponent("serve")

	if !cfg.Enabled {
		log.Info().Msg("Head unit window disabled, surfaces are created through the API")
		return host.NewMemory()
	}

	w, err := host.NewWindow(cfg.Width, cfg.Height, cfg.DPI)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to open head unit window, surfaces are created through the API")
		return host.NewMemory()
	}
	return w
}

// showTemplates draws the screen template on the head unit whenever nothing
// is being mirrored
func showTemplates(ctx context.Context, updates <-chan mirror.Snapshot, h host.Host) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Kind == mirror.Mirroring {
				continue
			}
			h.ShowScreen(overlayScreen(snap.Template))
		}
	}
}

func overlayScreen(t mirror.Template) overlay.Screen {
	s := overlay.Screen{Message: t.Message}
	for _, b := range t.Buttons {
		s.Buttons = append(s.Buttons, overlay.Button{Title: b.Title, Enabled: b.Enabled})
	}
	return s
}
