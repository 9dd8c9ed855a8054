package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chenxiaolong/MirrorMobile/internal/config"
	"github.com/chenxiaolong/MirrorMobile/internal/host"
	"github.com/chenxiaolong/MirrorMobile/internal/logger"
	"github.com/chenxiaolong/MirrorMobile/internal/mirror"
	"github.com/chenxiaolong/MirrorMobile/internal/permission"
	"github.com/chenxiaolong/MirrorMobile/internal/vehicle"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Screen is the part of mirror.Screen the API drives
type Screen interface {
	Snapshot(ctx context.Context) (mirror.Snapshot, error)
	Press(ctx context.Context, a mirror.Action) error
	Subscribe() chan mirror.Snapshot
	Unsubscribe(ch chan mirror.Snapshot)
}

// PermissionFlow reports whether a capture permission request is open
type PermissionFlow interface {
	InFlight() bool
}

// ServiceControl simulates capture service failures for debugging
type ServiceControl interface {
	Disconnect()
}

// pressTimeout bounds a button press once it has been accepted
const pressTimeout = 5 * time.Second

// Options holds the components exposed over HTTP. Everything but Screen and
// Config is optional.
type Options struct {
	Screen     Screen
	Config     *config.Manager
	Sensor     *vehicle.Sensor
	Host       host.Host
	Prompt     *permission.PromptRequester
	Permission PermissionFlow
	Service    ServiceControl
	Gatherer   prometheus.Gatherer
}

// Server represents the HTTP control API
type Server struct {
	router     *mux.Router
	screen     Screen
	config     *config.Manager
	sensor     *vehicle.Sensor
	host       host.Host
	prompt     *permission.PromptRequester
	permission PermissionFlow
	service    ServiceControl
	upgrader   websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		screen:     opts.Screen,
		config:     opts.Config,
		sensor:     opts.Sensor,
		host:       opts.Host,
		prompt:     opts.Prompt,
		permission: opts.Permission,
		service:    opts.Service,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // The API only listens for local tools
			},
		},
	}

	s.setupRoutes(opts.Gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Mirroring state
	api.HandleFunc("/state", s.handleGetState).Methods("GET")
	api.HandleFunc("/state/stream", s.handleStateStream)
	api.HandleFunc("/mirror/{action}", s.handlePress).Methods("POST")

	// Simulated head unit and vehicle
	api.HandleFunc("/vehicle/speed", s.handleGetSpeed).Methods("GET")
	api.HandleFunc("/vehicle/speed", s.handleSpeed).Methods("POST")
	api.HandleFunc("/host/surface", s.handleCreateSurface).Methods("POST")
	api.HandleFunc("/host/surface", s.handleDestroySurface).Methods("DELETE")
	api.HandleFunc("/host/stats", s.handleHostStats).Methods("GET")

	// Capture permission prompts
	api.HandleFunc("/permission", s.handleGetPermission).Methods("GET")
	api.HandleFunc("/permission/{id}/{answer:grant|deny}", s.handleResolvePermission).Methods("POST")

	// Debugging, only while debug_mode is on
	api.HandleFunc("/debug/service/disconnect", s.handleDisconnectService).Methods("POST")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config/preferences", s.handleUpdatePreferences).Methods("PUT")

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	log := logger.WithComponent("api")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down API server cleanly")
		}
	}()

	log.Info().Str("addr", fmt.Sprintf("http://localhost:%d", port)).Msg("Starting API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var statusOK = map[string]string{"status": "success"}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.screen.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Subscribe before taking the first snapshot so no change is missed
	updates := s.screen.Subscribe()
	defer s.screen.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is the only way to notice the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	snap, err := s.screen.Snapshot(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to get initial state")
		return
	}
	if err := conn.WriteJSON(snap); err != nil {
		log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handlePress(w http.ResponseWriter, r *http.Request) {
	action := mirror.Action(mux.Vars(r)["action"])
	switch action {
	case mirror.ActionStart, mirror.ActionStop, mirror.ActionExit:
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
		return
	}

	// The press is applied even if the client goes away, so its outcome is
	// not tied to the request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), pressTimeout)
	defer cancel()

	if err := s.screen.Press(ctx, action); err != nil {
		if errors.Is(err, mirror.ErrActionUnavailable) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.sensor == nil {
		writeError(w, http.StatusNotFound, errors.New("no vehicle sensor"))
		return
	}

	var reading vehicle.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.sensor.Update(reading)
	writeJSON(w, http.StatusOK, map[string]bool{"driving": reading.IsDriving()})
}

func (s *Server) handleGetSpeed(w http.ResponseWriter, r *http.Request) {
	if s.sensor == nil {
		writeError(w, http.StatusNotFound, errors.New("no vehicle sensor"))
		return
	}

	reading, ok := s.sensor.Last()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"known": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"known":             true,
		"meters_per_second": reading.MetersPerSecond,
		"available":         reading.Available,
		"driving":           reading.IsDriving(),
	})
}

func (s *Server) handleCreateSurface(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusNotFound, errors.New("no head unit"))
		return
	}

	var req struct {
		Width  int `json:"width"`
		Height int `json:"height"`
		DPI    int `json:"dpi"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.host.CreateSurface(req.Width, req.Height, req.DPI); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleDestroySurface(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusNotFound, errors.New("no head unit"))
		return
	}

	if err := s.host.DestroySurface(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, host.ErrNoSurface) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleHostStats(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusNotFound, errors.New("no head unit"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  s.host.Name(),
		"stats": s.host.Stats(),
	})
}

func (s *Server) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	pending := []permission.Pending{}
	if s.prompt != nil {
		pending = s.prompt.Pending()
	}
	inFlight := false
	if s.permission != nil {
		inFlight = s.permission.InFlight()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"in_flight": inFlight,
		"pending":   pending,
	})
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	if s.prompt == nil {
		writeError(w, http.StatusNotFound, errors.New("permission requests are not answered through the API"))
		return
	}

	vars := mux.Vars(r)
	if err := s.prompt.Resolve(vars["id"], vars["answer"] == "grant"); err != nil {
		if errors.Is(err, permission.ErrUnknownRequest) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleDisconnectService(w http.ResponseWriter, r *http.Request) {
	if !s.config.DebugMode() {
		writeError(w, http.StatusForbidden, errors.New("debug mode is off"))
		return
	}
	if s.service == nil {
		writeError(w, http.StatusNotFound, errors.New("no capture service"))
		return
	}

	logger.WithComponent("api").Warn().Msg("Disconnecting capture service on request")
	s.service.Disconnect()
	writeJSON(w, http.StatusOK, statusOK)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Get())
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	prefs := s.config.Get().Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.config.SetPreferences(prefs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}
