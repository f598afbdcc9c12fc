package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"schedule-service/internal/config"
	"schedule-service/internal/engine"
	"schedule-service/internal/hass"
	"schedule-service/internal/middleware"
	"schedule-service/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

type Server struct {
	engine     *engine.Engine
	configPath string
}

// New builds the HTTP server. configPath is where the setup flow
// persists configuration changes.
func New(eng *engine.Engine, configPath string) *Server {
	return &Server{engine: eng, configPath: configPath}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.engine.Config().Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// The event stream carries no secrets and the WS handshake cannot
	// rely on Authorization headers from browsers, so it stays open.
	r.Get("/api/events", s.handleEventsWS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/zones", s.handleZones)
		r.Get("/rooms", s.handleRooms)
		r.Route("/zones/{entityID}", func(r chi.Router) {
			r.Get("/", s.handleZoneState)
			r.Get("/schedule-state", s.handleZoneScheduleState)
			r.With(s.requireAuth).Post("/temperature", s.handleZoneTemperature)
			r.With(s.requireAuth).Post("/mode", s.handleZoneMode)
		})

		r.Get("/schedules", s.handleListSchedules)
		r.With(s.requireAuth).Post("/schedules", s.handleCreateSchedule)
		r.Route("/schedules/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSchedule)
			r.With(s.requireAuth).Put("/", s.handleUpdateSchedule)
			r.With(s.requireAuth).Delete("/", s.handleDeleteSchedule)
			r.With(s.requireAuth).Post("/activate", s.handleSetActive(true))
			r.With(s.requireAuth).Post("/deactivate", s.handleSetActive(false))
		})

		r.Get("/automations", s.handleAutomations)
		r.Get("/optimization/stats", s.handleOptimizationStats)

		r.Route("/away-home", func(r chi.Router) {
			r.Get("/status", s.handleAwayHomeStatus)
			r.Get("/entities", s.handleAwayHomeEntities)
			r.With(s.requireAuth).Post("/set", s.handleAwayHomeSet)
			r.With(s.requireAuth).Post("/apply-away-mode", s.handleAwayHomeApply)
		})

		r.Route("/setup", func(r chi.Router) {
			r.Get("/status", s.handleSetupStatus)
			r.With(s.requireAuth).Post("/test-connection", s.handleSetupTest)
			r.With(s.requireAuth).Post("/save-config", s.handleSetupSave)
		})
	})

	return r
}

// requireAuth enforces bearer auth on mutating routes once an auth
// secret is configured; without one the service runs open, the way it
// does behind the platform's ingress.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.engine.Config().Server.AuthSecret
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		middleware.JWTAuthMiddleware(secret)(next).ServeHTTP(w, r)
	})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.engine.Events().Subscribe()
	defer cancel()

	// Read pump just to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Periodic ping to keep intermediaries alive.
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case evt := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.engine.Zones(r.Context())
	if err != nil {
		writePlatformError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"zones": zones, "count": len(zones)})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.engine.Rooms(r.Context())
	if err != nil {
		writePlatformError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms, "count": len(rooms)})
}

func (s *Server) handleZoneState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.ZoneState(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		writePlatformError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleZoneScheduleState(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "entityID")
	state, err := s.engine.ScheduleStateForZone(r.Context(), zoneID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve schedule state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"zone_id": zoneID, "state": state})
}

func (s *Server) handleZoneTemperature(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Temperature *float64 `json:"temperature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if p.Temperature == nil {
		writeError(w, http.StatusBadRequest, "temperature is required")
		return
	}
	entityID := chi.URLParam(r, "entityID")
	if err := s.engine.SetZoneTemperature(r.Context(), entityID, *p.Temperature); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": entityID, "temperature": *p.Temperature})
}

func (s *Server) handleZoneMode(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	mode := strings.TrimSpace(p.Mode)
	if mode == "" {
		writeError(w, http.StatusBadRequest, "mode is required")
		return
	}
	entityID := chi.URLParam(r, "entityID")
	if err := s.engine.SetZoneMode(r.Context(), entityID, mode); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": entityID, "mode": mode})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.engine.Schedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules, "count": len(schedules)})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Schedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var p engine.SchedulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	view, err := s.engine.CreateSchedule(r.Context(), p)
	if err != nil {
		writeScheduleError(w, err, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var p engine.UpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	view, err := s.engine.UpdateSchedule(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeScheduleError(w, err, "failed to update schedule")
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.engine.DeleteSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	slog.Info("schedule deleted", "id", id, "actor", actorName(r))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var (
			view *store.ScheduleView
			err  error
		)
		if active {
			view, err = s.engine.ActivateSchedule(r.Context(), id)
		} else {
			view, err = s.engine.DeactivateSchedule(r.Context(), id)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update schedule")
			return
		}
		if view == nil {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleAutomations(w http.ResponseWriter, r *http.Request) {
	automations, err := s.engine.Automations(r.Context())
	if err != nil {
		writePlatformError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"automations": automations, "count": len(automations)})
}

func (s *Server) handleOptimizationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.ConsolidationStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAwayHomeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.AwayHome(r.Context())
	if err != nil {
		writePlatformError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAwayHomeEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.engine.AwayHomeEntities(r.Context())
	if err != nil {
		writePlatformError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "count": len(entities)})
}

func (s *Server) handleAwayHomeSet(w http.ResponseWriter, r *http.Request) {
	var p struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	state := strings.TrimSpace(p.State)
	if state == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	if err := s.engine.SetAwayHome(r.Context(), state); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (s *Server) handleAwayHomeApply(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.ApplyAwayMode(r.Context())
	if err != nil {
		writeActionError(w, err)
		return
	}
	applied := 0
	for _, ok := range results {
		if ok {
			applied++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "applied": applied})
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"configured":        cfg.Configured(),
		"base_url":          cfg.HomeAssistant.BaseURL,
		"entity_prefix":     cfg.HomeAssistant.EntityPrefix,
		"selected_entities": cfg.HomeAssistant.SelectedEntities,
		"away_home_enabled": cfg.AwayHome.Enabled,
		"sync_cron":         cfg.Sync.Cron,
	})
}

func (s *Server) handleSetupTest(w http.ResponseWriter, r *http.Request) {
	var p struct {
		BaseURL string `json:"base_url"`
		Token   string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(p.BaseURL) == "" || strings.TrimSpace(p.Token) == "" {
		writeError(w, http.StatusBadRequest, "base_url and token are required")
		return
	}
	info, err := s.engine.TestConnection(r.Context(), p.BaseURL, p.Token)
	if err != nil {
		writeError(w, http.StatusBadGateway, "connection test failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"message":       info.Message,
		"entity_count":  info.EntityCount,
		"climate_count": info.ClimateCount,
	})
}

type setupPayload struct {
	BaseURL          string   `json:"base_url,omitempty"`
	Token            string   `json:"token,omitempty"`
	EntityPrefix     string   `json:"entity_prefix,omitempty"`
	SelectedEntities []string `json:"selected_entities,omitempty"`
	SyncCron         string   `json:"sync_cron,omitempty"`
	AwayHome         *struct {
		Enabled         bool    `json:"enabled"`
		EntityID        string  `json:"entity_id"`
		HomeState       string  `json:"home_state"`
		AwayState       string  `json:"away_state"`
		AwayTemperature float64 `json:"away_temperature"`
		AwayMode        string  `json:"away_mode"`
	} `json:"away_home,omitempty"`
}

func (s *Server) handleSetupSave(w http.ResponseWriter, r *http.Request) {
	var p setupPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	// Overlay onto the running config so partial saves keep everything
	// else intact.
	cfg := s.engine.Config()
	if url := strings.TrimSpace(p.BaseURL); url != "" {
		cfg.HomeAssistant.BaseURL = strings.TrimRight(url, "/")
		cfg.HomeAssistant.Enabled = true
	}
	if token := strings.TrimSpace(p.Token); token != "" {
		cfg.HomeAssistant.Token = token
	}
	if prefix := strings.TrimSpace(p.EntityPrefix); prefix != "" {
		cfg.HomeAssistant.EntityPrefix = prefix
	}
	if p.SelectedEntities != nil {
		cfg.HomeAssistant.SelectedEntities = p.SelectedEntities
	}
	if cron := strings.TrimSpace(p.SyncCron); cron != "" {
		cfg.Sync.Cron = cron
	}
	if p.AwayHome != nil {
		cfg.AwayHome.Enabled = p.AwayHome.Enabled
		cfg.AwayHome.EntityID = strings.TrimSpace(p.AwayHome.EntityID)
		if hs := strings.TrimSpace(p.AwayHome.HomeState); hs != "" {
			cfg.AwayHome.HomeState = hs
		}
		if as := strings.TrimSpace(p.AwayHome.AwayState); as != "" {
			cfg.AwayHome.AwayState = as
		}
		if p.AwayHome.AwayTemperature > 0 {
			cfg.AwayHome.AwayTemperature = p.AwayHome.AwayTemperature
		}
		if am := strings.TrimSpace(p.AwayHome.AwayMode); am != "" {
			cfg.AwayHome.AwayMode = am
		}
	}

	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Save(&cfg, s.configPath); err != nil {
		slog.Error("saving config failed", "path", s.configPath, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save config")
		return
	}
	if err := s.engine.Reconfigure(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to apply config")
		return
	}
	slog.Info("configuration saved", "path", s.configPath, "actor", actorName(r))
	writeJSON(w, http.StatusOK, map[string]any{"saved": true, "configured": cfg.Configured()})
}

// actorName identifies the caller for audit logs. Open deployments run
// without an auth secret and have no claims to report.
func actorName(r *http.Request) string {
	c := middleware.GetClaims(r)
	if c == nil {
		return "anonymous"
	}
	if c.Name != "" {
		return c.Name
	}
	return c.Subject
}

// writeScheduleError maps store-backed mutation failures: invalid
// payloads are the caller's fault, everything else is ours.
func writeScheduleError(w http.ResponseWriter, err error, fallback string) {
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, fallback)
}

// writeActionError maps failures of platform-backed actions.
func writeActionError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	writePlatformError(w, err)
}

func writePlatformError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrPlatformDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, hass.ErrNotFound):
		writeError(w, http.StatusNotFound, "entity not found")
	default:
		writeError(w, http.StatusBadGateway, "home assistant request failed: "+err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
