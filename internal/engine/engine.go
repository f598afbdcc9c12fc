package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"schedule-service/internal/config"
	"schedule-service/internal/hass"
	"schedule-service/internal/legacy"
	"schedule-service/internal/store"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrPlatformDisabled is returned by operations that need the platform
// while the connection is not configured; the HTTP layer maps it to 503.
var ErrPlatformDisabled = errors.New("home assistant connection is not configured")

// Engine ties the schedule store to the automation platform. Every
// mutation validates, persists, recompiles the affected zones and pushes
// their consolidated automations before returning, so the platform never
// lags the store by more than one failed push.
type Engine struct {
	repo   *store.Repo
	events *EventHub

	// mu serializes mutation+push so automation contents follow store
	// order; SyncAllZones takes it too.
	mu        sync.Mutex
	cronEntry cron.EntryID

	cfgMu  sync.RWMutex
	cfg    config.Config
	client *hass.Client

	cron *cron.Cron
}

type Options struct {
	// Client overrides the platform client built from config; tests
	// point it at a local server.
	Client *hass.Client
}

func New(repo *store.Repo, cfg config.Config, opts Options) *Engine {
	e := &Engine{
		repo:   repo,
		events: NewEventHub(),
		cron:   cron.New(),
	}
	e.configure(cfg, opts.Client)
	return e
}

// configure swaps the runtime config and rebuilds the platform client.
func (e *Engine) configure(cfg config.Config, override *hass.Client) {
	client := override
	if client == nil && cfg.Configured() {
		client = hass.New(cfg.HomeAssistant.BaseURL, cfg.HomeAssistant.Token)
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.client = client
	e.cfgMu.Unlock()
}

// Start registers the periodic resync and repairs platform drift once in
// the background before the first request lands.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	err := e.scheduleResync(e.snapshotConfig().Sync.Cron)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.cron.Start()

	go func() {
		syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if ok := e.SyncAllZones(syncCtx); !ok {
			slog.Warn("startup resync completed with failures")
		}
	}()
	return nil
}

func (e *Engine) Stop() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

// scheduleResync replaces the cron resync job. Callers hold e.mu.
func (e *Engine) scheduleResync(spec string) error {
	if e.cronEntry != 0 {
		e.cron.Remove(e.cronEntry)
		e.cronEntry = 0
	}
	if spec == "" {
		return nil
	}
	id, err := e.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		ok := e.SyncAllZones(ctx)
		if !ok {
			slog.Warn("scheduled resync completed with failures")
		}
		e.publish(Event{Type: EventSyncResult, Synced: &ok})
	})
	if err != nil {
		return fmt.Errorf("registering resync job: %w", err)
	}
	e.cronEntry = id
	return nil
}

// Reconfigure applies a validated config at runtime: the setup flow
// saves the file and swaps the engine onto the new connection in one
// step. The resync job is rescheduled when the cron spec changed.
func (e *Engine) Reconfigure(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	old := e.snapshotConfig()
	e.configure(cfg, nil)

	if old.Sync.Cron != cfg.Sync.Cron {
		e.mu.Lock()
		err := e.scheduleResync(cfg.Sync.Cron)
		e.mu.Unlock()
		if err != nil {
			return err
		}
	}
	slog.Info("engine reconfigured", "platform_enabled", cfg.HomeAssistant.Enabled, "away_home_enabled", cfg.AwayHome.Enabled)
	return nil
}

// Config returns a snapshot of the engine's runtime configuration.
func (e *Engine) Config() config.Config {
	return e.snapshotConfig()
}

func (e *Engine) snapshotConfig() config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// collaborators returns the platform client (nil while the connection is
// disabled or unconfigured) together with the config it was built from.
func (e *Engine) collaborators() (*hass.Client, config.Config) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	if !e.cfg.Configured() {
		return nil, e.cfg
	}
	return e.client, e.cfg
}

func (e *Engine) artifactOptions() ArtifactOptions {
	cfg := e.snapshotConfig()
	return ArtifactOptions{
		EntityPrefix: cfg.HomeAssistant.EntityPrefix,
		AwayEnabled:  cfg.AwayHome.Enabled,
		AwayEntityID: cfg.AwayHome.EntityID,
		HomeState:    cfg.AwayHome.HomeState,
	}
}

// roster fetches the platform's room layout, or nil when the platform is
// unreachable; zone-level assignments still sync without it.
func (e *Engine) roster(ctx context.Context) []hass.Room {
	client, _ := e.collaborators()
	if client == nil {
		return nil
	}
	rooms, err := client.Rooms(ctx)
	if err != nil {
		slog.Warn("fetching room roster failed", "error", err)
		return nil
	}
	return rooms
}

func (e *Engine) Events() *EventHub { return e.events }

func (e *Engine) publish(evt Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(evt)
}

func newScheduleID() string {
	return "schedule_" + uuid.NewString()[:8]
}

// CreateSchedule validates and persists a schedule, then pushes the
// zones it governs. The returned view reflects the stored programme; a
// failed push is reported through the event feed, not as an error.
func (e *Engine) CreateSchedule(ctx context.Context, payload SchedulePayload) (*store.ScheduleView, error) {
	in, err := payload.NormalizeAndValidate()
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = newScheduleID()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	view, err := e.repo.CreateOrReplace(ctx, in)
	if err != nil {
		return nil, err
	}
	synced := e.SyncZones(ctx, e.affectedZones(ctx, view))
	e.publish(Event{Type: EventScheduleUpdate, ScheduleID: view.ID, Zones: view.Zones, State: "created", Synced: &synced})
	slog.Info("schedule created", "schedule_id", view.ID, "name", view.Name, "zones", len(view.Zones), "rooms", len(view.Rooms), "synced", synced)
	return view, nil
}

// UpdateSchedule applies a partial update. Zones governed before but not
// after still resync so their automations shed the old entries. Returns
// (nil, nil) when the id is unknown.
func (e *Engine) UpdateSchedule(ctx context.Context, id string, payload UpdatePayload) (*store.ScheduleView, error) {
	patch, err := payload.NormalizeAndValidate()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, nil
	}
	view, err := e.repo.Update(ctx, id, patch)
	if err != nil || view == nil {
		return view, err
	}
	synced := e.SyncZones(ctx, e.affectedZones(ctx, before, view))
	e.publish(Event{Type: EventScheduleUpdate, ScheduleID: view.ID, Zones: view.Zones, State: "updated", Synced: &synced})
	slog.Info("schedule updated", "schedule_id", view.ID, "synced", synced)
	return view, nil
}

// DeleteSchedule removes the schedule and resyncs the zones it used to
// govern, deleting automations that no longer have schedules behind them.
func (e *Engine) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	view, err := e.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if view == nil {
		return false, nil
	}
	affected := e.affectedZones(ctx, view)
	deleted, err := e.repo.Delete(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}
	synced := e.SyncZones(ctx, affected)
	e.publish(Event{Type: EventScheduleUpdate, ScheduleID: id, Zones: affected, State: "deleted", Synced: &synced})
	slog.Info("schedule deleted", "schedule_id", id, "synced", synced)
	return true, nil
}

func (e *Engine) ActivateSchedule(ctx context.Context, id string) (*store.ScheduleView, error) {
	return e.setActive(ctx, id, true)
}

func (e *Engine) DeactivateSchedule(ctx context.Context, id string) (*store.ScheduleView, error) {
	return e.setActive(ctx, id, false)
}

func (e *Engine) setActive(ctx context.Context, id string, active bool) (*store.ScheduleView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	view, err := e.repo.Update(ctx, id, store.UpdatePatch{Active: &active})
	if err != nil || view == nil {
		return view, err
	}
	synced := e.SyncZones(ctx, e.affectedZones(ctx, view))
	state := "deactivated"
	if active {
		state = "activated"
	}
	e.publish(Event{Type: EventScheduleUpdate, ScheduleID: id, Zones: view.Zones, State: state, Synced: &synced})
	slog.Info("schedule active flag changed", "schedule_id", id, "active", active, "synced", synced)
	return view, nil
}

func (e *Engine) Schedules(ctx context.Context) ([]store.ScheduleView, error) {
	return e.repo.GetAll(ctx)
}

func (e *Engine) Schedule(ctx context.Context, id string) (*store.ScheduleView, error) {
	return e.repo.Get(ctx, id)
}

// affectedZones is the union of each view's direct zone assignments and
// the zones of its room assignments, resolved through the room roster.
func (e *Engine) affectedZones(ctx context.Context, views ...*store.ScheduleView) []string {
	zoneSet := map[string]struct{}{}
	roomNames := map[string]struct{}{}
	for _, v := range views {
		if v == nil {
			continue
		}
		for _, zone := range v.Zones {
			zoneSet[zone] = struct{}{}
		}
		for _, ref := range v.Rooms {
			name, _ := store.SplitRoomRef(ref)
			roomNames[name] = struct{}{}
		}
	}
	if len(roomNames) > 0 {
		for _, room := range e.roster(ctx) {
			if _, ok := roomNames[room.Name]; !ok {
				continue
			}
			for _, device := range room.Devices {
				zoneSet[device.EntityID] = struct{}{}
			}
		}
	}
	zones := make([]string, 0, len(zoneSet))
	for zone := range zoneSet {
		zones = append(zones, zone)
	}
	sort.Strings(zones)
	return zones
}

// ScheduleStateForZone answers what a zone should be doing right now
// according to the stored programme, independent of the platform.
func (e *Engine) ScheduleStateForZone(ctx context.Context, zoneID string) (*store.ResolvedState, error) {
	now := time.Now()
	day := (int(now.Weekday()) + 6) % 7
	minute := now.Hour()*60 + now.Minute()
	return e.repo.StateAt(ctx, zoneID, day, minute)
}

// MigrateLegacy imports JSON schedule files from the configured legacy
// directory and pushes every zone they govern.
func (e *Engine) MigrateLegacy(ctx context.Context) (int, error) {
	dir := e.snapshotConfig().Sync.LegacyDir
	if dir == "" {
		return 0, nil
	}
	count, err := legacy.NewImporter(e.repo).Migrate(ctx, dir)
	if err != nil {
		return count, err
	}
	if count > 0 {
		slog.Info("legacy schedules migrated", "count", count, "dir", dir)
		e.SyncAllZones(ctx)
	}
	return count, nil
}

// Zones lists the platform's climate entities, narrowed to the
// configured selection when one is set.
func (e *Engine) Zones(ctx context.Context) ([]hass.ClimateEntity, error) {
	client, cfg := e.collaborators()
	if client == nil {
		return nil, ErrPlatformDisabled
	}
	zones, err := client.Zones(ctx)
	if err != nil {
		return nil, err
	}
	if len(cfg.HomeAssistant.SelectedEntities) == 0 {
		return zones, nil
	}
	selected := make(map[string]struct{}, len(cfg.HomeAssistant.SelectedEntities))
	for _, id := range cfg.HomeAssistant.SelectedEntities {
		selected[id] = struct{}{}
	}
	filtered := zones[:0]
	for _, z := range zones {
		if _, ok := selected[z.EntityID]; ok {
			filtered = append(filtered, z)
		}
	}
	return filtered, nil
}

func (e *Engine) Rooms(ctx context.Context) ([]hass.Room, error) {
	client, _ := e.collaborators()
	if client == nil {
		return nil, ErrPlatformDisabled
	}
	return client.Rooms(ctx)
}

func (e *Engine) ZoneState(ctx context.Context, entityID string) (hass.EntityState, error) {
	client, _ := e.collaborators()
	if client == nil {
		return hass.EntityState{}, ErrPlatformDisabled
	}
	return client.State(ctx, entityID)
}

func (e *Engine) SetZoneTemperature(ctx context.Context, entityID string, temperature float64) error {
	client, _ := e.collaborators()
	if client == nil {
		return ErrPlatformDisabled
	}
	if err := client.SetTemperature(ctx, entityID, temperature); err != nil {
		return err
	}
	e.publish(Event{Type: EventZoneUpdate, Zones: []string{entityID}, State: "temperature_set"})
	return nil
}

func (e *Engine) SetZoneMode(ctx context.Context, entityID, mode string) error {
	switch mode {
	case store.ActionHeat, store.ActionOff, store.ActionAuto:
	default:
		return invalid("mode", fmt.Sprintf("unsupported hvac mode %q", mode))
	}
	client, _ := e.collaborators()
	if client == nil {
		return ErrPlatformDisabled
	}
	if err := client.SetHVACMode(ctx, entityID, mode); err != nil {
		return err
	}
	e.publish(Event{Type: EventZoneUpdate, Zones: []string{entityID}, State: mode})
	return nil
}

// Automations lists the platform automations this service manages,
// identified by the configured entity prefix.
func (e *Engine) Automations(ctx context.Context) ([]hass.AutomationEntity, error) {
	client, cfg := e.collaborators()
	if client == nil {
		return nil, ErrPlatformDisabled
	}
	automations, err := client.ListAutomations(ctx)
	if err != nil {
		return nil, err
	}
	prefix := cfg.HomeAssistant.EntityPrefix + "_"
	mine := automations[:0]
	for _, a := range automations {
		if strings.HasPrefix(a.ConfigID, prefix) {
			mine = append(mine, a)
		}
	}
	return mine, nil
}

// AwayHomeStatus describes the presence entity and whether the away
// condition currently holds.
type AwayHomeStatus struct {
	Enabled         bool    `json:"enabled"`
	EntityID        string  `json:"entity_id,omitempty"`
	State           string  `json:"state,omitempty"`
	IsHome          bool    `json:"is_home"`
	HomeState       string  `json:"home_state,omitempty"`
	AwayState       string  `json:"away_state,omitempty"`
	AwayTemperature float64 `json:"away_temperature,omitempty"`
	AwayMode        string  `json:"away_mode,omitempty"`
}

// AwayHome reads the presence entity. While away/home is disabled or
// unconfigured the household counts as home so schedules keep running.
func (e *Engine) AwayHome(ctx context.Context) (*AwayHomeStatus, error) {
	client, cfg := e.collaborators()
	away := cfg.AwayHome
	if !away.Enabled || away.EntityID == "" || client == nil {
		return &AwayHomeStatus{Enabled: false, IsHome: true}, nil
	}
	state, err := client.State(ctx, away.EntityID)
	if err != nil {
		return nil, err
	}
	return &AwayHomeStatus{
		Enabled:         true,
		EntityID:        away.EntityID,
		State:           state.State,
		IsHome:          state.State == away.HomeState,
		HomeState:       away.HomeState,
		AwayState:       away.AwayState,
		AwayTemperature: away.AwayTemperature,
		AwayMode:        away.AwayMode,
	}, nil
}

// SetAwayHome drives the presence entity to the named state.
func (e *Engine) SetAwayHome(ctx context.Context, state string) error {
	client, cfg := e.collaborators()
	away := cfg.AwayHome
	if !away.Enabled || away.EntityID == "" {
		return invalid("away_home", "presence entity is not configured")
	}
	if client == nil {
		return ErrPlatformDisabled
	}
	if err := client.SetAwayHomeState(ctx, away.EntityID, state); err != nil {
		return err
	}
	e.publish(Event{Type: EventAwayHome, State: state})
	slog.Info("away/home state set", "entity_id", away.EntityID, "state", state)
	return nil
}

// ApplyAwayMode pushes the configured away climate state to every
// selected zone. Per-zone failures are reported in the result map, not
// returned; the household being away should not depend on one radiator.
func (e *Engine) ApplyAwayMode(ctx context.Context) (map[string]bool, error) {
	client, cfg := e.collaborators()
	away := cfg.AwayHome
	if !away.Enabled {
		return nil, invalid("away_home", "away/home is not enabled")
	}
	if client == nil {
		return nil, ErrPlatformDisabled
	}

	zones, err := e.Zones(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]bool, len(zones))
	for _, zone := range zones {
		var err error
		switch away.AwayMode {
		case store.ActionOff:
			err = client.SetHVACMode(ctx, zone.EntityID, store.ActionOff)
		case store.ActionAuto:
			err = client.SetHVACMode(ctx, zone.EntityID, store.ActionAuto)
		default:
			if err = client.SetTemperature(ctx, zone.EntityID, away.AwayTemperature); err == nil {
				err = client.SetHVACMode(ctx, zone.EntityID, store.ActionHeat)
			}
		}
		if err != nil {
			slog.Warn("applying away mode failed", "zone", zone.EntityID, "error", err)
		}
		results[zone.EntityID] = err == nil
	}
	e.publish(Event{Type: EventAwayHome, State: "away_mode_applied"})
	return results, nil
}

func (e *Engine) AwayHomeEntities(ctx context.Context) ([]hass.PresenceEntity, error) {
	client, _ := e.collaborators()
	if client == nil {
		return nil, ErrPlatformDisabled
	}
	return client.AwayHomeEntities(ctx)
}

// TestConnection probes the platform with candidate credentials; the
// setup flow validates them before saving.
func (e *Engine) TestConnection(ctx context.Context, baseURL, token string) (hass.ConnectionInfo, error) {
	return hass.New(baseURL, token).TestConnection(ctx)
}
