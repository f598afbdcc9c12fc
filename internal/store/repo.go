package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry actions form a closed set; validation rejects anything else.
const (
	ActionHeat = "heat"
	ActionOff  = "off"
	ActionAuto = "auto"
)

func ValidAction(action string) bool {
	switch action {
	case ActionHeat, ActionOff, ActionAuto:
		return true
	}
	return false
}

type Repo struct {
	db *gorm.DB
}

func newGormLogger() logger.Interface {
	// Reduce log noise: "record not found" is expected on schedule lookups.
	return logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: newGormLogger()},
	)
}

// OpenSQLite is the default deployment driver: a single file under the
// add-on data directory.
func OpenSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(
		sqlite.Open(path),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: newGormLogger()},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	// Ensure minimal schema exists.
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()

	// Create missing tables only. We intentionally avoid AutoMigrate here because it
	// can trigger driver/migrator edge-cases in some environments; our schema is
	// stable and managed by explicit model definitions.
	if !m.HasTable(&Schedule{}) {
		if err := m.CreateTable(&Schedule{}); err != nil {
			return fmt.Errorf("create table schedules: %w", err)
		}
	}
	if !m.HasTable(&ScheduleZone{}) {
		if err := m.CreateTable(&ScheduleZone{}); err != nil {
			return fmt.Errorf("create table schedule_zones: %w", err)
		}
	}
	if !m.HasTable(&ScheduleRoom{}) {
		if err := m.CreateTable(&ScheduleRoom{}); err != nil {
			return fmt.Errorf("create table schedule_rooms: %w", err)
		}
	}
	if !m.HasTable(&ScheduleEntry{}) {
		if err := m.CreateTable(&ScheduleEntry{}); err != nil {
			return fmt.Errorf("create table schedule_entries: %w", err)
		}
	}

	// Ensure indexes exist (names come from struct tags in models.go).
	if !m.HasIndex(&ScheduleZone{}, "idx_schedule_zones_zone_id") {
		if err := m.CreateIndex(&ScheduleZone{}, "idx_schedule_zones_zone_id"); err != nil {
			return fmt.Errorf("create index schedule_zones.zone_id: %w", err)
		}
	}
	if !m.HasIndex(&ScheduleRoom{}, "idx_schedule_rooms_room_name") {
		if err := m.CreateIndex(&ScheduleRoom{}, "idx_schedule_rooms_room_name"); err != nil {
			return fmt.Errorf("create index schedule_rooms.room_name: %w", err)
		}
	}
	if !m.HasIndex(&ScheduleEntry{}, "idx_schedule_entries_schedule_day") {
		if err := m.CreateIndex(&ScheduleEntry{}, "idx_schedule_entries_schedule_day"); err != nil {
			return fmt.Errorf("create index schedule_entries.schedule_day: %w", err)
		}
	}
	if !m.HasIndex(&ScheduleEntry{}, "idx_schedule_entries_day_time") {
		if err := m.CreateIndex(&ScheduleEntry{}, "idx_schedule_entries_day_time"); err != nil {
			return fmt.Errorf("create index schedule_entries.day_time: %w", err)
		}
	}

	return nil
}

// EntryInput is one switch point as submitted by callers; Time is a
// "HH:MM" clock string.
type EntryInput struct {
	Time        string   `json:"time"`
	Temperature *float64 `json:"temperature,omitempty"`
	Action      string   `json:"action,omitempty"`
}

// ScheduleInput is the write model: entries are materialized once per
// named day on persist.
type ScheduleInput struct {
	ID       string
	Name     string
	Active   bool
	Priority int
	Zones    []string
	Rooms    []string
	Days     []string
	Entries  []EntryInput
	Metadata map[string]any
}

// EntryView mirrors one stored row; the parent view's Days list carries
// the day grouping, matching the shape the web UI consumes.
type EntryView struct {
	Time        string   `json:"time"`
	Temperature *float64 `json:"temperature,omitempty"`
	Action      string   `json:"action"`
}

type ScheduleView struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Active    bool           `json:"active"`
	Priority  int            `json:"priority"`
	Zones     []string       `json:"zones"`
	Rooms     []string       `json:"rooms"`
	Days      []string       `json:"days"`
	Entries   []EntryView    `json:"entries"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UpdatePatch carries merge updates. When Zones, Days and Entries are all
// present the patch is treated as a full replacement of the programme.
type UpdatePatch struct {
	Name     *string
	Active   *bool
	Priority *int
	Metadata map[string]any
	Zones    []string
	Rooms    []string
	Days     []string
	Entries  []EntryInput
}

// RoomRef packs a room assignment into the "name|area_id" wire form.
func RoomRef(name, areaID string) string {
	if areaID == "" {
		return name
	}
	return name + "|" + areaID
}

// SplitRoomRef unpacks a "name|area_id" room reference.
func SplitRoomRef(ref string) (name, areaID string) {
	name, areaID, _ = strings.Cut(ref, "|")
	return strings.TrimSpace(name), strings.TrimSpace(areaID)
}

// CreateOrReplace persists a schedule wholesale: the schedule row is
// upserted and every child row is rebuilt inside one transaction, so
// readers never observe a half-replaced programme.
func (r *Repo) CreateOrReplace(ctx context.Context, in ScheduleInput) (*ScheduleView, error) {
	rows, err := materializeEntries(in.Days, in.Entries)
	if err != nil {
		return nil, err
	}
	meta, err := marshalMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sched := Schedule{
		ID:        in.ID,
		Name:      in.Name,
		Active:    in.Active,
		Priority:  in.Priority,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&sched).Error; err != nil {
			return fmt.Errorf("upsert schedule: %w", err)
		}
		return replaceAssignments(tx, in.ID, in.Zones, in.Rooms, rows)
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, in.ID)
}

// materializeEntries expands the entries x days cross-product into rows
// and normalizes the action/temperature pairing. Unknown day names are
// skipped, matching what legacy schedule files contained.
func materializeEntries(days []string, entries []EntryInput) ([]ScheduleEntry, error) {
	var rows []ScheduleEntry
	for _, day := range days {
		dayNum, ok := DayNumber(day)
		if !ok {
			continue
		}
		for _, e := range entries {
			minutes, err := MinutesFromClock(e.Time)
			if err != nil {
				return nil, err
			}
			action := e.Action
			if action == "" {
				action = ActionHeat
			}
			if !ValidAction(action) {
				return nil, fmt.Errorf("entry %s: unknown action %q", e.Time, action)
			}
			temp := e.Temperature
			if action == ActionOff {
				temp = nil
			} else if action == ActionHeat && temp == nil {
				return nil, fmt.Errorf("entry %s: heat requires a temperature", e.Time)
			}
			rows = append(rows, ScheduleEntry{DayOfWeek: dayNum, TimeMinutes: minutes, Temperature: temp, Action: action})
		}
	}
	return rows, nil
}

func replaceAssignments(tx *gorm.DB, scheduleID string, zones, rooms []string, rows []ScheduleEntry) error {
	if err := tx.Delete(&ScheduleZone{}, "schedule_id = ?", scheduleID).Error; err != nil {
		return fmt.Errorf("clear zones: %w", err)
	}
	if err := tx.Delete(&ScheduleRoom{}, "schedule_id = ?", scheduleID).Error; err != nil {
		return fmt.Errorf("clear rooms: %w", err)
	}
	if err := tx.Delete(&ScheduleEntry{}, "schedule_id = ?", scheduleID).Error; err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}

	seenZones := map[string]bool{}
	for _, zoneID := range zones {
		zoneID = strings.TrimSpace(zoneID)
		if zoneID == "" || seenZones[zoneID] {
			continue
		}
		seenZones[zoneID] = true
		if err := tx.Create(&ScheduleZone{ScheduleID: scheduleID, ZoneID: zoneID}).Error; err != nil {
			return fmt.Errorf("insert zone %s: %w", zoneID, err)
		}
	}
	seenRooms := map[string]bool{}
	for _, ref := range rooms {
		name, areaID := SplitRoomRef(ref)
		if name == "" || seenRooms[name] {
			continue
		}
		seenRooms[name] = true
		if err := tx.Create(&ScheduleRoom{ScheduleID: scheduleID, RoomName: name, AreaID: areaID}).Error; err != nil {
			return fmt.Errorf("insert room %s: %w", name, err)
		}
	}
	if len(rows) > 0 {
		for i := range rows {
			rows[i].ID = 0
			rows[i].ScheduleID = scheduleID
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}
	}
	return nil
}

// Get returns the schedule view, or (nil, nil) when the id is unknown.
func (r *Repo) Get(ctx context.Context, id string) (*ScheduleView, error) {
	var sched Schedule
	if err := r.db.WithContext(ctx).First(&sched, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	views, err := r.buildViews(ctx, []Schedule{sched})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

func (r *Repo) GetAll(ctx context.Context) ([]ScheduleView, error) {
	var scheds []Schedule
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&scheds).Error; err != nil {
		return nil, err
	}
	return r.buildViews(ctx, scheds)
}

// ActiveForZone returns the active schedules directly assigned to a zone,
// newest first. Room-derived assignments are resolved by the caller.
func (r *Repo) ActiveForZone(ctx context.Context, zoneID string) ([]ScheduleView, error) {
	var scheds []Schedule
	err := r.db.WithContext(ctx).
		Joins("JOIN schedule_zones ON schedule_zones.schedule_id = schedules.id").
		Where("schedule_zones.zone_id = ? AND schedules.active = ?", zoneID, true).
		Order("schedules.created_at desc").
		Find(&scheds).Error
	if err != nil {
		return nil, err
	}
	return r.buildViews(ctx, scheds)
}

func (r *Repo) ActiveForRoom(ctx context.Context, roomName string) ([]ScheduleView, error) {
	var scheds []Schedule
	err := r.db.WithContext(ctx).
		Joins("JOIN schedule_rooms ON schedule_rooms.schedule_id = schedules.id").
		Where("schedule_rooms.room_name = ? AND schedules.active = ?", roomName, true).
		Order("schedules.created_at desc").
		Find(&scheds).Error
	if err != nil {
		return nil, err
	}
	return r.buildViews(ctx, scheds)
}

// Update merges name/active/priority/metadata changes. When the patch
// carries zones, days and entries together it replaces the whole
// programme while keeping the original creation time. Returns (nil, nil)
// when the id is unknown.
func (r *Repo) Update(ctx context.Context, id string, patch UpdatePatch) (*ScheduleView, error) {
	var existing Schedule
	if err := r.db.WithContext(ctx).First(&existing, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	if patch.Name != nil {
		existing.Name = *patch.Name
	}
	if patch.Active != nil {
		existing.Active = *patch.Active
	}
	if patch.Priority != nil {
		existing.Priority = *patch.Priority
	}
	if patch.Metadata != nil {
		meta, err := marshalMetadata(patch.Metadata)
		if err != nil {
			return nil, err
		}
		existing.Metadata = meta
	}
	existing.UpdatedAt = now

	fullReplace := patch.Zones != nil && patch.Days != nil && patch.Entries != nil
	if fullReplace {
		rows, err := materializeEntries(patch.Days, patch.Entries)
		if err != nil {
			return nil, err
		}
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("update schedule: %w", err)
			}
			return replaceAssignments(tx, id, patch.Zones, patch.Rooms, rows)
		})
		if err != nil {
			return nil, err
		}
	} else {
		if err := r.db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("update schedule: %w", err)
		}
	}
	return r.Get(ctx, id)
}

// Delete removes the schedule and every child row in one transaction and
// reports whether a schedule actually existed.
func (r *Repo) Delete(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Schedule{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		if err := tx.Delete(&ScheduleZone{}, "schedule_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ScheduleRoom{}, "schedule_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ScheduleEntry{}, "schedule_id = ?", id).Error
	})
	return deleted, err
}

// ZonesWithActiveSchedules lists the distinct zone ids that still govern
// at least one active schedule; the compiler uses it to find artifacts
// worth keeping.
func (r *Repo) ZonesWithActiveSchedules(ctx context.Context) ([]string, error) {
	var zones []string
	err := r.db.WithContext(ctx).Model(&ScheduleZone{}).
		Distinct().
		Joins("JOIN schedules ON schedules.id = schedule_zones.schedule_id").
		Where("schedules.active = ?", true).
		Order("schedule_zones.zone_id asc").
		Pluck("schedule_zones.zone_id", &zones).Error
	if err != nil {
		return nil, err
	}
	return zones, nil
}

func (r *Repo) RoomsWithActiveSchedules(ctx context.Context) ([]string, error) {
	var rooms []string
	err := r.db.WithContext(ctx).Model(&ScheduleRoom{}).
		Distinct().
		Joins("JOIN schedules ON schedules.id = schedule_rooms.schedule_id").
		Where("schedules.active = ?", true).
		Order("schedule_rooms.room_name asc").
		Pluck("schedule_rooms.room_name", &rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

type DBStats struct {
	TotalSchedules  int64 `json:"total_schedules"`
	ActiveSchedules int64 `json:"active_schedules"`
	TotalEntries    int64 `json:"total_entries"`
	ZoneAssignments int64 `json:"zone_assignments"`
	RoomAssignments int64 `json:"room_assignments"`
}

func (r *Repo) Stats(ctx context.Context) (*DBStats, error) {
	var s DBStats
	db := r.db.WithContext(ctx)
	if err := db.Model(&Schedule{}).Count(&s.TotalSchedules).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Schedule{}).Where("active = ?", true).Count(&s.ActiveSchedules).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&ScheduleEntry{}).Count(&s.TotalEntries).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&ScheduleZone{}).Count(&s.ZoneAssignments).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&ScheduleRoom{}).Count(&s.RoomAssignments).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ResolvedState is the answer to "what should this zone be doing at a
// given weekday and minute".
type ResolvedState struct {
	ScheduleID   string   `json:"schedule_id"`
	ScheduleName string   `json:"schedule_name"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Action       string   `json:"action"`
	Time         string   `json:"time"`
}

// StateAt resolves the entry governing a directly-assigned zone at the
// given weekday and minute: the latest switch point at or before the
// query instant wins, with schedule priority and then recency breaking
// ties on a shared instant. Returns (nil, nil) when no entry precedes
// the instant; that is a normal morning-before-first-switch answer, not
// an error. Room-derived assignments are resolved at compile time.
func (r *Repo) StateAt(ctx context.Context, zoneID string, dayOfWeek, minuteOfDay int) (*ResolvedState, error) {
	var row struct {
		ScheduleID   string
		ScheduleName string
		TimeMinutes  int
		Temperature  *float64
		Action       string
	}
	err := r.db.WithContext(ctx).
		Table("schedule_entries").
		Select("schedule_entries.schedule_id, schedules.name AS schedule_name, schedule_entries.time_minutes, schedule_entries.temperature, schedule_entries.action").
		Joins("JOIN schedules ON schedules.id = schedule_entries.schedule_id").
		Joins("JOIN schedule_zones ON schedule_zones.schedule_id = schedule_entries.schedule_id").
		Where("schedule_zones.zone_id = ? AND schedules.active = ? AND schedule_entries.day_of_week = ? AND schedule_entries.time_minutes <= ?",
			zoneID, true, dayOfWeek, minuteOfDay).
		Order("schedule_entries.time_minutes desc, schedules.priority desc, schedules.created_at desc").
		Limit(1).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ResolvedState{
		ScheduleID:   row.ScheduleID,
		ScheduleName: row.ScheduleName,
		Temperature:  row.Temperature,
		Action:       row.Action,
		Time:         ClockFromMinutes(row.TimeMinutes),
	}, nil
}

// buildViews assembles read views with bulk child loads to avoid
// per-schedule query fans.
func (r *Repo) buildViews(ctx context.Context, scheds []Schedule) ([]ScheduleView, error) {
	views := make([]ScheduleView, 0, len(scheds))
	if len(scheds) == 0 {
		return views, nil
	}
	ids := make([]string, 0, len(scheds))
	for _, s := range scheds {
		ids = append(ids, s.ID)
	}

	var zones []ScheduleZone
	if err := r.db.WithContext(ctx).Where("schedule_id IN ?", ids).Order("id asc").Find(&zones).Error; err != nil {
		return nil, err
	}
	zonesBySchedule := map[string][]string{}
	for _, z := range zones {
		zonesBySchedule[z.ScheduleID] = append(zonesBySchedule[z.ScheduleID], z.ZoneID)
	}

	var rooms []ScheduleRoom
	if err := r.db.WithContext(ctx).Where("schedule_id IN ?", ids).Order("id asc").Find(&rooms).Error; err != nil {
		return nil, err
	}
	roomsBySchedule := map[string][]string{}
	for _, rm := range rooms {
		roomsBySchedule[rm.ScheduleID] = append(roomsBySchedule[rm.ScheduleID], RoomRef(rm.RoomName, rm.AreaID))
	}

	var entries []ScheduleEntry
	if err := r.db.WithContext(ctx).Where("schedule_id IN ?", ids).
		Order("schedule_id asc, day_of_week asc, time_minutes asc").Find(&entries).Error; err != nil {
		return nil, err
	}
	entriesBySchedule := map[string][]ScheduleEntry{}
	for _, e := range entries {
		entriesBySchedule[e.ScheduleID] = append(entriesBySchedule[e.ScheduleID], e)
	}

	for _, s := range scheds {
		view := ScheduleView{
			ID:        s.ID,
			Name:      s.Name,
			Active:    s.Active,
			Priority:  s.Priority,
			Zones:     zonesBySchedule[s.ID],
			Rooms:     roomsBySchedule[s.ID],
			Metadata:  unmarshalMetadata(s.Metadata),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		}
		seenDays := map[int]bool{}
		for _, e := range entriesBySchedule[s.ID] {
			if !seenDays[e.DayOfWeek] {
				seenDays[e.DayOfWeek] = true
				view.Days = append(view.Days, DayName(e.DayOfWeek))
			}
			view.Entries = append(view.Entries, EntryView{
				Time:        ClockFromMinutes(e.TimeMinutes),
				Temperature: e.Temperature,
				Action:      e.Action,
			})
		}
		views = append(views, view)
	}
	return views, nil
}

func marshalMetadata(meta map[string]any) (datatypes.JSON, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func unmarshalMetadata(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}
