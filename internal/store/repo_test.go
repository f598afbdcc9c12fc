package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return repo
}

func fp(v float64) *float64 { return &v }

func workdayInput(id string) ScheduleInput {
	return ScheduleInput{
		ID:     id,
		Name:   "Workday Morning",
		Active: true,
		Zones:  []string{"climate.living_room", "climate.kitchen"},
		Days:   []string{"mon", "tue", "wed"},
		Entries: []EntryInput{
			{Time: "06:00", Temperature: fp(20)},
			{Time: "22:00", Action: ActionOff},
		},
	}
}

func TestCreateOrReplaceMaterializesPerDay(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	view, err := repo.CreateOrReplace(ctx, workdayInput("test_001"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(view.Days) != 3 {
		t.Fatalf("expected 3 days, got %v", view.Days)
	}
	if len(view.Entries) != 6 {
		t.Fatalf("expected 3x2 materialized entries, got %d", len(view.Entries))
	}
	if len(view.Zones) != 2 {
		t.Fatalf("expected 2 zones, got %v", view.Zones)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntries != 6 || stats.ZoneAssignments != 2 || stats.TotalSchedules != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCreateOrReplaceIsIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if _, err := repo.CreateOrReplace(ctx, workdayInput("test_001")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := repo.CreateOrReplace(ctx, workdayInput("test_001")); err != nil {
		t.Fatalf("second create: %v", err)
	}

	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single schedule after re-create, got %d", len(all))
	}
	if len(all[0].Entries) != 6 || len(all[0].Zones) != 2 {
		t.Fatalf("expected children replaced not duplicated: %d entries, %d zones", len(all[0].Entries), len(all[0].Zones))
	}
}

func TestCreateNormalizesAndValidatesEntries(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	in := workdayInput("test_norm")
	in.Entries = []EntryInput{{Time: "21:00", Temperature: fp(18), Action: ActionOff}}
	view, err := repo.CreateOrReplace(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, e := range view.Entries {
		if e.Action != ActionOff || e.Temperature != nil {
			t.Fatalf("off entry should drop its temperature: %+v", e)
		}
	}

	in.ID = "test_bad_heat"
	in.Entries = []EntryInput{{Time: "06:00"}}
	if _, err := repo.CreateOrReplace(ctx, in); err == nil {
		t.Fatalf("expected error for heat entry without temperature")
	}

	in.ID = "test_bad_action"
	in.Entries = []EntryInput{{Time: "06:00", Temperature: fp(20), Action: "boost"}}
	if _, err := repo.CreateOrReplace(ctx, in); err == nil {
		t.Fatalf("expected error for unknown action")
	}

	in.ID = "test_bad_clock"
	in.Entries = []EntryInput{{Time: "26:99", Temperature: fp(20)}}
	if _, err := repo.CreateOrReplace(ctx, in); err == nil {
		t.Fatalf("expected error for malformed clock string")
	}
}

func TestCreateSkipsUnknownDayNames(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	in := workdayInput("test_days")
	in.Days = []string{"mon", "someday", "sun"}
	view, err := repo.CreateOrReplace(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(view.Days) != 2 || view.Days[0] != "mon" || view.Days[1] != "sun" {
		t.Fatalf("expected unknown day skipped, got %v", view.Days)
	}
}

func TestGetReturnsNilForUnknownID(t *testing.T) {
	repo := openTestRepo(t)
	view, err := repo.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view != nil {
		t.Fatalf("expected nil view, got %+v", view)
	}
}

func TestGetAllNewestFirst(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if _, err := repo.CreateOrReplace(ctx, workdayInput("older")); err != nil {
		t.Fatalf("create older: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := repo.CreateOrReplace(ctx, workdayInput("newer")); err != nil {
		t.Fatalf("create newer: %v", err)
	}

	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "newer" || all[1].ID != "older" {
		ids := make([]string, 0, len(all))
		for _, v := range all {
			ids = append(ids, v.ID)
		}
		t.Fatalf("expected newest first, got %v", ids)
	}
}

func TestUpdateMergesWithoutTouchingProgramme(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateOrReplace(ctx, workdayInput("test_001"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	name := "Renamed"
	active := false
	view, err := repo.Update(ctx, "test_001", UpdatePatch{Name: &name, Active: &active})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if view.Name != "Renamed" || view.Active {
		t.Fatalf("merge update not applied: %+v", view)
	}
	if len(view.Entries) != len(created.Entries) || len(view.Zones) != len(created.Zones) {
		t.Fatalf("merge update must not touch assignments or entries")
	}
}

func TestUpdateFullReplaceKeepsCreationTime(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateOrReplace(ctx, workdayInput("test_001"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	view, err := repo.Update(ctx, "test_001", UpdatePatch{
		Zones:   []string{"climate.bedroom"},
		Days:    []string{"sat"},
		Entries: []EntryInput{{Time: "09:00", Temperature: fp(19)}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(view.Zones) != 1 || view.Zones[0] != "climate.bedroom" {
		t.Fatalf("expected zones replaced, got %v", view.Zones)
	}
	if len(view.Entries) != 1 || view.Entries[0].Time != "09:00" {
		t.Fatalf("expected entries replaced, got %+v", view.Entries)
	}
	if !view.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("full replace must keep creation time: %v vs %v", view.CreatedAt, created.CreatedAt)
	}
	if !view.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}
}

func TestUpdateUnknownIDReturnsNil(t *testing.T) {
	repo := openTestRepo(t)
	name := "x"
	view, err := repo.Update(context.Background(), "missing", UpdatePatch{Name: &name})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view != nil {
		t.Fatalf("expected nil view for unknown id")
	}
}

func TestDeleteCascades(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	in := workdayInput("test_001")
	in.Rooms = []string{"Living Room|area_1"}
	if _, err := repo.CreateOrReplace(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	deleted, err := repo.Delete(ctx, "test_001")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatalf("expected delete to report a removed schedule")
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSchedules != 0 || stats.TotalEntries != 0 || stats.ZoneAssignments != 0 || stats.RoomAssignments != 0 {
		t.Fatalf("expected cascade to clear all child rows: %+v", stats)
	}

	deleted, err = repo.Delete(ctx, "test_001")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted {
		t.Fatalf("expected second delete to report nothing removed")
	}
}

func TestZonesWithActiveSchedules(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if _, err := repo.CreateOrReplace(ctx, workdayInput("active_1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	inactive := workdayInput("inactive_1")
	inactive.Active = false
	inactive.Zones = []string{"climate.cellar"}
	if _, err := repo.CreateOrReplace(ctx, inactive); err != nil {
		t.Fatalf("create inactive: %v", err)
	}
	// Second active schedule sharing a zone should not duplicate it.
	second := workdayInput("active_2")
	second.Zones = []string{"climate.living_room"}
	if _, err := repo.CreateOrReplace(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	zones, err := repo.ZonesWithActiveSchedules(ctx)
	if err != nil {
		t.Fatalf("zones: %v", err)
	}
	if len(zones) != 2 || zones[0] != "climate.kitchen" || zones[1] != "climate.living_room" {
		t.Fatalf("unexpected zones: %v", zones)
	}
}

func TestRoomAssignments(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	in := workdayInput("room_sched")
	in.Zones = nil
	in.Rooms = []string{"Living Room|area_living", "Kitchen"}
	view, err := repo.CreateOrReplace(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(view.Rooms) != 2 || view.Rooms[0] != "Living Room|area_living" || view.Rooms[1] != "Kitchen" {
		t.Fatalf("unexpected room refs: %v", view.Rooms)
	}

	found, err := repo.ActiveForRoom(ctx, "Living Room")
	if err != nil {
		t.Fatalf("active for room: %v", err)
	}
	if len(found) != 1 || found[0].ID != "room_sched" {
		t.Fatalf("expected room lookup to find the schedule, got %+v", found)
	}

	rooms, err := repo.RoomsWithActiveSchedules(ctx)
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0] != "Kitchen" || rooms[1] != "Living Room" {
		t.Fatalf("unexpected rooms: %v", rooms)
	}
}

func TestActiveForZoneSkipsInactiveAndUnrelated(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if _, err := repo.CreateOrReplace(ctx, workdayInput("active_1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	inactive := workdayInput("inactive_1")
	inactive.Active = false
	if _, err := repo.CreateOrReplace(ctx, inactive); err != nil {
		t.Fatalf("create inactive: %v", err)
	}

	found, err := repo.ActiveForZone(ctx, "climate.living_room")
	if err != nil {
		t.Fatalf("active for zone: %v", err)
	}
	if len(found) != 1 || found[0].ID != "active_1" {
		t.Fatalf("expected only the active schedule, got %+v", found)
	}

	none, err := repo.ActiveForZone(ctx, "climate.garage")
	if err != nil {
		t.Fatalf("active for unrelated zone: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no schedules for unrelated zone, got %+v", none)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	in := workdayInput("meta_1")
	in.Metadata = map[string]any{"legacy_migrated": true, "original_created_at": "2024-01-01T00:00:00"}
	view, err := repo.CreateOrReplace(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if view.Metadata["legacy_migrated"] != true {
		t.Fatalf("unexpected metadata: %+v", view.Metadata)
	}
	if view.Metadata["original_created_at"] != "2024-01-01T00:00:00" {
		t.Fatalf("unexpected metadata: %+v", view.Metadata)
	}
}
