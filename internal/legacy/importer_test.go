package legacy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"schedule-service/internal/store"
)

func testRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:legacy_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return repo
}

func writeLegacyFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestMigratePeriodsAndIdempotence(t *testing.T) {
	repo := testRepo(t)
	im := NewImporter(repo)
	ctx := context.Background()
	dir := t.TempDir()

	writeLegacyFile(t, dir, "legacy_001.json", `{
		"id": "legacy_001",
		"name": "Legacy Workday",
		"zones": ["climate.legacy_zone"],
		"days": ["mon", "tue", "wed"],
		"periods": [
			{"start": "07:00", "end": "09:00", "temperature": 20},
			{"start": "18:00", "end": "22:00", "temperature": 21}
		],
		"active": true,
		"created_at": "2024-01-01T00:00:00"
	}`)

	count, err := im.Migrate(ctx, dir)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 migrated schedule, got %d", count)
	}

	view, err := repo.Get(ctx, "legacy_001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view == nil {
		t.Fatalf("expected migrated schedule to exist")
	}
	if view.Name != "Legacy Workday" || !view.Active {
		t.Fatalf("unexpected schedule: %+v", view)
	}
	if len(view.Days) != 3 || len(view.Entries) != 6 {
		t.Fatalf("expected 3 days x 2 periods, got days=%v entries=%d", view.Days, len(view.Entries))
	}
	first := view.Entries[0]
	if first.Time != "07:00" || first.Action != store.ActionHeat || first.Temperature == nil || *first.Temperature != 20 {
		t.Fatalf("period start should become the entry time: %+v", first)
	}
	if view.Metadata["legacy_migrated"] != true {
		t.Fatalf("expected legacy_migrated metadata, got %+v", view.Metadata)
	}
	if view.Metadata["original_created_at"] != "2024-01-01T00:00:00" {
		t.Fatalf("expected original creation time preserved, got %+v", view.Metadata)
	}

	// Re-running finds the id already present and imports nothing.
	count, err = im.Migrate(ctx, dir)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected idempotent re-run, got %d", count)
	}
}

func TestMigrateOffAndDefaultPeriods(t *testing.T) {
	repo := testRepo(t)
	im := NewImporter(repo)
	ctx := context.Background()
	dir := t.TempDir()

	writeLegacyFile(t, dir, "night.json", `{
		"id": "night",
		"name": "Night",
		"zones": ["climate.bedroom"],
		"days": ["fri"],
		"periods": [
			{"start": "23:00", "temperature": "off"},
			{}
		]
	}`)

	if _, err := im.Migrate(ctx, dir); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	view, err := repo.Get(ctx, "night")
	if err != nil || view == nil {
		t.Fatalf("get: %v %v", view, err)
	}
	if len(view.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", view.Entries)
	}
	// Entries come back in time order: the defaulted 08:00 first.
	if view.Entries[0].Time != "08:00" || view.Entries[0].Temperature == nil || *view.Entries[0].Temperature != 20 {
		t.Fatalf("expected default start and temperature, got %+v", view.Entries[0])
	}
	if view.Entries[1].Action != store.ActionOff || view.Entries[1].Temperature != nil {
		t.Fatalf(`expected "off" temperature to map to an off action, got %+v`, view.Entries[1])
	}
	if !view.Active {
		t.Fatalf("missing active flag should default to true")
	}
}

func TestMigrateSkipsBrokenFiles(t *testing.T) {
	repo := testRepo(t)
	im := NewImporter(repo)
	ctx := context.Background()
	dir := t.TempDir()

	writeLegacyFile(t, dir, "good.json", `{"id": "good", "name": "Good", "zones": ["climate.ok"], "days": ["sat"], "periods": [{"start": "09:00", "temperature": 19}]}`)
	writeLegacyFile(t, dir, "broken.json", `{not json`)
	writeLegacyFile(t, dir, "anonymous.json", `{"name": "No ID"}`)
	writeLegacyFile(t, dir, "notes.txt", `not a schedule`)

	count, err := im.Migrate(ctx, dir)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the parseable schedule with an id, got %d", count)
	}
}

func TestMigrateMissingDir(t *testing.T) {
	repo := testRepo(t)
	im := NewImporter(repo)

	count, err := im.Migrate(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("expected missing dir to be a no-op, got %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 migrations, got %d", count)
	}
}
