package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"schedule-service/internal/store"
)

const (
	defaultStart       = "08:00"
	defaultTemperature = 20.0
)

// Importer is a one-shot migration of the old file-based storage: one
// JSON file per schedule, heating periods with start/end boundaries.
type Importer struct {
	store *store.Repo
}

func NewImporter(repo *store.Repo) *Importer {
	return &Importer{store: repo}
}

// legacySchedule mirrors one legacy JSON file. Older exports used
// "periods" with start/end pairs, newer ones "entries" with a single
// time; temperature may be a number or the string "off".
type legacySchedule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Zones     []string       `json:"zones"`
	Rooms     []string       `json:"rooms"`
	Days      []string       `json:"days"`
	Periods   []legacyPeriod `json:"periods"`
	Entries   []legacyPeriod `json:"entries"`
	Active    *bool          `json:"active"`
	CreatedAt string         `json:"created_at"`
	Error     string         `json:"error"`
}

type legacyPeriod struct {
	Time        string `json:"time"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Temperature any    `json:"temperature"`
}

// Migrate imports every *.json schedule under dir and returns how many
// were actually migrated. A missing directory means nothing to do.
// Files that fail to parse or persist are logged and skipped so one bad
// export cannot block the rest; schedules whose id already exists are
// skipped, which makes re-runs harmless.
func (im *Importer) Migrate(ctx context.Context, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("no legacy schedules directory found, skipping migration", "dir", dir)
			return 0, nil
		}
		return 0, fmt.Errorf("read legacy dir: %w", err)
	}

	migrated := 0
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, de.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			slog.Error("failed to read legacy schedule", "file", path, "error", err)
			continue
		}
		var ls legacySchedule
		if err := json.Unmarshal(raw, &ls); err != nil {
			slog.Error("failed to parse legacy schedule", "file", path, "error", err)
			continue
		}
		ok, err := im.migrateOne(ctx, ls)
		if err != nil {
			slog.Error("failed to migrate legacy schedule", "file", path, "error", err)
			continue
		}
		if ok {
			migrated++
		}
	}
	slog.Info("legacy migration finished", "dir", dir, "migrated", migrated)
	return migrated, nil
}

func (im *Importer) migrateOne(ctx context.Context, ls legacySchedule) (bool, error) {
	if ls.ID == "" {
		return false, nil
	}
	existing, err := im.store.Get(ctx, ls.ID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	periods := ls.Periods
	if len(periods) == 0 {
		periods = ls.Entries
	}
	entries := make([]store.EntryInput, 0, len(periods))
	for _, p := range periods {
		entries = append(entries, convertPeriod(p))
	}

	meta := map[string]any{"legacy_migrated": true}
	if ls.CreatedAt != "" {
		meta["original_created_at"] = ls.CreatedAt
	}
	if ls.Error != "" {
		meta["error"] = ls.Error
	}

	name := ls.Name
	if name == "" {
		name = "Migrated Schedule"
	}
	active := true
	if ls.Active != nil {
		active = *ls.Active
	}

	_, err = im.store.CreateOrReplace(ctx, store.ScheduleInput{
		ID:       ls.ID,
		Name:     name,
		Active:   active,
		Zones:    ls.Zones,
		Rooms:    ls.Rooms,
		Days:     ls.Days,
		Entries:  entries,
		Metadata: meta,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// convertPeriod maps a legacy period onto a single switch point: the
// period start becomes the entry time and the end boundary is dropped,
// since the following entry (or midnight) ends it implicitly.
func convertPeriod(p legacyPeriod) store.EntryInput {
	clock := p.Time
	if clock == "" {
		clock = p.Start
	}
	if clock == "" {
		clock = defaultStart
	}

	switch v := p.Temperature.(type) {
	case string:
		if strings.EqualFold(strings.TrimSpace(v), "off") {
			return store.EntryInput{Time: clock, Action: store.ActionOff}
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return store.EntryInput{Time: clock, Temperature: &f, Action: store.ActionHeat}
		}
	case float64:
		f := v
		return store.EntryInput{Time: clock, Temperature: &f, Action: store.ActionHeat}
	}
	f := defaultTemperature
	return store.EntryInput{Time: clock, Temperature: &f, Action: store.ActionHeat}
}
