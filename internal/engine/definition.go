package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"schedule-service/internal/store"
)

// Schedule payloads are the only supported write format.
//
// Shape:
//
//	{
//	  "name": "Workday mornings",
//	  "zones": ["climate.living_room"],
//	  "rooms": ["Living Room|living_room"],
//	  "days": ["mon", "tue", "wed"],
//	  "entries": [
//	    {"time": "06:30", "temperature": 21.5},
//	    {"time": "22:00", "temperature": "off"}
//	  ],
//	  "priority": 0,
//	  "metadata": {}
//	}
//
// Entries accept "start" as an alias for "time" so period-shaped
// payloads from older clients keep working. A temperature of "off"
// folds into the off action. Actions form a closed set: heat, off,
// auto. Days use the mon..sun names. Every (day, entry) pair becomes
// one stored row.

const defaultHeatTemperature = 20.0

// ValidationError reports a rejected payload field. Field uses dotted
// paths like entries[2].time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// EntryPayload is one programme step as submitted over HTTP.
type EntryPayload struct {
	Time        string          `json:"time,omitempty"`
	Start       string          `json:"start,omitempty"`
	Temperature json.RawMessage `json:"temperature,omitempty"`
	Action      string          `json:"action,omitempty"`
}

type SchedulePayload struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Active   *bool          `json:"active,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Zones    []string       `json:"zones,omitempty"`
	Rooms    []string       `json:"rooms,omitempty"`
	Days     []string       `json:"days,omitempty"`
	Entries  []EntryPayload `json:"entries,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NormalizeAndValidate checks the payload and returns the write model:
// days lowercased and deduped, entry clocks validated and zero-padded,
// the action enum closed, "off" temperatures folded into the off
// action, heat entries without a temperature defaulted.
func (p *SchedulePayload) NormalizeAndValidate() (store.ScheduleInput, error) {
	var in store.ScheduleInput

	in.ID = strings.TrimSpace(p.ID)
	in.Name = strings.TrimSpace(p.Name)
	if in.Name == "" {
		return in, invalid("name", "is required")
	}

	in.Active = true
	if p.Active != nil {
		in.Active = *p.Active
	}
	in.Priority = p.Priority

	in.Zones = cleanList(p.Zones)
	in.Rooms = cleanList(p.Rooms)
	if len(in.Zones) == 0 && len(in.Rooms) == 0 {
		return in, invalid("zones", "at least one zone or room assignment is required")
	}

	days, err := normalizeDays(p.Days)
	if err != nil {
		return in, err
	}
	in.Days = days

	if len(p.Entries) == 0 {
		return in, invalid("entries", "at least one entry is required")
	}
	in.Entries = make([]store.EntryInput, 0, len(p.Entries))
	for i, raw := range p.Entries {
		entry, err := raw.normalize(i)
		if err != nil {
			return in, err
		}
		in.Entries = append(in.Entries, entry)
	}

	in.Metadata = p.Metadata
	return in, nil
}

// UpdatePayload is the PUT body: absent fields keep their stored
// values. A payload carrying zones, days and entries together replaces
// the whole programme.
type UpdatePayload struct {
	Name     *string        `json:"name,omitempty"`
	Active   *bool          `json:"active,omitempty"`
	Priority *int           `json:"priority,omitempty"`
	Zones    []string       `json:"zones,omitempty"`
	Rooms    []string       `json:"rooms,omitempty"`
	Days     []string       `json:"days,omitempty"`
	Entries  []EntryPayload `json:"entries,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (p *UpdatePayload) NormalizeAndValidate() (store.UpdatePatch, error) {
	var patch store.UpdatePatch

	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return patch, invalid("name", "must not be empty")
		}
		patch.Name = &name
	}
	patch.Active = p.Active
	patch.Priority = p.Priority
	patch.Metadata = p.Metadata

	if p.Zones != nil {
		patch.Zones = cleanList(p.Zones)
	}
	if p.Rooms != nil {
		patch.Rooms = cleanList(p.Rooms)
	}
	if p.Days != nil {
		days, err := normalizeDays(p.Days)
		if err != nil {
			return patch, err
		}
		patch.Days = days
	}
	if p.Entries != nil {
		if len(p.Entries) == 0 {
			return patch, invalid("entries", "at least one entry is required")
		}
		entries := make([]store.EntryInput, 0, len(p.Entries))
		for i, raw := range p.Entries {
			entry, err := raw.normalize(i)
			if err != nil {
				return patch, err
			}
			entries = append(entries, entry)
		}
		patch.Entries = entries
	}
	return patch, nil
}

func (p EntryPayload) normalize(index int) (store.EntryInput, error) {
	field := func(name string) string { return fmt.Sprintf("entries[%d].%s", index, name) }

	clock := strings.TrimSpace(p.Time)
	if clock == "" {
		clock = strings.TrimSpace(p.Start)
	}
	if clock == "" {
		return store.EntryInput{}, invalid(field("time"), "is required")
	}
	minutes, err := store.MinutesFromClock(clock)
	if err != nil {
		return store.EntryInput{}, invalid(field("time"), err.Error())
	}
	entry := store.EntryInput{Time: store.ClockFromMinutes(minutes)}

	action := strings.ToLower(strings.TrimSpace(p.Action))
	temperature, off, err := decodeTemperature(p.Temperature)
	if err != nil {
		return store.EntryInput{}, invalid(field("temperature"), err.Error())
	}
	if off {
		if action != "" && action != store.ActionOff {
			return store.EntryInput{}, invalid(field("temperature"), fmt.Sprintf(`"off" conflicts with action %q`, action))
		}
		action = store.ActionOff
	}
	if action == "" {
		action = store.ActionHeat
	}

	switch action {
	case store.ActionOff:
		entry.Action = store.ActionOff
	case store.ActionHeat:
		entry.Action = store.ActionHeat
		if temperature == nil {
			t := defaultHeatTemperature
			temperature = &t
		}
		entry.Temperature = temperature
	case store.ActionAuto:
		entry.Action = store.ActionAuto
		entry.Temperature = temperature
	default:
		return store.EntryInput{}, invalid(field("action"), fmt.Sprintf("unsupported action %q", p.Action))
	}
	return entry, nil
}

func decodeTemperature(raw json.RawMessage) (*float64, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return &num, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "off" {
			return nil, true, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return &f, false, nil
		}
		return nil, false, fmt.Errorf("unsupported temperature %q", s)
	}
	return nil, false, errors.New(`must be a number or the string "off"`)
}

func normalizeDays(days []string) ([]string, error) {
	if len(days) == 0 {
		return nil, invalid("days", "at least one day is required")
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(days))
	for i, raw := range days {
		day := strings.ToLower(strings.TrimSpace(raw))
		if _, ok := store.DayNumber(day); !ok {
			return nil, invalid(fmt.Sprintf("days[%d]", i), fmt.Sprintf("unknown day %q", raw))
		}
		if _, dup := seen[day]; dup {
			continue
		}
		seen[day] = struct{}{}
		out = append(out, day)
	}
	return out, nil
}

func cleanList(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
