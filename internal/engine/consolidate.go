package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"schedule-service/internal/hass"
	"schedule-service/internal/store"
)

const logbookName = "Smart Heating Schedule"

// ArtifactOptions is the config slice the compiler needs.
type ArtifactOptions struct {
	EntityPrefix string
	AwayEnabled  bool
	AwayEntityID string
	HomeState    string
}

// zoneKey cleans a climate entity id for use inside an automation id:
// domain prefix stripped, non-alphanumerics squashed to underscores,
// lowercased.
func zoneKey(zoneID string) string {
	name := strings.TrimPrefix(zoneID, "climate.")
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func zoneArtifactID(prefix, zoneID string) string {
	return fmt.Sprintf("%s_zone_%s_consolidated", prefix, zoneKey(zoneID))
}

func zoneDisplayName(zoneID string) string {
	name := strings.TrimPrefix(zoneID, "climate.")
	words := strings.Split(strings.ReplaceAll(name, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// governingSchedules gathers the schedules that govern a zone: directly
// assigned ones plus those assigned to any roster room containing the
// zone, deduped by schedule id.
func (e *Engine) governingSchedules(ctx context.Context, zoneID string, rooms []hass.Room) ([]store.ScheduleView, error) {
	schedules, err := e.repo.ActiveForZone(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	for _, room := range rooms {
		if !roomHasZone(room, zoneID) {
			continue
		}
		roomSchedules, err := e.repo.ActiveForRoom(ctx, room.Name)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, roomSchedules...)
	}

	seen := map[string]struct{}{}
	unique := schedules[:0]
	for _, s := range schedules {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		unique = append(unique, s)
	}
	return unique, nil
}

func roomHasZone(room hass.Room, zoneID string) bool {
	for _, device := range room.Devices {
		if device.EntityID == zoneID {
			return true
		}
	}
	return false
}

// buildZoneArtifact compiles the governing schedules of a zone into its
// single consolidated automation. Schedules are layered in ascending
// (priority, created_at) order so the evaluation expression's last
// write - the highest-priority, newest schedule - wins shared instants.
// Returns nil when nothing governs the zone.
func buildZoneArtifact(zoneID string, schedules []store.ScheduleView, opts ArtifactOptions) *hass.Automation {
	ordered := evaluationOrder(schedules)
	triggers := buildTriggers(ordered)
	if len(triggers) == 0 {
		return nil
	}

	var conditions []hass.Condition
	if opts.AwayEnabled && opts.AwayEntityID != "" {
		conditions = append(conditions, hass.Condition{
			Condition: "state",
			EntityID:  opts.AwayEntityID,
			State:     opts.HomeState,
		})
	}
	conditions = append(conditions, hass.Condition{
		Condition:     "template",
		ValueTemplate: buildMatchTemplate(ordered),
	})

	display := zoneDisplayName(zoneID)
	target := &hass.Target{EntityID: zoneID}

	actions := []hass.Action{
		{Variables: map[string]any{"target_state": buildTargetStateTemplate(ordered)}},
		{
			Choose: []hass.ChooseBranch{
				{
					Conditions: []hass.Condition{{Condition: "template", ValueTemplate: "{{ target_state.action == 'off' }}"}},
					Sequence: []hass.ServiceCall{
						{Service: "climate.set_hvac_mode", Target: target, Data: map[string]any{"hvac_mode": "off"}},
						{Service: "logbook.log", Data: map[string]any{
							"name":    logbookName,
							"message": fmt.Sprintf("Turned off heating in %s (Schedule: {{ target_state.schedule_name }})", display),
						}},
					},
				},
				{
					Conditions: []hass.Condition{{Condition: "template", ValueTemplate: "{{ target_state.action == 'auto' }}"}},
					Sequence: []hass.ServiceCall{
						{Service: "climate.set_hvac_mode", Target: target, Data: map[string]any{"hvac_mode": "auto"}},
						{Service: "logbook.log", Data: map[string]any{
							"name":    logbookName,
							"message": fmt.Sprintf("Switched %s to automatic mode (Schedule: {{ target_state.schedule_name }})", display),
						}},
					},
				},
			},
			Default: []hass.ServiceCall{
				{Service: "climate.set_temperature", Target: target, Data: map[string]any{"temperature": "{{ target_state.temperature }}"}},
				{Service: "climate.set_hvac_mode", Target: target, Data: map[string]any{"hvac_mode": "heat"}},
				{Service: "logbook.log", Data: map[string]any{
					"name":    logbookName,
					"message": fmt.Sprintf("Set %s to {{ target_state.temperature }}°C (Schedule: {{ target_state.schedule_name }})", display),
				}},
			},
		},
	}

	return &hass.Automation{
		Alias:       "Smart Heating Schedule: " + display,
		Description: fmt.Sprintf("Consolidated heating schedule for %s - manages %d schedules", display, len(ordered)),
		Trigger:     triggers,
		Condition:   conditions,
		Action:      actions,
		Mode:        "single",
	}
}

func evaluationOrder(schedules []store.ScheduleView) []store.ScheduleView {
	ordered := append([]store.ScheduleView(nil), schedules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	return ordered
}

// buildTriggers emits one time trigger per distinct switch instant
// across every governing schedule; instants shared between schedules
// collapse into a single trigger.
func buildTriggers(schedules []store.ScheduleView) []hass.Trigger {
	seen := map[string]struct{}{}
	var times []string
	for _, s := range schedules {
		if !s.Active {
			continue
		}
		for _, entry := range s.Entries {
			if _, ok := seen[entry.Time]; ok {
				continue
			}
			seen[entry.Time] = struct{}{}
			times = append(times, entry.Time)
		}
	}
	sort.Strings(times)

	triggers := make([]hass.Trigger, 0, len(times))
	for _, t := range times {
		triggers = append(triggers, hass.Trigger{
			Platform: "time",
			At:       t,
			ID:       "time_" + strings.ReplaceAll(t, ":", "_"),
		})
	}
	return triggers
}

// buildMatchTemplate is true iff the current day and minute hit a
// switch instant of some governing schedule.
func buildMatchTemplate(schedules []store.ScheduleView) string {
	var parts []string
	for _, s := range schedules {
		if !s.Active || len(s.Days) == 0 || len(s.Entries) == 0 {
			continue
		}
		dayCond := "now().strftime('%a').lower() in " + jinjaList(s.Days)
		var timeConds []string
		for _, layer := range scheduleLayers(s) {
			timeConds = append(timeConds, fmt.Sprintf("now().strftime('%%H:%%M') == '%s'", layer.time))
		}
		parts = append(parts, fmt.Sprintf("(%s and (%s))", dayCond, strings.Join(timeConds, " or ")))
	}
	if len(parts) == 0 {
		return "{{ false }}"
	}
	return "{{ " + strings.Join(parts, " or ") + " }}"
}

// buildTargetStateTemplate computes the (temperature, action, name)
// triple for the firing instant. Each matching entry overwrites result,
// so evaluation order decides shared instants.
func buildTargetStateTemplate(schedules []store.ScheduleView) string {
	lines := []string{
		"{% set current_day = now().strftime('%a').lower() %}",
		"{% set current_time = now().strftime('%H:%M') %}",
		"{% set result = {'temperature': 20, 'action': 'heat', 'schedule_name': 'Default'} %}",
	}
	for _, s := range schedules {
		if !s.Active || len(s.Days) == 0 || len(s.Entries) == 0 {
			continue
		}
		name := escapeJinja(s.Name)
		lines = append(lines, fmt.Sprintf("{%%- if current_day in %s -%%}", jinjaList(s.Days)))
		for _, layer := range scheduleLayers(s) {
			var result string
			switch layer.action {
			case store.ActionOff:
				result = fmt.Sprintf("{'temperature': none, 'action': 'off', 'schedule_name': '%s'}", name)
			case store.ActionAuto:
				result = fmt.Sprintf("{'temperature': %s, 'action': 'auto', 'schedule_name': '%s'}", jinjaTemperature(layer.temperature), name)
			case store.ActionHeat:
				result = fmt.Sprintf("{'temperature': %s, 'action': 'heat', 'schedule_name': '%s'}", jinjaTemperature(layer.temperature), name)
			default:
				continue
			}
			lines = append(lines,
				fmt.Sprintf("  {%%- if current_time == '%s' -%%}", layer.time),
				fmt.Sprintf("    {%%- set result = %s -%%}", result),
				"  {%- endif -%}",
			)
		}
		lines = append(lines, "{% endif %}")
	}
	lines = append(lines, "{{ result }}")
	return strings.Join(lines, "\n")
}

type layerEntry struct {
	time        string
	temperature *float64
	action      string
}

// scheduleLayers flattens a schedule's day-expanded rows back to one
// layer per distinct instant; a later row at the same instant replaces
// the earlier one.
func scheduleLayers(s store.ScheduleView) []layerEntry {
	index := map[string]int{}
	var layers []layerEntry
	for _, entry := range s.Entries {
		layer := layerEntry{time: entry.Time, temperature: entry.Temperature, action: entry.Action}
		if i, ok := index[entry.Time]; ok {
			layers[i] = layer
			continue
		}
		index[entry.Time] = len(layers)
		layers = append(layers, layer)
	}
	return layers
}

func jinjaTemperature(t *float64) string {
	if t == nil {
		return "none"
	}
	return strconv.FormatFloat(*t, 'f', -1, 64)
}

func jinjaList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + escapeJinja(v) + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func escapeJinja(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", `\'`)
	return s
}

// ConsolidationStats reports how many per-entry automations the single
// consolidated artifact per zone replaces.
type ConsolidationStats struct {
	TotalSchedules          int64   `json:"total_schedules"`
	ActiveSchedules         int64   `json:"active_schedules"`
	TotalEntries            int64   `json:"total_entries"`
	ZonesWithSchedules      int     `json:"zones_with_schedules"`
	IndividualAutomations   int     `json:"individual_automations"`
	ConsolidatedAutomations int     `json:"consolidated_automations"`
	ReductionRatio          float64 `json:"reduction_ratio"`
}

func (e *Engine) ConsolidationStats(ctx context.Context) (*ConsolidationStats, error) {
	dbStats, err := e.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	zones, err := e.repo.ZonesWithActiveSchedules(ctx)
	if err != nil {
		return nil, err
	}

	individual := 0
	for _, zone := range zones {
		schedules, err := e.repo.ActiveForZone(ctx, zone)
		if err != nil {
			return nil, err
		}
		for _, s := range schedules {
			individual += len(s.Entries)
		}
	}

	stats := &ConsolidationStats{
		TotalSchedules:          dbStats.TotalSchedules,
		ActiveSchedules:         dbStats.ActiveSchedules,
		TotalEntries:            dbStats.TotalEntries,
		ZonesWithSchedules:      len(zones),
		IndividualAutomations:   individual,
		ConsolidatedAutomations: len(zones),
	}
	if individual > 0 {
		stats.ReductionRatio = float64(individual-len(zones)) / float64(individual)
	}
	return stats, nil
}
