package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"schedule-service/internal/store"
)

func TestSchedulePayloadNormalization(t *testing.T) {
	p := SchedulePayload{
		Name:  "  Morning  ",
		Zones: []string{"climate.living_room", "climate.living_room", "  "},
		Days:  []string{"MON", "mon", "Tue"},
		Entries: []EntryPayload{
			{Start: "6:05", Temperature: json.RawMessage(`"21.5"`)},
			{Time: "22:00", Temperature: json.RawMessage(`"off"`)},
			{Time: "12:00"},
			{Time: "13:00", Action: "auto"},
		},
	}

	in, err := p.NormalizeAndValidate()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.Name != "Morning" {
		t.Errorf("name not trimmed: %q", in.Name)
	}
	if !in.Active {
		t.Error("active must default to true")
	}
	if len(in.Zones) != 1 {
		t.Errorf("zones not deduped: %v", in.Zones)
	}
	if len(in.Days) != 2 || in.Days[0] != "mon" || in.Days[1] != "tue" {
		t.Errorf("days not normalized: %v", in.Days)
	}

	e := in.Entries
	if e[0].Time != "06:05" || e[0].Action != store.ActionHeat || e[0].Temperature == nil || *e[0].Temperature != 21.5 {
		t.Errorf("unexpected first entry %+v", e[0])
	}
	if e[1].Action != store.ActionOff || e[1].Temperature != nil {
		t.Errorf(`"off" temperature must become the off action: %+v`, e[1])
	}
	if e[2].Action != store.ActionHeat || e[2].Temperature == nil || *e[2].Temperature != 20 {
		t.Errorf("bare entry must default to heat at 20: %+v", e[2])
	}
	if e[3].Action != store.ActionAuto || e[3].Temperature != nil {
		t.Errorf("unexpected auto entry %+v", e[3])
	}
}

func TestSchedulePayloadRejections(t *testing.T) {
	valid := func() SchedulePayload {
		return SchedulePayload{
			Name:  "Programme",
			Zones: []string{"climate.living_room"},
			Days:  []string{"mon"},
			Entries: []EntryPayload{
				{Time: "06:30", Temperature: json.RawMessage("21")},
			},
		}
	}

	cases := []struct {
		name      string
		mutate    func(*SchedulePayload)
		wantField string
	}{
		{"missing name", func(p *SchedulePayload) { p.Name = "   " }, "name"},
		{"no assignment", func(p *SchedulePayload) { p.Zones = nil }, "zones"},
		{"no days", func(p *SchedulePayload) { p.Days = nil }, "days"},
		{"unknown day", func(p *SchedulePayload) { p.Days = []string{"funday"} }, "days[0]"},
		{"no entries", func(p *SchedulePayload) { p.Entries = nil }, "entries"},
		{"hour out of range", func(p *SchedulePayload) { p.Entries[0].Time = "25:00" }, "entries[0].time"},
		{"missing colon", func(p *SchedulePayload) { p.Entries[0].Time = "0630" }, "entries[0].time"},
		{"bad temperature type", func(p *SchedulePayload) { p.Entries[0].Temperature = json.RawMessage("true") }, "entries[0].temperature"},
		{"unknown action", func(p *SchedulePayload) { p.Entries[0].Action = "cool" }, "entries[0].action"},
		{"off conflicts with heat", func(p *SchedulePayload) {
			p.Entries[0].Temperature = json.RawMessage(`"off"`)
			p.Entries[0].Action = "heat"
		}, "entries[0].temperature"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := valid()
			c.mutate(&p)
			_, err := p.NormalizeAndValidate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if verr.Field != c.wantField {
				t.Errorf("error field %q, want %q", verr.Field, c.wantField)
			}
		})
	}
}

func TestUpdatePayloadNormalization(t *testing.T) {
	var empty UpdatePayload
	patch, err := empty.NormalizeAndValidate()
	if err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if patch.Name != nil || patch.Active != nil || patch.Zones != nil || patch.Days != nil || patch.Entries != nil {
		t.Errorf("empty payload must produce an empty patch: %+v", patch)
	}

	blank := "  "
	if _, err := (&UpdatePayload{Name: &blank}).NormalizeAndValidate(); err == nil {
		t.Error("blank name must be rejected")
	}

	if _, err := (&UpdatePayload{Entries: []EntryPayload{}}).NormalizeAndValidate(); err == nil {
		t.Error("explicit empty entries must be rejected")
	}

	priority := 7
	patch, err = (&UpdatePayload{
		Priority: &priority,
		Days:     []string{"Sat", "sun"},
		Entries: []EntryPayload{
			{Time: "09:15", Temperature: json.RawMessage("19")},
		},
	}).NormalizeAndValidate()
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if patch.Priority == nil || *patch.Priority != 7 {
		t.Errorf("priority not carried: %+v", patch.Priority)
	}
	if len(patch.Days) != 2 || patch.Days[0] != "sat" {
		t.Errorf("days not normalized: %v", patch.Days)
	}
	if len(patch.Entries) != 1 || patch.Entries[0].Time != "09:15" {
		t.Errorf("entries not normalized: %+v", patch.Entries)
	}
}
