package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"schedule-service/internal/hass"
)

// Apply pushes or removes a zone's consolidated automation on the
// platform. A nil artifact removes; removing an automation the platform
// no longer has still counts as success. Failures are logged and
// reported as false rather than returned: the store stays authoritative
// either way and the periodic resync repairs the drift.
func (e *Engine) Apply(ctx context.Context, zoneID string, artifact *hass.Automation) bool {
	client, cfg := e.collaborators()
	if client == nil {
		return true
	}
	artifactID := zoneArtifactID(cfg.HomeAssistant.EntityPrefix, zoneID)

	if artifact == nil {
		err := client.DeleteAutomation(ctx, artifactID)
		switch {
		case err == nil:
			slog.Info("removed zone automation", "zone", zoneID, "automation_id", artifactID)
			return true
		case errors.Is(err, hass.ErrNotFound):
			return true
		default:
			slog.Error("removing zone automation failed", "zone", zoneID, "automation_id", artifactID, "error", err)
			return false
		}
	}

	cleanupStaleAutomations(ctx, client, cfg.HomeAssistant.EntityPrefix, zoneID)

	if !pushAutomation(ctx, client, artifactID, *artifact) {
		return false
	}
	slog.Info("pushed zone automation", "zone", zoneID, "automation_id", artifactID, "triggers", len(artifact.Trigger))
	return true
}

// pushAutomation upserts the automation config, trying each delivery
// path in order and stopping at the first success. The platform
// occasionally accepts a config write but fails the response mid-flight,
// so a failed upsert is followed by a reload and a listing re-check
// before the push is declared lost.
func pushAutomation(ctx context.Context, client *hass.Client, artifactID string, artifact hass.Automation) bool {
	err := client.CreateAutomation(ctx, artifactID, artifact)
	if err == nil {
		if rerr := client.ReloadAutomations(ctx); rerr != nil {
			slog.Warn("automation reload failed", "automation_id", artifactID, "error", rerr)
		}
		return true
	}
	slog.Warn("automation config upsert failed", "automation_id", artifactID, "error", err)

	if rerr := client.ReloadAutomations(ctx); rerr != nil {
		slog.Warn("automation reload failed", "automation_id", artifactID, "error", rerr)
	}
	automations, lerr := client.ListAutomations(ctx)
	if lerr != nil {
		slog.Error("listing automations after failed upsert failed", "automation_id", artifactID, "error", lerr)
		return false
	}
	for _, a := range automations {
		if a.ConfigID == artifactID {
			slog.Info("automation present after reload", "automation_id", artifactID)
			return true
		}
	}
	slog.Error("automation delivery attempts exhausted", "automation_id", artifactID, "error", err)
	return false
}

// cleanupStaleAutomations best-effort deletes the zone's previous
// consolidated automation plus any per-entry automations left behind by
// older installs. The upsert overwrites the consolidated id anyway;
// stale siblings would keep firing if left in place.
func cleanupStaleAutomations(ctx context.Context, client *hass.Client, entityPrefix, zoneID string) {
	zonePrefix := entityPrefix + "_zone_" + zoneKey(zoneID)
	consolidated := zoneArtifactID(entityPrefix, zoneID)

	if err := client.DeleteAutomation(ctx, consolidated); err != nil && !errors.Is(err, hass.ErrNotFound) {
		slog.Warn("deleting previous zone automation failed", "automation_id", consolidated, "error", err)
	}

	automations, err := client.ListAutomations(ctx)
	if err != nil {
		slog.Warn("listing automations for cleanup failed", "zone", zoneID, "error", err)
		return
	}
	for _, a := range automations {
		id := a.ConfigID
		if id == "" || id == consolidated || !strings.HasPrefix(id, zonePrefix) {
			continue
		}
		if err := client.DeleteAutomation(ctx, id); err != nil && !errors.Is(err, hass.ErrNotFound) {
			slog.Warn("deleting stale automation failed", "automation_id", id, "error", err)
			continue
		}
		slog.Info("removed stale automation", "zone", zoneID, "automation_id", id)
	}
}

// SyncZones recompiles and pushes the consolidated automation for each
// given zone. Zones whose schedules were all removed or deactivated get
// their automation deleted instead. Returns false if any zone failed.
// Callers serialize through the engine mutex.
func (e *Engine) SyncZones(ctx context.Context, zones []string) bool {
	client, _ := e.collaborators()
	if client == nil || len(zones) == 0 {
		return true
	}
	rooms := e.roster(ctx)
	opts := e.artifactOptions()

	ok := true
	for _, zone := range cleanList(zones) {
		schedules, err := e.governingSchedules(ctx, zone, rooms)
		if err != nil {
			slog.Error("collecting schedules for zone failed", "zone", zone, "error", err)
			ok = false
			continue
		}
		var artifact *hass.Automation
		if len(schedules) > 0 {
			artifact = buildZoneArtifact(zone, schedules, opts)
		}
		if !e.Apply(ctx, zone, artifact) {
			ok = false
		}
	}
	return ok
}

// SyncAllZones pushes every zone that currently governs schedules and
// sweeps consolidated automations belonging to zones that no longer do.
func (e *Engine) SyncAllZones(ctx context.Context) bool {
	client, cfg := e.collaborators()
	if client == nil {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	zones, err := e.repo.ZonesWithActiveSchedules(ctx)
	if err != nil {
		slog.Error("listing zones with schedules failed", "error", err)
		return false
	}
	zoneSet := make(map[string]struct{}, len(zones))
	for _, z := range zones {
		zoneSet[z] = struct{}{}
	}

	roomNames, err := e.repo.RoomsWithActiveSchedules(ctx)
	if err != nil {
		slog.Error("listing rooms with schedules failed", "error", err)
		return false
	}
	if len(roomNames) > 0 {
		named := make(map[string]struct{}, len(roomNames))
		for _, ref := range roomNames {
			named[ref] = struct{}{}
		}
		for _, room := range e.roster(ctx) {
			if _, ok := named[room.Name]; !ok {
				continue
			}
			for _, device := range room.Devices {
				zoneSet[device.EntityID] = struct{}{}
			}
		}
	}

	expected := make(map[string]struct{}, len(zoneSet))
	affected := make([]string, 0, len(zoneSet))
	for zone := range zoneSet {
		affected = append(affected, zone)
		expected[zoneArtifactID(cfg.HomeAssistant.EntityPrefix, zone)] = struct{}{}
	}
	sort.Strings(affected)

	ok := sweepOrphanAutomations(ctx, client, cfg.HomeAssistant.EntityPrefix, expected)
	if !e.SyncZones(ctx, affected) {
		ok = false
	}
	return ok
}

// sweepOrphanAutomations removes consolidated automations whose zone no
// longer governs any schedule, so deactivating the last schedule of a
// zone eventually clears the platform even if the direct delete failed.
func sweepOrphanAutomations(ctx context.Context, client *hass.Client, entityPrefix string, expected map[string]struct{}) bool {
	automations, err := client.ListAutomations(ctx)
	if err != nil {
		slog.Warn("listing automations for orphan sweep failed", "error", err)
		return true
	}
	ok := true
	for _, a := range automations {
		id := a.ConfigID
		if !strings.HasPrefix(id, entityPrefix+"_zone_") || !strings.HasSuffix(id, "_consolidated") {
			continue
		}
		if _, want := expected[id]; want {
			continue
		}
		if err := client.DeleteAutomation(ctx, id); err != nil && !errors.Is(err, hass.ErrNotFound) {
			slog.Error("removing orphan automation failed", "automation_id", id, "error", err)
			ok = false
			continue
		}
		slog.Info("removed orphan automation", "automation_id", id)
	}
	return ok
}
