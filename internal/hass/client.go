package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrNotFound reports a 404 from the platform, e.g. deleting an
// automation that is already gone or reading an unknown entity.
var ErrNotFound = errors.New("home assistant: not found")

type httpStatusError struct {
	status int
	body   string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("home assistant returned status %d", e.status)
	}
	return fmt.Sprintf("home assistant returned status %d: %s", e.status, e.body)
}

// Client talks to the Home Assistant REST API with a long-lived access
// token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Full state dumps on large installations run to megabytes.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

type stateObject struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

func (c *Client) states(ctx context.Context) ([]stateObject, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/states", nil)
	if err != nil {
		return nil, err
	}
	var states []stateObject
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// ClimateEntity is a heating zone as the platform reports it.
type ClimateEntity struct {
	EntityID           string   `json:"entity_id"`
	Name               string   `json:"name"`
	State              string   `json:"state"`
	CurrentTemperature *float64 `json:"current_temperature"`
	TargetTemperature  *float64 `json:"temperature"`
	HVACModes          []string `json:"hvac_modes"`
	MinTemp            float64  `json:"min_temp"`
	MaxTemp            float64  `json:"max_temp"`
	TempStep           float64  `json:"target_temp_step"`
}

// Zones lists every climate entity the platform knows about, sorted by
// entity id.
func (c *Client) Zones(ctx context.Context) ([]ClimateEntity, error) {
	states, err := c.states(ctx)
	if err != nil {
		return nil, err
	}

	var zones []ClimateEntity
	for _, s := range states {
		if !strings.HasPrefix(s.EntityID, "climate.") {
			continue
		}
		zones = append(zones, ClimateEntity{
			EntityID:           s.EntityID,
			Name:               friendlyName(s),
			State:              s.State,
			CurrentTemperature: getFloatPtr(s.Attributes, "current_temperature"),
			TargetTemperature:  getFloatPtr(s.Attributes, "temperature"),
			HVACModes:          getStringList(s.Attributes, "hvac_modes"),
			MinTemp:            getFloat(s.Attributes, "min_temp", 5),
			MaxTemp:            getFloat(s.Attributes, "max_temp", 30),
			TempStep:           getFloat(s.Attributes, "target_temp_step", 0.5),
		})
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].EntityID < zones[j].EntityID })
	return zones, nil
}

// EntityState is the current state of a single entity.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	Name        string         `json:"name"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// State reads one entity. Unknown entities return ErrNotFound.
func (c *Client) State(ctx context.Context, entityID string) (EntityState, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/states/"+entityID, nil)
	if err != nil {
		return EntityState{}, err
	}
	var s stateObject
	if err := json.Unmarshal(raw, &s); err != nil {
		return EntityState{}, err
	}
	return EntityState{
		EntityID:    s.EntityID,
		Name:        friendlyName(s),
		State:       s.State,
		Attributes:  s.Attributes,
		LastChanged: s.LastChanged,
		LastUpdated: s.LastUpdated,
	}, nil
}

type Room struct {
	Name    string   `json:"name"`
	AreaID  string   `json:"area_id,omitempty"`
	Devices []Device `json:"devices"`
}

type Device struct {
	EntityID string `json:"entity_id"`
}

// roomsTemplate renders the area registry as JSON: every area holding
// at least one climate entity, with those entity ids as devices.
const roomsTemplate = `{%- set rooms = namespace(items=[]) -%}
{%- for area in areas() -%}
{%- set devices = namespace(items=[]) -%}
{%- for entity_id in area_entities(area) -%}
{%- if entity_id.startswith('climate.') -%}
{%- set devices.items = devices.items + [{'entity_id': entity_id}] -%}
{%- endif -%}
{%- endfor -%}
{%- if devices.items | length > 0 -%}
{%- set rooms.items = rooms.items + [{'name': area_name(area), 'area_id': area, 'devices': devices.items}] -%}
{%- endif -%}
{%- endfor -%}
{{ rooms.items | tojson }}`

// Rooms lists areas that contain climate entities, resolved through
// the platform's template endpoint.
func (c *Client) Rooms(ctx context.Context) ([]Room, error) {
	raw, err := c.do(ctx, http.MethodPost, "/api/template", map[string]string{"template": roomsTemplate})
	if err != nil {
		return nil, err
	}
	var rooms []Room
	if err := json.Unmarshal(raw, &rooms); err != nil {
		return nil, fmt.Errorf("decoding room roster: %w", err)
	}
	return rooms, nil
}

// AutomationEntity is an automation as loaded by the platform.
// ConfigID carries the config API id when the platform exposes it.
type AutomationEntity struct {
	EntityID      string `json:"entity_id"`
	Name          string `json:"name"`
	State         string `json:"state"`
	ConfigID      string `json:"config_id,omitempty"`
	LastTriggered string `json:"last_triggered,omitempty"`
}

func (c *Client) ListAutomations(ctx context.Context) ([]AutomationEntity, error) {
	states, err := c.states(ctx)
	if err != nil {
		return nil, err
	}

	var automations []AutomationEntity
	for _, s := range states {
		if !strings.HasPrefix(s.EntityID, "automation.") {
			continue
		}
		automations = append(automations, AutomationEntity{
			EntityID:      s.EntityID,
			Name:          friendlyName(s),
			State:         s.State,
			ConfigID:      getString(s.Attributes, "id"),
			LastTriggered: getString(s.Attributes, "last_triggered"),
		})
	}
	sort.Slice(automations, func(i, j int) bool { return automations[i].EntityID < automations[j].EntityID })
	return automations, nil
}

// CreateAutomation writes an automation through the config API. The
// platform only activates it after ReloadAutomations.
func (c *Client) CreateAutomation(ctx context.Context, id string, automation Automation) error {
	_, err := c.do(ctx, http.MethodPost, "/api/config/automation/config/"+id, automation)
	return err
}

// DeleteAutomation removes an automation by config id. A missing
// automation reports ErrNotFound.
func (c *Client) DeleteAutomation(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/config/automation/config/"+id, nil)
	return err
}

func (c *Client) ReloadAutomations(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/services/automation/reload", struct{}{})
	return err
}

func (c *Client) SetTemperature(ctx context.Context, entityID string, temperature float64) error {
	payload := map[string]any{"entity_id": entityID, "temperature": temperature}
	_, err := c.do(ctx, http.MethodPost, "/api/services/climate/set_temperature", payload)
	return err
}

func (c *Client) SetHVACMode(ctx context.Context, entityID, mode string) error {
	payload := map[string]any{"entity_id": entityID, "hvac_mode": mode}
	_, err := c.do(ctx, http.MethodPost, "/api/services/climate/set_hvac_mode", payload)
	return err
}

// PresenceEntity is a candidate source for the away/home condition.
type PresenceEntity struct {
	EntityID       string   `json:"entity_id"`
	Name           string   `json:"name"`
	State          string   `json:"state"`
	DeviceClass    string   `json:"device_class,omitempty"`
	PossibleStates []string `json:"possible_states"`
	EntityType     string   `json:"entity_type"`
}

// AwayHomeEntities lists entities that can act as the presence source:
// persons, device trackers, presence-flavored groups and binary
// sensors, input booleans and zones.
func (c *Client) AwayHomeEntities(ctx context.Context) ([]PresenceEntity, error) {
	states, err := c.states(ctx)
	if err != nil {
		return nil, err
	}

	var entities []PresenceEntity
	for _, s := range states {
		if !isPresenceCandidate(s.EntityID) {
			continue
		}
		domain, _, _ := strings.Cut(s.EntityID, ".")
		entities = append(entities, PresenceEntity{
			EntityID:       s.EntityID,
			Name:           friendlyName(s),
			State:          s.State,
			DeviceClass:    getString(s.Attributes, "device_class"),
			PossibleStates: possibleStates(s.EntityID, s.State),
			EntityType:     domain,
		})
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].EntityID < entities[j].EntityID })
	return entities, nil
}

func isPresenceCandidate(entityID string) bool {
	switch {
	case strings.HasPrefix(entityID, "person."),
		strings.HasPrefix(entityID, "device_tracker."),
		strings.HasPrefix(entityID, "input_boolean."),
		strings.HasPrefix(entityID, "zone."):
		return true
	case strings.HasPrefix(entityID, "group."):
		return strings.Contains(entityID, "person") || strings.Contains(entityID, "home")
	case strings.HasPrefix(entityID, "binary_sensor."):
		return strings.Contains(entityID, "presence") ||
			strings.Contains(entityID, "occupancy") ||
			strings.Contains(entityID, "home")
	}
	return false
}

func possibleStates(entityID, current string) []string {
	switch {
	case strings.HasPrefix(entityID, "person."), strings.HasPrefix(entityID, "device_tracker."):
		return []string{"home", "not_home", "away"}
	case strings.HasPrefix(entityID, "binary_sensor."), strings.HasPrefix(entityID, "input_boolean."):
		return []string{"on", "off"}
	case strings.HasPrefix(entityID, "group."):
		return []string{"home", "not_home"}
	}
	if current == "" {
		return []string{"unknown"}
	}
	return []string{current}
}

// SetAwayHomeState drives the presence entity to the given state.
// Input booleans toggle through their own service, persons and device
// trackers through device_tracker.see; other entity types cannot be
// written.
func (c *Client) SetAwayHomeState(ctx context.Context, entityID, state string) error {
	switch {
	case strings.HasPrefix(entityID, "input_boolean."):
		service := "/api/services/input_boolean/turn_off"
		if state == "on" {
			service = "/api/services/input_boolean/turn_on"
		}
		_, err := c.do(ctx, http.MethodPost, service, map[string]any{"entity_id": entityID})
		return err
	case strings.HasPrefix(entityID, "person."), strings.HasPrefix(entityID, "device_tracker."):
		_, devID, _ := strings.Cut(entityID, ".")
		payload := map[string]any{"dev_id": devID, "location_name": state}
		_, err := c.do(ctx, http.MethodPost, "/api/services/device_tracker/see", payload)
		return err
	}
	return fmt.Errorf("entity %s does not support setting presence state", entityID)
}

// ConnectionInfo summarizes a successful probe of the platform.
type ConnectionInfo struct {
	Message      string `json:"message"`
	EntityCount  int    `json:"entity_count"`
	ClimateCount int    `json:"climate_count"`
}

// TestConnection probes the API root and counts visible entities.
func (c *Client) TestConnection(ctx context.Context) (ConnectionInfo, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/", nil)
	if err != nil {
		return ConnectionInfo{}, err
	}
	var root struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &root); err != nil {
		return ConnectionInfo{}, err
	}

	states, err := c.states(ctx)
	if err != nil {
		return ConnectionInfo{}, err
	}

	info := ConnectionInfo{Message: root.Message, EntityCount: len(states)}
	for _, s := range states {
		if strings.HasPrefix(s.EntityID, "climate.") {
			info.ClimateCount++
		}
	}
	return info, nil
}

func friendlyName(s stateObject) string {
	if name := getString(s.Attributes, "friendly_name"); name != "" {
		return name
	}
	return s.EntityID
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string, fallback float64) float64 {
	if m == nil {
		return fallback
	}
	if v, ok := m[key].(float64); ok {
		return v
	}
	return fallback
}

func getFloatPtr(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(float64); ok {
		return &v
	}
	return nil
}

func getStringList(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	arr, _ := m[key].([]any)
	var out []string
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
