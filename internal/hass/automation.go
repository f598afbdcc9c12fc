package hass

// Automation is a consolidated schedule artifact in the shape Home
// Assistant's automation config API expects.
type Automation struct {
	Alias       string      `json:"alias"`
	Description string      `json:"description,omitempty"`
	Trigger     []Trigger   `json:"trigger"`
	Condition   []Condition `json:"condition"`
	Action      []Action    `json:"action"`
	Mode        string      `json:"mode"`
}

// Trigger fires the automation at a fixed wall-clock time.
type Trigger struct {
	Platform string `json:"platform"`
	At       string `json:"at"`
	ID       string `json:"id,omitempty"`
}

// Condition gates execution. The state form carries EntityID+State,
// the template form carries ValueTemplate.
type Condition struct {
	Condition     string `json:"condition"`
	EntityID      string `json:"entity_id,omitempty"`
	State         string `json:"state,omitempty"`
	ValueTemplate string `json:"value_template,omitempty"`
}

// Action is one step of the automation body: a variables binding, a
// choose dispatch, or a bare service call.
type Action struct {
	Variables map[string]any `json:"variables,omitempty"`
	Choose    []ChooseBranch `json:"choose,omitempty"`
	Default   []ServiceCall  `json:"default,omitempty"`
	Service   string         `json:"service,omitempty"`
	Target    *Target        `json:"target,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type ChooseBranch struct {
	Conditions []Condition   `json:"conditions"`
	Sequence   []ServiceCall `json:"sequence"`
}

type ServiceCall struct {
	Service string         `json:"service"`
	Target  *Target        `json:"target,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type Target struct {
	EntityID string `json:"entity_id"`
}
