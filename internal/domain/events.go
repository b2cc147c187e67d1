package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type EventType string

const (
	EventLayerCreated               EventType = "layer.created"
	EventLayerDeleted               EventType = "layer.deleted"
	EventLayerKeysModified          EventType = "layer.keys_modified"
	EventEnvironmentCreated         EventType = "environment.created"
	EventEnvironmentDeleted         EventType = "environment.deleted"
	EventEnvironmentLayersAssigned  EventType = "environment.layers_assigned"
	EventStructureCreated           EventType = "structure.created"
	EventStructureDeleted           EventType = "structure.deleted"
	EventStructureKeysModified      EventType = "structure.keys_modified"
	EventStructureVariablesModified EventType = "structure.variables_modified"
	EventConfigurationBuilt         EventType = "configuration.built"
)

// Event is one immutable fact in the log. Revision is assigned by the log on
// append; Data holds the JSON encoding of exactly one Payload.
type Event struct {
	Revision  Revision        `json:"revision"`
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data"`
}

// Payload is the closed set of event bodies. Only types in this package
// implement it.
type Payload interface {
	EventType() EventType
	Validate() error
	sealed()
}

type ActionKind string

const (
	ActionSet    ActionKind = "set"
	ActionDelete ActionKind = "delete"
)

func (k ActionKind) valid() bool { return k == ActionSet || k == ActionDelete }

type KeyAction struct {
	Key         string     `json:"key"`
	Value       string     `json:"value,omitempty"`
	Type        string     `json:"type,omitempty"`
	Description string     `json:"description,omitempty"`
	Action      ActionKind `json:"action"`
}

type VariableAction struct {
	Name   string     `json:"name"`
	Value  string     `json:"value,omitempty"`
	Action ActionKind `json:"action"`
}

type LayerCreated struct {
	Layer LayerID `json:"layer"`
}

type LayerDeleted struct {
	Layer LayerID `json:"layer"`
}

type LayerKeysModified struct {
	Layer   LayerID     `json:"layer"`
	Actions []KeyAction `json:"actions"`
}

type EnvironmentCreated struct {
	Environment EnvironmentID `json:"environment"`
}

type EnvironmentDeleted struct {
	Environment EnvironmentID `json:"environment"`
}

type EnvironmentLayersAssigned struct {
	Environment EnvironmentID `json:"environment"`
	Layers      []LayerID     `json:"layers"`
}

type StructureCreated struct {
	Structure StructureID       `json:"structure"`
	Keys      map[string]string `json:"keys,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

type StructureDeleted struct {
	Structure StructureID `json:"structure"`
}

type StructureKeysModified struct {
	Structure StructureID `json:"structure"`
	Actions   []KeyAction `json:"actions"`
}

type StructureVariablesModified struct {
	Structure StructureID      `json:"structure"`
	Actions   []VariableAction `json:"actions"`
}

type ConfigurationBuilt struct {
	Configuration ConfigurationID `json:"configuration"`
	ValidFrom     *time.Time      `json:"valid_from,omitempty"`
	ValidTo       *time.Time      `json:"valid_to,omitempty"`
}

func (LayerCreated) EventType() EventType               { return EventLayerCreated }
func (LayerDeleted) EventType() EventType               { return EventLayerDeleted }
func (LayerKeysModified) EventType() EventType          { return EventLayerKeysModified }
func (EnvironmentCreated) EventType() EventType         { return EventEnvironmentCreated }
func (EnvironmentDeleted) EventType() EventType         { return EventEnvironmentDeleted }
func (EnvironmentLayersAssigned) EventType() EventType  { return EventEnvironmentLayersAssigned }
func (StructureCreated) EventType() EventType           { return EventStructureCreated }
func (StructureDeleted) EventType() EventType           { return EventStructureDeleted }
func (StructureKeysModified) EventType() EventType      { return EventStructureKeysModified }
func (StructureVariablesModified) EventType() EventType { return EventStructureVariablesModified }
func (ConfigurationBuilt) EventType() EventType         { return EventConfigurationBuilt }

func (LayerCreated) sealed()               {}
func (LayerDeleted) sealed()               {}
func (LayerKeysModified) sealed()          {}
func (EnvironmentCreated) sealed()         {}
func (EnvironmentDeleted) sealed()         {}
func (EnvironmentLayersAssigned) sealed()  {}
func (StructureCreated) sealed()           {}
func (StructureDeleted) sealed()           {}
func (StructureKeysModified) sealed()      {}
func (StructureVariablesModified) sealed() {}
func (ConfigurationBuilt) sealed()         {}

func (p LayerCreated) Validate() error       { return p.Layer.Validate() }
func (p LayerDeleted) Validate() error       { return p.Layer.Validate() }
func (p EnvironmentCreated) Validate() error { return p.Environment.Validate() }
func (p EnvironmentDeleted) Validate() error { return p.Environment.Validate() }
func (p StructureDeleted) Validate() error   { return p.Structure.Validate() }

func (p LayerKeysModified) Validate() error {
	if err := p.Layer.Validate(); err != nil {
		return err
	}
	return validateKeyActions(p.Actions)
}

func (p EnvironmentLayersAssigned) Validate() error {
	if err := p.Environment.Validate(); err != nil {
		return err
	}
	seen := make(map[LayerID]bool, len(p.Layers))
	for _, l := range p.Layers {
		if err := l.Validate(); err != nil {
			return err
		}
		if seen[l] {
			return fmt.Errorf("%w: layer %s assigned twice", ErrValidationFailed, l)
		}
		seen[l] = true
	}
	return nil
}

func (p StructureCreated) Validate() error {
	if err := p.Structure.Validate(); err != nil {
		return err
	}
	for k := range p.Keys {
		if err := validKeyPath(k); err != nil {
			return err
		}
	}
	for name := range p.Variables {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: variable name is required", ErrValidationFailed)
		}
	}
	return nil
}

func (p StructureKeysModified) Validate() error {
	if err := p.Structure.Validate(); err != nil {
		return err
	}
	return validateKeyActions(p.Actions)
}

func (p StructureVariablesModified) Validate() error {
	if err := p.Structure.Validate(); err != nil {
		return err
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("%w: at least one variable action is required", ErrValidationFailed)
	}
	for _, a := range p.Actions {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("%w: variable name is required", ErrValidationFailed)
		}
		if !a.Action.valid() {
			return fmt.Errorf("%w: unknown variable action %q", ErrValidationFailed, a.Action)
		}
	}
	return nil
}

func (p ConfigurationBuilt) Validate() error {
	if err := p.Configuration.Validate(); err != nil {
		return err
	}
	if p.ValidFrom != nil && p.ValidTo != nil && !p.ValidTo.After(*p.ValidFrom) {
		return fmt.Errorf("%w: valid_to must be after valid_from", ErrValidationFailed)
	}
	return nil
}

func validateKeyActions(actions []KeyAction) error {
	if len(actions) == 0 {
		return fmt.Errorf("%w: at least one key action is required", ErrValidationFailed)
	}
	for _, a := range actions {
		if err := validKeyPath(a.Key); err != nil {
			return err
		}
		if !a.Action.valid() {
			return fmt.Errorf("%w: unknown key action %q", ErrValidationFailed, a.Action)
		}
	}
	return nil
}

// validKeyPath requires "/"-separated, non-empty segments.
func validKeyPath(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrValidationFailed)
	}
	for _, seg := range strings.Split(key, "/") {
		if strings.TrimSpace(seg) == "" {
			return fmt.Errorf("%w: key %q has an empty path segment", ErrValidationFailed, key)
		}
	}
	return nil
}

var payloadFactories = map[EventType]func() Payload{
	EventLayerCreated:               func() Payload { return &LayerCreated{} },
	EventLayerDeleted:               func() Payload { return &LayerDeleted{} },
	EventLayerKeysModified:          func() Payload { return &LayerKeysModified{} },
	EventEnvironmentCreated:         func() Payload { return &EnvironmentCreated{} },
	EventEnvironmentDeleted:         func() Payload { return &EnvironmentDeleted{} },
	EventEnvironmentLayersAssigned:  func() Payload { return &EnvironmentLayersAssigned{} },
	EventStructureCreated:           func() Payload { return &StructureCreated{} },
	EventStructureDeleted:           func() Payload { return &StructureDeleted{} },
	EventStructureKeysModified:      func() Payload { return &StructureKeysModified{} },
	EventStructureVariablesModified: func() Payload { return &StructureVariablesModified{} },
	EventConfigurationBuilt:         func() Payload { return &ConfigurationBuilt{} },
}

// EventTypes returns every known event type in sorted order.
func EventTypes() []EventType {
	types := make([]EventType, 0, len(payloadFactories))
	for t := range payloadFactories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// NewEvent validates p and wraps it in an envelope. Revision, ID and Timestamp
// are left for the log to assign unless the caller sets them.
func NewEvent(p Payload) (Event, error) {
	if p == nil {
		return Event{}, fmt.Errorf("%w: payload is required", ErrValidationFailed)
	}
	if err := p.Validate(); err != nil {
		return Event{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return Event{Type: p.EventType(), Data: data}, nil
}

// Decode returns the typed payload carried by e. Pointer payloads from the
// factory table are dereferenced so callers can switch on value types.
func (e Event) Decode() (Payload, error) {
	factory, ok := payloadFactories[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrValidationFailed, e.Type)
	}
	p := factory()
	if err := json.Unmarshal(e.Data, p); err != nil {
		return nil, fmt.Errorf("%w: decode %s at revision %d: %v", ErrValidationFailed, e.Type, e.Revision, err)
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *LayerCreated:
		return *v
	case *LayerDeleted:
		return *v
	case *LayerKeysModified:
		return *v
	case *EnvironmentCreated:
		return *v
	case *EnvironmentDeleted:
		return *v
	case *EnvironmentLayersAssigned:
		return *v
	case *StructureCreated:
		return *v
	case *StructureDeleted:
		return *v
	case *StructureKeysModified:
		return *v
	case *StructureVariablesModified:
		return *v
	case *ConfigurationBuilt:
		return *v
	}
	return p
}
