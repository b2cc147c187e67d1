package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type DataType string

const (
	DataLayer         DataType = "environment-layer"
	DataEnvironment   DataType = "config-environment"
	DataStructure     DataType = "config-structure"
	DataConfiguration DataType = "prepared-configuration"
)

// DataTypes lists every materialized object kind.
func DataTypes() []DataType {
	return []DataType{DataLayer, DataEnvironment, DataStructure, DataConfiguration}
}

// Object is a materialized domain object. ObjectVersion is the revision of the
// last event folded into it.
type Object interface {
	DataType() DataType
	Identifier() string
	ObjectVersion() Revision
}

type LayerKey struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	StampedAt   int64  `json:"stamped_at"`
}

type EnvironmentLayer struct {
	ID      LayerID             `json:"id"`
	Keys    map[string]LayerKey `json:"keys"`
	JSON    json.RawMessage     `json:"json"`
	Trie    []PathNode          `json:"trie"`
	Version Revision            `json:"version"`
}

type ConfigEnvironment struct {
	ID           EnvironmentID       `json:"id"`
	Layers       []LayerID           `json:"layers"`
	ResolvedKeys map[string]LayerKey `json:"resolved_keys"`
	JSON         json.RawMessage     `json:"json"`
	Trie         []PathNode          `json:"trie"`
	Version      Revision            `json:"version"`
}

type ConfigStructure struct {
	ID        StructureID       `json:"id"`
	Keys      map[string]string `json:"keys"`
	Variables map[string]string `json:"variables"`
	Version   Revision          `json:"version"`
}

// PreparedConfiguration is the result of compiling a structure against an
// environment when a configuration.built event is folded. A failed compile is
// still stored: CompiledKeys is empty and CompileError says why.
type PreparedConfiguration struct {
	ID                   ConfigurationID   `json:"id"`
	CompiledKeys         map[string]string `json:"compiled_keys"`
	CompiledJSON         json.RawMessage   `json:"compiled_json"`
	UsedEnvironmentKeys  []string          `json:"used_environment_keys"`
	ValidFrom            *time.Time        `json:"valid_from,omitempty"`
	ValidTo              *time.Time        `json:"valid_to,omitempty"`
	ConfigurationVersion int               `json:"configuration_version"`
	CompileError         string            `json:"compile_error,omitempty"`
	Version              Revision          `json:"version"`
}

func (o *EnvironmentLayer) DataType() DataType      { return DataLayer }
func (o *EnvironmentLayer) Identifier() string      { return o.ID.String() }
func (o *EnvironmentLayer) ObjectVersion() Revision { return o.Version }

func (o *ConfigEnvironment) DataType() DataType      { return DataEnvironment }
func (o *ConfigEnvironment) Identifier() string      { return o.ID.String() }
func (o *ConfigEnvironment) ObjectVersion() Revision { return o.Version }

func (o *ConfigStructure) DataType() DataType      { return DataStructure }
func (o *ConfigStructure) Identifier() string      { return o.ID.String() }
func (o *ConfigStructure) ObjectVersion() Revision { return o.Version }

func (o *PreparedConfiguration) DataType() DataType      { return DataConfiguration }
func (o *PreparedConfiguration) Identifier() string      { return o.ID.String() }
func (o *PreparedConfiguration) ObjectVersion() Revision { return o.Version }

// Failed reports whether the configuration could not be compiled.
func (o *PreparedConfiguration) Failed() bool { return o.CompileError != "" }

// ActiveAt reports whether t falls inside the validity window.
func (o *PreparedConfiguration) ActiveAt(t time.Time) bool {
	if o.ValidFrom != nil && t.Before(*o.ValidFrom) {
		return false
	}
	if o.ValidTo != nil && !t.Before(*o.ValidTo) {
		return false
	}
	return true
}

// Removal records that an object left the cache at Version. Deleted is set
// for delete events; deleted identifiers are never reused. Otherwise the
// object expired, and ConfigurationVersion keeps the build count so a rebuild
// continues from it.
type Removal struct {
	DataType             DataType `json:"data_type"`
	Identifier           string   `json:"identifier"`
	Version              Revision `json:"version"`
	Deleted              bool     `json:"deleted"`
	ConfigurationVersion int      `json:"configuration_version,omitempty"`
}

// Snapshot is the storage-agnostic form of an Object. An empty JSONData marks
// a tombstone: the object was deleted at Version.
type Snapshot struct {
	DataType   DataType        `json:"data_type"`
	Identifier string          `json:"identifier"`
	Version    Revision        `json:"version"`
	JSONData   json.RawMessage `json:"json_data,omitempty"`
}

func (s Snapshot) Key() string { return string(s.DataType) + ":" + s.Identifier }

func (s Snapshot) Deleted() bool { return len(s.JSONData) == 0 }

func Tombstone(dt DataType, id string, rev Revision) Snapshot {
	return Snapshot{DataType: dt, Identifier: id, Version: rev}
}

func ToSnapshot(o Object) (Snapshot, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal %s %s: %w", o.DataType(), o.Identifier(), err)
	}
	return Snapshot{
		DataType:   o.DataType(),
		Identifier: o.Identifier(),
		Version:    o.ObjectVersion(),
		JSONData:   data,
	}, nil
}

// Object decodes the snapshot into its concrete materialized type.
func (s Snapshot) Object() (Object, error) {
	if s.Deleted() {
		return nil, fmt.Errorf("%w: %s %s was deleted at revision %d", ErrNotFound, s.DataType, s.Identifier, s.Version)
	}
	var o Object
	switch s.DataType {
	case DataLayer:
		o = &EnvironmentLayer{}
	case DataEnvironment:
		o = &ConfigEnvironment{}
	case DataStructure:
		o = &ConfigStructure{}
	case DataConfiguration:
		o = &PreparedConfiguration{}
	default:
		return nil, fmt.Errorf("%w: unknown data type %q", ErrValidationFailed, s.DataType)
	}
	if err := json.Unmarshal(s.JSONData, o); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", s.DataType, s.Identifier, err)
	}
	return o, nil
}
