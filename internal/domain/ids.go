package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Revision is a position in an event stream. The first event of a stream has
// revision 1; an empty stream has tail revision 0.
type Revision uint64

type EnvironmentID struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

func (id EnvironmentID) String() string { return id.Category + "/" + id.Name }

func (id EnvironmentID) Validate() error {
	if err := validSegment("environment category", id.Category); err != nil {
		return err
	}
	return validSegment("environment name", id.Name)
}

// ParseEnvironmentID parses the "category/name" form.
func ParseEnvironmentID(s string) (EnvironmentID, error) {
	category, name, ok := strings.Cut(s, "/")
	if !ok {
		return EnvironmentID{}, fmt.Errorf("%w: environment id %q must be category/name", ErrValidationFailed, s)
	}
	id := EnvironmentID{Category: category, Name: name}
	return id, id.Validate()
}

type LayerID struct {
	Name string `json:"name"`
}

func (id LayerID) String() string { return id.Name }

func (id LayerID) Validate() error { return validSegment("layer name", id.Name) }

func ParseLayerID(s string) (LayerID, error) {
	id := LayerID{Name: s}
	return id, id.Validate()
}

type StructureID struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func (id StructureID) String() string { return id.Name + "@" + strconv.Itoa(id.Version) }

func (id StructureID) Validate() error {
	if err := validSegment("structure name", id.Name); err != nil {
		return err
	}
	if id.Version < 1 {
		return fmt.Errorf("%w: structure %s version must be positive", ErrValidationFailed, id.Name)
	}
	return nil
}

// ParseStructureID parses the "name@version" form.
func ParseStructureID(s string) (StructureID, error) {
	name, rawVersion, ok := strings.Cut(s, "@")
	if !ok {
		return StructureID{}, fmt.Errorf("%w: structure id %q must be name@version", ErrValidationFailed, s)
	}
	v, err := strconv.Atoi(rawVersion)
	if err != nil {
		return StructureID{}, fmt.Errorf("%w: structure version %q: %v", ErrValidationFailed, rawVersion, err)
	}
	id := StructureID{Name: name, Version: v}
	return id, id.Validate()
}

type ConfigurationID struct {
	Environment EnvironmentID `json:"environment"`
	Structure   StructureID   `json:"structure"`
}

func (id ConfigurationID) String() string { return id.Environment.String() + "|" + id.Structure.String() }

func (id ConfigurationID) Validate() error {
	if err := id.Environment.Validate(); err != nil {
		return err
	}
	return id.Structure.Validate()
}

// ParseConfigurationID parses the "category/name|structure@version" form.
func ParseConfigurationID(s string) (ConfigurationID, error) {
	env, structure, ok := strings.Cut(s, "|")
	if !ok {
		return ConfigurationID{}, fmt.Errorf("%w: configuration id %q must be environment|structure", ErrValidationFailed, s)
	}
	envID, err := ParseEnvironmentID(env)
	if err != nil {
		return ConfigurationID{}, err
	}
	structureID, err := ParseStructureID(structure)
	if err != nil {
		return ConfigurationID{}, err
	}
	return ConfigurationID{Environment: envID, Structure: structureID}, nil
}

func validSegment(what, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrValidationFailed, what)
	}
	if strings.ContainsAny(v, "/|@") {
		return fmt.Errorf("%w: %s %q must not contain '/', '|' or '@'", ErrValidationFailed, what, v)
	}
	return nil
}
