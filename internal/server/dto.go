package server

import (
	"time"

	"configline/internal/domain"
)

// Request payloads

type CreateLayerRequest struct {
	Name string `json:"name" minLength:"1"`
}

type CreateEnvironmentRequest struct {
	Category string `json:"category" minLength:"1"`
	Name     string `json:"name" minLength:"1"`
}

type AssignLayersRequest struct {
	Layers []string `json:"layers" doc:"Ordered layer names; later layers win."`
}

type KeyActionsRequest struct {
	Actions []domain.KeyAction `json:"actions" minItems:"1"`
}

type VariableActionsRequest struct {
	Actions []domain.VariableAction `json:"actions" minItems:"1"`
}

type CreateStructureRequest struct {
	Name      string            `json:"name" minLength:"1"`
	Version   int               `json:"version" minimum:"1"`
	Keys      map[string]string `json:"keys,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

type BuildConfigurationRequest struct {
	Category         string     `json:"category" minLength:"1"`
	Name             string     `json:"name" minLength:"1"`
	Structure        string     `json:"structure" minLength:"1"`
	StructureVersion int        `json:"structure_version" minimum:"1"`
	ValidFrom        *time.Time `json:"valid_from,omitempty"`
	ValidTo          *time.Time `json:"valid_to,omitempty"`
}

func (r BuildConfigurationRequest) id() domain.ConfigurationID {
	return domain.ConfigurationID{
		Environment: domain.EnvironmentID{Category: r.Category, Name: r.Name},
		Structure:   domain.StructureID{Name: r.Structure, Version: r.StructureVersion},
	}
}

// Path parameters

type LayerPath struct {
	Name string `path:"name"`
}

func (p LayerPath) id() domain.LayerID { return domain.LayerID{Name: p.Name} }

type EnvironmentPath struct {
	Category string `path:"category"`
	Name     string `path:"name"`
}

func (p EnvironmentPath) id() domain.EnvironmentID {
	return domain.EnvironmentID{Category: p.Category, Name: p.Name}
}

type StructurePath struct {
	Name    string `path:"name"`
	Version int    `path:"version"`
}

func (p StructurePath) id() domain.StructureID {
	return domain.StructureID{Name: p.Name, Version: p.Version}
}

type ConfigurationPath struct {
	Category  string `path:"category"`
	Name      string `path:"name"`
	Structure string `path:"structure"`
	Version   int    `path:"version"`
}

func (p ConfigurationPath) id() domain.ConfigurationID {
	return domain.ConfigurationID{
		Environment: domain.EnvironmentID{Category: p.Category, Name: p.Name},
		Structure:   domain.StructureID{Name: p.Structure, Version: p.Version},
	}
}

// Responses

// RevisionResponse is returned by every write. The change is visible to
// reads once the projection watermark reaches Revision.
type RevisionResponse struct {
	Revision uint64 `json:"revision"`
}

type RevisionOutput struct {
	Body RevisionResponse `json:"body"`
}
