package replay

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"configline/internal/domain"
)

// Schema v1 predates layers: environments own their keys directly. Structure
// and configuration events share the v2 shape.
const EventLegacyEnvironmentKeysModified domain.EventType = "environment.keys_modified"

// LegacyEnvironmentKeysModified is the v1 environment.keys_modified payload.
type LegacyEnvironmentKeysModified struct {
	Environment domain.EnvironmentID `json:"environment"`
	Actions     []domain.KeyAction   `json:"actions"`
}

var legacyTypes = map[domain.EventType]bool{
	domain.EventEnvironmentCreated:         true,
	domain.EventEnvironmentDeleted:         true,
	EventLegacyEnvironmentKeysModified:     true,
	domain.EventStructureCreated:           true,
	domain.EventStructureDeleted:           true,
	domain.EventStructureKeysModified:      true,
	domain.EventStructureVariablesModified: true,
	domain.EventConfigurationBuilt:         true,
}

// NewLegacyEvent encodes a v1 event. Payload must be one of the v1 bodies.
func NewLegacyEvent(t domain.EventType, payload any) (domain.Event, error) {
	if !legacyTypes[t] {
		return domain.Event{}, fmt.Errorf("%w: %q is not a v1 event type", domain.ErrValidationFailed, t)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return domain.Event{Type: t, Data: data}, nil
}

// decodeLegacy returns the typed v1 payload of e.
func decodeLegacy(e domain.Event) (any, error) {
	if e.Type == EventLegacyEnvironmentKeysModified {
		var p LegacyEnvironmentKeysModified
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrValidationFailed, e.Type, err)
		}
		return p, nil
	}
	if !legacyTypes[e.Type] {
		return nil, fmt.Errorf("%w: revision %d: %q is not a v1 event type", domain.ErrValidationFailed, e.Revision, e.Type)
	}
	return e.Decode()
}

type LegacyEnvironment struct {
	ID   domain.EnvironmentID       `json:"id"`
	Keys map[string]domain.LayerKey `json:"keys"`
	// Revision of the environment.created event, used to order output.
	Created domain.Revision `json:"created"`
}

type LegacyConfiguration struct {
	ID        domain.ConfigurationID `json:"id"`
	ValidFrom *time.Time             `json:"valid_from,omitempty"`
	ValidTo   *time.Time             `json:"valid_to,omitempty"`
	Built     domain.Revision        `json:"built"`
}

type LegacyStructure struct {
	ID        domain.StructureID `json:"id"`
	Keys      map[string]string  `json:"keys"`
	Variables map[string]string  `json:"variables"`
	Created   domain.Revision    `json:"created"`
}

// LegacyState accumulates a v1 log. It is the unit written to the migration
// backup file.
type LegacyState struct {
	Revision       domain.Revision                 `json:"revision"`
	Environments   map[string]*LegacyEnvironment   `json:"environments"`
	Structures     map[string]*LegacyStructure     `json:"structures"`
	Configurations map[string]*LegacyConfiguration `json:"configurations"`
}

func NewLegacyState() *LegacyState {
	return &LegacyState{
		Environments:   map[string]*LegacyEnvironment{},
		Structures:     map[string]*LegacyStructure{},
		Configurations: map[string]*LegacyConfiguration{},
	}
}

func legacyInconsistent(rev domain.Revision, format string, args ...any) error {
	return fmt.Errorf("%w: revision %d: %s", domain.ErrReplayInconsistency, rev, fmt.Sprintf(format, args...))
}

// Apply folds one decoded v1 event. The state is unchanged when it fails.
func (s *LegacyState) Apply(e domain.Event, payload any) error {
	switch p := payload.(type) {
	case domain.EnvironmentCreated:
		key := p.Environment.String()
		if _, ok := s.Environments[key]; ok {
			return legacyInconsistent(e.Revision, "environment %s already exists", key)
		}
		s.Environments[key] = &LegacyEnvironment{ID: p.Environment, Keys: map[string]domain.LayerKey{}, Created: e.Revision}
	case domain.EnvironmentDeleted:
		key := p.Environment.String()
		if _, ok := s.Environments[key]; !ok {
			return legacyInconsistent(e.Revision, "environment %s does not exist", key)
		}
		delete(s.Environments, key)
	case LegacyEnvironmentKeysModified:
		env, ok := s.Environments[p.Environment.String()]
		if !ok {
			return legacyInconsistent(e.Revision, "environment %s does not exist", p.Environment)
		}
		env.Keys = domain.ApplyKeyActions(env.Keys, p.Actions, e.Timestamp.Unix())
	case domain.StructureCreated:
		key := p.Structure.String()
		if _, ok := s.Structures[key]; ok {
			return legacyInconsistent(e.Revision, "structure %s already exists", key)
		}
		s.Structures[key] = &LegacyStructure{ID: p.Structure, Keys: copyStrings(p.Keys), Variables: copyStrings(p.Variables), Created: e.Revision}
	case domain.StructureDeleted:
		key := p.Structure.String()
		if _, ok := s.Structures[key]; !ok {
			return legacyInconsistent(e.Revision, "structure %s does not exist", key)
		}
		delete(s.Structures, key)
	case domain.StructureKeysModified:
		st, ok := s.Structures[p.Structure.String()]
		if !ok {
			return legacyInconsistent(e.Revision, "structure %s does not exist", p.Structure)
		}
		st.Keys = domain.ApplyStructureKeyActions(st.Keys, p.Actions)
	case domain.StructureVariablesModified:
		st, ok := s.Structures[p.Structure.String()]
		if !ok {
			return legacyInconsistent(e.Revision, "structure %s does not exist", p.Structure)
		}
		st.Variables = domain.ApplyVariableActions(st.Variables, p.Actions)
	case domain.ConfigurationBuilt:
		if _, ok := s.Environments[p.Configuration.Environment.String()]; !ok {
			return legacyInconsistent(e.Revision, "environment %s does not exist", p.Configuration.Environment)
		}
		if _, ok := s.Structures[p.Configuration.Structure.String()]; !ok {
			return legacyInconsistent(e.Revision, "structure %s does not exist", p.Configuration.Structure)
		}
		s.Configurations[p.Configuration.String()] = &LegacyConfiguration{
			ID: p.Configuration, ValidFrom: p.ValidFrom, ValidTo: p.ValidTo, Built: e.Revision,
		}
	default:
		return fmt.Errorf("%w: revision %d: unsupported v1 payload %T", domain.ErrValidationFailed, e.Revision, payload)
	}
	s.Revision = e.Revision
	return nil
}

func (s *LegacyState) sortedEnvironments() []*LegacyEnvironment {
	out := make([]*LegacyEnvironment, 0, len(s.Environments))
	for _, e := range s.Environments {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out
}

func (s *LegacyState) sortedStructures() []*LegacyStructure {
	out := make([]*LegacyStructure, 0, len(s.Structures))
	for _, st := range s.Structures {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out
}

// liveConfigurations skips configurations whose environment or structure was
// deleted after the build.
func (s *LegacyState) liveConfigurations() []*LegacyConfiguration {
	out := make([]*LegacyConfiguration, 0, len(s.Configurations))
	for _, c := range s.Configurations {
		if _, ok := s.Environments[c.ID.Environment.String()]; !ok {
			continue
		}
		if _, ok := s.Structures[c.ID.Structure.String()]; !ok {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Built < out[j].Built })
	return out
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
