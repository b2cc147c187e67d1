package replay

import (
	"errors"
	"fmt"
	"sort"

	"configline/internal/domain"
)

type Mode string

const (
	ModeLossy    Mode = "lossy"
	ModeLossless Mode = "lossless"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLossy, ModeLossless:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: unknown migration mode %q (want lossy or lossless)", domain.ErrValidationFailed, s)
}

// ErrLosslessUnsupported is returned for a lossless migration through a
// translator that can only emit latest state.
var ErrLosslessUnsupported = errors.New("lossless migration not supported")

// Translator turns an accumulated source-schema state into target-schema
// payloads describing its latest state.
type Translator interface {
	Versions() (from, to int)
	Translate(state *LegacyState) ([]domain.Payload, error)
}

// EventTranslator is implemented by translators that can also map each source
// event to an equivalent target group. state already includes e.
type EventTranslator interface {
	Translator
	TranslateEvent(state *LegacyState, e domain.Event, payload any) ([]domain.Payload, error)
}

var translators = map[[2]int]Translator{
	{1, 2}: V1ToV2{},
}

// TranslatorFor returns the translator between two schema versions.
func TranslatorFor(from, to int) (Translator, error) {
	t, ok := translators[[2]int{from, to}]
	if !ok {
		return nil, fmt.Errorf("%w: no migration from schema v%d to v%d", domain.ErrValidationFailed, from, to)
	}
	return t, nil
}

// V1ToV2 gives every v1 environment its own layer named after it, holding the
// keys the environment used to own.
type V1ToV2 struct{}

var _ EventTranslator = V1ToV2{}

func (V1ToV2) Versions() (int, int) { return 1, 2 }

// LayerName is the v2 layer that carries a v1 environment's keys.
func LayerName(env domain.EnvironmentID) domain.LayerID {
	return domain.LayerID{Name: env.Category + "-" + env.Name}
}

func checkLayerName(state *LegacyState, env domain.EnvironmentID) error {
	name := LayerName(env)
	for _, other := range state.Environments {
		if other.ID != env && LayerName(other.ID) == name {
			return fmt.Errorf("%w: environments %s and %s both map to layer %s", domain.ErrValidationFailed, env, other.ID, name)
		}
	}
	return nil
}

func (V1ToV2) Translate(state *LegacyState) ([]domain.Payload, error) {
	var out []domain.Payload
	for _, env := range state.sortedEnvironments() {
		if err := checkLayerName(state, env.ID); err != nil {
			return nil, err
		}
		layer := LayerName(env.ID)
		out = append(out, domain.LayerCreated{Layer: layer})
		if actions := setActions(env.Keys); len(actions) > 0 {
			out = append(out, domain.LayerKeysModified{Layer: layer, Actions: actions})
		}
		out = append(out,
			domain.EnvironmentCreated{Environment: env.ID},
			domain.EnvironmentLayersAssigned{Environment: env.ID, Layers: []domain.LayerID{layer}},
		)
	}
	for _, st := range state.sortedStructures() {
		out = append(out, domain.StructureCreated{Structure: st.ID, Keys: st.Keys, Variables: st.Variables})
	}
	for _, c := range state.liveConfigurations() {
		out = append(out, domain.ConfigurationBuilt{Configuration: c.ID, ValidFrom: c.ValidFrom, ValidTo: c.ValidTo})
	}
	return out, nil
}

func (V1ToV2) TranslateEvent(state *LegacyState, e domain.Event, payload any) ([]domain.Payload, error) {
	switch p := payload.(type) {
	case domain.EnvironmentCreated:
		if err := checkLayerName(state, p.Environment); err != nil {
			return nil, err
		}
		layer := LayerName(p.Environment)
		return []domain.Payload{
			domain.LayerCreated{Layer: layer},
			p,
			domain.EnvironmentLayersAssigned{Environment: p.Environment, Layers: []domain.LayerID{layer}},
		}, nil
	case domain.EnvironmentDeleted:
		return []domain.Payload{p, domain.LayerDeleted{Layer: LayerName(p.Environment)}}, nil
	case LegacyEnvironmentKeysModified:
		return []domain.Payload{domain.LayerKeysModified{Layer: LayerName(p.Environment), Actions: p.Actions}}, nil
	case domain.Payload:
		return []domain.Payload{p}, nil
	}
	return nil, fmt.Errorf("%w: revision %d: unsupported v1 payload %T", domain.ErrValidationFailed, e.Revision, payload)
}

func setActions(keys map[string]domain.LayerKey) []domain.KeyAction {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]domain.KeyAction, 0, len(names))
	for _, k := range names {
		lk := keys[k]
		out = append(out, domain.KeyAction{Key: k, Value: lk.Value, Type: lk.Type, Description: lk.Description, Action: domain.ActionSet})
	}
	return out
}
