package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// leafMember holds a key's own value when the same path is also the prefix of
// deeper keys, e.g. "a" and "a/b".
const leafMember = "_value"

// PathNode is one segment of the key-path trie used for autocomplete.
type PathNode struct {
	Segment  string     `json:"segment"`
	Children []PathNode `json:"children,omitempty"`
}

// ResolveKeys merges layer keys in order; a later layer overrides an earlier
// one for the same key. Nil layers are skipped.
func ResolveKeys(layers ...*EnvironmentLayer) map[string]LayerKey {
	resolved := make(map[string]LayerKey)
	for _, l := range layers {
		if l == nil {
			continue
		}
		for k, v := range l.Keys {
			resolved[k] = v
		}
	}
	return resolved
}

// KeyValues flattens layer keys to their raw string values.
func KeyValues(keys map[string]LayerKey) map[string]string {
	out := make(map[string]string, len(keys))
	for k, v := range keys {
		out[k] = v.Value
	}
	return out
}

// ApplyKeyActions returns a copy of keys with actions applied. Set actions are
// stamped with stampedAt (unix seconds).
func ApplyKeyActions(keys map[string]LayerKey, actions []KeyAction, stampedAt int64) map[string]LayerKey {
	out := make(map[string]LayerKey, len(keys)+len(actions))
	for k, v := range keys {
		out[k] = v
	}
	for _, a := range actions {
		switch a.Action {
		case ActionSet:
			out[a.Key] = LayerKey{
				Key:         a.Key,
				Value:       a.Value,
				Type:        a.Type,
				Description: a.Description,
				StampedAt:   stampedAt,
			}
		case ActionDelete:
			delete(out, a.Key)
		}
	}
	return out
}

// ApplyStructureKeyActions is ApplyKeyActions for plain structure templates.
func ApplyStructureKeyActions(keys map[string]string, actions []KeyAction) map[string]string {
	out := make(map[string]string, len(keys)+len(actions))
	for k, v := range keys {
		out[k] = v
	}
	for _, a := range actions {
		switch a.Action {
		case ActionSet:
			out[a.Key] = a.Value
		case ActionDelete:
			delete(out, a.Key)
		}
	}
	return out
}

func ApplyVariableActions(vars map[string]string, actions []VariableAction) map[string]string {
	out := make(map[string]string, len(vars)+len(actions))
	for k, v := range vars {
		out[k] = v
	}
	for _, a := range actions {
		switch a.Action {
		case ActionSet:
			out[a.Name] = a.Value
		case ActionDelete:
			delete(out, a.Name)
		}
	}
	return out
}

// DeriveJSON nests "/"-separated keys into a JSON object. Values typed int,
// number, bool or json are decoded; anything that fails to decode, and every
// other type, stays a string.
func DeriveJSON(keys map[string]LayerKey) (json.RawMessage, error) {
	root := map[string]any{}
	for _, k := range sortedKeys(keys) {
		insertPath(root, strings.Split(k, "/"), typedValue(keys[k]))
	}
	return json.Marshal(root)
}

// DeriveStringJSON is DeriveJSON for untyped string maps.
func DeriveStringJSON(values map[string]string) (json.RawMessage, error) {
	keys := make(map[string]LayerKey, len(values))
	for k, v := range values {
		keys[k] = LayerKey{Key: k, Value: v}
	}
	return DeriveJSON(keys)
}

func insertPath(node map[string]any, path []string, value any) {
	head := path[0]
	if len(path) == 1 {
		if child, ok := node[head].(map[string]any); ok {
			child[leafMember] = value
			return
		}
		node[head] = value
		return
	}
	child, ok := node[head].(map[string]any)
	if !ok {
		child = map[string]any{}
		if existing, had := node[head]; had {
			child[leafMember] = existing
		}
		node[head] = child
	}
	insertPath(child, path[1:], value)
}

func typedValue(k LayerKey) any {
	switch strings.ToLower(k.Type) {
	case "int", "integer":
		if n, err := strconv.ParseInt(k.Value, 10, 64); err == nil {
			return n
		}
	case "number", "float":
		if f, err := strconv.ParseFloat(k.Value, 64); err == nil {
			return f
		}
	case "bool", "boolean":
		if b, err := strconv.ParseBool(k.Value); err == nil {
			return b
		}
	case "json":
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(k.Value), &raw); err == nil {
			return raw
		}
	}
	return k.Value
}

// BuildTrie returns the sorted path-segment trie of keys.
func BuildTrie[V any](keys map[string]V) []PathNode {
	var roots []PathNode
	for k := range keys {
		roots = addPath(roots, strings.Split(k, "/"))
	}
	sortTrie(roots)
	return roots
}

func addPath(nodes []PathNode, path []string) []PathNode {
	if len(path) == 0 {
		return nodes
	}
	for i := range nodes {
		if nodes[i].Segment == path[0] {
			nodes[i].Children = addPath(nodes[i].Children, path[1:])
			return nodes
		}
	}
	return append(nodes, PathNode{Segment: path[0], Children: addPath(nil, path[1:])})
}

func sortTrie(nodes []PathNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Segment < nodes[j].Segment })
	for i := range nodes {
		sortTrie(nodes[i].Children)
	}
}

// Lookup walks the trie along prefix ("a/b") and returns the node's children,
// or false when the prefix is not present. An empty prefix returns the roots.
func Lookup(trie []PathNode, prefix string) ([]PathNode, bool) {
	if prefix == "" {
		return trie, true
	}
	nodes := trie
	for _, seg := range strings.Split(prefix, "/") {
		found := false
		for _, n := range nodes {
			if n.Segment == seg {
				nodes = n.Children
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return nodes, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
