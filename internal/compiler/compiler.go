// Package compiler turns a structure template into concrete key values for an
// environment. The projection only depends on the Compiler interface.
package compiler

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrUnresolved is returned when a placeholder names neither a structure
// variable nor an environment key.
var ErrUnresolved = errors.New("unresolved placeholder")

type Result struct {
	CompiledKeys map[string]string
	// UsedKeys lists the environment keys referenced by the template, sorted.
	UsedKeys []string
}

type Compiler interface {
	Compile(environmentKeys, structureKeys, structureVariables map[string]string) (Result, error)
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_./-]+)\s*\}\}`)

// Template substitutes {{name}} placeholders. Structure variables take
// precedence over environment keys; variable values may themselves reference
// environment keys.
type Template struct{}

func (Template) Compile(environmentKeys, structureKeys, structureVariables map[string]string) (Result, error) {
	used := map[string]struct{}{}
	var unresolved []string
	resolve := func(name string) (string, bool) {
		if v, ok := structureVariables[name]; ok {
			return expandEnv(v, environmentKeys, used), true
		}
		if v, ok := environmentKeys[name]; ok {
			used[name] = struct{}{}
			return v, true
		}
		return "", false
	}
	out := make(map[string]string, len(structureKeys))
	for key, tmpl := range structureKeys {
		out[key] = placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
			name := placeholder.FindStringSubmatch(m)[1]
			v, ok := resolve(name)
			if !ok {
				unresolved = append(unresolved, key+": "+name)
				return m
			}
			return v
		})
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return Result{}, fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(unresolved, ", "))
	}
	keys := make([]string, 0, len(used))
	for k := range used {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Result{CompiledKeys: out, UsedKeys: keys}, nil
}

func expandEnv(v string, env map[string]string, used map[string]struct{}) string {
	return placeholder.ReplaceAllStringFunc(v, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if ev, ok := env[name]; ok {
			used[name] = struct{}{}
			return ev
		}
		return m
	})
}
