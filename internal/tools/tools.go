// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

// Package tools holds the built-in actions offered to the intent model.
package tools

import (
	"sort"
	"time"

	"github.com/bernard-dev/bernard/internal/agent"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// Builtins returns every built-in action keyed by name.
func Builtins() map[string]agent.Action {
	return map[string]agent.Action{
		CurrentTimeName: NewCurrentTime(time.Now),
		CalculateName:   NewCalculate(),
	}
}

// Names returns the sorted names of the built-in actions.
func Names() []string {
	builtins := Builtins()
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds the built-ins listed in enabled to reg. An empty list
// enables all of them.
func Register(reg *agent.ToolRegistry, enabled []string) error {
	builtins := Builtins()
	if len(enabled) == 0 {
		enabled = Names()
	}
	for _, name := range enabled {
		action, ok := builtins[name]
		if !ok {
			return bernerr.New(bernerr.CodeAgentActionNotFound,
				"unknown built-in action: "+name, bernerr.FieldAction(name))
		}
		if err := reg.Register(action); err != nil {
			return err
		}
	}
	return nil
}

// stringArg extracts key from decoded action arguments. A bare string
// payload is accepted as the value of the action's primary argument.
func stringArg(args any, key string) (string, bool) {
	switch v := args.(type) {
	case string:
		return v, v != ""
	case map[string]any:
		s, ok := v[key].(string)
		return s, ok && s != ""
	default:
		return "", false
	}
}
