/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package scoped provides a mapping from a string to any data type that is "scoped".
package scoped

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// Params provides a mapping from string to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current Params hold:
//
//	Scope: "/": { "x":10, "y": 20, "z": 40 }
//	Scope: "/a": { "y": 30 }
//	Scope: "/a/b": { "x": 100 }
//
//	Params.Get("/a/b", "x") -> 100
//	Params.Get("/a/b", "y") -> 30
//	Params.Get("/a/b", "z") -> 40
//	Params.Get("/a/b", "w") -> Not found.
//
// Notice that "/" separates parts of the scope path, and the root scope is referred to as "/".
//
// Params is safe for concurrent use: replicas read hyperparameters while the controller may set new ones.
type Params struct {
	Separator string

	mu         sync.RWMutex
	scopeToMap map[string]map[string]any
}

// New create an empty Params.
func New(scopeSeparator string) *Params {
	return &Params{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a deep copy of the Params.
func (p *Params) Clone() *Params {
	p.mu.RLock()
	defer p.mu.RUnlock()
	newParams := New(p.Separator)
	for scope, dataMap := range p.scopeToMap {
		newParams.scopeToMap[scope] = maps.Clone(dataMap)
	}
	return newParams
}

// Set sets the value for the given key, in the given scope.
func (p *Params) Set(scope, key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dataMap, found := p.scopeToMap[scope]
	if !found || dataMap == nil {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/a/b", "myKey") will search for "myKey" in scopes "/a/b", "/a" and "/"
// consecutively until "myKey" is found.
//
// It returns the first value found if any, and whether some value was found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for {
		if dataMap := p.scopeToMap[scope]; dataMap != nil {
			if value, found = dataMap[key]; found {
				return
			}
		}
		if scope == p.Separator || scope == "" {
			return nil, false
		}
		scope = p.parent(scope)
	}
}

// parent returns the parent scope, the root scope being its own parent.
func (p *Params) parent(scope string) string {
	idx := strings.LastIndex(scope, p.Separator)
	if idx <= 0 {
		return p.Separator
	}
	return scope[:idx]
}

// Enumerate enumerates all parameters stored in the Params structure and calls the given closure with
// them, sorted by scope and then key.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	p.mu.RLock()
	snapshot := make(map[string]map[string]any, len(p.scopeToMap))
	for scope, dataMap := range p.scopeToMap {
		snapshot[scope] = maps.Clone(dataMap)
	}
	p.mu.RUnlock()

	for _, scope := range slices.Sorted(maps.Keys(snapshot)) {
		keyValues := snapshot[scope]
		for _, key := range slices.Sorted(maps.Keys(keyValues)) {
			fn(scope, key, keyValues[key])
		}
	}
}
