//
// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.
//

package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownHandler is returned by Lookup for a selector with no registration.
var ErrUnknownHandler = errors.New("unknown handler")

// Factory constructs a Handler. It is called exactly once, during runtime
// initialisation, and may open long lived resources the handler then owns.
type Factory func(ctx context.Context) (Handler, error)

// Registry maps handler selector names to factories so one executable can
// bundle several entry points.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("handler registration requires a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Lookup resolves a selector. An exact match wins, then the part after the
// last dot so "bootstrap.reverse" selects "reverse". An empty selector
// resolves only when exactly one handler is registered.
func (r *Registry) Lookup(selector string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if selector == "" {
		if len(r.factories) == 1 {
			for _, f := range r.factories {
				return f, nil
			}
		}
		return nil, fmt.Errorf("%w: no handler selected, available: %s",
			ErrUnknownHandler, strings.Join(r.names(), ", "))
	}
	if f, ok := r.factories[selector]; ok {
		return f, nil
	}
	if i := strings.LastIndex(selector, "."); i >= 0 {
		if f, ok := r.factories[selector[i+1:]]; ok {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w %q, available: %s",
		ErrUnknownHandler, selector, strings.Join(r.names(), ", "))
}

// Resolve returns a Factory for selector that defers the lookup to
// construction time, so an unknown selector fails initialisation like any
// other construction error.
func (r *Registry) Resolve(selector string) Factory {
	return func(ctx context.Context) (Handler, error) {
		f, err := r.Lookup(selector)
		if err != nil {
			return nil, err
		}
		return f(ctx)
	}
}

// Names returns the registered selectors in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
