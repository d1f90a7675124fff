// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package adapter

import (
	"context"
	"sort"
	"sync"

	"kiln/pkg/faults"
)

// Registry maps printer names to live adapters. Reads dominate; the outer
// RWMutex guards the map while a per-printer mutex serializes mutating
// operations against one machine. Status polls bypass the per-printer lock
// so a long upload cannot starve monitoring.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	adapter Adapter
	opMu    sync.Mutex
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds an adapter under its printer name. Duplicate names conflict.
func (r *Registry) Register(a Adapter) error {
	name := a.ID().Name
	if name == "" {
		return faults.New(faults.KindValidationRejected, "printer name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return faults.New(faults.KindConflict, "printer %q already registered", name)
	}
	r.entries[name] = &entry{adapter: a}
	return nil
}

// Remove closes and drops the adapter for name. Unknown names are a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	e, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if ok {
		_ = e.adapter.Close()
	}
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "printer %q is not registered", name)
	}
	return e.adapter, nil
}

// Names lists the registered printer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Do runs fn against the named printer while holding its operation mutex.
// Mutating operations (uploads, starts, temperature changes) go through
// here so two callers cannot interleave commands on one machine.
func (r *Registry) Do(ctx context.Context, name string, fn func(Adapter) error) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return faults.New(faults.KindNotFound, "printer %q is not registered", name)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := ctx.Err(); err != nil {
		return faults.Wrap(faults.KindCancelled, err, "operation on %q cancelled while waiting", name)
	}
	return fn(e.adapter)
}

// Close shuts down every adapter. Used on daemon exit.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		_ = e.adapter.Close()
		delete(r.entries, name)
	}
}
