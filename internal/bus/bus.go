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

// Package bus fans core events out to in-process subscribers after the
// event has been durably appended to the store. Persistence comes first: a
// subscriber never sees an event that could vanish on restart, and a
// publish that cannot be persisted reaches nobody.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"kiln/pkg/models"
)

// Appender is the slice of the store the bus needs.
type Appender interface {
	AppendEvent(ctx context.Context, ev *models.Event) error
}

// Handler consumes one published event. Handlers run synchronously on the
// publisher's goroutine; slow consumers should hand off internally (the
// webhook dispatcher does exactly that).
type Handler func(ev models.Event)

// Bus is the in-process event fan-out.
type Bus struct {
	store  Appender
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]Handler
}

// New constructs a Bus over the given appender.
func New(store Appender, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:  store,
		logger: logger,
		subs:   make(map[string]Handler),
	}
}

// Subscribe registers a named handler. Duplicate ids are rejected so a
// restarting consumer cannot silently double-deliver.
func (b *Bus) Subscribe(id string, fn Handler) error {
	if id == "" || fn == nil {
		return fmt.Errorf("subscriber id and handler are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[id]; exists {
		return fmt.Errorf("subscriber %q already registered", id)
	}
	b.subs[id] = fn
	return nil
}

// Unsubscribe removes a handler; unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish appends ev to the durable log, then delivers it to every current
// subscriber. The store assigns Seq before any subscriber runs. A failing
// or panicking subscriber is isolated: it is logged and the remaining
// subscribers still receive the event.
func (b *Bus) Publish(ctx context.Context, ev models.Event) (models.Event, error) {
	if err := b.store.AppendEvent(ctx, &ev); err != nil {
		return models.Event{}, fmt.Errorf("persist event %s: %w", ev.Kind, err)
	}

	// Snapshot under the read lock; deliver outside it so a handler that
	// subscribes or unsubscribes cannot deadlock.
	b.mu.RLock()
	snapshot := make(map[string]Handler, len(b.subs))
	for id, fn := range b.subs {
		snapshot[id] = fn
	}
	b.mu.RUnlock()

	for id, fn := range snapshot {
		b.deliver(id, fn, ev)
	}
	return ev, nil
}

func (b *Bus) deliver(id string, fn Handler, ev models.Event) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("event subscriber panicked",
				"subscriber", id, "kind", string(ev.Kind), "seq", ev.Seq, "panic", p)
		}
	}()
	fn(ev)
}
