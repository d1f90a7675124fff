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

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kiln/internal/adapter"
	"kiln/internal/bus"
	"kiln/pkg/models"
)

const pollInterval = 5 * time.Second

// LastSeenStore stamps successful polls for fleet visibility.
type LastSeenStore interface {
	UpdatePrinterLastSeen(ctx context.Context, name string, at time.Time) error
}

// Poller runs one status-polling goroutine per registered printer. Every
// observation is handed to the scheduler; status changes additionally
// become printer.state_changed events.
type Poller struct {
	registry *adapter.Registry
	bus      *bus.Bus
	store    LastSeenStore
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	// onObservation receives every poll result, including OFFLINE.
	onObservation func(printer string, state models.PrinterState, at time.Time)

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	last    map[string]models.PrinterStatus
}

// NewPoller constructs the poller. onObservation may be nil.
func NewPoller(registry *adapter.Registry, b *bus.Bus, st LastSeenStore, logger *slog.Logger,
	onObservation func(printer string, state models.PrinterState, at time.Time)) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if onObservation == nil {
		onObservation = func(string, models.PrinterState, time.Time) {}
	}
	return &Poller{
		registry:      registry,
		bus:           b,
		store:         st,
		logger:        logger,
		interval:      pollInterval,
		now:           time.Now,
		onObservation: onObservation,
		cancels:       make(map[string]context.CancelFunc),
		last:          make(map[string]models.PrinterStatus),
	}
}

// Start begins polling one printer. Starting an already-polled printer is
// a no-op.
func (p *Poller) Start(ctx context.Context, printer string) {
	p.mu.Lock()
	if _, running := p.cancels[printer]; running {
		p.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancels[printer] = cancel
	p.mu.Unlock()

	go p.loop(pollCtx, printer)
}

// Stop halts polling for one printer.
func (p *Poller) Stop(printer string) {
	p.mu.Lock()
	cancel, ok := p.cancels[printer]
	delete(p.cancels, printer)
	delete(p.last, printer)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll halts every poll loop.
func (p *Poller) StopAll() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = make(map[string]context.CancelFunc)
	p.last = make(map[string]models.PrinterStatus)
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (p *Poller) loop(ctx context.Context, printer string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Poll once immediately so a freshly-registered printer is routable
	// without waiting a full interval.
	p.PollOnce(ctx, printer)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx, printer)
		}
	}
}

// PollOnce performs a single poll of one printer. Exposed so tests can
// drive observations without real time passing.
func (p *Poller) PollOnce(ctx context.Context, printer string) {
	ad, err := p.registry.Get(printer)
	if err != nil {
		return
	}

	at := p.now()
	state := ad.GetStatus(ctx)

	if state.Status != models.StatusOffline && p.store != nil {
		if err := p.store.UpdatePrinterLastSeen(ctx, printer, at); err != nil {
			p.logger.Warn("update last seen failed", "printer", printer, "err", err)
		}
	}

	p.mu.Lock()
	prev, seen := p.last[printer]
	p.last[printer] = state.Status
	p.mu.Unlock()

	if seen && prev != state.Status {
		if _, err := p.bus.Publish(ctx, models.Event{
			Kind:      models.EventPrinterStateChanged,
			PrinterID: &printer,
			Payload: map[string]any{
				"from": string(prev),
				"to":   string(state.Status),
			},
		}); err != nil {
			p.logger.Warn("state change publish failed", "printer", printer, "err", err)
		}
	}

	p.onObservation(printer, state, at)
}
