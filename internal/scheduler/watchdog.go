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
	"kiln/internal/metrics"
	"kiln/pkg/models"
)

const watchdogInterval = 60 * time.Second

// Watchdog sweeps the fleet and cools heaters that were left on: a printer
// that is idle with any target above zero for longer than the timeout gets
// set_temperature(0, 0) and a HEATERS_AUTO_COOLED event. A timeout of zero
// disables the watchdog.
type Watchdog struct {
	registry *adapter.Registry
	bus      *bus.Bus
	logger   *slog.Logger
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	hotSince map[string]time.Time // printer → first observation of idle-with-hot-target
}

// NewWatchdog constructs the watchdog. timeout zero means Run returns
// immediately.
func NewWatchdog(registry *adapter.Registry, b *bus.Bus, logger *slog.Logger, timeout time.Duration) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		registry: registry,
		bus:      b,
		logger:   logger,
		timeout:  timeout,
		interval: watchdogInterval,
		now:      time.Now,
		hotSince: make(map[string]time.Time),
	}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	if w.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every registered printer.
func (w *Watchdog) Sweep(ctx context.Context) {
	for _, name := range w.registry.Names() {
		w.check(ctx, name)
	}
}

func (w *Watchdog) check(ctx context.Context, name string) {
	ad, err := w.registry.Get(name)
	if err != nil {
		return
	}
	state := ad.GetStatus(ctx)

	if state.Status != models.StatusIdle || !anyHotTarget(state) {
		w.mu.Lock()
		delete(w.hotSince, name)
		w.mu.Unlock()
		return
	}

	now := w.now()
	w.mu.Lock()
	since, seen := w.hotSince[name]
	if !seen {
		w.hotSince[name] = now
		w.mu.Unlock()
		return
	}
	expired := now.Sub(since) >= w.timeout
	if expired {
		delete(w.hotSince, name)
	}
	w.mu.Unlock()
	if !expired {
		return
	}

	zero := 0.0
	err = w.registry.Do(ctx, name, func(a adapter.Adapter) error {
		return a.SetTemperature(ctx, models.TempTargets{Hotend: &zero, Bed: &zero})
	})
	if err != nil {
		w.logger.Warn("watchdog cooldown failed", "printer", name, "err", err)
		return
	}

	metrics.IncWatchdogCooldown()
	w.logger.Info("heaters auto-cooled", "printer", name, "idle_since", since)
	if _, err := w.bus.Publish(ctx, models.Event{
		Kind:      models.EventHeatersAutoCooled,
		PrinterID: &name,
		Payload: map[string]any{
			"idle_since": since.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		w.logger.Warn("watchdog event publish failed", "printer", name, "err", err)
	}
}

// anyHotTarget reports whether any tool or bed target is above zero.
func anyHotTarget(state models.PrinterState) bool {
	for _, t := range state.ToolTemps {
		if t.Target != nil && *t.Target > 0 {
			return true
		}
	}
	if state.BedTemp != nil && state.BedTemp.Target != nil && *state.BedTemp.Target > 0 {
		return true
	}
	return false
}
