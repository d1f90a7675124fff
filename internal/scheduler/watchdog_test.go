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
	"path/filepath"
	"testing"
	"time"

	"kiln/internal/adapter"
	"kiln/internal/bus"
	"kiln/internal/store"
	"kiln/pkg/models"
)

func hotIdleState() models.PrinterState {
	target := 210.0
	actual := 208.0
	return models.PrinterState{
		Status:    models.StatusIdle,
		ToolTemps: []models.TempReading{{Actual: &actual, Target: &target}},
	}
}

func newWatchdogRig(t *testing.T, timeout time.Duration) (*Watchdog, *adapter.Registry, *store.Store, *time.Time) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kiln.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	registry := adapter.NewRegistry()
	w := NewWatchdog(registry, bus.New(st, nil), nil, timeout)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	return w, registry, st, &now
}

func TestWatchdogCoolsIdleHeaters(t *testing.T) {
	ctx := context.Background()
	w, registry, st, now := newWatchdogRig(t, 30*time.Minute)

	fa := newFakeAdapter("ender-a")
	fa.setStatus(hotIdleState())
	if err := registry.Register(fa); err != nil {
		t.Fatalf("register: %v", err)
	}

	// First sweep only arms the timer.
	w.Sweep(ctx)
	if len(fa.tempCalls) != 0 {
		t.Fatal("cooldown fired on first observation")
	}

	// Within the timeout: still armed.
	*now = now.Add(29 * time.Minute)
	w.Sweep(ctx)
	if len(fa.tempCalls) != 0 {
		t.Fatal("cooldown fired before timeout")
	}

	*now = now.Add(2 * time.Minute)
	w.Sweep(ctx)
	if len(fa.tempCalls) != 1 {
		t.Fatalf("temp calls = %d, want 1", len(fa.tempCalls))
	}
	call := fa.tempCalls[0]
	if call.Hotend == nil || *call.Hotend != 0 || call.Bed == nil || *call.Bed != 0 {
		t.Errorf("cooldown targets = %+v, want zeros", call)
	}

	events, err := st.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Kind == models.EventHeatersAutoCooled {
			found = true
		}
	}
	if !found {
		t.Error("missing heaters.auto_cooled event")
	}
}

func TestWatchdogResetsWhenPrintStarts(t *testing.T) {
	ctx := context.Background()
	w, registry, _, now := newWatchdogRig(t, 30*time.Minute)

	fa := newFakeAdapter("ender-a")
	fa.setStatus(hotIdleState())
	if err := registry.Register(fa); err != nil {
		t.Fatalf("register: %v", err)
	}

	w.Sweep(ctx)
	*now = now.Add(20 * time.Minute)

	// A print starts; the hot target is now legitimate.
	st := hotIdleState()
	st.Status = models.StatusPrinting
	fa.setStatus(st)
	w.Sweep(ctx)

	// Idle again with heaters on: the timer restarts from zero.
	fa.setStatus(hotIdleState())
	*now = now.Add(15 * time.Minute)
	w.Sweep(ctx)
	*now = now.Add(15 * time.Minute)
	w.Sweep(ctx)
	if len(fa.tempCalls) != 0 {
		t.Error("cooldown fired before a full timeout after the reset")
	}

	*now = now.Add(16 * time.Minute)
	w.Sweep(ctx)
	if len(fa.tempCalls) != 1 {
		t.Errorf("temp calls = %d, want 1 after full timeout", len(fa.tempCalls))
	}
}

func TestWatchdogIgnoresColdIdlePrinters(t *testing.T) {
	ctx := context.Background()
	w, registry, _, now := newWatchdogRig(t, 30*time.Minute)

	fa := newFakeAdapter("ender-a") // idle, no targets
	if err := registry.Register(fa); err != nil {
		t.Fatalf("register: %v", err)
	}

	w.Sweep(ctx)
	*now = now.Add(2 * time.Hour)
	w.Sweep(ctx)
	if len(fa.tempCalls) != 0 {
		t.Error("cold printer must never be touched")
	}
}

func TestWatchdogDisabledByZeroTimeout(t *testing.T) {
	w, registry, _, _ := newWatchdogRig(t, 0)
	fa := newFakeAdapter("ender-a")
	fa.setStatus(hotIdleState())
	if err := registry.Register(fa); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Run returns immediately when disabled.
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately with a zero timeout")
	}
}
