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
	"testing"
	"time"

	"kiln/internal/store"
	"kiln/pkg/models"
)

func testTime() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

// mapStats serves routing stats from a fixture map keyed by printer name.
type mapStats map[string]store.RoutingStats

func (m mapStats) RoutingStatsFor(_ context.Context, printerID, _, _ string) (store.RoutingStats, error) {
	return m[printerID], nil
}

// loadedMaterials tracks which printer has which material.
type loadedMaterials map[string]string

func (l loadedMaterials) IsLoaded(printerID, material string) bool {
	return l[printerID] == material
}

func TestRouterZeroHistoryBreaksTiesAlphabetically(t *testing.T) {
	r := NewRouter(mapStats{}, nil, RouterConfig{})
	job := models.NewJob("benchy.gcode", "h", 0, testTime())

	got, err := r.Choose(context.Background(), job, []string{"zeta", "alpha", "mike"})
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if got != "alpha" {
		t.Errorf("choose = %q, want alpha", got)
	}
}

func TestRouterPrefersHigherSuccessRate(t *testing.T) {
	stats := mapStats{
		"alpha": {Successes: 1, Failures: 4, Total: 5}, // (1+1)/(5+2) ≈ 0.29
		"bravo": {Successes: 4, Failures: 1, Total: 5}, // (4+1)/(5+2) ≈ 0.71
	}
	r := NewRouter(stats, nil, RouterConfig{})
	job := models.NewJob("benchy.gcode", "h", 0, testTime())

	got, err := r.Choose(context.Background(), job, []string{"alpha", "bravo"})
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if got != "bravo" {
		t.Errorf("choose = %q, want bravo", got)
	}
}

func TestRouterSmoothingProtectsNewPrinters(t *testing.T) {
	// A single failure must not condemn a printer below a long mediocre
	// record: (0+1)/(1+2)=0.33 vs (5+1)/(10+2)=0.5.
	stats := mapStats{
		"fresh":   {Successes: 0, Failures: 1, Total: 1},
		"veteran": {Successes: 5, Failures: 5, Total: 10},
	}
	r := NewRouter(stats, nil, RouterConfig{})
	job := models.NewJob("benchy.gcode", "h", 0, testTime())

	got, err := r.Choose(context.Background(), job, []string{"fresh", "veteran"})
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if got != "veteran" {
		t.Errorf("choose = %q, want veteran", got)
	}
}

func TestRouterMaterialFilter(t *testing.T) {
	loaded := loadedMaterials{"alpha": "PLA", "bravo": "PETG"}
	r := NewRouter(mapStats{}, loaded, RouterConfig{})

	petg := "PETG"
	job := models.NewJob("part.gcode", "h", 0, testTime())
	job.Material = &petg

	got, err := r.Choose(context.Background(), job, []string{"alpha", "bravo"})
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if got != "bravo" {
		t.Errorf("choose = %q, want the PETG-loaded printer", got)
	}

	abs := "ABS"
	job.Material = &abs
	got, err = r.Choose(context.Background(), job, []string{"alpha", "bravo"})
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if got != "" {
		t.Errorf("choose = %q, want none when no printer has the material", got)
	}
}

func TestRouterNoCandidates(t *testing.T) {
	r := NewRouter(mapStats{}, nil, RouterConfig{})
	job := models.NewJob("benchy.gcode", "h", 0, testTime())
	got, err := r.Choose(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if got != "" {
		t.Errorf("choose = %q, want empty", got)
	}
}
