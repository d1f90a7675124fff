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
	"errors"
	"testing"

	"kiln/internal/safety"
	"kiln/pkg/faults"
	"kiln/pkg/models"
)

func newTestPreflight(t *testing.T) *Preflight {
	t.Helper()
	profiles, err := safety.NewProfileStore()
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	return NewPreflight(profiles)
}

func checkDetail(t *testing.T, err error, wantCheck string) {
	t.Helper()
	if faults.KindOf(err) != faults.KindPreflightFailed {
		t.Fatalf("kind = %v, want PREFLIGHT_FAILED (err %v)", faults.KindOf(err), err)
	}
	var fe *faults.Error
	if !errors.As(err, &fe) {
		t.Fatalf("not a faults.Error: %v", err)
	}
	if got := fe.Details["check"]; got != wantCheck {
		t.Errorf("failed check = %v, want %s", got, wantCheck)
	}
}

func ender3Printer() models.Printer {
	return models.Printer{Name: "ender-a", Backend: models.BackendOctoPrint, ProfileID: "ender3"}
}

func TestPreflightOfflinePrinter(t *testing.T) {
	p := newTestPreflight(t)
	fa := newFakeAdapter("ender-a", "benchy.gcode")
	fa.setStatus(models.PrinterState{Status: models.StatusOffline})

	err := p.Check(context.Background(), fa, ender3Printer(), models.Job{Filename: "benchy.gcode"}, nil)
	checkDetail(t, err, "printer_reachable")
}

func TestPreflightBusyPrinter(t *testing.T) {
	p := newTestPreflight(t)
	fa := newFakeAdapter("ender-a", "benchy.gcode")
	fa.setStatus(models.PrinterState{Status: models.StatusPrinting})

	err := p.Check(context.Background(), fa, ender3Printer(), models.Job{Filename: "benchy.gcode"}, nil)
	checkDetail(t, err, "printer_not_idle")
}

func TestPreflightMissingFile(t *testing.T) {
	p := newTestPreflight(t)
	fa := newFakeAdapter("ender-a", "other.gcode")

	err := p.Check(context.Background(), fa, ender3Printer(), models.Job{Filename: "benchy.gcode"}, nil)
	checkDetail(t, err, "file_exists")
}

func TestPreflightTargetsOverProfile(t *testing.T) {
	p := newTestPreflight(t)
	fa := newFakeAdapter("ender-a", "benchy.gcode")

	hot := 280.0 // ender3 caps at 260
	err := p.Check(context.Background(), fa, ender3Printer(), models.Job{Filename: "benchy.gcode"},
		&models.TempTargets{Hotend: &hot})
	checkDetail(t, err, "targets_within_profile")
}

func TestPreflightMaterialWindow(t *testing.T) {
	p := newTestPreflight(t)
	fa := newFakeAdapter("ender-a", "benchy.gcode")

	pla := "PLA"
	hot := 250.0 // legal for the profile, far too hot for PLA
	job := models.Job{Filename: "benchy.gcode", Material: &pla}
	err := p.Check(context.Background(), fa, ender3Printer(), job, &models.TempTargets{Hotend: &hot})
	checkDetail(t, err, "material_temp_range")

	hot = 210.0
	if err := p.Check(context.Background(), fa, ender3Printer(), job, &models.TempTargets{Hotend: &hot}); err != nil {
		t.Errorf("in-window PLA target should pass: %v", err)
	}
}

func TestPreflightUnknownMaterialPasses(t *testing.T) {
	p := newTestPreflight(t)
	fa := newFakeAdapter("ender-a", "benchy.gcode")

	exotic := "Wood-PLA"
	hot := 200.0
	job := models.Job{Filename: "benchy.gcode", Material: &exotic}
	if err := p.Check(context.Background(), fa, ender3Printer(), job, &models.TempTargets{Hotend: &hot}); err != nil {
		t.Errorf("unknown material has no window to violate: %v", err)
	}
}

func TestPreflightHappyPath(t *testing.T) {
	p := newTestPreflight(t)
	fa := newFakeAdapter("ender-a", "benchy.gcode")
	if err := p.Check(context.Background(), fa, ender3Printer(), models.Job{Filename: "benchy.gcode"}, nil); err != nil {
		t.Errorf("check: %v", err)
	}
}
