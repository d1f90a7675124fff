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
	"fmt"

	"kiln/internal/adapter"
	"kiln/pkg/faults"
	"kiln/pkg/models"
)

// tempRange is an inclusive °C window.
type tempRange struct {
	Min, Max float64
}

// materialTemps maps material names to expected hotend/bed windows. A
// declared target outside its material's window fails preflight: wrong
// material loaded, or wrong slice.
var materialTemps = map[string]struct{ Hotend, Bed tempRange }{
	"PLA":   {Hotend: tempRange{180, 220}, Bed: tempRange{40, 70}},
	"PETG":  {Hotend: tempRange{220, 260}, Bed: tempRange{60, 90}},
	"ABS":   {Hotend: tempRange{230, 270}, Bed: tempRange{90, 110}},
	"TPU":   {Hotend: tempRange{200, 235}, Bed: tempRange{40, 60}},
	"ASA":   {Hotend: tempRange{240, 270}, Bed: tempRange{90, 110}},
	"Nylon": {Hotend: tempRange{240, 270}, Bed: tempRange{70, 90}},
	"PC":    {Hotend: tempRange{260, 300}, Bed: tempRange{100, 120}},
}

// Preflight is the gate every dispatch passes before start_print. Checks
// run in a fixed order and the first failure wins; its name and the
// observed value land in the error details.
type Preflight struct {
	profiles ProfileSource
}

// ProfileSource resolves a printer's active safety profile.
type ProfileSource interface {
	Get(id string) models.SafetyProfile
}

// NewPreflight constructs a preflight gate over the profile catalog.
func NewPreflight(profiles ProfileSource) *Preflight {
	return &Preflight{profiles: profiles}
}

// Check validates that printer can start the job now. targets are the
// declared temperature targets, when the job carries any.
func (p *Preflight) Check(ctx context.Context, ad adapter.Adapter, printer models.Printer, job models.Job, targets *models.TempTargets) error {
	state := ad.GetStatus(ctx)

	if state.Status == models.StatusOffline {
		return preflightErr("printer_reachable", string(state.Status))
	}
	if state.Status != models.StatusIdle {
		return preflightErr("printer_not_idle", string(state.Status))
	}

	files, err := ad.ListFiles(ctx)
	if err != nil {
		return faults.Wrap(faults.KindPreflightFailed, err, "preflight failed: file_exists").
			WithDetail("check", "file_exists")
	}
	found := false
	for _, f := range files {
		if f.Name == job.Filename {
			found = true
			break
		}
	}
	if !found {
		return preflightErr("file_exists", job.Filename)
	}

	profile := p.profiles.Get(printer.ProfileID)
	if targets != nil {
		if targets.Hotend != nil && *targets.Hotend > profile.MaxHotendC {
			return preflightErrf("targets_within_profile", "hotend %g exceeds profile max %g", *targets.Hotend, profile.MaxHotendC)
		}
		if targets.Bed != nil && *targets.Bed > profile.MaxBedC {
			return preflightErrf("targets_within_profile", "bed %g exceeds profile max %g", *targets.Bed, profile.MaxBedC)
		}
		if targets.Chamber != nil && profile.MaxChamberC > 0 && *targets.Chamber > profile.MaxChamberC {
			return preflightErrf("targets_within_profile", "chamber %g exceeds profile max %g", *targets.Chamber, profile.MaxChamberC)
		}
	}

	if job.Material != nil && targets != nil {
		ranges, known := materialTemps[*job.Material]
		if known {
			if targets.Hotend != nil && (*targets.Hotend < ranges.Hotend.Min || *targets.Hotend > ranges.Hotend.Max) {
				return preflightErrf("material_temp_range", "hotend %g outside %s window %g-%g",
					*targets.Hotend, *job.Material, ranges.Hotend.Min, ranges.Hotend.Max)
			}
			if targets.Bed != nil && (*targets.Bed < ranges.Bed.Min || *targets.Bed > ranges.Bed.Max) {
				return preflightErrf("material_temp_range", "bed %g outside %s window %g-%g",
					*targets.Bed, *job.Material, ranges.Bed.Min, ranges.Bed.Max)
			}
		}
	}

	return nil
}

func preflightErr(check, observed string) error {
	return faults.New(faults.KindPreflightFailed, "preflight failed: %s", check).
		WithDetail("check", check).
		WithDetail("observed", observed)
}

func preflightErrf(check, format string, args ...any) error {
	return faults.New(faults.KindPreflightFailed, "preflight failed: %s", check).
		WithDetail("check", check).
		WithDetail("observed", fmt.Sprintf(format, args...))
}
