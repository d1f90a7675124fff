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

// Package adapter defines the uniform printer interface the rest of the
// core programs against, plus the registry and retry plumbing shared by
// the concrete backends under adapter/octoprint, adapter/moonraker,
// adapter/bambu, and adapter/sdcp.
package adapter

import (
	"context"
	"io"

	"kiln/pkg/models"
)

// Adapter is one printer, normalized. Errors carry a faults.Kind; callers
// branch on the kind, never on backend-specific strings.
//
// GetStatus is the exception to the error rule: it always returns a state,
// degrading to StatusOffline when the printer is unreachable. Fleet-wide
// status sweeps must not fail because one machine is unplugged.
type Adapter interface {
	// ID identifies the printer this adapter is bound to.
	ID() models.PrinterID

	// Capabilities reports the feature set declared at construction.
	// Immutable for the adapter's lifetime.
	Capabilities() models.Capabilities

	// GetStatus polls the printer and returns a normalized snapshot.
	GetStatus(ctx context.Context) models.PrinterState

	// ListFiles enumerates printable files stored on the printer.
	ListFiles(ctx context.Context) ([]models.PrinterFile, error)

	// UploadFile stores content under filename on the printer.
	UploadFile(ctx context.Context, filename string, content io.Reader, size int64) error

	// StartPrint begins printing an already-uploaded file. It returns only
	// after the backend confirms the job actually started.
	StartPrint(ctx context.Context, filename string) error

	// CancelPrint aborts the active job.
	CancelPrint(ctx context.Context) error

	// PausePrint pauses the active job.
	PausePrint(ctx context.Context) error

	// ResumePrint resumes a paused job.
	ResumePrint(ctx context.Context) error

	// SetTemperature applies the non-nil targets. Zero is a real target
	// (heaters off), not a skip.
	SetTemperature(ctx context.Context, targets models.TempTargets) error

	// SendGCode transmits pre-validated commands in order and returns the
	// printer's response lines.
	SendGCode(ctx context.Context, lines []string) ([]string, error)

	// GetSnapshot captures a camera frame, when the hardware has one.
	// Returns the image bytes and their MIME type.
	GetSnapshot(ctx context.Context) ([]byte, string, error)

	// GetStreamURL returns the live camera stream URL, when one exists.
	GetStreamURL(ctx context.Context) (string, error)

	// Close releases any persistent connections.
	Close() error
}

// StateObserver receives out-of-band adapter observations. The registry
// wires it through to the event bus so an unmapped backend state becomes a
// visible warning instead of a silent "unknown".
type StateObserver interface {
	UnmappedState(printer models.PrinterID, rawState string)
}

// NopObserver discards observations. Used in tests and as the default.
type NopObserver struct{}

// UnmappedState implements StateObserver.
func (NopObserver) UnmappedState(models.PrinterID, string) {}
