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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kiln/pkg/faults"
	"kiln/pkg/models"
)

// Hard ceilings on recorded settings. Outcomes describing temperatures or
// speeds past these are corrupt or malicious and are refused outright so
// they can never bias routing.
const (
	outcomeMaxHotendC  = 320.0
	outcomeMaxBedC     = 140.0
	outcomeMaxSpeedMMS = 500.0
)

// RoutingStats aggregates per-printer print history for routing scores.
type RoutingStats struct {
	Successes int
	Failures  int
	Total     int
}

// RecordOutcome persists an outcome after screening its settings. Settings
// that claim temperatures or speeds past the hard ceilings fail with
// SAFETY_VIOLATION and nothing is written.
func (s *Store) RecordOutcome(ctx context.Context, o models.Outcome) error {
	if !o.Result.Valid() {
		return faults.New(faults.KindValidationRejected, "invalid outcome result %q", o.Result)
	}
	if err := screenOutcomeSettings(o.Settings); err != nil {
		return err
	}

	var settingsJSON any
	if len(o.Settings) > 0 {
		b, err := json.Marshal(o.Settings)
		if err != nil {
			return fmt.Errorf("marshal outcome settings: %w", err)
		}
		settingsJSON = string(b)
	}

	recordedAt := o.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const ins = `
INSERT INTO outcomes(job_id, printer_id, result, quality_grade, failure_mode,
                     duration_seconds, file_hash, material, settings_json,
                     notes, recorded_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, ins,
		o.JobID, o.PrinterID, o.Result.String(), o.QualityGrade, o.FailureMode,
		o.DurationSeconds, o.FileHash, o.Material, settingsJSON, o.Notes,
		recordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// screenOutcomeSettings applies the hard ceilings. Setting keys are matched
// by suffix convention: *hotend*/*nozzle* temps, *bed* temps, *speed*.
func screenOutcomeSettings(settings map[string]float64) error {
	for key, val := range settings {
		k := strings.ToLower(key)
		switch {
		case strings.Contains(k, "hotend") || strings.Contains(k, "nozzle"):
			if val > outcomeMaxHotendC {
				return faults.New(faults.KindSafetyViolation,
					"outcome setting %s=%g exceeds hotend ceiling %g", key, val, outcomeMaxHotendC)
			}
		case strings.Contains(k, "bed"):
			if val > outcomeMaxBedC {
				return faults.New(faults.KindSafetyViolation,
					"outcome setting %s=%g exceeds bed ceiling %g", key, val, outcomeMaxBedC)
			}
		case strings.Contains(k, "speed"):
			if val > outcomeMaxSpeedMMS {
				return faults.New(faults.KindSafetyViolation,
					"outcome setting %s=%g exceeds speed ceiling %g mm/s", key, val, outcomeMaxSpeedMMS)
			}
		}
	}
	return nil
}

// OutcomesForJob returns outcomes recorded for a job, newest first.
func (s *Store) OutcomesForJob(ctx context.Context, jobID string) ([]models.Outcome, error) {
	const q = outcomeSelect + ` WHERE job_id=? ORDER BY recorded_at DESC, id DESC`
	return s.queryOutcomes(ctx, q, jobID)
}

// RoutingStatsFor aggregates history for a printer, optionally narrowed to a
// file hash and material. Partial results count as successes: a print that
// produced usable output is evidence the pairing works.
func (s *Store) RoutingStatsFor(ctx context.Context, printerID, fileHash, material string) (RoutingStats, error) {
	var (
		where = []string{"printer_id=?"}
		args  = []any{printerID}
	)
	if fileHash != "" {
		where = append(where, "file_hash=?")
		args = append(args, fileHash)
	}
	if material != "" {
		where = append(where, "material=?")
		args = append(args, material)
	}

	q := fmt.Sprintf(`
SELECT
  COALESCE(SUM(CASE WHEN result IN ('success','partial') THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN result='failed' THEN 1 ELSE 0 END), 0),
  COUNT(*)
FROM outcomes WHERE %s`, strings.Join(where, " AND "))

	var st RoutingStats
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&st.Successes, &st.Failures, &st.Total); err != nil {
		return RoutingStats{}, fmt.Errorf("routing stats: %w", err)
	}
	return st, nil
}

const outcomeSelect = `
SELECT id, job_id, printer_id, result, quality_grade, failure_mode,
       duration_seconds, file_hash, material, settings_json, notes, recorded_at
  FROM outcomes`

func (s *Store) queryOutcomes(ctx context.Context, q string, args ...any) ([]models.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		var (
			rowID        int64
			o            models.Outcome
			result       string
			settingsJSON *string
		)
		if err := rows.Scan(&rowID, &o.JobID, &o.PrinterID, &result,
			&o.QualityGrade, &o.FailureMode, &o.DurationSeconds, &o.FileHash,
			&o.Material, &settingsJSON, &o.Notes, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Result = models.OutcomeResult(result)
		o.RecordedAt = o.RecordedAt.UTC()
		if settingsJSON != nil && *settingsJSON != "" {
			if err := json.Unmarshal([]byte(*settingsJSON), &o.Settings); err != nil {
				return nil, fmt.Errorf("unmarshal outcome settings: %w", err)
			}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}
