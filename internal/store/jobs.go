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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kiln/pkg/models"
)

// JobUpdate carries the optional field mutations applied atomically with a
// state transition. Nil pointers leave the column untouched; the Clear flags
// null it out.
type JobUpdate struct {
	AssignedPrinter      *string
	ClearAssignedPrinter bool
	RetriesRemaining     *int
	RetryNotBefore       *time.Time
	ClearRetryNotBefore  bool
	FailureReason        *string
}

// JobFilter narrows ListJobs. Zero value lists everything.
type JobFilter struct {
	States  []models.JobState
	Printer string // matches assigned_printer
	Limit   int
}

// InsertJob persists a freshly submitted job.
func (s *Store) InsertJob(ctx context.Context, j models.Job) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const ins = `
INSERT INTO jobs(id, filename, target_printer, priority, material, file_hash,
                 submitted_at, state, retries_remaining, retry_not_before,
                 assigned_printer, failure_reason, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var retryNB any
	if j.RetryNotBefore != nil {
		retryNB = j.RetryNotBefore.UTC()
	}

	_, err := s.db.ExecContext(ctx, ins,
		j.ID, j.Filename, j.TargetPrinter, j.Priority, j.Material, j.FileHash,
		j.SubmittedAt.UTC(), j.State.String(), j.RetriesRemaining, retryNB,
		j.AssignedPrinter, j.FailureReason, j.SubmittedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	const q = jobSelect + ` WHERE id=?`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

// ListJobs returns jobs matching the filter, newest submission first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, st.String())
		}
		where = append(where, fmt.Sprintf("state IN (%s)", strings.Join(ph, ",")))
	}
	if f.Printer != "" {
		where = append(where, "assigned_printer=?")
		args = append(args, f.Printer)
	}

	q := jobSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY submitted_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// EligibleJobs returns queued jobs whose retry window has opened, ordered by
// priority descending, then submission time, then id. The dispatcher scores
// and claims from this list.
func (s *Store) EligibleJobs(ctx context.Context, now time.Time) ([]models.Job, error) {
	const q = jobSelect + `
 WHERE state='queued' AND (retry_not_before IS NULL OR retry_not_before <= ?)
 ORDER BY priority DESC, submitted_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("eligible jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible jobs: %w", err)
	}
	return out, nil
}

// TransitionJob atomically moves a job from one state to another, applying
// upd in the same statement. Returns ErrConflict when the job exists but is
// not in the expected state (the compare-and-swap lost), ErrNotFound when
// there is no such job. This is the only way job state changes; it gives the
// dispatcher its at-most-once claim.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to models.JobState, upd JobUpdate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	set := []string{"state=?", "updated_at=?"}
	args := []any{to.String(), time.Now().UTC()}

	switch {
	case upd.AssignedPrinter != nil:
		set = append(set, "assigned_printer=?")
		args = append(args, *upd.AssignedPrinter)
	case upd.ClearAssignedPrinter:
		set = append(set, "assigned_printer=NULL")
	}
	if upd.RetriesRemaining != nil {
		set = append(set, "retries_remaining=?")
		args = append(args, *upd.RetriesRemaining)
	}
	switch {
	case upd.RetryNotBefore != nil:
		set = append(set, "retry_not_before=?")
		args = append(args, upd.RetryNotBefore.UTC())
	case upd.ClearRetryNotBefore:
		set = append(set, "retry_not_before=NULL")
	}
	if upd.FailureReason != nil {
		set = append(set, "failure_reason=?")
		args = append(args, *upd.FailureReason)
	}

	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id=? AND state=?`, strings.Join(set, ", "))
	args = append(args, id, from.String())

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing job.
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id=?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("transition job existence check: %w", err)
		}
		return ErrConflict
	}
	return nil
}

const jobSelect = `
SELECT id, filename, target_printer, priority, material, file_hash,
       submitted_at, state, retries_remaining, retry_not_before,
       assigned_printer, failure_reason
  FROM jobs`

func scanJob(r rowScanner) (*models.Job, error) {
	var row struct {
		id, filename, fileHash, state string
		targetPrinter                 sql.NullString
		priority                      int
		material                      sql.NullString
		submittedAt                   time.Time
		retriesRemaining              int
		retryNotBefore                sql.NullTime
		assignedPrinter               sql.NullString
		failureReason                 sql.NullString
	}
	err := r.Scan(&row.id, &row.filename, &row.targetPrinter, &row.priority,
		&row.material, &row.fileHash, &row.submittedAt, &row.state,
		&row.retriesRemaining, &row.retryNotBefore, &row.assignedPrinter,
		&row.failureReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	return &models.Job{
		ID:               row.id,
		Filename:         row.filename,
		TargetPrinter:    fromNullStringPtr(row.targetPrinter),
		Priority:         row.priority,
		Material:         fromNullStringPtr(row.material),
		FileHash:         row.fileHash,
		SubmittedAt:      row.submittedAt.UTC(),
		State:            models.JobState(row.state),
		RetriesRemaining: row.retriesRemaining,
		RetryNotBefore:   fromNullTimePtr(row.retryNotBefore),
		AssignedPrinter:  fromNullStringPtr(row.assignedPrinter),
		FailureReason:    fromNullStringPtr(row.failureReason),
	}, nil
}
