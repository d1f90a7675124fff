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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kiln/pkg/models"
)

// AppendEvent durably persists an event and assigns its sequence number.
// Seq is strictly monotonic with no gaps; the single-writer lock plus the
// MAX(seq)+1 read inside the insert transaction guarantee it.
func (s *Store) AppendEvent(ctx context.Context, ev *models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var payload any
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(b)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withTxLocked(ctx, func(tx *sql.Tx) error {
		var next int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events`).Scan(&next); err != nil {
			return fmt.Errorf("next event seq: %w", err)
		}

		const ins = `
INSERT INTO events(seq, id, kind, timestamp, printer_id, job_id, payload_json)
VALUES(?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins,
			next, ev.ID, string(ev.Kind), ev.Timestamp.UTC(), ev.PrinterID, ev.JobID, payload); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		ev.Seq = next
		return nil
	})
}

// RecentEvents returns the newest events up to limit, oldest first so
// consumers can replay them in order.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT seq, id, kind, timestamp, printer_id, job_id, payload_json
  FROM (SELECT * FROM events ORDER BY seq DESC LIMIT ?)
 ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with seq greater than after, oldest first, up
// to limit rows. Used by catch-up consumers.
func (s *Store) EventsAfter(ctx context.Context, after int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT seq, id, kind, timestamp, printer_id, job_id, payload_json
  FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, after, limit)
	if err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]models.Event, error) {
	var out []models.Event
	for rows.Next() {
		var (
			ev          models.Event
			kind        string
			printerID   sql.NullString
			jobID       sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &kind, &ev.Timestamp, &printerID, &jobID, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.Timestamp = ev.Timestamp.UTC()
		ev.PrinterID = fromNullStringPtr(printerID)
		ev.JobID = fromNullStringPtr(jobID)
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// LastEventSeq returns the highest assigned event sequence, 0 when empty.
func (s *Store) LastEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	return seq, nil
}
