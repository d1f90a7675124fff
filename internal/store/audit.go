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

	"kiln/pkg/models"
)

// AppendAudit persists one sealed audit record. Seq and both HMACs must be
// set by the caller (internal/audit computes the chain); the store only
// refuses out-of-order sequences.
func (s *Store) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withTxLocked(ctx, func(tx *sql.Tx) error {
		var last int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_log`).Scan(&last); err != nil {
			return fmt.Errorf("last audit seq: %w", err)
		}
		if rec.Seq != last+1 {
			return fmt.Errorf("audit seq %d does not follow %d: %w", rec.Seq, last, ErrConflict)
		}

		const ins = `
INSERT INTO audit_log(seq, ts, actor, tool, params_digest, result_kind, hmac_hex, prev_hmac_hex)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins,
			rec.Seq, rec.Timestamp.UTC(), rec.ActorID, rec.ToolName,
			rec.ParamsDigest, rec.ResultKind, rec.HMAC, rec.PrevHMAC); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
		return nil
	})
}

// LastAudit returns the most recent audit record, or ErrNotFound when the
// log is empty.
func (s *Store) LastAudit(ctx context.Context) (*models.AuditRecord, error) {
	const q = auditSelect + ` ORDER BY seq DESC LIMIT 1`
	rec, err := scanAudit(s.db.QueryRowContext(ctx, q))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListAudit returns the full audit log in sequence order for verification.
func (s *Store) ListAudit(ctx context.Context) ([]models.AuditRecord, error) {
	const q = auditSelect + ` ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return out, nil
}

const auditSelect = `
SELECT seq, ts, actor, tool, params_digest, result_kind, hmac_hex, prev_hmac_hex
  FROM audit_log`

func scanAudit(r rowScanner) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	err := r.Scan(&rec.Seq, &rec.Timestamp, &rec.ActorID, &rec.ToolName,
		&rec.ParamsDigest, &rec.ResultKind, &rec.HMAC, &rec.PrevHMAC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan audit record: %w", err)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}
