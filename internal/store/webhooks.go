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

	"github.com/google/uuid"

	"kiln/pkg/crypto"
	"kiln/pkg/models"
)

// InsertWebhook persists a subscription. The secret is encrypted at rest
// when the store was opened with a passphrase. Returns the stored record's
// id.
func (s *Store) InsertWebhook(ctx context.Context, w models.WebhookSubscription) (string, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	secret := w.Secret
	if secret != "" && s.encryptor != nil {
		enc, err := s.encryptor.Encrypt(secret)
		if err != nil {
			return "", fmt.Errorf("encrypt webhook secret: %w", err)
		}
		secret = enc
	}

	kinds := make([]string, len(w.EventKinds))
	for i, k := range w.EventKinds {
		kinds[i] = string(k)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	const ins = `
INSERT INTO webhook_subscriptions(id, url, event_kinds, secret, created_at)
VALUES(?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins,
		w.ID, w.URL, strings.Join(kinds, ","), secret, w.CreatedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert webhook subscription: %w", err)
	}
	return w.ID, nil
}

// ListWebhooks returns all subscriptions with secrets decrypted for use by
// the delivery workers. Callers must not serialize the secret field.
func (s *Store) ListWebhooks(ctx context.Context) ([]models.WebhookSubscription, error) {
	const q = `SELECT id, url, event_kinds, secret, created_at FROM webhook_subscriptions ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookSubscription
	for rows.Next() {
		w, err := s.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook subscriptions: %w", err)
	}
	return out, nil
}

// GetWebhook retrieves one subscription by id.
func (s *Store) GetWebhook(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	const q = `SELECT id, url, event_kinds, secret, created_at FROM webhook_subscriptions WHERE id=?`
	return s.scanWebhook(s.db.QueryRowContext(ctx, q, id))
}

// DeleteWebhook removes a subscription. Returns ErrNotFound when absent.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete webhook rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanWebhook(r rowScanner) (*models.WebhookSubscription, error) {
	var (
		w         models.WebhookSubscription
		kindsCSV  string
		secret    sql.NullString
		createdAt time.Time
	)
	err := r.Scan(&w.ID, &w.URL, &kindsCSV, &secret, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook subscription: %w", err)
	}

	if kindsCSV != "" {
		for _, k := range strings.Split(kindsCSV, ",") {
			w.EventKinds = append(w.EventKinds, models.EventKind(k))
		}
	}
	if secret.Valid {
		w.Secret = secret.String
		if s.encryptor != nil && crypto.IsEncrypted(w.Secret) {
			plain, err := s.encryptor.Decrypt(w.Secret)
			if err != nil {
				return nil, fmt.Errorf("decrypt webhook secret: %w", err)
			}
			w.Secret = plain
		}
	}
	w.CreatedAt = createdAt.UTC()
	return &w, nil
}
