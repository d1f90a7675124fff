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

// Package audit seals guarded operations into a tamper-evident log. Each
// record's HMAC covers its sequence number, its fields, and the previous
// record's HMAC, so deleting or editing any row breaks verification from
// that point on. Parameters are digested, never stored: secrets cannot
// leak through the audit trail.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"kiln/internal/store"
	"kiln/pkg/crypto"
	"kiln/pkg/models"
)

// genesisHMAC anchors the chain: the first record's PrevHMAC.
const genesisHMAC = "kiln-audit-genesis"

// Store is the slice of persistence the audit log needs.
type Store interface {
	AppendAudit(ctx context.Context, rec models.AuditRecord) error
	LastAudit(ctx context.Context) (*models.AuditRecord, error)
	ListAudit(ctx context.Context) ([]models.AuditRecord, error)
}

// Log appends and verifies the audit chain. Safe for concurrent use; the
// in-memory tail mirrors the store so Record never has to re-read it.
type Log struct {
	store Store
	key   []byte
	now   func() time.Time

	mu       sync.Mutex
	lastSeq  int64
	lastHMAC string
}

// New opens the audit log, loading the current chain tail from the store.
// The key signs every record; losing it makes old records unverifiable.
func New(ctx context.Context, st Store, key []byte) (*Log, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("audit key is required")
	}

	l := &Log{
		store:    st,
		key:      key,
		now:      time.Now,
		lastHMAC: genesisHMAC,
	}

	last, err := st.LastAudit(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// empty log, chain starts at genesis
	case err != nil:
		return nil, fmt.Errorf("load audit tail: %w", err)
	default:
		l.lastSeq = last.Seq
		l.lastHMAC = last.HMAC
	}
	return l, nil
}

// SetNow overrides the clock. Test use only.
func (l *Log) SetNow(now func() time.Time) { l.now = now }

// Record seals one guarded operation into the chain. params are redacted
// and digested via canonical JSON before signing; the raw values never
// touch disk.
func (l *Log) Record(ctx context.Context, actorID, toolName string, params map[string]any, resultKind string) (models.AuditRecord, error) {
	digest, err := crypto.ParamsDigest(params)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("digest params: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := models.AuditRecord{
		Seq:          l.lastSeq + 1,
		Timestamp:    l.now().UTC(),
		ActorID:      actorID,
		ToolName:     toolName,
		ParamsDigest: digest,
		ResultKind:   resultKind,
		PrevHMAC:     l.lastHMAC,
	}
	rec.HMAC = l.seal(rec)

	if err := l.store.AppendAudit(ctx, rec); err != nil {
		return models.AuditRecord{}, fmt.Errorf("append audit record: %w", err)
	}

	l.lastSeq = rec.Seq
	l.lastHMAC = rec.HMAC
	return rec, nil
}

// VerifyResult is the outcome of a full chain replay.
type VerifyResult struct {
	OK       bool  `json:"ok"`
	Records  int   `json:"records"`
	BrokenAt int64 `json:"broken_at,omitempty"` // first bad seq, 0 when OK
}

// Verify replays the whole chain from genesis and reports the first break,
// if any. A gap in sequence numbers counts as a break at the missing seq.
// The replay must also end at the tail this Log last wrote: a truncated
// suffix is internally consistent but still a break.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	records, err := l.store.ListAudit(ctx)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("list audit records: %w", err)
	}

	l.mu.Lock()
	tailSeq, tailHMAC := l.lastSeq, l.lastHMAC
	l.mu.Unlock()

	prev := genesisHMAC
	for i, rec := range records {
		want := int64(i + 1)
		if rec.Seq != want {
			return VerifyResult{Records: len(records), BrokenAt: want}, nil
		}
		if rec.PrevHMAC != prev {
			return VerifyResult{Records: len(records), BrokenAt: rec.Seq}, nil
		}
		if !hmac.Equal([]byte(rec.HMAC), []byte(l.seal(rec))) {
			return VerifyResult{Records: len(records), BrokenAt: rec.Seq}, nil
		}
		prev = rec.HMAC
	}

	if int64(len(records)) < tailSeq {
		return VerifyResult{Records: len(records), BrokenAt: int64(len(records)) + 1}, nil
	}
	if tailSeq > 0 && int64(len(records)) == tailSeq && prev != tailHMAC {
		return VerifyResult{Records: len(records), BrokenAt: tailSeq}, nil
	}
	return VerifyResult{OK: true, Records: len(records)}, nil
}

// seal computes the record's HMAC over seq || prev || fields. The field
// order is fixed; changing it invalidates every existing chain.
func (l *Log) seal(rec models.AuditRecord) string {
	mac := hmac.New(sha256.New, l.key)
	fields := []string{
		fmt.Sprintf("%d", rec.Seq),
		rec.PrevHMAC,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.ActorID,
		rec.ToolName,
		rec.ParamsDigest,
		rec.ResultKind,
	}
	mac.Write([]byte(strings.Join(fields, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
