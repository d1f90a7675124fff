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

package audit

import (
	"context"
	"path/filepath"
	"testing"

	"kiln/internal/store"
	"kiln/pkg/models"
)

func newTestLog(t *testing.T) (*Log, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	l, err := New(ctx, st, []byte("test-audit-key"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	return l, st
}

func TestRecordAndVerify(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	for i, tool := range []string{"submit_job", "start_print", "cancel_job"} {
		rec, err := l.Record(ctx, "agent-1", tool, map[string]any{"n": i}, "ok")
		if err != nil {
			t.Fatalf("record %s: %v", tool, err)
		}
		if rec.Seq != int64(i+1) {
			t.Errorf("record %s seq = %d, want %d", tool, rec.Seq, i+1)
		}
	}

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK {
		t.Fatalf("verify reports broken chain at seq %d", res.BrokenAt)
	}
	if res.Records != 3 {
		t.Errorf("verify counted %d records, want 3", res.Records)
	}
}

func TestChainLinksToGenesis(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()

	if _, err := l.Record(ctx, "agent-1", "submit_job", nil, "ok"); err != nil {
		t.Fatalf("record: %v", err)
	}

	first, err := st.LastAudit(ctx)
	if err != nil {
		t.Fatalf("last audit: %v", err)
	}
	if first.PrevHMAC != genesisHMAC {
		t.Errorf("first record prev = %q, want genesis anchor", first.PrevHMAC)
	}
}

// memStore keeps records in memory so tests can tamper with them.
type memStore struct {
	records []models.AuditRecord
}

func (m *memStore) AppendAudit(_ context.Context, rec models.AuditRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) LastAudit(context.Context) (*models.AuditRecord, error) {
	if len(m.records) == 0 {
		return nil, store.ErrNotFound
	}
	rec := m.records[len(m.records)-1]
	return &rec, nil
}

func (m *memStore) ListAudit(context.Context) ([]models.AuditRecord, error) {
	out := make([]models.AuditRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func TestVerifyDetectsTamperedRow(t *testing.T) {
	ctx := context.Background()
	ms := &memStore{}
	l, err := New(ctx, ms, []byte("test-audit-key"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := l.Record(ctx, "agent-1", "submit_job", map[string]any{"n": i}, "ok"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	// Rewrite the middle row's result, keeping its HMAC.
	ms.records[1].ResultKind = "forged"

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.OK {
		t.Fatalf("verify accepted a tampered chain")
	}
	if res.BrokenAt != 2 {
		t.Errorf("broken at seq %d, want 2", res.BrokenAt)
	}
}

func TestVerifyDetectsDeletedRow(t *testing.T) {
	ctx := context.Background()
	ms := &memStore{}
	l, err := New(ctx, ms, []byte("test-audit-key"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := l.Record(ctx, "agent-1", "submit_job", map[string]any{"n": i}, "ok"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	// Drop the middle record entirely.
	ms.records = append(ms.records[:1], ms.records[2:]...)

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.OK {
		t.Fatalf("verify accepted a chain with a deleted row")
	}
	if res.BrokenAt != 2 {
		t.Errorf("broken at seq %d, want 2", res.BrokenAt)
	}
}

func TestVerifyDetectsTruncatedTail(t *testing.T) {
	ctx := context.Background()
	ms := &memStore{}
	l, err := New(ctx, ms, []byte("test-audit-key"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := l.Record(ctx, "agent-1", "submit_job", map[string]any{"n": i}, "ok"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	// Drop the newest record. The remaining chain is internally consistent,
	// so only the tail comparison can catch it.
	ms.records = ms.records[:2]

	res, err := l.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.OK {
		t.Fatalf("verify accepted a chain with its tail deleted")
	}
	if res.BrokenAt != 3 {
		t.Errorf("broken at seq %d, want 3", res.BrokenAt)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	key := []byte("test-audit-key")
	l1, err := New(ctx, st, key)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	if _, err := l1.Record(ctx, "agent-1", "submit_job", nil, "ok"); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A fresh Log over the same store must pick up the tail.
	l2, err := New(ctx, st, key)
	if err != nil {
		t.Fatalf("reopen audit log: %v", err)
	}
	rec, err := l2.Record(ctx, "agent-1", "cancel_job", nil, "ok")
	if err != nil {
		t.Fatalf("record after reopen: %v", err)
	}
	if rec.Seq != 2 {
		t.Errorf("seq after reopen = %d, want 2", rec.Seq)
	}

	res, err := l2.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.OK {
		t.Errorf("chain broken at %d after reopen", res.BrokenAt)
	}
}

func TestDigestRedactsSecrets(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()

	secret := "super-secret-access-code"
	if _, err := l.Record(ctx, "agent-1", "register_printer", map[string]any{
		"name":        "x1c-lab",
		"access_code": secret,
	}, "ok"); err != nil {
		t.Fatalf("record: %v", err)
	}

	records, err := st.ListAudit(ctx)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	for _, rec := range records {
		if rec.ParamsDigest == secret {
			t.Fatalf("digest leaked the raw secret")
		}
	}

	// Same params with the secret swapped must digest identically: the
	// redacted placeholder, not the value, is what gets signed.
	rec2, err := l.Record(ctx, "agent-1", "register_printer", map[string]any{
		"name":        "x1c-lab",
		"access_code": "a-different-secret",
	}, "ok")
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if rec2.ParamsDigest != records[0].ParamsDigest {
		t.Errorf("digests differ across redacted secret values")
	}
}
