package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/peercall/peercall/internal/domain"
)

func newRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()
	rec, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rec.Close() })
	return rec
}

func retiredCall(t *testing.T, caller, recipient domain.UserID, startedAt time.Time, secs int64) *domain.Call {
	t.Helper()
	call, err := domain.NewCall(caller, recipient, domain.MediaAudio, "v=0 offer", startedAt)
	if err != nil {
		t.Fatal(err)
	}
	endedAt := startedAt.Add(time.Duration(secs) * time.Second)
	call.Status = domain.StatusEnded
	call.EndedAt = &endedAt
	call.Duration = secs
	return call
}

func TestRecordAndList(t *testing.T) {
	rec := newRecorder(t)
	ctx := context.Background()

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	call := retiredCall(t, "alice", "bob", start, 42)
	connectedAt := start.Add(2 * time.Second)
	call.ConnectedAt = &connectedAt
	if err := rec.Record(ctx, call); err != nil {
		t.Fatal(err)
	}

	for _, uid := range []domain.UserID{"alice", "bob"} {
		got, err := rec.ListByUser(ctx, uid, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("list for %s: %d records, want 1", uid, len(got))
		}
		cdr := got[0]
		if cdr.ID != call.ID || cdr.CallerID != "alice" || cdr.RecipientID != "bob" {
			t.Errorf("identity fields: %+v", cdr)
		}
		if cdr.Status != domain.StatusEnded || cdr.Duration != 42 {
			t.Errorf("status/duration: %s/%d", cdr.Status, cdr.Duration)
		}
		if !cdr.StartedAt.Equal(start) {
			t.Errorf("startedAt = %v, want %v", cdr.StartedAt, start)
		}
		if cdr.ConnectedAt == nil || !cdr.ConnectedAt.Equal(connectedAt) {
			t.Errorf("connectedAt = %v", cdr.ConnectedAt)
		}
		if cdr.EndedAt == nil || !cdr.EndedAt.Equal(*call.EndedAt) {
			t.Errorf("endedAt = %v", cdr.EndedAt)
		}
	}

	stranger, err := rec.ListByUser(ctx, "carol", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stranger) != 0 {
		t.Errorf("carol sees %d foreign records", len(stranger))
	}
}

func TestRecordUpserts(t *testing.T) {
	rec := newRecorder(t)
	ctx := context.Background()

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	call := retiredCall(t, "alice", "bob", start, 0)
	call.Status = domain.StatusDeclined
	call.EndedAt = nil
	if err := rec.Record(ctx, call); err != nil {
		t.Fatal(err)
	}

	// The same call re-reported with a later terminal state replaces the row.
	endedAt := start.Add(5 * time.Second)
	call.Status = domain.StatusEnded
	call.EndedAt = &endedAt
	call.Duration = 5
	if err := rec.Record(ctx, call); err != nil {
		t.Fatal(err)
	}

	got, err := rec.ListByUser(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("%d records after upsert, want 1", len(got))
	}
	if got[0].Status != domain.StatusEnded || got[0].Duration != 5 {
		t.Errorf("upsert kept stale state: %s/%d", got[0].Status, got[0].Duration)
	}
}

func TestListNewestFirstWithLimit(t *testing.T) {
	rec := newRecorder(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		call := retiredCall(t, "alice", "bob", base.Add(time.Duration(i)*time.Minute), 10)
		if err := rec.Record(ctx, call); err != nil {
			t.Fatal(err)
		}
	}

	got, err := rec.ListByUser(ctx, "alice", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("%d records, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].StartedAt.After(got[i-1].StartedAt) {
			t.Fatal("records not in newest-first order")
		}
	}
	if !got[0].StartedAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("newest record startedAt = %v", got[0].StartedAt)
	}
}
