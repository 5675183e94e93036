package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same directory and checks
// no migration is applied twice.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 4 {
		t.Fatalf("applied %d migrations, want 4", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"records", "contents", "conversation_turns", "jobs"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %q not found", table)
		}
	}
}

func TestAppendAndListTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	asked := time.Date(2025, 7, 14, 9, 30, 0, 0, time.UTC)
	answered := asked.Add(1500 * time.Millisecond)

	if err := s.AppendTurn(ctx, Turn{ConversationID: "c1", Role: RoleUser, Text: "Any delays?", CreatedAt: asked}); err != nil {
		t.Fatalf("AppendTurn user: %v", err)
	}
	err := s.AppendTurn(ctx, Turn{
		ConversationID: "c1",
		Role:           RoleAssistant,
		Text:           "Yes, one.",
		Sources:        []SourceRef{{ID: "email_20250714_0930", Title: "Berth delay"}},
		CreatedAt:      answered,
	})
	if err != nil {
		t.Fatalf("AppendTurn assistant: %v", err)
	}

	turns, err := s.ListTurns(ctx, "c1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Errorf("roles = %q, %q; want user, assistant", turns[0].Role, turns[1].Role)
	}
	if want := "2025-07-14T09:30:00.000000000Z_user"; turns[0].SequenceKey != want {
		t.Errorf("SequenceKey = %q, want %q", turns[0].SequenceKey, want)
	}
	if len(turns[1].Sources) != 1 || turns[1].Sources[0].ID != "email_20250714_0930" {
		t.Errorf("Sources = %+v", turns[1].Sources)
	}
	if len(turns[0].Sources) != 0 {
		t.Errorf("user turn should have no sources, got %+v", turns[0].Sources)
	}
	if !turns[1].CreatedAt.Equal(answered) {
		t.Errorf("CreatedAt = %v, want %v", turns[1].CreatedAt, answered)
	}
}

func TestListTurns_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ListTurns(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendTurn_InvalidRole(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendTurn(context.Background(), Turn{ConversationID: "c1", Role: "system", Text: "x"})
	if err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestAppendTurn_WriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO conversation_turns").WillReturnError(errors.New("disk I/O error"))

	s := NewWithDB(db)
	err = s.AppendTurn(context.Background(), Turn{ConversationID: "c1", Role: RoleUser, Text: "hi"})
	if err == nil {
		t.Fatal("expected write error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSequenceKey_SortsChronologically(t *testing.T) {
	a := SequenceKey(time.Date(2025, 7, 14, 9, 30, 0, 5, time.UTC), RoleUser)
	b := SequenceKey(time.Date(2025, 7, 14, 9, 30, 0, 40, time.UTC), RoleUser)
	if a >= b {
		t.Errorf("%q should sort before %q", a, b)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-claim-1", Type: "embed_record", PayloadJSON: `{"id":"r1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"embed_record"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.PayloadJSON != `{"id":"r1"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)
	got, err := s.ClaimNextJob(context.Background(), []string{"embed_record"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-future", Type: "embed_record", PayloadJSON: `{}`, RunAfter: time.Now().UTC().Add(time.Hour)}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, []string{"embed_record"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, []string{"b"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.Type != "b" {
		t.Fatalf("claimed %+v, want type b", got)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j-complete")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "completed" {
		t.Errorf("status = %q, want completed", j.Status)
	}
	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestFailJob_RetriesWithBackoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	before := time.Now().UTC().Truncate(time.Second)
	if err := s.FailJob(ctx, "j-fail", "embedding service unavailable"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	j, err := s.GetJob(ctx, "j-fail")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "pending" || j.Attempts != 1 {
		t.Errorf("status=%q attempts=%d, want pending/1", j.Status, j.Attempts)
	}
	if j.LastError != "embedding service unavailable" {
		t.Errorf("LastError = %q", j.LastError)
	}
	if !j.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", j.RunAfter, before)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob(ctx, "j-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	st, err := s.JobStats(ctx)
	if err != nil {
		t.Fatalf("JobStats: %v", err)
	}
	if st.Failed != 1 || st.Pending != 0 {
		t.Errorf("stats = %+v, want one failed", st)
	}
}
