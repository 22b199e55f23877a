package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "audit.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink
}

func testEvent(action string, at time.Time) Event {
	return Event{
		Timestamp: at,
		Category:  CategoryCommand,
		Action:    action,
		Actor:     "10.0.0.1",
		Details:   map[string]string{"input": "dir", "reason": "not allowed"},
	}
}

func TestSQLiteSink_RecordAndVerify(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		sink.Record(ctx, testEvent("deny", base.Add(time.Duration(i)*time.Second)))
	}
	n, err := sink.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n != 5 {
		t.Errorf("verified %d records, want 5", n)
	}
}

func TestSQLiteSink_VerifyDetectsTampering(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		sink.Record(ctx, testEvent("deny", base.Add(time.Duration(i)*time.Second)))
	}
	if _, err := sink.db.Exec(`UPDATE audit_log SET actor = 'evil' WHERE ts = ?`, base.Add(time.Second).UnixNano()); err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Verify(ctx); err == nil {
		t.Fatal("expected verification failure after tampering")
	}
}

func TestSQLiteSink_ChainSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	sink, err := NewSQLiteSink(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	sink.Record(ctx, testEvent("deny", base))
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteSink(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	reopened.Record(ctx, testEvent("allow", base.Add(time.Minute)))
	n, err := reopened.Verify(ctx)
	if err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}
	if n != 2 {
		t.Errorf("verified %d records, want 2", n)
	}
}

func TestSQLiteSink_Prune(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		sink.Record(ctx, testEvent("deny", base.Add(time.Duration(i)*time.Hour)))
	}
	n, err := sink.Prune(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	// The surviving suffix still verifies from its new anchor.
	verified, err := sink.Verify(ctx)
	if err != nil {
		t.Fatalf("verify after prune: %v", err)
	}
	if verified != 2 {
		t.Errorf("verified %d records, want 2", verified)
	}
}
