package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/stream-alerts/db"
)

// openTestStore connects to TEST_PG_DSN, migrates, and truncates the tables.
// Tests are skipped when no database is available.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping store integration test")
	}
	dbc, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = dbc.Close() })
	ctx := context.Background()
	if err := db.Migrate(ctx, dbc); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := dbc.ExecContext(ctx, `TRUNCATE streamers, subscriptions, streams, stream_alerts, kv CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return New(dbc)
}

func TestStreamerGetOrCreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.GetOrCreateStreamer(ctx, "123", "alice", "Alice")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if st.DisplayName != "Alice" {
		t.Errorf("display = %q, want Alice", st.DisplayName)
	}

	// Second call refreshes the display name, not a duplicate row.
	st, err = s.GetOrCreateStreamer(ctx, "123", "alice", "AliceLive")
	if err != nil {
		t.Fatalf("second get or create: %v", err)
	}
	if st.DisplayName != "AliceLive" {
		t.Errorf("display = %q, want AliceLive", st.DisplayName)
	}
}

func TestSubscriptionUniquePair(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreateStreamer(ctx, "123", "alice", "Alice"); err != nil {
		t.Fatalf("streamer: %v", err)
	}
	if _, err := s.CreateSubscription(ctx, "g1", "c1", "123", "u1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.CreateSubscription(ctx, "g1", "c1", "123", "u2", nil)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestStreamLifecycleAndAlertIdempotence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreateStreamer(ctx, "123", "alice", "Alice"); err != nil {
		t.Fatalf("streamer: %v", err)
	}
	sub, err := s.CreateSubscription(ctx, "g1", "c1", "123", "u1", nil)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}

	start := time.Unix(1000, 0).UTC()
	st, err := s.CreateStream(ctx, "123", start, "tw1", "Art", "painting")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	open, err := s.ListOpenStreams(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("open streams = %d (%v), want 1", len(open), err)
	}

	a, err := s.CreateAlert(ctx, st.ID, sub.ID, start, "m1")
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	if _, err := s.CreateAlert(ctx, st.ID, sub.ID, start, "m2"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate alert err = %v, want ErrDuplicate", err)
	}

	end := time.Unix(2000, 0).UTC()
	if err := s.EndStream(ctx, st.ID, end); err != nil {
		t.Fatalf("end stream: %v", err)
	}
	if err := s.ResolveAlert(ctx, a.ID, end); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := s.GetAlert(ctx, st.ID, sub.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	first := got.ResolvedAt
	if first == nil {
		t.Fatal("alert not resolved")
	}
	// Second resolve must not move the timestamp.
	if err := s.ResolveAlert(ctx, a.ID, end.Add(time.Hour)); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	got, _ = s.GetAlert(ctx, st.ID, sub.ID)
	if !got.ResolvedAt.Equal(*first) {
		t.Errorf("resolved_at moved on second resolve: %v -> %v", first, got.ResolvedAt)
	}
}

func TestDeleteStreamerIfOrphaned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreateStreamer(ctx, "123", "alice", "Alice"); err != nil {
		t.Fatalf("streamer: %v", err)
	}
	sub, err := s.CreateSubscription(ctx, "g1", "c1", "123", "u1", nil)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}

	deleted, err := s.DeleteStreamerIfOrphaned(ctx, "123")
	if err != nil || deleted {
		t.Fatalf("delete with live subscription = %v, %v; want false, nil", deleted, err)
	}
	if err := s.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	deleted, err = s.DeleteStreamerIfOrphaned(ctx, "123")
	if err != nil || !deleted {
		t.Fatalf("delete orphan = %v, %v; want true, nil", deleted, err)
	}
}
