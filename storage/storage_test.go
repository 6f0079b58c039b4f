package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"gforms-notifier/pkg/formwatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func rec(id, form, dest, guild string, when time.Time) *formwatch.WatchRecord {
	return &formwatch.WatchRecord{
		ID:            id,
		FormID:        form,
		DestinationID: dest,
		GuildID:       guild,
		Recurrence:    formwatch.Recurrence{Kind: formwatch.RecurInterval, IntervalHours: 1, Anchor: base},
		Since:         base.Add(-time.Hour),
		When:          when,
		CreatedAt:     base,
	}
}

// testWatchStore exercises the logical store contract shared by every backend.
func testWatchStore(t *testing.T, s WatchStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		got, err := s.FindEarliestDue(ctx)
		if err != nil || got != nil {
			t.Fatalf("FindEarliestDue() on empty store = %v, %v, want nil, nil", got, err)
		}
	})

	// Inserted out of due order on purpose.
	late := rec("id-c", "form-1", "chan-1", "g1", base.Add(2*time.Hour))
	early := rec("id-b", "form-2", "chan-1", "g1", base.Add(time.Hour))
	tieA := rec("id-a", "form-3", "chan-2", "g2", base.Add(3*time.Hour))
	tieD := rec("id-d", "form-4", "chan-2", "g2", base.Add(3*time.Hour))
	for _, r := range []*formwatch.WatchRecord{late, tieD, early, tieA} {
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert(%s) error = %v", r.ID, err)
		}
	}

	t.Run("earliest due", func(t *testing.T) {
		got, err := s.FindEarliestDue(ctx)
		if err != nil {
			t.Fatalf("FindEarliestDue() error = %v", err)
		}
		if got == nil || got.ID != "id-b" {
			t.Errorf("FindEarliestDue() = %v, want id-b", got)
		}
	})

	t.Run("duplicate pair rejected", func(t *testing.T) {
		dup := rec("id-z", "form-1", "chan-1", "g1", base)
		if err := s.Upsert(ctx, dup); !errors.Is(err, ErrDuplicate) {
			t.Errorf("Upsert(duplicate) error = %v, want ErrDuplicate", err)
		}
	})

	t.Run("update reorders", func(t *testing.T) {
		moved := rec("id-b", "form-2", "chan-1", "g1", base.Add(5*time.Hour))
		if err := s.Upsert(ctx, moved); err != nil {
			t.Fatalf("Upsert(update) error = %v", err)
		}
		got, err := s.FindEarliestDue(ctx)
		if err != nil || got.ID != "id-c" {
			t.Errorf("FindEarliestDue() after update = %v, %v, want id-c", got, err)
		}
		fetched, err := s.Get(ctx, moved.Key())
		if err != nil || !fetched.When.Equal(moved.When) {
			t.Errorf("Get() = %v, %v, want updated when", fetched, err)
		}
	})

	t.Run("list by guild ordered with id tie-break", func(t *testing.T) {
		got, err := s.ListByGuild(ctx, "g2")
		if err != nil {
			t.Fatalf("ListByGuild() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "id-a" || got[1].ID != "id-d" {
			t.Errorf("ListByGuild(g2) = %v, want [id-a id-d]", ids(got))
		}
		all, err := s.ListByGuild(ctx, "")
		if err != nil || len(all) != 4 {
			t.Errorf("ListByGuild(\"\") = %d records, %v, want 4", len(all), err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.Delete(ctx, "form-1", "chan-1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := s.Get(ctx, formwatch.Key{FormID: "form-1", DestinationID: "chan-1"}); !IsNotFound(err) {
			t.Errorf("Get() after Delete() error = %v, want not found", err)
		}
		if err := s.Delete(ctx, "form-1", "chan-1"); !IsNotFound(err) {
			t.Errorf("second Delete() error = %v, want not found", err)
		}
		// The pair is free again.
		if err := s.Upsert(ctx, rec("id-e", "form-1", "chan-1", "g1", base)); err != nil {
			t.Errorf("Upsert() of freed pair error = %v", err)
		}
	})

	t.Run("delete all by guild", func(t *testing.T) {
		n, err := s.DeleteAll(ctx, "g2")
		if err != nil || n != 2 {
			t.Fatalf("DeleteAll(g2) = %d, %v, want 2", n, err)
		}
		n, err = s.DeleteAll(ctx, "")
		if err != nil || n != 2 {
			t.Fatalf("DeleteAll(\"\") = %d, %v, want 2", n, err)
		}
		if got, _ := s.FindEarliestDue(ctx); got != nil {
			t.Errorf("FindEarliestDue() after DeleteAll = %v, want nil", got)
		}
	})
}

func ids(recs []*formwatch.WatchRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestLocalStore(t *testing.T) {
	testWatchStore(t, New(nil, "", t.TempDir(), testLogger()))
}

func TestSQLStore(t *testing.T) {
	s, err := OpenSQL(filepath.Join(t.TempDir(), "watches.db"), testLogger())
	if err != nil {
		t.Fatalf("OpenSQL() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	testWatchStore(t, s)
}

func TestSQLStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watches.db")
	s, err := OpenSQL(path, testLogger())
	if err != nil {
		t.Fatalf("OpenSQL() error = %v", err)
	}
	if err := s.Upsert(context.Background(), rec("id-a", "f", "c", "g", base)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = OpenSQL(path, testLogger())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close() //nolint:errcheck // test cleanup
	got, err := s.FindEarliestDue(context.Background())
	if err != nil || got == nil || got.ID != "id-a" {
		t.Errorf("FindEarliestDue() after reopen = %v, %v", got, err)
	}
}

// setupTestRedis connects to a local Redis, skipping when none is reachable.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	t.Cleanup(func() {
		client.Close() //nolint:errcheck,gosec // test cleanup
	})
	return client
}

func TestRedisStore(t *testing.T) {
	client := setupTestRedis(t)
	prefix := "formwatch-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		ctx := context.Background()
		client.Del(ctx, prefix+":watches", prefix+":due", prefix+":pairs")
	})
	testWatchStore(t, NewRedis(client, prefix, testLogger()))
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"0b6a4e0e-1f1c-4b53-9a55-2b1d0b1e2a7c", "watch-0b6a4e0e-1f1c-4b53-9a55-2b1d0b1e2a7c.json"},
		{"", ""},
		{"../etc/passwd", ""},
		{"a/b", ""},
	}
	for _, tt := range tests {
		if got := objectKey(tt.id); got != tt.want {
			t.Errorf("objectKey(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
