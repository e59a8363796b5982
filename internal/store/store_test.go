package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "agibridge.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func backends(t *testing.T) map[string]Store {
	mem := NewMemoryStore(time.Hour)
	t.Cleanup(func() { mem.Close() })
	return map[string]Store{
		"memory": mem,
		"sqlite": openTestSQLite(t),
	}
}

func TestSaveAndGet(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 30, 0, 123456789, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &SessionRecord{
				CallID:    "call-1",
				SIPCallID: "abc@10.0.0.1",
				CallerID:  "+14155551234",
				CalledID:  "8005551212",
				AGIURI:    "agi://127.0.0.1:4573/ivr",
				StartedAt: start,
			}
			if err := s.Save(ctx, rec); err != nil {
				t.Fatalf("Save: %v", err)
			}

			// the finished record replaces the running one
			rec.EndedAt = start.Add(90 * time.Second)
			rec.Commands = 14
			rec.DialStatus = "ANSWER"
			rec.EndReason = "peer-closed"
			if err := s.Save(ctx, rec); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := s.Get(ctx, "call-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Commands != 14 || got.DialStatus != "ANSWER" || got.EndReason != "peer-closed" {
				t.Errorf("got %+v", got)
			}
			if !got.StartedAt.Equal(start) {
				t.Errorf("StartedAt = %v, want %v", got.StartedAt, start)
			}
			if got.Duration() != 90*time.Second {
				t.Errorf("Duration() = %v", got.Duration())
			}

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListNewestFirst(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// a whole second and a fractional one must still order correctly
			offsets := []time.Duration{0, 1500 * time.Millisecond, time.Second}
			for i, off := range offsets {
				rec := &SessionRecord{CallID: string(rune('a' + i)), StartedAt: base.Add(off)}
				if err := s.Save(ctx, rec); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}

			got, err := s.List(ctx, 0)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var ids string
			for _, r := range got {
				ids += r.CallID
			}
			if ids != "bca" {
				t.Errorf("order = %q, want bca", ids)
			}

			limited, err := s.List(ctx, 2)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("len = %d, want 2", len(limited))
			}
		})
	}
}

func TestTTLStoreExpiry(t *testing.T) {
	var (
		mu      sync.Mutex
		evicted []string
	)
	s := NewTTLStore[string, int](time.Hour, func(k string, _ int) {
		mu.Lock()
		evicted = append(evicted, k)
		mu.Unlock()
	})
	defer s.Close()

	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.Set("short", 1, time.Second)
	s.Set("long", 2, time.Minute)

	if v, ok := s.Get("short"); !ok || v != 1 {
		t.Fatalf("Get(short) = %v, %v", v, ok)
	}

	now = now.Add(2 * time.Second)
	if _, ok := s.Get("short"); ok {
		t.Error("short entry should have expired")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	if s.Update("short", func(v int) int { return v + 1 }) {
		t.Error("Update on expired key should fail")
	}
	if !s.Update("long", func(v int) int { return v * 10 }) {
		t.Error("Update(long) failed")
	}
	if v, _ := s.Get("long"); v != 20 {
		t.Errorf("Get(long) = %d, want 20", v)
	}

	s.sweep()
	mu.Lock()
	if len(evicted) != 1 || evicted[0] != "short" {
		t.Errorf("evicted = %v", evicted)
	}
	mu.Unlock()

	if !s.Delete("long") || s.Delete("long") {
		t.Error("Delete should report presence once")
	}
}
