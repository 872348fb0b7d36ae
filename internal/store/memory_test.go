package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ─── lists ────────────────────────────────────────────────────────────────────

func TestMemoryPushOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Push(ctx, "events", []byte(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	rows, err := m.Range(ctx, "events", 0, -1)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len = %d, want 3", len(rows))
	}
	// Newest first.
	if string(rows[0]) != "e2" || string(rows[2]) != "e0" {
		t.Errorf("order = [%s %s %s], want newest first", rows[0], rows[1], rows[2])
	}
}

func TestMemoryPushCapped(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const limit = 5
	for i := 0; i < 20; i++ {
		if err := m.PushCapped(ctx, "capped", []byte(fmt.Sprintf("e%d", i)), limit); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	rows, err := m.Range(ctx, "capped", 0, -1)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != limit {
		t.Fatalf("len = %d, want %d", len(rows), limit)
	}
	if string(rows[0]) != "e19" {
		t.Errorf("head = %s, want e19 (newest)", rows[0])
	}
	if string(rows[limit-1]) != "e15" {
		t.Errorf("tail = %s, want e15 (oldest survivor)", rows[limit-1])
	}
}

func TestMemoryRangeBounds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		m.Push(ctx, "k", []byte(fmt.Sprintf("e%d", i)))
	}

	tests := []struct {
		start, stop int
		wantLen     int
	}{
		{0, 4, 5},
		{0, -1, 10},
		{0, 99, 10},
		{8, 2, 0},
		{5, 9, 5},
	}
	for _, tc := range tests {
		rows, err := m.Range(ctx, "k", tc.start, tc.stop)
		if err != nil {
			t.Fatalf("range(%d,%d): %v", tc.start, tc.stop, err)
		}
		if len(rows) != tc.wantLen {
			t.Errorf("range(%d,%d) len = %d, want %d", tc.start, tc.stop, len(rows), tc.wantLen)
		}
	}
}

func TestMemoryRangeMissingKey(t *testing.T) {
	m := NewMemory()
	rows, err := m.Range(context.Background(), "absent", 0, -1)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("len = %d, want 0", len(rows))
	}
}

func TestMemoryTrimEmptiesOnInvertedRange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Push(ctx, "k", []byte("a"))
	m.Push(ctx, "k", []byte("b"))

	if err := m.Trim(ctx, "k", 5, 2); err != nil {
		t.Fatalf("trim: %v", err)
	}
	rows, _ := m.Range(ctx, "k", 0, -1)
	if len(rows) != 0 {
		t.Errorf("len after inverted trim = %d, want 0", len(rows))
	}
}

// ─── keyed values & TTL ───────────────────────────────────────────────────────

func TestMemorySetGetRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.SetWithTTL(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("get = %q, want v", got)
	}

	ok, err := m.Exists(ctx, "k")
	if err != nil || !ok {
		t.Errorf("exists = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	m.SetClock(func() time.Time { return now })

	if err := m.SetWithTTL(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Just before the deadline the key is alive.
	now = now.Add(time.Hour - time.Second)
	if ok, _ := m.Exists(ctx, "k"); !ok {
		t.Error("key expired early")
	}

	// At the deadline it is gone.
	now = now.Add(time.Second)
	if ok, _ := m.Exists(ctx, "k"); ok {
		t.Error("key survived past its TTL")
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after expiry = %v, want ErrNotFound", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.SetWithTTL(ctx, "k", []byte("v"), 0)
	m.Push(ctx, "k", []byte("item"))

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := m.Exists(ctx, "k"); ok {
		t.Error("value survived delete")
	}
	rows, _ := m.Range(ctx, "k", 0, -1)
	if len(rows) != 0 {
		t.Error("list survived delete")
	}
}

func TestMemoryCopiesOnReadWrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	buf := []byte("original")
	m.SetWithTTL(ctx, "k", buf, 0)
	buf[0] = 'X'

	got, _ := m.Get(ctx, "k")
	if string(got) != "original" {
		t.Errorf("stored value aliased caller's buffer: %q", got)
	}

	got[0] = 'Y'
	again, _ := m.Get(ctx, "k")
	if string(again) != "original" {
		t.Errorf("returned value aliased store's buffer: %q", again)
	}
}

// ─── keys ─────────────────────────────────────────────────────────────────────

func TestProcessedKey(t *testing.T) {
	if got := ProcessedKey("abc"); got != "processed:abc" {
		t.Errorf("ProcessedKey = %q, want processed:abc", got)
	}
}
