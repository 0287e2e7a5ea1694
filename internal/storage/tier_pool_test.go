package storage

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTierPool_BasicOperations(t *testing.T) {
	pool := NewTierPool[[]byte]("host", 4, 0)

	if pool.Len() != 0 || pool.Bytes() != 0 {
		t.Errorf("Expected empty pool, got len=%d bytes=%d", pool.Len(), pool.Bytes())
	}

	if err := pool.Put("chunk_0_0", []byte("abc"), 100); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	if err := pool.Put("chunk_1_0", []byte("def"), 50); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	if pool.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", pool.Len())
	}
	if pool.Bytes() != 150 {
		t.Errorf("Expected 150 bytes, got %d", pool.Bytes())
	}

	v, ok := pool.Get("chunk_0_0")
	if !ok || string(v) != "abc" {
		t.Errorf("Expected to get abc, got %q %v", v, ok)
	}

	// replacing adjusts accounting rather than adding
	if err := pool.Put("chunk_0_0", []byte("xyz"), 10); err != nil {
		t.Fatalf("Failed to replace: %v", err)
	}
	if pool.Bytes() != 60 {
		t.Errorf("Expected 60 bytes after replace, got %d", pool.Bytes())
	}

	_, size, ok := pool.Remove("chunk_1_0")
	if !ok || size != 50 {
		t.Errorf("Expected to remove 50 bytes, got %d %v", size, ok)
	}
	if _, _, ok := pool.Remove("chunk_1_0"); ok {
		t.Error("Expected second remove to miss")
	}
	if pool.Has("chunk_1_0") {
		t.Error("Expected chunk_1_0 to be gone")
	}
}

func TestTierPool_CapacityIsEnforced(t *testing.T) {
	pool := NewTierPool[int]("device", 2, 0)

	_ = pool.Put("a", 1, 1)
	_ = pool.Put("b", 2, 1)
	if !pool.Full() {
		t.Error("Expected pool to be full")
	}

	err := pool.Put("c", 3, 1)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("Expected ErrPoolFull, got %v", err)
	}
	if pool.Len() != 2 {
		t.Errorf("Expected len 2, got %d", pool.Len())
	}

	// an existing id can still be replaced at capacity
	if err := pool.Put("a", 10, 1); err != nil {
		t.Errorf("Expected replace at capacity to succeed: %v", err)
	}

	stats := pool.Stats()
	if stats.Rejected != 1 {
		t.Errorf("Expected 1 rejected put, got %d", stats.Rejected)
	}

	zero := NewTierPool[int]("host", 0, 0)
	if err := zero.Put("a", 1, 1); !errors.Is(err, ErrPoolFull) {
		t.Errorf("Expected zero-capacity pool to reject, got %v", err)
	}
}

func TestTierPool_PressureHandlers(t *testing.T) {
	pool := NewTierPool[int]("host", 100, 1000)

	var mu sync.Mutex
	var levels []PressureLevel
	pool.SetPressureHandler(func(level PressureLevel, pressure float64) {
		mu.Lock()
		levels = append(levels, level)
		mu.Unlock()
	})

	// byte pressure dominates count pressure here
	_ = pool.Put("a", 1, 850)
	time.Sleep(10 * time.Millisecond)
	_ = pool.Put("b", 1, 60)
	time.Sleep(10 * time.Millisecond)
	_ = pool.Put("c", 1, 50)
	time.Sleep(10 * time.Millisecond)
	// staying at panic level does not fire again
	_ = pool.Put("d", 1, 10)
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	got := append([]PressureLevel(nil), levels...)
	mu.Unlock()

	want := []PressureLevel{PressureWarning, PressureCritical, PressurePanic}
	if len(got) != len(want) {
		t.Fatalf("Expected levels %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Level %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	if p := pool.Pressure(); p < 0.95 {
		t.Errorf("Expected pressure >= 0.95, got %f", p)
	}
}

func TestTierPool_SetPressureThresholds(t *testing.T) {
	pool := NewTierPool[int]("device", 10, 0)

	if err := pool.SetPressureThresholds(0.5, 0.4, 0.9); err == nil {
		t.Error("Expected unordered thresholds to be rejected")
	}
	if err := pool.SetPressureThresholds(0.5, 0.7, 1.5); err == nil {
		t.Error("Expected out of range threshold to be rejected")
	}
	if err := pool.SetPressureThresholds(0.5, 0.7, 0.9); err != nil {
		t.Errorf("Expected valid thresholds: %v", err)
	}

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_ = pool.Put(id, 0, 1)
	}
	if level := pool.Stats().Level; level != "warning" {
		t.Errorf("Expected warning level at 50%%, got %s", level)
	}
}

func TestTierPool_ConcurrentOperations(t *testing.T) {
	pool := NewTierPool[int]("concurrent", 10000, 0)

	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id := string(rune('A'+g%26)) + string(rune('a'+i)) + string(rune('0'+g/26))
				if err := pool.Put(id, i, 10); err != nil {
					t.Errorf("Failed to put: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	if pool.Len() != 1000 {
		t.Errorf("Expected 1000 entries, got %d", pool.Len())
	}
	if pool.Bytes() != 10000 {
		t.Errorf("Expected 10000 bytes, got %d", pool.Bytes())
	}

	ids := pool.IDs()
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("IDs not sorted at %d", i)
		}
	}
}
