package cache

import "testing"

func TestViewCachePutGet(t *testing.T) {
	t.Parallel()

	c := New()
	c.Put("tables", []string{"t1", "t2"})

	value, ok := c.Get("tables")
	if !ok {
		t.Fatal("expected cached value")
	}
	if got := value.([]string); len(got) != 2 {
		t.Fatalf("unexpected cached value: %v", got)
	}
}

func TestViewCacheInvalidateDropsValueAndBumpsGeneration(t *testing.T) {
	t.Parallel()

	c := New()
	c.Put("orders", 42)
	gen := c.Generation("orders")

	c.Invalidate("orders", "dashboard")

	if _, ok := c.Get("orders"); ok {
		t.Fatal("invalidated value must be dropped")
	}
	if got := c.Generation("orders"); got != gen+1 {
		t.Fatalf("expected generation %d, got %d", gen+1, got)
	}
	// Инвалидация несуществующего ключа тоже поднимает поколение.
	if got := c.Generation("dashboard"); got != 1 {
		t.Fatalf("expected generation 1 for fresh key, got %d", got)
	}
}

func TestViewCacheInvalidateNoKeysIsNoop(t *testing.T) {
	t.Parallel()

	c := New()
	c.Put("stock", "s")
	c.Invalidate()

	if _, ok := c.Get("stock"); !ok {
		t.Fatal("invalidate without keys must not touch the cache")
	}
}
