package provenance

import (
	"testing"
	"time"
)

func TestCache_SetAndGet(t *testing.T) {
	c := newMetaCache(time.Minute)
	c.set("AYR-2024-000001", "turmeric")

	v, ok := c.get("AYR-2024-000001")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if v.(string) != "turmeric" {
		t.Errorf("value: got %v", v)
	}
	if _, ok := c.get("AYR-2024-000002"); ok {
		t.Error("expected cache miss for unknown key")
	}
}

func TestCache_ExpiryAndEvict(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newMetaCache(time.Minute)
	c.now = func() time.Time { return now }

	c.set("a", 1)
	c.set("b", 2)
	now = now.Add(30 * time.Second)
	c.set("c", 3)

	now = now.Add(45 * time.Second)
	if _, ok := c.get("a"); ok {
		t.Error("expected miss after TTL")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("expected hit before TTL")
	}

	if n := c.evict(); n != 2 {
		t.Errorf("evict(): got %d, want 2", n)
	}
	if c.len() != 1 {
		t.Errorf("len(): got %d, want 1", c.len())
	}
}
