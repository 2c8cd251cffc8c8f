package cache

import (
	"errors"
	"sync"
	"testing"
)

func TestCache_Basic(t *testing.T) {
	c := New[string, int](3)

	c.Set("Encounter.class", 1)
	c.Set("Encounter.subject", 2)

	if v, ok := c.Get("Encounter.class"); !ok || v != 1 {
		t.Errorf("Get(Encounter.class) = %d, %v; want 1, true", v, ok)
	}
	if _, ok := c.Get("Encounter.period"); ok {
		t.Error("Get(Encounter.period) should miss")
	}
}

func TestCache_Eviction(t *testing.T) {
	c := New[string, int](2)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("'b' should have been evicted")
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v; want 1, true", v, ok)
	}
	if got := c.Stats().Evicts; got != 1 {
		t.Errorf("Evicts = %d; want 1", got)
	}
}

func TestCache_Update(t *testing.T) {
	c := New[string, int](2)

	c.Set("a", 1)
	c.Set("a", 10)

	if v, _ := c.Get("a"); v != 10 {
		t.Errorf("Get(a) = %d; want 10", v)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d; want 1", c.Len())
	}
}

func TestCache_Delete(t *testing.T) {
	c := New[string, int](3)
	c.Set("a", 1)
	c.Delete("a")

	if _, ok := c.Get("a"); ok {
		t.Error("Get(a) should miss after delete")
	}
}

func TestCache_GetOrLoad(t *testing.T) {
	c := New[string, string](4)
	calls := 0
	load := func() (string, error) {
		calls++
		return "CodeableConcept", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad("Observation.code", load)
		if err != nil || v != "CodeableConcept" {
			t.Fatalf("GetOrLoad = %q, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("load called %d times; want 1", calls)
	}
}

func TestCache_GetOrLoadErrorNotCached(t *testing.T) {
	c := New[string, int](4)
	boom := errors.New("boom")

	if _, err := c.GetOrLoad("x", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v; want boom", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed load was cached")
	}
}

func TestCache_Stats(t *testing.T) {
	c := New[string, int](2)
	c.Set("a", 1)
	c.Get("a")
	c.Get("z")

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("Hits/Misses = %d/%d; want 1/1", s.Hits, s.Misses)
	}
	if s.HitRate != 0.5 {
		t.Errorf("HitRate = %v; want 0.5", s.HitRate)
	}
}

func TestCache_ZeroCapacity(t *testing.T) {
	c := New[int, int](0)
	if c.Stats().Capacity != 100 {
		t.Errorf("Capacity = %d; want default 100", c.Stats().Capacity)
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int, int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Set(i%60, g)
				c.Get(i % 60)
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("Len() = %d exceeds capacity", c.Len())
	}
}
