package slots

import (
	"math/rand"
	"testing"
)

func TestAcquireReleaseConservesCapacity(t *testing.T) {
	p := NewPool(map[string]int{"encode": 3})

	a, err := p.Acquire("encode")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := p.Acquire("encode")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a == b {
		t.Fatalf("Acquire returned the same slot twice: %d", a)
	}
	if got := p.InFlight("encode"); got != 2 {
		t.Fatalf("InFlight = %d, want 2", got)
	}

	p.Release("encode", a)
	if got := p.InFlight("encode"); got != 1 {
		t.Fatalf("InFlight after release = %d, want 1", got)
	}

	c, err := p.Acquire("encode")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c != a {
		t.Fatalf("Acquire should reuse the smallest free slot number, got %d want %d", c, a)
	}
}

func TestAcquireExhaustionReturnsError(t *testing.T) {
	p := NewPool(map[string]int{"encode": 1})
	if _, err := p.Acquire("encode"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := p.Acquire("encode"); err == nil {
		t.Fatal("expected error when pool is exhausted")
	}
}

func TestAcquireUnknownTypeReturnsError(t *testing.T) {
	p := NewPool(map[string]int{"encode": 1})
	if _, err := p.Acquire("thumbnail"); err == nil {
		t.Fatal("expected error for unregistered job type")
	}
}

func TestEligibleTypesExcludesExhaustedTypes(t *testing.T) {
	p := NewPool(map[string]int{"encode": 1, "thumbnail": 1})
	if _, err := p.Acquire("encode"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	eligible := p.EligibleTypes()
	if len(eligible) != 1 || eligible[0] != "thumbnail" {
		t.Fatalf("EligibleTypes = %v, want [thumbnail]", eligible)
	}
}

// TestAcquireNeverAssignsSameNumberAcrossTypes guards the shared-pool
// invariant (§4.3): slot numbers are drawn from one 1..N namespace spanning
// every job type, so two concurrently running children of different types
// can never be handed the same number (which would collide on the Child
// Runner's slot-derived log file path).
func TestAcquireNeverAssignsSameNumberAcrossTypes(t *testing.T) {
	p := NewPool(map[string]int{"encode": 2, "thumbnail": 1})

	a, err := p.Acquire("encode")
	if err != nil {
		t.Fatalf("Acquire(encode): %v", err)
	}
	b, err := p.Acquire("encode")
	if err != nil {
		t.Fatalf("Acquire(encode): %v", err)
	}
	c, err := p.Acquire("thumbnail")
	if err != nil {
		t.Fatalf("Acquire(thumbnail): %v", err)
	}

	seen := map[int]bool{a: true}
	for _, n := range []int{b, c} {
		if seen[n] {
			t.Fatalf("slot number %d assigned to more than one concurrent child", n)
		}
		seen[n] = true
	}
}

// TestRandomAcquireReleaseSequencePreservesInvariant runs a randomized
// sequence of acquire/release calls and asserts that the pool's in-flight
// count always equals the number of slots the test holds, that no held
// number is handed out twice, and that Acquire fails only at capacity
// (§8 invariant 3).
func TestRandomAcquireReleaseSequencePreservesInvariant(t *testing.T) {
	const capacity = 5
	p := NewPool(map[string]int{"encode": capacity})
	rng := rand.New(rand.NewSource(1))
	held := map[int]struct{}{}

	for i := 0; i < 500; i++ {
		if len(held) == 0 || rng.Intn(2) == 0 {
			n, err := p.Acquire("encode")
			if err != nil {
				if len(held) != capacity {
					t.Fatalf("Acquire failed early: held=%d capacity=%d err=%v", len(held), capacity, err)
				}
				continue
			}
			if _, dup := held[n]; dup {
				t.Fatalf("Acquire returned an already-held slot number %d", n)
			}
			held[n] = struct{}{}
		} else {
			for n := range held {
				p.Release("encode", n)
				delete(held, n)
				break
			}
		}
		if got := p.InFlight("encode"); got != len(held) {
			t.Fatalf("InFlight = %d, want %d", got, len(held))
		}
	}
}
