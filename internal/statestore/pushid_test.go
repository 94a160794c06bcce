package statestore

import (
	"sort"
	"testing"
)

func TestNewPushIDLength(t *testing.T) {
	id := NewPushID()
	if len(id) != pushTimeLen+pushRandLen {
		t.Errorf("expected length %d, got %d (%q)", pushTimeLen+pushRandLen, len(id), id)
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			t.Errorf("unexpected character %q in id %q", c, id)
		}
	}
}

func TestPushIDOrderingAcrossTime(t *testing.T) {
	a := newPushIDAt(1000)
	b := newPushIDAt(2000)
	if a >= b {
		t.Errorf("expected %q < %q", a, b)
	}
}

func TestPushIDOrderingSameMillisecond(t *testing.T) {
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = newPushIDAt(5000)
	}

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids generated in the same millisecond are not ordered: %v", ids)
		}
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestPushIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewPushID()
		if seen[id] {
			t.Fatalf("duplicate id %q after %d generations", id, i)
		}
		seen[id] = true
	}
}
