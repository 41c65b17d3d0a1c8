package ratelimit

import (
	"errors"
	"testing"

	"github.com/pmoraes/chat-backend/internal/domain"
)

func TestBypassStoreAddRemove(t *testing.T) {
	store := NewBypassStore()

	canonical, err := store.Add("10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canonical != "10.0.0.5" {
		t.Errorf("expected canonical 10.0.0.5, got %q", canonical)
	}
	if !store.IsBypassed("10.0.0.5") {
		t.Error("added address should be bypassed")
	}

	removed, err := store.Remove("10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !removed {
		t.Error("remove should report the address was present")
	}
	if store.IsBypassed("10.0.0.5") {
		t.Error("removed address should no longer be bypassed")
	}
}

func TestBypassStoreCanonicalisation(t *testing.T) {
	store := NewBypassStore()

	if _, err := store.Add("  192.168.1.1 "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.IsBypassed("192.168.1.1") {
		t.Error("whitespace around an address must not affect membership")
	}

	// IPv6 addresses normalise to their compressed form.
	canonical, err := store.Add("2001:0db8:0000:0000:0000:0000:0000:0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canonical != "2001:db8::1" {
		t.Errorf("expected compressed IPv6 form, got %q", canonical)
	}
	if !store.IsBypassed("2001:db8::1") {
		t.Error("compressed spelling should match the expanded one")
	}
}

func TestBypassStoreInvalidAddress(t *testing.T) {
	store := NewBypassStore()

	if _, err := store.Add("not-an-ip"); !errors.Is(err, domain.ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress on add, got %v", err)
	}
	if _, err := store.Remove("not-an-ip"); !errors.Is(err, domain.ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress on remove, got %v", err)
	}

	// The check path never errors; unparseable input is simply not bypassed.
	if store.IsBypassed("not-an-ip") {
		t.Error("invalid address must not be bypassed")
	}
	if store.IsBypassed("") {
		t.Error("empty address must not be bypassed")
	}
}

func TestBypassStoreRemoveAbsent(t *testing.T) {
	store := NewBypassStore()
	removed, err := store.Remove("10.0.0.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed {
		t.Error("removing an absent address should report false")
	}
}

func TestBypassStoreListSorted(t *testing.T) {
	store := NewBypassStore("10.0.0.2", "10.0.0.1", "bogus", "192.168.0.1")

	got := store.List()
	want := []string{"10.0.0.1", "10.0.0.2", "192.168.0.1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
