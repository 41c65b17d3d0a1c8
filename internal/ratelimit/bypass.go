package ratelimit

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/pmoraes/chat-backend/internal/domain"
)

// BypassStore is a concurrency-safe set of IP addresses exempt from rate
// limiting. Entries are stored in canonical form so "::1" and
// "0:0:0:0:0:0:0:1" are the same entry.
type BypassStore struct {
	mu      sync.Mutex
	entries map[string]struct{}
}

// NewBypassStore builds a store seeded with the given addresses. Invalid
// seed entries are skipped silently, matching startup-from-config behaviour.
func NewBypassStore(initial ...string) *BypassStore {
	s := &BypassStore{entries: make(map[string]struct{})}
	for _, entry := range initial {
		normalised, err := normaliseIP(entry)
		if err != nil {
			continue
		}
		s.entries[normalised] = struct{}{}
	}
	return s
}

// Add validates and inserts an address, returning its canonical form.
func (s *BypassStore) Add(ip string) (string, error) {
	normalised, err := normaliseIP(ip)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.entries[normalised] = struct{}{}
	s.mu.Unlock()
	return normalised, nil
}

// Remove deletes an address, reporting whether it was present.
func (s *BypassStore) Remove(ip string) (bool, error) {
	normalised, err := normaliseIP(ip)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, present := s.entries[normalised]
	delete(s.entries, normalised)
	return present, nil
}

// IsBypassed reports whether ip is exempt. It sits on the hot request path,
// so malformed or empty input returns false instead of an error.
func (s *BypassStore) IsBypassed(ip string) bool {
	if ip == "" {
		return false
	}
	normalised, err := normaliseIP(ip)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[normalised]
	return ok
}

// List returns the canonical entries, sorted.
func (s *BypassStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.entries))
	for entry := range s.entries {
		out = append(out, entry)
	}
	sort.Strings(out)
	return out
}

func normaliseIP(value string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidAddress, value)
	}
	return addr.String(), nil
}
