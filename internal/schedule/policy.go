// Package schedule implements the work distribution state machine: client
// registration, batch leasing with timeout reclamation, stale requeueing and
// global completion detection.
package schedule

import (
	"errors"
	"fmt"
)

// Policy errors surfaced at registration time.
var (
	ErrDenied        = errors.New("address is deny-listed")
	ErrNotAllowed    = errors.New("address is not on the allow list")
	ErrNotRegistered = errors.New("address has not registered")
)

// PolicyEntry assigns an application key and a throttle to a set of
// addresses. The entry named by CatchAllEntry applies to everyone else.
type PolicyEntry struct {
	Key       string
	Throttle  int
	Addresses []string
}

// CatchAllEntry is the policy table key for the fallback entry.
const CatchAllEntry = "catchall"

// ClientPolicy resolves per-client capacity and admission. Capacity is the
// entry's throttle plus ExtraTasks, evaluated once at registration.
type ClientPolicy struct {
	Entries      map[string]PolicyEntry
	ExtraTasks   int
	UseAllowList bool
	AllowList    []string
	DenyList     []string
}

// Validate checks the policy table has a usable fallback.
func (p *ClientPolicy) Validate() error {
	entry, ok := p.Entries[CatchAllEntry]
	if !ok {
		return fmt.Errorf("policy table requires a %q entry", CatchAllEntry)
	}
	if entry.Throttle <= 0 {
		return fmt.Errorf("catchall throttle must be > 0, got %d", entry.Throttle)
	}
	return nil
}

// Admit decides whether addr may register. Deny-listed addresses are always
// rejected; when the allow list is in use, only listed addresses pass.
func (p *ClientPolicy) Admit(addr string) error {
	for _, d := range p.DenyList {
		if d == addr {
			return ErrDenied
		}
	}
	if p.UseAllowList {
		for _, a := range p.AllowList {
			if a == addr {
				return nil
			}
		}
		return ErrNotAllowed
	}
	return nil
}

// Resolve returns the application key and throttle for addr, falling back to
// the catch-all entry.
func (p *ClientPolicy) Resolve(addr string) (key string, throttle int) {
	for name, entry := range p.Entries {
		if name == CatchAllEntry {
			continue
		}
		for _, a := range entry.Addresses {
			if a == addr {
				return entry.Key, entry.Throttle
			}
		}
	}
	catchall := p.Entries[CatchAllEntry]
	return catchall.Key, catchall.Throttle
}

// Capacity returns the number of batches addr may hold concurrently.
func (p *ClientPolicy) Capacity(addr string) int {
	_, throttle := p.Resolve(addr)
	return throttle + p.ExtraTasks
}
