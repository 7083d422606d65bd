// Package ipfilter decides whether a client address may reach the external
// surface. Two lists, a blacklist and a whitelist, are held in an immutable
// snapshot that writers replace wholesale, so a concurrent check always sees
// one consistent version of both lists and the mode.
package ipfilter

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnknownList is returned for a list name other than blacklist or whitelist.
var ErrUnknownList = errors.New("unknown ip list")

// ErrUnknownMode is returned for a mode other than blacklist or whitelist.
var ErrUnknownMode = errors.New("unknown ip filter mode")

// List names one of the two address lists.
type List string

const (
	Blacklist List = "blacklist"
	Whitelist List = "whitelist"
)

// ParseList accepts a case-insensitive list name.
func ParseList(s string) (List, error) {
	switch l := List(strings.ToLower(strings.TrimSpace(s))); l {
	case Blacklist, Whitelist:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownList, s)
}

// Mode selects which list is authoritative.
type Mode string

const (
	// ModeBlacklist denies listed addresses and allows everything else.
	ModeBlacklist Mode = "blacklist"
	// ModeWhitelist allows only listed addresses.
	ModeWhitelist Mode = "whitelist"
)

// ParseMode accepts a case-insensitive mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBlacklist, ModeWhitelist:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Entry is one listed address.
type Entry struct {
	IP      netip.Addr `json:"ip"`
	Reason  string     `json:"reason"`
	AddedAt time.Time  `json:"added_at"`
}

// Listing is a point-in-time copy of the filter.
type Listing struct {
	Mode      Mode    `json:"mode"`
	Blacklist []Entry `json:"blacklist"`
	Whitelist []Entry `json:"whitelist"`
}

type snapshot struct {
	mode  Mode
	lists map[List]map[netip.Addr]Entry
}

func (s *snapshot) clone() *snapshot {
	out := &snapshot{mode: s.mode, lists: make(map[List]map[netip.Addr]Entry, len(s.lists))}
	for name, entries := range s.lists {
		out.lists[name] = maps.Clone(entries)
	}
	return out
}

// Option customizes a Filter.
type Option func(*Filter)

// WithClock replaces time.Now for AddedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// WithLogger logs list and mode mutations.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Filter) { f.logger = logger }
}

// Filter is safe for concurrent use. Checks never block; mutations are
// serialized and published atomically.
type Filter struct {
	cur atomic.Pointer[snapshot]

	mu     sync.Mutex // serializes writers
	now    func() time.Time
	logger *slog.Logger
}

// New creates a filter with empty lists.
func New(mode Mode, opts ...Option) *Filter {
	f := &Filter{now: time.Now, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(f)
	}
	f.cur.Store(&snapshot{
		mode: mode,
		lists: map[List]map[netip.Addr]Entry{
			Blacklist: {},
			Whitelist: {},
		},
	})
	return f
}

// Check reports whether addr is allowed. An invalid (zero) address is
// allowed in blacklist mode and denied in whitelist mode.
func (f *Filter) Check(addr netip.Addr) bool {
	s := f.cur.Load()
	if s.mode == ModeWhitelist {
		if !addr.IsValid() {
			return false
		}
		_, ok := s.lists[Whitelist][addr.Unmap()]
		return ok
	}
	if !addr.IsValid() {
		return true
	}
	_, ok := s.lists[Blacklist][addr.Unmap()]
	return !ok
}

// Add puts addr on list with reason, replacing any existing entry for the
// same address. It reports whether the address was new to the list.
func (f *Filter) Add(list List, addr netip.Addr, reason string) (bool, error) {
	if list != Blacklist && list != Whitelist {
		return false, fmt.Errorf("%w: %q", ErrUnknownList, list)
	}
	if !addr.IsValid() {
		return false, errors.New("invalid ip address")
	}
	addr = addr.Unmap()

	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.cur.Load().clone()
	_, existed := next.lists[list][addr]
	next.lists[list][addr] = Entry{IP: addr, Reason: reason, AddedAt: f.now()}
	f.cur.Store(next)

	f.logger.Info("ip list entry added", "list", string(list), "ip", addr.String(), "reason", reason)
	return !existed, nil
}

// Remove deletes addr from list and reports whether it was present.
func (f *Filter) Remove(list List, addr netip.Addr) (bool, error) {
	if list != Blacklist && list != Whitelist {
		return false, fmt.Errorf("%w: %q", ErrUnknownList, list)
	}
	addr = addr.Unmap()

	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.cur.Load()
	if _, ok := cur.lists[list][addr]; !ok {
		return false, nil
	}
	next := cur.clone()
	delete(next.lists[list], addr)
	f.cur.Store(next)

	f.logger.Info("ip list entry removed", "list", string(list), "ip", addr.String())
	return true, nil
}

// SetMode switches the authoritative list. Lists are left untouched.
func (f *Filter) SetMode(mode Mode) error {
	if mode != ModeBlacklist && mode != ModeWhitelist {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.cur.Load()
	if cur.mode == mode {
		return nil
	}
	// Maps are shared: snapshots are never mutated once published.
	f.cur.Store(&snapshot{mode: mode, lists: cur.lists})

	f.logger.Info("ip filter mode changed", "from", string(cur.mode), "to", string(mode))
	return nil
}

// Mode returns the current mode.
func (f *Filter) Mode() Mode {
	return f.cur.Load().mode
}

// Entries returns both lists sorted by address.
func (f *Filter) Entries() Listing {
	s := f.cur.Load()
	return Listing{
		Mode:      s.mode,
		Blacklist: sortedEntries(s.lists[Blacklist]),
		Whitelist: sortedEntries(s.lists[Whitelist]),
	}
}

// Len returns the number of entries on list.
func (f *Filter) Len(list List) int {
	return len(f.cur.Load().lists[list])
}

// Seed adds each raw address to list with reason. It stops at the first
// address that does not parse.
func (f *Filter) Seed(list List, raws []string, reason string) error {
	for _, raw := range raws {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("seeding %s: %w", list, err)
		}
		if _, err := f.Add(list, addr, reason); err != nil {
			return err
		}
	}
	return nil
}

func sortedEntries(m map[netip.Addr]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.IP.Compare(b.IP) })
	return out
}
