// Package gate implements the single-flight review registry: at most one
// outstanding report may exist per (asset, action) key, and the entry itself
// is the concurrency lock between evidence submission and moderator decision.
package gate

import (
	"errors"
	"sort"
	"sync"

	"grovekeeper/internal/domain"
)

// ErrAlreadyPending is returned by TryAdmit when the key is occupied.
var ErrAlreadyPending = errors.New("review already pending for key")

type Gate struct {
	mu      sync.Mutex
	entries map[domain.ReviewKey]domain.ReviewEntry
}

func New() *Gate {
	return &Gate{entries: make(map[domain.ReviewKey]domain.ReviewEntry)}
}

// TryAdmit atomically inserts the entry unless one already exists for its key.
// The existing entry is never altered by a failed admit.
func (g *Gate) TryAdmit(e domain.ReviewEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[e.Key]; ok {
		return ErrAlreadyPending
	}
	g.entries[e.Key] = e
	return nil
}

// Resolve atomically removes and returns the entry for the key. The second
// of two duplicate decisions observes ok=false.
func (g *Gate) Resolve(k domain.ReviewKey) (domain.ReviewEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[k]
	if ok {
		delete(g.entries, k)
	}
	return e, ok
}

// Peek returns the entry for the key without consuming it.
func (g *Gate) Peek(k domain.ReviewKey) (domain.ReviewEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[k]
	return e, ok
}

// ForSubmitter returns the entry submitted by the given participant, if any.
// A participant has at most one submission in flight because submitting
// clears their outstanding request.
func (g *Gate) ForSubmitter(handle string) (domain.ReviewEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		if e.Submitter == handle {
			return e, true
		}
	}
	return domain.ReviewEntry{}, false
}

// ClearAsset removes and returns every entry keyed to the asset. Used on
// asset deletion so no slot stays permanently occupied.
func (g *Gate) ClearAsset(assetID string) []domain.ReviewEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed []domain.ReviewEntry
	for k, e := range g.entries {
		if k.AssetID == assetID {
			removed = append(removed, e)
			delete(g.entries, k)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Key.String() < removed[j].Key.String() })
	return removed
}

// Snapshot returns all outstanding entries ordered by key.
func (g *Gate) Snapshot() []domain.ReviewEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := make([]domain.ReviewEntry, 0, len(g.entries))
	for _, e := range g.entries {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key.String() < res[j].Key.String() })
	return res
}

// Len reports the number of outstanding entries.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
