package market

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"OutcomeLedger/internal/ledger"
)

// Registry holds every market record in memory. Records are never deleted.
type Registry struct {
	mu        sync.RWMutex
	markets   map[ID]*Market
	addresses map[ledger.Address]ID
}

func NewRegistry() *Registry {
	return &Registry{
		markets:   make(map[ID]*Market),
		addresses: make(map[ledger.Address]ID),
	}
}

// Get returns a copy of the record
func (r *Registry) Get(id ID) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrMarketNotFound)
	}
	return m.Clone(), nil
}

// Exists reports whether id is taken
func (r *Registry) Exists(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.markets[id]
	return ok
}

// Insert adds a new record
func (r *Registry) Insert(m *Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrMarketExists)
	}
	r.markets[m.ID] = m.Clone()
	r.addresses[m.Address] = m.ID
	return nil
}

// IsMarketAddress reports whether addr belongs to a registered market
func (r *Registry) IsMarketAddress(addr ledger.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.addresses[addr]
	return ok
}

// Update replaces a record if the stored version still equals next.Version.
// The stored copy gets next.Version+1.
func (r *Registry) Update(next *Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.markets[next.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", next.ID, ErrMarketNotFound)
	}
	if cur.Version != next.Version {
		return fmt.Errorf("market %s stored v%d, update from v%d: %w",
			next.ID, cur.Version, next.Version, ErrVersionConflict)
	}

	stored := next.Clone()
	stored.Version++
	r.markets[next.ID] = stored
	return nil
}

// List returns copies of every record ordered by id
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Restore replaces all records. Used on startup from a snapshot.
func (r *Registry) Restore(markets []*Market) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markets = make(map[ID]*Market, len(markets))
	r.addresses = make(map[ledger.Address]ID, len(markets))
	for _, m := range markets {
		r.markets[m.ID] = m.Clone()
		r.addresses[m.Address] = m.ID
	}
}
