// Package memstore provides an in-memory Metastore for tests and examples
// that don't need a real persistence backend.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/lockboxhq/envelope/envelope"
)

var _ envelope.Metastore = (*Metastore)(nil)

// Metastore is an in-memory implementation of envelope.Metastore.
//
// It should never be used in production; it exists so tests and examples
// don't need a real database.
type Metastore struct {
	mu        sync.RWMutex
	envelopes map[string]map[int64]*envelope.EnvelopeKeyRecord
}

// New returns an empty in-memory Metastore.
func New() *Metastore {
	return &Metastore{
		envelopes: make(map[string]map[int64]*envelope.EnvelopeKeyRecord),
	}
}

// Load retrieves the record for (keyID, created), or nil if absent.
func (m *Metastore) Load(_ context.Context, keyID string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ekr, ok := m.envelopes[keyID][created]; ok {
		return ekr, nil
	}

	return nil, nil
}

// LoadLatest returns the most recently created record for keyID, or nil if
// none exists.
func (m *Metastore) LoadLatest(_ context.Context, keyID string) (*envelope.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCreated, ok := m.envelopes[keyID]
	if !ok || len(byCreated) == 0 {
		return nil, nil
	}

	created := make([]int64, 0, len(byCreated))
	for c := range byCreated {
		created = append(created, c)
	}

	sort.Slice(created, func(i, j int) bool { return created[i] < created[j] })

	return byCreated[created[len(created)-1]], nil
}

// Store inserts ekr under (keyID, created) if not already present,
// reporting false with no error if an entry already exists there.
func (m *Metastore) Store(_ context.Context, keyID string, created int64, ekr *envelope.EnvelopeKeyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.envelopes[keyID][created]; ok {
		return false, nil
	}

	if m.envelopes[keyID] == nil {
		m.envelopes[keyID] = make(map[int64]*envelope.EnvelopeKeyRecord)
	}

	m.envelopes[keyID][created] = ekr

	return true, nil
}
