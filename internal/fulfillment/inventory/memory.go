// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type movementKey struct {
	orderID string
	kind    MovementKind
}

// MemoryStore is a Store backed by maps.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	movements map[movementKey]Movement
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		movements: make(map[movementKey]Movement),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, productID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[productID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ApplyMovement(_ context.Context, expectedVersion int64, m Movement) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := movementKey{m.OrderID, m.Kind}
	if _, ok := s.movements[key]; ok {
		return Record{}, ErrMovementExists
	}
	rec, ok := s.records[m.ProductID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Version != expectedVersion {
		return Record{}, ErrVersionConflict
	}
	if rec.Stock+m.Delta() < 0 {
		return Record{}, ErrNegativeStock
	}

	now := s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	rec.Stock += m.Delta()
	rec.Version++
	rec.UpdatedAt = now
	s.records[m.ProductID] = rec
	s.movements[key] = m
	return rec, nil
}

func (s *MemoryStore) FindMovement(_ context.Context, orderID string, kind MovementKind) (Movement, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.movements[movementKey{orderID, kind}]
	return m, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Stock < 0 {
		return Record{}, ErrNegativeStock
	}
	prev, ok := s.records[rec.ProductID]
	if ok {
		rec.Version = prev.Version + 1
	} else {
		rec.Version = 1
	}
	rec.UpdatedAt = s.now()
	s.records[rec.ProductID] = rec
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context, productIDs ...string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	if len(productIDs) == 0 {
		for _, rec := range s.records {
			out = append(out, rec)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
		return out, nil
	}
	for _, id := range productIDs {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
