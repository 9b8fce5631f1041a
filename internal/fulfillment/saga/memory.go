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

package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/innovationmech/fulfillment/pkg/resilience"
)

// MemoryRepository keeps instances in a map. It is used by tests and the
// single-process deployment.
type MemoryRepository struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	clock     resilience.Clock
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		instances: make(map[string]*Instance),
		clock:     resilience.SystemClock,
	}
}

// UseClock stamps UpdatedAt from c.
func (r *MemoryRepository) UseClock(c resilience.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
}

func (r *MemoryRepository) Get(_ context.Context, correlationID string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (r *MemoryRepository) Create(_ context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[inst.CorrelationID]; ok {
		return ErrAlreadyExists
	}
	inst.Version = 1
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = r.clock.Now().UTC()
	}
	r.instances[inst.CorrelationID] = inst.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, inst *Instance, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.instances[inst.CorrelationID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	inst.Version = expectedVersion + 1
	inst.UpdatedAt = r.clock.Now().UTC()
	r.instances[inst.CorrelationID] = inst.Clone()
	return nil
}

func (r *MemoryRepository) ListByState(_ context.Context, state State, createdBefore time.Time, limit int) ([]*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Instance
	for _, inst := range r.instances {
		if inst.State == state && inst.CreatedAt.Before(createdBefore) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) PurgeTerminal(_ context.Context, updatedBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, inst := range r.instances {
		if inst.State.Terminal() && len(inst.Outbox) == 0 && inst.UpdatedAt.Before(updatedBefore) {
			delete(r.instances, id)
			n++
		}
	}
	return n, nil
}
