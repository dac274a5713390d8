// SPDX-License-Identifier: MPL-2.0

// Package isolation serializes scripts that share an isolation mutex.
// Fully isolated scripts hold a mutex exclusively; scripts without isolation
// share it with each other but still wait for any fully isolated holder.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/invowk/remexec/pkg/types"
)

// capacity is the weight of an exclusive hold. Shared holders take one unit.
const capacity = 1 << 16

// ErrTimeout is returned when the mutex could not be acquired within the timeout.
var ErrTimeout = errors.New("timed out acquiring isolation mutex")

// Mutexes is a set of named isolation mutexes. The zero value is not usable;
// create one with New and hand it to every backend that runs scripts.
type Mutexes struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// New creates an empty mutex set.
func New() *Mutexes {
	return &Mutexes{sems: make(map[string]*semaphore.Weighted)}
}

// Acquire takes the named mutex at the given level. A zero timeout waits until
// ctx is done. The returned release function must be called exactly once.
func (m *Mutexes) Acquire(ctx context.Context, name string, level types.IsolationLevel, timeout time.Duration) (func(), error) {
	sem := m.get(name)
	weight := int64(1)
	if level.Effective() == types.FullIsolation {
		weight = capacity
	}

	acquireCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := sem.Acquire(acquireCtx, weight); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire isolation mutex %q: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("%w %q after %s", ErrTimeout, name, timeout)
	}

	var once sync.Once
	return func() { once.Do(func() { sem.Release(weight) }) }, nil
}

// TryAcquire takes the mutex only if it is immediately available.
func (m *Mutexes) TryAcquire(name string, level types.IsolationLevel) (func(), bool) {
	sem := m.get(name)
	weight := int64(1)
	if level.Effective() == types.FullIsolation {
		weight = capacity
	}
	if !sem.TryAcquire(weight) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(weight) }) }, true
}

func (m *Mutexes) get(name string) *semaphore.Weighted {
	if name == "" {
		name = types.DefaultIsolationMutexName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.sems[name]
	if !ok {
		sem = semaphore.NewWeighted(capacity)
		m.sems[name] = sem
	}
	return sem
}
