package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

// LiveView keeps one logical live query whose parameters may change.
// Changing them cancels the old subscription before the new one starts;
// re-applying the same parameters is a no-op. Deliveries never overlap:
// the first callback of a new binding waits for a callback of the old
// binding that is still running.
type LiveView struct {
	ctx        context.Context
	engine     *LiveQueryEngine
	onSnapshot func(Snapshot)
	onError    func(error)

	mu     sync.Mutex
	query  domain.Query
	key    string
	cancel CancelFunc

	generation atomic.Uint64
	// deliverMu is held for the duration of every user callback.
	deliverMu sync.Mutex
}

func NewLiveView(ctx context.Context, engine *LiveQueryEngine, onSnapshot func(Snapshot), onError func(error)) *LiveView {
	return &LiveView{ctx: ctx, engine: engine, onSnapshot: onSnapshot, onError: onError}
}

// Update binds the view to q.
func (v *LiveView) Update(q domain.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := q.Key()
	if v.cancel != nil && key == v.key {
		return nil
	}

	gen := v.generation.Add(1)
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}

	cancel, err := v.engine.Subscribe(v.ctx, q,
		func(snap Snapshot) {
			v.dispatch(gen, func() { v.onSnapshot(snap) })
		},
		func(err error) {
			if v.onError != nil {
				v.dispatch(gen, func() { v.onError(err) })
			}
		},
	)
	if err != nil {
		v.key = ""
		return err
	}
	v.query, v.key, v.cancel = q, key, cancel
	return nil
}

// dispatch runs fn if gen is still the current binding. The check is
// made under deliverMu so a stale callback that was waiting behind the
// previous delivery is dropped.
func (v *LiveView) dispatch(gen uint64, fn func()) {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()
	if v.generation.Load() != gen {
		return
	}
	fn()
}

// Query returns the currently bound query.
func (v *LiveView) Query() domain.Query {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.query
}

func (v *LiveView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.generation.Add(1)
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	v.key = ""
}
