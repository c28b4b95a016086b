package storage

import (
	"context"
	"sync"
)

// changeHub fans "collection changed" signals out to in-process
// watchers. Signals coalesce: each watcher channel holds at most one.
type changeHub struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

func newChangeHub() *changeHub {
	return &changeHub{watchers: make(map[string]map[chan struct{}]struct{})}
}

func (h *changeHub) watch(ctx context.Context, collection string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	set, ok := h.watchers[collection]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.watchers[collection] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(collection, ch)
	}()
	return ch, nil
}

func (h *changeHub) remove(collection string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchers[collection][ch]; ok {
		delete(h.watchers[collection], ch)
		close(ch)
	}
}

func (h *changeHub) notify(collections ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range collections {
		for ch := range h.watchers[c] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// dropAll closes every watcher channel, as a lost connection would.
func (h *changeHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, set := range h.watchers {
		for ch := range set {
			close(ch)
		}
		delete(h.watchers, c)
	}
}
