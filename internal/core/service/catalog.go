package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

// Catalog is the node's materialized view of the items collection. Each
// snapshot replaces the whole state.
type Catalog struct {
	engine     *LiveQueryEngine
	collection string
	logger     *zap.Logger

	mu       sync.RWMutex
	items    []domain.Item
	index    map[string]int
	sequence uint64

	readyOnce sync.Once
	ready     chan struct{}
}

func NewCatalog(engine *LiveQueryEngine, collections domain.Collections, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		engine:     engine,
		collection: collections.WithDefaults().Items,
		logger:     logger,
		index:      make(map[string]int),
		ready:      make(chan struct{}),
	}
}

// Run keeps the catalog in sync until ctx ends or the live query fails.
func (c *Catalog) Run(ctx context.Context) error {
	stream, err := c.engine.Stream(ctx, domain.Query{Collection: c.collection})
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		snap, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrSubscriptionClosed) {
				return nil
			}
			c.logger.Error("catalog feed failed", zap.Error(err))
			return err
		}
		c.replace(snap)
	}
}

func (c *Catalog) replace(snap Snapshot) {
	items := Project(snap.Documents)
	index := make(map[string]int, len(items))
	for i, item := range items {
		index[item.Key] = i
	}

	c.mu.Lock()
	c.items, c.index, c.sequence = items, index, snap.Sequence
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Debug("catalog updated", zap.Int("items", len(items)), zap.Uint64("sequence", snap.Sequence))
}

// Ready is closed after the first snapshot.
func (c *Catalog) Ready() <-chan struct{} {
	return c.ready
}

// Items returns a copy of the current items ordered by key.
func (c *Catalog) Items() []domain.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Item, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Catalog) Item(key string) (domain.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[key]
	if !ok {
		return domain.Item{}, false
	}
	return c.items[i], true
}

func (c *Catalog) Search(text string) []domain.Item {
	return FilterItems(c.Items(), text)
}

func (c *Catalog) LowStock(threshold int64) []domain.Item {
	return LowStock(c.Items(), threshold)
}

// Sequence is the sequence number of the applied snapshot.
func (c *Catalog) Sequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}
