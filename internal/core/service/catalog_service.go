package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

const catalogWriteAttempts = 5

// CatalogService edits items and locations directly, outside the
// movement ledger.
type CatalogService struct {
	store       port.DocumentStore
	gate        *SessionGate
	collections domain.Collections
	logger      *zap.Logger
	now         func() time.Time
}

func NewCatalogService(store port.DocumentStore, gate *SessionGate, collections domain.Collections, logger *zap.Logger) *CatalogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{
		store:       store,
		gate:        gate,
		collections: collections.WithDefaults(),
		logger:      logger,
		now:         time.Now,
	}
}

// UpsertItem merges the fields named in patch into the item, creating
// it when missing.
func (s *CatalogService) UpsertItem(ctx context.Context, key string, patch domain.ItemPatch) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty item key", domain.ErrInvalidItem)
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	identity, err := s.gate.Ready(ctx)
	if err != nil {
		return err
	}

	actor := patch.Actor
	if actor == "" {
		actor = identity.UID
	}

	err = s.retry(ctx, func(tx port.Transaction) error {
		current, err := tx.Get(s.collections.Items, key)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		fields := patch.Fields()
		fields[domain.FieldUpdatedAt] = now
		fields[domain.FieldUpdatedBy] = actor
		if current == nil {
			fields[domain.FieldSKU] = key
			fields[domain.FieldCreatedAt] = now
			if _, ok := fields[domain.FieldQuantity]; !ok {
				fields[domain.FieldQuantity] = int64(0)
			}
		}
		return tx.Set(s.collections.Items, key, fields, domain.WriteMerge)
	})
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", key, err)
	}
	s.logger.Info("item upserted", zap.String("item", key), zap.String("by", actor))
	return nil
}

// AddItem creates a new item and fails with domain.ErrItemExists if the
// SKU is taken. item.UpdatedBy names the actor; empty means the session
// identity.
func (s *CatalogService) AddItem(ctx context.Context, item domain.Item) error {
	if item.Key == "" {
		item.Key = item.SKU
	}
	if item.SKU == "" {
		item.SKU = item.Key
	}
	if err := item.Validate(); err != nil {
		return err
	}
	identity, err := s.gate.Ready(ctx)
	if err != nil {
		return err
	}
	if item.UpdatedBy == "" {
		item.UpdatedBy = identity.UID
	}

	err = s.retry(ctx, func(tx port.Transaction) error {
		current, err := tx.Get(s.collections.Items, item.Key)
		if err != nil {
			return err
		}
		if current != nil {
			return fmt.Errorf("%w: %s", domain.ErrItemExists, item.Key)
		}
		now := s.now().UTC()
		item.CreatedAt, item.UpdatedAt = now, now
		return tx.Create(s.collections.Items, item.Key, item.Fields())
	})
	if err != nil {
		return fmt.Errorf("add item %s: %w", item.Key, err)
	}
	s.logger.Info("item added", zap.String("item", item.Key), zap.String("by", item.UpdatedBy))
	return nil
}

func (s *CatalogService) GetItem(ctx context.Context, key string) (domain.Item, error) {
	if _, err := s.gate.Ready(ctx); err != nil {
		return domain.Item{}, err
	}
	doc, err := s.store.ReadDocument(ctx, s.collections.Items, key)
	if err != nil {
		return domain.Item{}, fmt.Errorf("get item %s: %w", key, err)
	}
	if doc == nil {
		return domain.Item{}, fmt.Errorf("%w: item %s", domain.ErrNotFound, key)
	}
	return domain.ItemFromDocument(*doc), nil
}

// DeleteItem removes an item. Items with movements are only removed when
// cascade is set, together with their movements, in one transaction.
func (s *CatalogService) DeleteItem(ctx context.Context, key string, cascade bool) error {
	if _, err := s.gate.Ready(ctx); err != nil {
		return err
	}

	var removed int
	err := s.retry(ctx, func(tx port.Transaction) error {
		current, err := tx.Get(s.collections.Items, key)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: item %s", domain.ErrNotFound, key)
		}

		movements, err := tx.Query(domain.Query{Collection: s.collections.Movements}.
			Where(domain.FieldMovementItem, domain.OpEqual, key))
		if err != nil {
			return err
		}
		if len(movements) > 0 && !cascade {
			return fmt.Errorf("%w: %s has %d movements", domain.ErrItemReferenced, key, len(movements))
		}

		keys, err := tx.Query(domain.Query{Collection: s.collections.MovementKeys}.
			Where("itemKey", domain.OpEqual, key))
		if err != nil {
			return err
		}
		for _, doc := range keys {
			if err := tx.Delete(s.collections.MovementKeys, doc.Key); err != nil {
				return err
			}
		}
		for _, doc := range movements {
			if err := tx.Delete(s.collections.Movements, doc.Key); err != nil {
				return err
			}
		}
		removed = len(movements)
		return tx.Delete(s.collections.Items, key)
	})
	if err != nil {
		return fmt.Errorf("delete item %s: %w", key, err)
	}
	s.logger.Info("item deleted", zap.String("item", key), zap.Int("movements_removed", removed))
	return nil
}

func (s *CatalogService) PutLocation(ctx context.Context, loc domain.Location) error {
	loc.Name = strings.TrimSpace(loc.Name)
	if err := loc.Validate(); err != nil {
		return err
	}
	if _, err := s.gate.Ready(ctx); err != nil {
		return err
	}

	err := s.retry(ctx, func(tx port.Transaction) error {
		current, err := tx.Get(s.collections.Locations, loc.Name)
		if err != nil {
			return err
		}
		fields := loc.Fields()
		if current == nil {
			fields["createdAt"] = s.now().UTC()
		} else {
			delete(fields, "createdAt")
		}
		return tx.Set(s.collections.Locations, loc.Name, fields, domain.WriteMerge)
	})
	if err != nil {
		return fmt.Errorf("put location %s: %w", loc.Name, err)
	}
	return nil
}

// DeleteLocation fails with domain.ErrLocationInUse while any item is
// stored there.
func (s *CatalogService) DeleteLocation(ctx context.Context, name string) error {
	if _, err := s.gate.Ready(ctx); err != nil {
		return err
	}

	err := s.retry(ctx, func(tx port.Transaction) error {
		current, err := tx.Get(s.collections.Locations, name)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: location %s", domain.ErrNotFound, name)
		}
		users, err := tx.Query(domain.Query{Collection: s.collections.Items}.
			Where(domain.FieldLocation, domain.OpEqual, name).
			WithLimit(1))
		if err != nil {
			return err
		}
		if len(users) > 0 {
			return fmt.Errorf("%w: %s holds %s", domain.ErrLocationInUse, name, users[0].Key)
		}
		return tx.Delete(s.collections.Locations, name)
	})
	if err != nil {
		return fmt.Errorf("delete location %s: %w", name, err)
	}
	return nil
}

func (s *CatalogService) ListLocations(ctx context.Context) ([]domain.Location, error) {
	if _, err := s.gate.Ready(ctx); err != nil {
		return nil, err
	}
	docs, err := s.store.RunQuery(ctx, domain.Query{Collection: s.collections.Locations})
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	locations := make([]domain.Location, len(docs))
	for i, doc := range docs {
		locations[i] = domain.LocationFromDocument(doc)
	}
	return locations, nil
}

// AllMovements returns every movement, newest first.
func (s *CatalogService) AllMovements(ctx context.Context) ([]domain.Movement, error) {
	if _, err := s.gate.Ready(ctx); err != nil {
		return nil, err
	}
	docs, err := s.store.RunQuery(ctx, domain.Query{Collection: s.collections.Movements}.
		OrderBy(domain.FieldMovementTimestamp, domain.Descending))
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	movements := make([]domain.Movement, len(docs))
	for i, doc := range docs {
		movements[i] = domain.MovementFromDocument(doc)
	}
	return movements, nil
}

func (s *CatalogService) retry(ctx context.Context, fn func(tx port.Transaction) error) error {
	return retryTransaction(ctx, catalogWriteAttempts, 5*time.Millisecond, false, func() error {
		return s.store.RunTransaction(ctx, fn)
	})
}
