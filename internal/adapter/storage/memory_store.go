package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

// MemoryStore is an in-process DocumentStore. Transactions are
// optimistic: reads are recorded and validated at commit.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]map[string]domain.Document
	revisions map[string]uint64
	seq       int64

	hub    *changeHub
	now    func() time.Time
	logger *zap.Logger
}

var _ port.DocumentStore = (*MemoryStore)(nil)

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		docs:      make(map[string]map[string]domain.Document),
		revisions: make(map[string]uint64),
		hub:       newChangeHub(),
		now:       time.Now,
		logger:    logger,
	}
}

func (s *MemoryStore) ReadDocument(ctx context.Context, collection, key string) (*domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[collection][key]
	if !ok {
		return nil, nil
	}
	out := doc.Clone()
	return &out, nil
}

func (s *MemoryStore) WriteDocument(ctx context.Context, collection, key string, fields domain.Fields, mode domain.WriteMode) error {
	return s.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Set(collection, key, fields, mode)
	})
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, collection, key string) error {
	return s.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Delete(collection, key)
	})
}

func (s *MemoryStore) AppendDocument(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	key := uuid.NewString()
	err := s.RunTransaction(ctx, func(tx port.Transaction) error {
		return tx.Create(collection, key, fields)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *MemoryStore) RunQuery(ctx context.Context, q domain.Query) ([]domain.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	docs := s.collectionLocked(q.Collection)
	s.mu.RUnlock()
	return q.Apply(docs), nil
}

func (s *MemoryStore) collectionLocked(collection string) []domain.Document {
	coll := s.docs[collection]
	out := make([]domain.Document, 0, len(coll))
	for _, doc := range coll {
		out = append(out, doc.Clone())
	}
	return out
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(tx port.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:   s,
		reads:   make(map[docRef]int64),
		queried: make(map[string]uint64),
		writes:  make(map[docRef]*domain.Document),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	touched, err := s.commit(tx)
	if err != nil {
		return err
	}
	s.hub.notify(touched...)
	return nil
}

func (s *MemoryStore) commit(tx *memoryTx) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ref, version := range tx.reads {
		current := int64(0)
		if doc, ok := s.docs[ref.collection][ref.key]; ok {
			current = doc.Version
		}
		if current != version {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrConflict, ref.collection, ref.key)
		}
	}
	for collection, rev := range tx.queried {
		if s.revisions[collection] != rev {
			return nil, fmt.Errorf("%w: collection %s changed", domain.ErrConflict, collection)
		}
	}

	now := s.now().UTC()
	seen := make(map[string]bool)
	var touched []string
	for _, ref := range tx.order {
		coll, ok := s.docs[ref.collection]
		if !ok {
			coll = make(map[string]domain.Document)
			s.docs[ref.collection] = coll
		}
		if doc := tx.writes[ref]; doc == nil {
			delete(coll, ref.key)
		} else {
			s.seq++
			stored := doc.Clone()
			stored.Version = s.seq
			stored.UpdatedAt = now
			coll[ref.key] = stored
		}
		if !seen[ref.collection] {
			seen[ref.collection] = true
			touched = append(touched, ref.collection)
			s.revisions[ref.collection]++
		}
	}
	return touched, nil
}

func (s *MemoryStore) Subscribe(
	ctx context.Context,
	q domain.Query,
	onSnapshot func([]domain.Document),
	onError func(error),
) (func(), error) {
	return subscribeQuery(ctx, s, s.hub.watch, q, onSnapshot, onError)
}

// DropFeeds severs every open change feed as a lost connection would.
// Subscribers receive an error wrapping domain.ErrTransport.
func (s *MemoryStore) DropFeeds() {
	s.logger.Warn("dropping all change feeds")
	s.hub.dropAll()
}

type docRef struct {
	collection string
	key        string
}

type memoryTx struct {
	store   *MemoryStore
	reads   map[docRef]int64
	queried map[string]uint64
	writes  map[docRef]*domain.Document // nil value marks a delete
	order   []docRef
}

func (tx *memoryTx) Get(collection, key string) (*domain.Document, error) {
	ref := docRef{collection, key}
	if doc, ok := tx.writes[ref]; ok {
		if doc == nil {
			return nil, nil
		}
		out := doc.Clone()
		return &out, nil
	}

	tx.store.mu.RLock()
	doc, ok := tx.store.docs[collection][key]
	tx.store.mu.RUnlock()

	if _, recorded := tx.reads[ref]; !recorded {
		tx.reads[ref] = doc.Version
	}
	if !ok {
		return nil, nil
	}
	out := doc.Clone()
	return &out, nil
}

func (tx *memoryTx) Set(collection, key string, fields domain.Fields, mode domain.WriteMode) error {
	normalized, err := domain.NormalizeFields(fields)
	if err != nil {
		return err
	}
	current, err := tx.Get(collection, key)
	if err != nil {
		return err
	}
	next := domain.Document{Key: key, Fields: normalized}
	if current != nil {
		next.Fields = current.Fields.Merge(normalized, mode)
	}
	tx.put(docRef{collection, key}, &next)
	return nil
}

func (tx *memoryTx) Create(collection, key string, fields domain.Fields) error {
	current, err := tx.Get(collection, key)
	if err != nil {
		return err
	}
	if current != nil {
		return fmt.Errorf("%w: %s/%s already exists", domain.ErrConflict, collection, key)
	}
	normalized, err := domain.NormalizeFields(fields)
	if err != nil {
		return err
	}
	tx.put(docRef{collection, key}, &domain.Document{Key: key, Fields: normalized})
	return nil
}

func (tx *memoryTx) Delete(collection, key string) error {
	if _, err := tx.Get(collection, key); err != nil {
		return err
	}
	tx.put(docRef{collection, key}, nil)
	return nil
}

func (tx *memoryTx) Query(q domain.Query) ([]domain.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	tx.store.mu.RLock()
	docs := tx.store.collectionLocked(q.Collection)
	rev := tx.store.revisions[q.Collection]
	tx.store.mu.RUnlock()

	if _, recorded := tx.queried[q.Collection]; !recorded {
		tx.queried[q.Collection] = rev
	}

	merged := make([]domain.Document, 0, len(docs))
	for _, doc := range docs {
		if _, pending := tx.writes[docRef{q.Collection, doc.Key}]; pending {
			continue
		}
		merged = append(merged, doc)
	}
	for _, ref := range tx.order {
		if ref.collection != q.Collection {
			continue
		}
		if doc := tx.writes[ref]; doc != nil {
			merged = append(merged, doc.Clone())
		}
	}
	return q.Apply(merged), nil
}

func (tx *memoryTx) put(ref docRef, doc *domain.Document) {
	if _, ok := tx.writes[ref]; !ok {
		tx.order = append(tx.order, ref)
	}
	tx.writes[ref] = doc
}
