package port

import (
	"context"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

// DocumentStore is the narrow boundary to the shared backing store.
type DocumentStore interface {
	// ReadDocument returns nil, nil when the document does not exist.
	ReadDocument(ctx context.Context, collection, key string) (*domain.Document, error)

	// WriteDocument upserts a document. WriteMerge replaces the named fields only.
	WriteDocument(ctx context.Context, collection, key string, fields domain.Fields, mode domain.WriteMode) error

	DeleteDocument(ctx context.Context, collection, key string) error

	// AppendDocument creates a document under a generated key.
	AppendDocument(ctx context.Context, collection string, fields domain.Fields) (string, error)

	RunQuery(ctx context.Context, q domain.Query) ([]domain.Document, error)

	// RunTransaction runs fn atomically. Commit fails with domain.ErrConflict
	// when a document read by fn changed concurrently; fn is not retried.
	RunTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Subscribe delivers the full ordered result set of q once immediately
	// and again after every change that alters it. onError is called at most
	// once, after which the subscription is dead. unsubscribe blocks until no
	// further callback can run and must not be called from inside a callback.
	Subscribe(ctx context.Context, q domain.Query, onSnapshot func([]domain.Document), onError func(error)) (unsubscribe func(), err error)
}

// Transaction is the view a RunTransaction callback reads and writes
// through. Reads observe the transaction's own writes.
type Transaction interface {
	Get(collection, key string) (*domain.Document, error)
	Set(collection, key string, fields domain.Fields, mode domain.WriteMode) error
	// Create fails with domain.ErrConflict if the key already exists.
	Create(collection, key string, fields domain.Fields) error
	Delete(collection, key string) error
	Query(q domain.Query) ([]domain.Document, error)
}
