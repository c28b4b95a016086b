package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

type queryRunner interface {
	RunQuery(ctx context.Context, q domain.Query) ([]domain.Document, error)
}

// feedOpener opens a change feed for one collection.
type feedOpener func(ctx context.Context, collection string) (<-chan struct{}, error)

// subscribeQuery implements DocumentStore.Subscribe on top of a query
// runner and a change feed. The feed is opened before the first query so
// no change between the two is missed. Re-queries whose result equals the
// previous delivery are not delivered.
func subscribeQuery(
	ctx context.Context,
	runner queryRunner,
	open feedOpener,
	q domain.Query,
	onSnapshot func([]domain.Document),
	onError func(error),
) (func(), error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	feed, err := open(subCtx, q.Collection)
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		var last []domain.Document
		delivered := false
		deliver := func() bool {
			docs, err := runner.RunQuery(subCtx, q)
			if subCtx.Err() != nil {
				return false
			}
			if err != nil {
				onError(err)
				return false
			}
			if delivered && sameResult(last, docs) {
				return true
			}
			delivered = true
			last = docs
			onSnapshot(docs)
			return true
		}

		if !deliver() {
			return
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-feed:
				if !ok {
					if subCtx.Err() == nil {
						onError(fmt.Errorf("%w: change feed for %q closed", domain.ErrTransport, q.Collection))
					}
					return
				}
				if !deliver() {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}, nil
}

func sameResult(a, b []domain.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || a[i].Version != b[i].Version || !a[i].UpdatedAt.Equal(b[i].UpdatedAt) {
			return false
		}
	}
	return true
}
