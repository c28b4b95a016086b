package port

import "context"

// ChangeNotifier carries "collection changed" signals between processes
// sharing a backing store.
type ChangeNotifier interface {
	// Publish announces a committed change to collection.
	Publish(ctx context.Context, collection string) error

	// Watch returns a channel that receives a value after changes to
	// collection. Bursts may coalesce. The channel is closed when the feed
	// drops or ctx ends.
	Watch(ctx context.Context, collection string) (<-chan struct{}, error)
}
