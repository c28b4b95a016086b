package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

const (
	revisionKeyPrefix   = "rev:"
	changeChannelPrefix = "changes:"
)

// publishChangeScript bumps the collection revision and announces it in
// one round trip, so a subscriber that sees the message can also read
// the matching revision.
var publishChangeScript = redis.NewScript(`
local revision = redis.call('INCR', KEYS[1])
redis.call('PUBLISH', ARGV[1], revision)
return revision
`)

// RedisAdapter is a ChangeNotifier over Redis pub/sub.
type RedisAdapter struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

var _ port.ChangeNotifier = (*RedisAdapter)(nil)

func NewRedisAdapter(client *redis.Client, prefix string, logger *zap.Logger) *RedisAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAdapter{client: client, prefix: prefix, logger: logger}
}

func (r *RedisAdapter) Publish(ctx context.Context, collection string) error {
	err := publishChangeScript.Run(ctx, r.client,
		[]string{r.revisionKey(collection)}, r.channel(collection)).Err()
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", domain.ErrTransport, collection, err)
	}
	return nil
}

// Revision returns how many changes have been published for collection.
func (r *RedisAdapter) Revision(ctx context.Context, collection string) (int64, error) {
	rev, err := r.client.Get(ctx, r.revisionKey(collection)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: revision %s: %v", domain.ErrTransport, collection, err)
	}
	return rev, nil
}

func (r *RedisAdapter) Watch(ctx context.Context, collection string) (<-chan struct{}, error) {
	pubsub := r.client.Subscribe(ctx, r.channel(collection))
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", domain.ErrTransport, collection, err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer pubsub.Close()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("change feed dropped", zap.String("collection", collection), zap.Error(err))
				}
				return
			}
			r.logger.Debug("change received", zap.String("channel", msg.Channel), zap.String("revision", msg.Payload))
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}

func (r *RedisAdapter) revisionKey(collection string) string {
	return r.prefix + revisionKeyPrefix + collection
}

func (r *RedisAdapter) channel(collection string) string {
	return r.prefix + changeChannelPrefix + collection
}
