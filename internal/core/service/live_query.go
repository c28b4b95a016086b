package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

type LiveQueryConfig struct {
	// RetryBudget is the number of consecutive transport failures
	// tolerated before the subscription fails.
	RetryBudget    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// SafetyLimit triggers a warning for unbounded or larger queries.
	SafetyLimit int
}

// Snapshot is the complete ordered result of a query at one point.
type Snapshot struct {
	Query      domain.Query
	Documents  []domain.Document
	Sequence   uint64
	ReceivedAt time.Time
}

// CancelFunc ends a subscription. It is idempotent and may be called from
// inside a callback. Once it returns the store subscription is closed and
// no further callback is dispatched; a callback already dispatched on the
// pump goroutine is not waited for.
type CancelFunc func()

// LiveQueryEngine turns backing-store subscriptions into resilient live
// queries: it waits for the session gate, reconnects after transport
// drops and hands snapshots to consumers without blocking the store.
type LiveQueryEngine struct {
	store  port.DocumentStore
	gate   *SessionGate
	cfg    LiveQueryConfig
	logger *zap.Logger
	active atomic.Int64
}

func NewLiveQueryEngine(store port.DocumentStore, gate *SessionGate, cfg LiveQueryConfig, logger *zap.Logger) *LiveQueryEngine {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 30 * cfg.BackoffInitial
	}
	if cfg.SafetyLimit <= 0 {
		cfg.SafetyLimit = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveQueryEngine{store: store, gate: gate, cfg: cfg, logger: logger}
}

// Active returns the number of live subscriptions.
func (e *LiveQueryEngine) Active() int64 {
	return e.active.Load()
}

// Subscribe delivers snapshots of q to onSnapshot, sequentially and in
// order, until cancelled or ctx ends. onError is called at most once,
// after which the subscription is dead. A malformed query is rejected
// synchronously.
func (e *LiveQueryEngine) Subscribe(
	ctx context.Context,
	q domain.Query,
	onSnapshot func(Snapshot),
	onError func(error),
) (CancelFunc, error) {
	sub, err := e.open(ctx, q)
	if err != nil {
		return nil, err
	}
	go sub.pump(onSnapshot, onError)
	return sub.stop, nil
}

// Stream is the pull form of Subscribe.
func (e *LiveQueryEngine) Stream(ctx context.Context, q domain.Query) (*SnapshotStream, error) {
	sub, err := e.open(ctx, q)
	if err != nil {
		return nil, err
	}
	return &SnapshotStream{sub: sub}, nil
}

func (e *LiveQueryEngine) open(ctx context.Context, q domain.Query) (*liveSubscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Limit == 0 || q.Limit > e.cfg.SafetyLimit {
		e.logger.Warn("live query exceeds safety limit",
			zap.String("query", q.Key()),
			zap.Int("limit", q.Limit),
			zap.Int("safety_limit", e.cfg.SafetyLimit),
		)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &liveSubscription{
		engine:  e,
		query:   q,
		ctx:     subCtx,
		cancel:  cancel,
		mailbox: make(chan Snapshot, 1),
		failed:  make(chan struct{}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	e.active.Add(1)
	go sub.run()
	return sub, nil
}

type storeEvent struct {
	docs []domain.Document
	err  error
}

type liveSubscription struct {
	engine *LiveQueryEngine
	query  domain.Query
	ctx    context.Context
	cancel context.CancelFunc

	// mailbox holds the newest undelivered snapshot.
	mailbox chan Snapshot

	failOnce sync.Once
	failed   chan struct{}
	err      error

	stopOnce sync.Once
	closed   chan struct{}
	done     chan struct{} // supervisor exited

	cbMu    sync.Mutex
	stopped bool
}

// run is the supervisor: it owns the backing-store subscription and
// re-establishes it after transport failures.
func (s *liveSubscription) run() {
	defer close(s.done)
	defer s.engine.active.Add(-1)
	logger := s.engine.logger.With(zap.String("query", s.query.Key()))

	if _, err := s.engine.gate.Ready(s.ctx); err != nil {
		if s.ctx.Err() == nil {
			s.fail(err)
		}
		return
	}

	var (
		last      []domain.Document
		delivered bool
		reconnect bool
		failures  int
		seq       uint64
	)
	backoff := s.engine.cfg.BackoffInitial
	for {
		err := s.attempt(func(docs []domain.Document) {
			failures = 0
			backoff = s.engine.cfg.BackoffInitial
			if reconnect {
				reconnect = false
				if delivered && sameDocuments(last, docs) {
					logger.Debug("suppressed unchanged snapshot after reconnect")
					return
				}
			}
			last, delivered = docs, true
			seq++
			s.deliver(Snapshot{Query: s.query, Documents: docs, Sequence: seq, ReceivedAt: time.Now()})
		})
		if s.ctx.Err() != nil {
			return
		}
		if !domain.Retryable(err) {
			logger.Warn("live query failed", zap.Error(err))
			s.fail(err)
			return
		}

		failures++
		if failures > s.engine.cfg.RetryBudget {
			logger.Error("live query retry budget exhausted", zap.Int("failures", failures-1), zap.Error(err))
			s.fail(fmt.Errorf("retry budget exhausted: %w", err))
			return
		}
		logger.Info("live query reconnecting", zap.Int("failure", failures), zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.engine.cfg.BackoffMax)
		reconnect = true
	}
}

// attempt runs one backing-store subscription until it fails or the
// subscription is cancelled. It returns the failure, or nil on cancel.
func (s *liveSubscription) attempt(onDocs func([]domain.Document)) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	events := make(chan storeEvent)
	send := func(ev storeEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	unsubscribe, err := s.engine.store.Subscribe(ctx, s.query,
		func(docs []domain.Document) { send(storeEvent{docs: docs}) },
		func(err error) { send(storeEvent{err: err}) },
	)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		unsubscribe()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.err != nil {
				return ev.err
			}
			onDocs(ev.docs)
		}
	}
}

// deliver replaces any undelivered snapshot with snap. The supervisor is
// the only sender, so the send never blocks.
func (s *liveSubscription) deliver(snap Snapshot) {
	select {
	case <-s.mailbox:
	default:
	}
	s.mailbox <- snap
}

func (s *liveSubscription) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.failed)
	})
}

func (s *liveSubscription) stop() {
	s.stopOnce.Do(func() {
		s.cbMu.Lock()
		s.stopped = true
		s.cbMu.Unlock()
		close(s.closed)
		s.cancel()
	})
	<-s.done
}

// begin reports whether a callback may start.
func (s *liveSubscription) begin() bool {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return !s.stopped
}

// pump invokes the callbacks one at a time on its own goroutine so a
// slow consumer never stalls the supervisor.
func (s *liveSubscription) pump(onSnapshot func(Snapshot), onError func(error)) {
	for {
		select {
		case <-s.closed:
			return
		case <-s.ctx.Done():
			return
		case snap := <-s.mailbox:
			if !s.begin() {
				return
			}
			onSnapshot(snap)
		case <-s.failed:
			select {
			case snap := <-s.mailbox:
				if s.begin() {
					onSnapshot(snap)
				}
			default:
			}
			if s.begin() && onError != nil {
				onError(s.err)
			}
			return
		}
	}
}

// SnapshotStream yields the newest snapshot of a live query on demand.
// Intermediate snapshots may be skipped; order is preserved.
type SnapshotStream struct {
	sub *liveSubscription
}

// Next blocks until a snapshot newer than the last one returned is
// available. After Close it returns domain.ErrSubscriptionClosed; after a
// terminal failure it returns that failure.
func (st *SnapshotStream) Next(ctx context.Context) (Snapshot, error) {
	select {
	case <-st.sub.closed:
		return Snapshot{}, domain.ErrSubscriptionClosed
	default:
	}

	select {
	case snap := <-st.sub.mailbox:
		return snap, nil
	case <-st.sub.closed:
		return Snapshot{}, domain.ErrSubscriptionClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-st.sub.failed:
	case <-st.sub.done:
	}

	// The supervisor has finished; hand out what it left behind.
	select {
	case snap := <-st.sub.mailbox:
		return snap, nil
	default:
	}
	select {
	case <-st.sub.failed:
		return Snapshot{}, st.sub.err
	default:
		return Snapshot{}, domain.ErrSubscriptionClosed
	}
}

// Close tears the subscription down; it is idempotent.
func (st *SnapshotStream) Close() {
	st.sub.stop()
}

func sameDocuments(a, b []domain.Document) bool {
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
