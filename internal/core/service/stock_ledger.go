package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

type LedgerConfig struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	Collections    domain.Collections
}

type ApplyRequest struct {
	ItemKey   string
	Direction domain.MovementDirection
	Quantity  int64
	Note      string
	// Actor defaults to the session identity.
	Actor string
	// IdempotencyKey makes the request safe to repeat: a second apply
	// with the same key returns the first movement instead of a new one.
	IdempotencyKey string
}

func (r ApplyRequest) Validate() error {
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: got %d", domain.ErrInvalidQuantity, r.Quantity)
	}
	if strings.TrimSpace(r.ItemKey) == "" {
		return fmt.Errorf("%w: empty item key", domain.ErrInvalidItem)
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidDirection, r.Direction)
	}
	return nil
}

func (r ApplyRequest) fingerprint() string {
	return fmt.Sprintf("%s|%s|%d", r.ItemKey, r.Direction, r.Quantity)
}

// StockLedger applies inbound and outbound movements. The item quantity
// and the movement record commit together, and quantity never goes
// negative.
type StockLedger struct {
	store  port.DocumentStore
	gate   *SessionGate
	cfg    LedgerConfig
	logger *zap.Logger
	now    func() time.Time

	clockMu sync.Mutex
	lastTS  time.Time
}

func NewStockLedger(store port.DocumentStore, gate *SessionGate, cfg LedgerConfig, logger *zap.Logger) *StockLedger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Millisecond
	}
	cfg.Collections = cfg.Collections.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockLedger{store: store, gate: gate, cfg: cfg, logger: logger, now: time.Now}
}

// Apply records one movement and returns its id.
func (l *StockLedger) Apply(ctx context.Context, req ApplyRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	identity, err := l.gate.Ready(ctx)
	if err != nil {
		return "", err
	}
	if req.Actor == "" {
		req.Actor = identity.UID
	}

	var movementID string
	err = retryTransaction(ctx, l.cfg.MaxAttempts, l.cfg.BackoffInitial, req.IdempotencyKey != "", func() error {
		id, err := l.applyOnce(ctx, req)
		movementID = id
		return err
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInsufficientStock) {
			l.logger.Warn("movement rejected",
				zap.String("item", req.ItemKey),
				zap.String("direction", string(req.Direction)),
				zap.Int64("quantity", req.Quantity),
				zap.Error(err),
			)
		}
		return "", err
	}

	l.logger.Info("movement applied",
		zap.String("movement_id", movementID),
		zap.String("item", req.ItemKey),
		zap.String("direction", string(req.Direction)),
		zap.Int64("quantity", req.Quantity),
		zap.String("actor", req.Actor),
	)
	return movementID, nil
}

func (l *StockLedger) applyOnce(ctx context.Context, req ApplyRequest) (string, error) {
	cols := l.cfg.Collections
	ts := l.nextTimestamp()

	var movementID string
	err := l.store.RunTransaction(ctx, func(tx port.Transaction) error {
		movementID = ""

		if req.IdempotencyKey != "" {
			seen, err := tx.Get(cols.MovementKeys, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if seen != nil {
				if seen.Fields.String("fingerprint") != req.fingerprint() {
					return fmt.Errorf("%w: key %q was used for a different movement", domain.ErrDuplicateRequest, req.IdempotencyKey)
				}
				movementID = seen.Fields.String("movementId")
				return nil
			}
		}

		doc, err := tx.Get(cols.Items, req.ItemKey)
		if err != nil {
			return err
		}
		var before int64
		if doc != nil {
			before = domain.ItemFromDocument(*doc).Quantity
		}
		if req.Direction == domain.Inbound && before > math.MaxInt64-req.Quantity {
			return fmt.Errorf("%w: %s would exceed the stock limit", domain.ErrInvalidQuantity, req.ItemKey)
		}
		after := before + req.Direction.Delta(req.Quantity)
		if after < 0 {
			return fmt.Errorf("%w: %s has %d, requested %d", domain.ErrInsufficientStock, req.ItemKey, before, req.Quantity)
		}

		itemFields := domain.Fields{
			domain.FieldQuantity:  after,
			domain.FieldUpdatedAt: ts,
			domain.FieldUpdatedBy: req.Actor,
		}
		if doc == nil {
			itemFields[domain.FieldSKU] = req.ItemKey
			itemFields[domain.FieldCreatedAt] = ts
		}
		if err := tx.Set(cols.Items, req.ItemKey, itemFields, domain.WriteMerge); err != nil {
			return err
		}

		id := uuid.NewString()
		movement := domain.Movement{
			ID:             id,
			ItemKey:        req.ItemKey,
			Direction:      req.Direction,
			Quantity:       req.Quantity,
			QuantityBefore: before,
			QuantityAfter:  after,
			Timestamp:      ts,
			Note:           req.Note,
			Actor:          req.Actor,
			IdempotencyKey: req.IdempotencyKey,
		}
		if err := tx.Create(cols.Movements, id, movement.Fields()); err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			err := tx.Create(cols.MovementKeys, req.IdempotencyKey, domain.Fields{
				"movementId":  id,
				"itemKey":     req.ItemKey,
				"fingerprint": req.fingerprint(),
				"createdAt":   ts,
			})
			if err != nil {
				return err
			}
		}
		movementID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return movementID, nil
}

// Movements lists the ledger of one item, newest first. limit 0 means
// all of them.
func (l *StockLedger) Movements(ctx context.Context, itemKey string, limit int) ([]domain.Movement, error) {
	if strings.TrimSpace(itemKey) == "" {
		return nil, domain.ErrInvalidItem
	}
	if _, err := l.gate.Ready(ctx); err != nil {
		return nil, err
	}

	q := domain.Query{Collection: l.cfg.Collections.Movements}.
		Where(domain.FieldMovementItem, domain.OpEqual, itemKey).
		OrderBy(domain.FieldMovementTimestamp, domain.Descending).
		WithLimit(limit)
	docs, err := l.store.RunQuery(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list movements of %s: %w", itemKey, err)
	}

	movements := make([]domain.Movement, len(docs))
	for i, doc := range docs {
		movements[i] = domain.MovementFromDocument(doc)
	}
	return movements, nil
}

// nextTimestamp is strictly increasing for this ledger, at microsecond
// resolution so it survives a DATETIME(6) round trip.
func (l *StockLedger) nextTimestamp() time.Time {
	l.clockMu.Lock()
	defer l.clockMu.Unlock()

	ts := l.now().UTC().Truncate(time.Microsecond)
	if !ts.After(l.lastTS) {
		ts = l.lastTS.Add(time.Microsecond)
	}
	l.lastTS = ts
	return ts
}

// retryTransaction reruns fn while it fails with domain.ErrConflict.
// When the write is idempotent, transport failures and ambiguous commits
// are retried too.
func retryTransaction(ctx context.Context, attempts int, backoff time.Duration, idempotent bool, fn func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		retry := errors.Is(err, domain.ErrConflict) ||
			(idempotent && (errors.Is(err, domain.ErrAmbiguousWrite) || domain.Retryable(err)))
		if !retry || attempt == attempts {
			break
		}

		// Full jitter, capped at 64x the initial backoff.
		wait := time.Duration(rand.Int64N(int64(backoff) << min(attempt, 6)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
