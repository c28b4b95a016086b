package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

const heartbeatKey = "auth"

type SessionGateConfig struct {
	Timeout       time.Duration
	RetryInterval time.Duration
	// Where labels this node in the heartbeat document.
	Where       string
	Collections domain.Collections
}

// SessionGate resolves the caller identity once and lets every reader
// and writer wait for it. The outcome, success or failure, is final for
// the lifetime of the gate.
type SessionGate struct {
	provider port.IdentityProvider
	store    port.DocumentStore
	cfg      SessionGateConfig
	logger   *zap.Logger
	now      func() time.Time

	once     sync.Once
	done     chan struct{}
	identity domain.Identity
	err      error
}

// NewSessionGate returns an unstarted gate. store may be nil, in which
// case no heartbeat is written.
func NewSessionGate(provider port.IdentityProvider, store port.DocumentStore, cfg SessionGateConfig, logger *zap.Logger) *SessionGate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	cfg.Collections = cfg.Collections.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionGate{
		provider: provider,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins resolution in the background. Calling it more than once
// has no effect.
func (g *SessionGate) Start() {
	g.once.Do(func() { go g.resolve() })
}

// Done is closed once resolution has finished, successfully or not.
func (g *SessionGate) Done() <-chan struct{} {
	return g.done
}

// Ready blocks until the identity is resolved or ctx ends.
func (g *SessionGate) Ready(ctx context.Context) (domain.Identity, error) {
	g.Start()
	select {
	case <-g.done:
		return g.identity, g.err
	case <-ctx.Done():
		return domain.Identity{}, ctx.Err()
	}
}

// Identity reports the resolved identity without blocking.
func (g *SessionGate) Identity() (domain.Identity, bool) {
	select {
	case <-g.done:
		return g.identity, g.err == nil
	default:
		return domain.Identity{}, false
	}
}

func (g *SessionGate) resolve() {
	identity, err := g.resolveWithin()

	g.identity, g.err = identity, err
	close(g.done)

	if err != nil {
		g.logger.Error("identity resolution failed", zap.Error(err))
		return
	}
	g.logger.Info("identity resolved",
		zap.String("uid", identity.UID),
		zap.Bool("anonymous", identity.Anonymous),
		zap.String("provider", identity.Provider),
	)
	g.heartbeat(identity)
}

func (g *SessionGate) resolveWithin() (domain.Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		identity, err := g.provider.ResolveIdentity(ctx)
		if err == nil && identity.IsZero() {
			err = fmt.Errorf("%w: provider returned an empty identity", domain.ErrTransport)
		}
		if err == nil {
			return identity, nil
		}
		if !domain.Retryable(err) {
			return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthUnavailable, err)
		}

		g.logger.Debug("identity not ready, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return domain.Identity{}, fmt.Errorf("%w: no identity after %s: %v", domain.ErrAuthUnavailable, g.cfg.Timeout, err)
		case <-time.After(g.cfg.RetryInterval):
		}
	}
}

// heartbeat records who came online and where. Failure is only logged.
func (g *SessionGate) heartbeat(identity domain.Identity) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	defer cancel()

	err := g.store.WriteDocument(ctx, g.cfg.Collections.Diagnostics, heartbeatKey, domain.Fields{
		"uid":   identity.UID,
		"when":  g.now().UTC(),
		"where": g.cfg.Where,
	}, domain.WriteMerge)
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("auth heartbeat failed", zap.Error(err))
	}
}
