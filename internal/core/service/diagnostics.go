package service

import (
	"context"
	"fmt"
	"time"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

type PingResult struct {
	UID       string        `json:"uid"`
	Written   time.Time     `json:"written"`
	RoundTrip time.Duration `json:"round_trip_ns"`
}

// Diagnostics checks that this node can write to and read back from the
// backing store under its identity.
type Diagnostics struct {
	store      port.DocumentStore
	gate       *SessionGate
	collection string
}

func NewDiagnostics(store port.DocumentStore, gate *SessionGate, collections domain.Collections) *Diagnostics {
	return &Diagnostics{store: store, gate: gate, collection: collections.WithDefaults().Diagnostics}
}

func (d *Diagnostics) Ping(ctx context.Context) (PingResult, error) {
	identity, err := d.gate.Ready(ctx)
	if err != nil {
		return PingResult{}, err
	}

	key := "ping-" + identity.UID
	start := time.Now()
	written := start.UTC()
	if err := d.store.WriteDocument(ctx, d.collection, key, domain.Fields{
		"uid":  identity.UID,
		"when": written,
	}, domain.WriteMerge); err != nil {
		return PingResult{}, fmt.Errorf("ping write: %w", err)
	}

	doc, err := d.store.ReadDocument(ctx, d.collection, key)
	if err != nil {
		return PingResult{}, fmt.Errorf("ping read: %w", err)
	}
	if doc == nil || doc.Fields.String("uid") != identity.UID {
		return PingResult{}, fmt.Errorf("%w: ping document not read back", domain.ErrTransport)
	}
	return PingResult{UID: identity.UID, Written: written, RoundTrip: time.Since(start)}, nil
}
