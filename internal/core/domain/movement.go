package domain

import (
	"fmt"
	"strings"
	"time"
)

type MovementDirection string

const (
	Inbound  MovementDirection = "inbound"
	Outbound MovementDirection = "outbound"
)

// ParseMovementDirection accepts the canonical names plus the short and
// Spanish spellings used on the shop floor (entrada/salida).
func ParseMovementDirection(s string) (MovementDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbound", "in", "entrada":
		return Inbound, nil
	case "outbound", "out", "salida":
		return Outbound, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

func (d MovementDirection) Valid() bool {
	return d == Inbound || d == Outbound
}

// Delta is the signed quantity change for q units.
func (d MovementDirection) Delta(q int64) int64 {
	if d == Outbound {
		return -q
	}
	return q
}

const (
	FieldMovementItem      = "itemKey"
	FieldMovementDirection = "direction"
	FieldMovementQuantity  = "quantity"
	FieldMovementBefore    = "quantityBefore"
	FieldMovementAfter     = "quantityAfter"
	FieldMovementTimestamp = "timestamp"
	FieldMovementNote      = "note"
	FieldMovementActor     = "actor"
	FieldMovementKey       = "idempotencyKey"
)

// Movement is one immutable ledger entry.
type Movement struct {
	ID             string
	ItemKey        string
	Direction      MovementDirection
	Quantity       int64
	QuantityBefore int64
	QuantityAfter  int64
	Timestamp      time.Time
	Note           string
	Actor          string
	IdempotencyKey string
}

func (m Movement) Fields() Fields {
	f := Fields{
		FieldMovementItem:      m.ItemKey,
		FieldMovementDirection: string(m.Direction),
		FieldMovementQuantity:  m.Quantity,
		FieldMovementBefore:    m.QuantityBefore,
		FieldMovementAfter:     m.QuantityAfter,
		FieldMovementTimestamp: m.Timestamp.UTC(),
		FieldMovementActor:     m.Actor,
	}
	if m.Note != "" {
		f[FieldMovementNote] = m.Note
	}
	if m.IdempotencyKey != "" {
		f[FieldMovementKey] = m.IdempotencyKey
	}
	return f
}

func MovementFromDocument(doc Document) Movement {
	f := doc.Fields
	m := Movement{
		ID:             doc.Key,
		ItemKey:        f.String(FieldMovementItem),
		Direction:      MovementDirection(f.String(FieldMovementDirection)),
		Timestamp:      f.Time(FieldMovementTimestamp),
		Note:           f.String(FieldMovementNote),
		Actor:          f.String(FieldMovementActor),
		IdempotencyKey: f.String(FieldMovementKey),
	}
	m.Quantity, _ = f.Int64(FieldMovementQuantity)
	m.QuantityBefore, _ = f.Int64(FieldMovementBefore)
	m.QuantityAfter, _ = f.Int64(FieldMovementAfter)
	return m
}
