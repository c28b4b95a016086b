package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/core/service"
)

type streamDocument struct {
	Key       string        `json:"key"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Fields    domain.Fields `json:"fields"`
}

type streamSnapshot struct {
	Sequence  uint64           `json:"sequence"`
	Documents []streamDocument `json:"documents"`
}

// Stream serves a live query as server-sent events: one "snapshot" event
// per result change, keepalive comments in between, and a final "error"
// event if the subscription dies.
//
// GET /api/stream/:collection?where=field:op:value&order=field:dir&limit=n
func (h *HTTPHandler) Stream(c *gin.Context) {
	q, err := h.streamQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	stream, err := h.engine.Stream(ctx, q)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer stream.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.cfg.Heartbeat)
		snap, err := stream.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			c.SSEvent("snapshot", toStreamSnapshot(snap))
			c.Writer.Flush()
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			c.Writer.WriteString(": keepalive\n\n")
			c.Writer.Flush()
		default:
			h.logger.Warn("live stream ended", zap.String("query", q.Key()), zap.Error(err))
			_, _, message := classify(err)
			c.SSEvent("error", gin.H{"message": message})
			c.Writer.Flush()
			return
		}
	}
}

func toStreamSnapshot(snap service.Snapshot) streamSnapshot {
	docs := make([]streamDocument, len(snap.Documents))
	for i, d := range snap.Documents {
		docs[i] = streamDocument{Key: d.Key, Version: d.Version, UpdatedAt: d.UpdatedAt, Fields: d.Fields}
	}
	return streamSnapshot{Sequence: snap.Sequence, Documents: docs}
}

func (h *HTTPHandler) streamQuery(c *gin.Context) (domain.Query, error) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return domain.Query{}, fmt.Errorf("%w: bad limit %q", domain.ErrMalformedQuery, raw)
		}
		limit = n
	}
	return liveQuery(h.cfg.Collections, c.Param("collection"), c.QueryArray("where"), c.QueryArray("order"), limit, h.cfg.StreamLimit)
}

// liveQuery builds a query from its textual form: filters as
// field:op:value and orderings as field[:dir]. Without an ordering, items
// and movements follow the most recent changes first. A zero limit takes
// defaultLimit.
func liveQuery(cols domain.Collections, name string, where, order []string, limit, defaultLimit int) (domain.Query, error) {
	collection, ok := resolveCollection(cols, name)
	if !ok {
		return domain.Query{}, fmt.Errorf("%w: unknown collection %q", domain.ErrMalformedQuery, name)
	}
	q := domain.Query{Collection: collection}

	for _, raw := range where {
		f, err := parseFilter(raw)
		if err != nil {
			return domain.Query{}, err
		}
		q = q.Where(f.Field, f.Op, f.Value)
	}

	if len(order) == 0 {
		switch collection {
		case cols.Movements:
			q = q.OrderBy(domain.FieldMovementTimestamp, domain.Descending)
		case cols.Locations:
			q = q.OrderBy("name", domain.Ascending)
		default:
			q = q.OrderBy(domain.FieldUpdatedAt, domain.Descending)
		}
	}
	for _, raw := range order {
		field, dir, _ := strings.Cut(raw, ":")
		if dir == "" {
			dir = string(domain.Ascending)
		}
		q = q.OrderBy(field, domain.SortDirection(strings.ToLower(dir)))
	}

	q.Limit = limit
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	return q, q.Validate()
}

// resolveCollection accepts the public collection names as well as the
// configured ones. Diagnostics are never exposed.
func resolveCollection(cols domain.Collections, name string) (string, bool) {
	switch name {
	case "items", cols.Items:
		return cols.Items, true
	case "movements", cols.Movements:
		return cols.Movements, true
	case "locations", cols.Locations:
		return cols.Locations, true
	}
	return "", false
}

// parseFilter reads field:op:value. Values of in and not-in are split on
// "|"; each value is typed as int, float, bool or string, in that order.
func parseFilter(raw string) (domain.Filter, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return domain.Filter{}, fmt.Errorf("%w: bad filter %q", domain.ErrMalformedQuery, raw)
	}
	op := domain.Operator(parts[1])
	switch parts[1] {
	case "eq":
		op = domain.OpEqual
	case "ne":
		op = domain.OpNotEqual
	case "lt":
		op = domain.OpLess
	case "le", "lte":
		op = domain.OpLessEqual
	case "gt":
		op = domain.OpGreater
	case "ge", "gte":
		op = domain.OpGreaterEqual
	}

	if op == domain.OpIn || op == domain.OpNotIn {
		var values []any
		for _, v := range strings.Split(parts[2], "|") {
			values = append(values, parseValue(v))
		}
		return domain.Filter{Field: parts[0], Op: op, Value: values}, nil
	}
	return domain.Filter{Field: parts[0], Op: op, Value: parseValue(parts[2])}, nil
}

func parseValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
