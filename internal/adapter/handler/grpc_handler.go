package handler

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/eduardoromerom/NessJewerly/internal/adapter/handler/pb"
	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/core/service"
)

type GRPCHandler struct {
	pb.UnimplementedLedgerServer
	ledger      *service.StockLedger
	engine      *service.LiveQueryEngine
	collections domain.Collections
	streamLimit int
	logger      *zap.Logger
}

func NewGRPCHandler(ledger *service.StockLedger, engine *service.LiveQueryEngine, collections domain.Collections, streamLimit int, logger *zap.Logger) *GRPCHandler {
	if streamLimit <= 0 {
		streamLimit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{
		ledger:      ledger,
		engine:      engine,
		collections: collections.WithDefaults(),
		streamLimit: streamLimit,
		logger:      logger,
	}
}

// Apply records one movement. Request fields: item_key, direction,
// quantity, note, idempotency_key, actor.
func (h *GRPCHandler) Apply(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	direction, err := domain.ParseMovementDirection(fields["direction"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	quantity, err := integerField(req, "quantity", domain.ErrInvalidQuantity)
	if err != nil {
		return nil, toStatus(err)
	}

	id, err := h.ledger.Apply(ctx, service.ApplyRequest{
		ItemKey:        fields["item_key"].GetStringValue(),
		Direction:      direction,
		Quantity:       quantity,
		Note:           fields["note"].GetStringValue(),
		Actor:          fields["actor"].GetStringValue(),
		IdempotencyKey: fields["idempotency_key"].GetStringValue(),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{"movement_id": id})
}

// Watch streams snapshots of a live query. Request fields: collection,
// where (list of field:op:value), order (list of field[:dir]), limit.
func (h *GRPCHandler) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	fields := req.GetFields()
	limit, err := integerField(req, "limit", domain.ErrMalformedQuery)
	if err != nil {
		return toStatus(err)
	}
	q, err := liveQuery(h.collections,
		fields["collection"].GetStringValue(),
		stringList(fields["where"]),
		stringList(fields["order"]),
		int(limit), h.streamLimit)
	if err != nil {
		return toStatus(err)
	}

	ctx := stream.Context()
	live, err := h.engine.Stream(ctx, q)
	if err != nil {
		return toStatus(err)
	}
	defer live.Close()

	for {
		snap, err := live.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Warn("watch ended", zap.String("query", q.Key()), zap.Error(err))
			return toStatus(err)
		}
		msg, err := snapshotStruct(snap)
		if err != nil {
			return status.Errorf(codes.Internal, "encode snapshot: %v", err)
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
}

func toStatus(err error) error {
	_, code, message := classify(err)
	if code != codes.Internal && code != codes.Unknown {
		message = err.Error()
	}
	return status.Error(code, message)
}

func integerField(s *structpb.Struct, name string, invalid error) (int64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, fmt.Errorf("%w: %s must be an integer", invalid, name)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if n.NumberValue >= math.MaxInt64 || n.NumberValue < math.MinInt64 {
		return 0, fmt.Errorf("%w: %s is out of range", invalid, name)
	}
	return int64(n.NumberValue), nil
}

func stringList(v *structpb.Value) []string {
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		out = append(out, item.GetStringValue())
	}
	if s := v.GetStringValue(); s != "" {
		out = append(out, s)
	}
	return out
}

func snapshotStruct(snap service.Snapshot) (*structpb.Struct, error) {
	docs := make([]interface{}, len(snap.Documents))
	for i, d := range snap.Documents {
		docs[i] = map[string]interface{}{
			"key":        d.Key,
			"version":    d.Version,
			"updated_at": d.UpdatedAt.UTC().Format(time.RFC3339Nano),
			"fields":     plainFields(d.Fields),
		}
	}
	return structpb.NewStruct(map[string]interface{}{
		"sequence":  snap.Sequence,
		"documents": docs,
	})
}

// plainFields converts field values into the shapes structpb accepts.
func plainFields(f domain.Fields) map[string]interface{} {
	out := make(map[string]interface{}, len(f))
	for k, v := range f {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) interface{} {
	switch x := v.(type) {
	case nil, bool, string, int64, float64, int:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []any:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = plainValue(x[i])
		}
		return out
	default:
		return fmt.Sprint(x)
	}
}
