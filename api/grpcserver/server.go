// Package grpcserver exposes order intake and book depth over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"bourse/domain/orderbook"
	"bourse/service"
	"bourse/snapshot"
)

// Intake is the order service as seen by the transport.
type Intake interface {
	Submit(ctx context.Context, req service.Request) (*orderbook.Order, error)
	Cancel(ctx context.Context, symbol, orderID string) error
	Order(ctx context.Context, id string) (*orderbook.Order, error)
}

type DepthSource interface {
	Get(symbol string) (*snapshot.Snapshot, bool)
}

// Server adapts OrderService to gRPC.
type Server struct {
	svc   Intake
	depth DepthSource
	log   *zap.Logger
}

func NewServer(svc Intake, depth DepthSource, log *zap.Logger) *Server {
	return &Server{svc: svc, depth: depth, log: log.Named("grpc")}
}

// NewGRPCServer builds a grpc.Server with logging and panic recovery and
// registers srv on it.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(srv.recoverUnary, srv.logUnary))
	g := grpc.NewServer(opts...)
	RegisterIntakeServer(g, srv)
	return g
}

// -------------------- Commands --------------------

func (s *Server) SubmitOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := service.Request{
		Symbol:   str(in, "symbol"),
		Side:     str(in, "side"),
		Type:     str(in, "type"),
		Price:    str(in, "price"),
		Quantity: str(in, "quantity"),
	}
	o, err := s.svc.Submit(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return orderStruct(o)
}

func (s *Server) CancelOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	symbol, id := str(in, "symbol"), str(in, "orderId")
	if symbol == "" || id == "" {
		return nil, status.Error(codes.InvalidArgument, "symbol and orderId are required")
	}
	if err := s.svc.Cancel(ctx, symbol, id); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"orderId": id, "status": "accepted"})
}

// -------------------- Queries --------------------

func (s *Server) GetOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "orderId")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "orderId is required")
	}
	o, err := s.svc.Order(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return orderStruct(o)
}

// Depth serves the last published snapshot, trimmed to "levels" when given.
func (s *Server) Depth(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	symbol := str(in, "symbol")
	snap, ok := s.depth.Get(symbol)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no book for %q", symbol)
	}
	limit := -1
	if v, ok := in.GetFields()["levels"]; ok {
		limit = int(v.GetNumberValue())
	}
	return structpb.NewStruct(map[string]any{
		"symbol":   snap.Symbol,
		"tradeSeq": strconv.FormatUint(snap.TradeSeq, 10),
		"taken":    snap.Taken.UnixMilli(),
		"bids":     levels(snap.Bids, limit),
		"asks":     levels(snap.Asks, limit),
	})
}

// -------------------- Interceptors --------------------

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("took", time.Since(start)),
		zap.Stringer("code", status.Code(err)),
	}
	if err != nil && status.Code(err) == codes.Internal {
		s.log.Error("rpc failed", append(fields, zap.Error(err))...)
	} else {
		s.log.Debug("rpc", fields...)
	}
	return resp, err
}

func (s *Server) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("rpc panicked", zap.String("method", info.FullMethod), zap.Any("panic", r), zap.Stack("stack"))
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

// -------------------- Converters --------------------

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func orderStruct(o *orderbook.Order) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"orderId":   o.ID,
		"symbol":    o.Symbol,
		"side":      o.Side.String(),
		"type":      o.Type.String(),
		"price":     o.Price.String(),
		"quantity":  o.Quantity.String(),
		"filled":    o.Filled.String(),
		"status":    o.Status.String(),
		"seq":       strconv.FormatUint(o.Seq, 10),
		"createdAt": o.CreatedAt.UnixMilli(),
	})
}

func levels(ls []orderbook.Level, limit int) []any {
	if limit >= 0 && limit < len(ls) {
		ls = ls[:limit]
	}
	out := make([]any, 0, len(ls))
	for _, l := range ls {
		out = append(out, map[string]any{
			"price":    l.Price.String(),
			"quantity": l.Quantity.String(),
			"orders":   l.Orders,
		})
	}
	return out
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrUnknownOrder):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrOrderClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
