package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"vesta/internal/domain"
	"vesta/internal/engine"
	"vesta/internal/risk"
	"vesta/internal/store"
)

// ControlServiceName is the gRPC service the control surface is served as.
// Requests and replies are google.protobuf.Struct values carrying the same
// JSON documents as the HTTP API.
const ControlServiceName = "vesta.v1.Control"

// ControlServer is the method set registered under ControlServiceName.
type ControlServer interface {
	StartCycle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopCycle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EmergencyStop(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResumeTrading(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCycleStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOpenPositions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFlags(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveFlag(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var controlDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartCycle", ControlServer.StartCycle),
		unary("StopCycle", ControlServer.StopCycle),
		unary("EmergencyStop", ControlServer.EmergencyStop),
		unary("ResumeTrading", ControlServer.ResumeTrading),
		unary("GetCycleStatus", ControlServer.GetCycleStatus),
		unary("GetOpenPositions", ControlServer.GetOpenPositions),
		unary("ListFlags", ControlServer.ListFlags),
		unary("ResolveFlag", ControlServer.ResolveFlag),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vesta/v1/control",
}

type unaryCall func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ControlServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ControlService serves Control over gRPC.
type ControlService struct {
	run *Runner
	ctl Control
}

var _ ControlServer = (*ControlService)(nil)

// NewControlService creates a ControlService over run.
func NewControlService(run *Runner) *ControlService {
	return &ControlService{run: run, ctl: run.ctl}
}

// RegisterGRPC registers the service on gs.
func (s *ControlService) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&controlDesc, s)
}

func (s *ControlService) StartCycle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cycle, err := s.run.Start(ctx, field(in, "key"))
	return reply(cycle, err)
}

func (s *ControlService) StopCycle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.ctl.StopCycle(ctx, field(in, "reason"))
	return reply(r, err)
}

func (s *ControlService) EmergencyStop(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sum, err := s.ctl.EmergencyStop(ctx, field(in, "reason"))
	return reply(sum, err)
}

func (s *ControlService) ResumeTrading(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cleared, err := s.ctl.ResumeTrading(ctx, field(in, "operator"))
	if cleared == nil {
		cleared = []string{}
	}
	return reply(map[string]any{"cleared": cleared}, err)
}

func (s *ControlService) GetCycleStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.ctl.GetCycleStatus(ctx)
	return reply(st, err)
}

func (s *ControlService) GetOpenPositions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ps, err := s.ctl.GetOpenPositions(ctx)
	if ps == nil {
		ps = []domain.Position{}
	}
	return reply(map[string]any{"positions": ps}, err)
}

func (s *ControlService) ListFlags(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	flags, err := s.ctl.ListFlags(ctx, store.FlagFilter{
		Kind:    domain.FlagKind(field(in, "kind")),
		Subject: field(in, "subject"),
		Status:  domain.FlagStatus(field(in, "status")),
	})
	if flags == nil {
		flags = []domain.ReconciliationFlag{}
	}
	return reply(map[string]any{"flags": flags}, err)
}

func (s *ControlService) ResolveFlag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	flag, err := s.ctl.ResolveFlag(ctx, field(in, "id"), field(in, "resolution"))
	return reply(flag, err)
}

// UnaryLogger logs one line per gRPC call.
func UnaryLogger(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		ev := log.Info()
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown:
			ev = log.Error().Err(err)
		default:
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("elapsed", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}

// grpcError maps err onto a status error with the code matching the HTTP
// classification.
func grpcError(err error) error {
	code := codes.Internal
	switch httpStatus, _ := classify(err); httpStatus {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusConflict:
		code = codes.FailedPrecondition
	}
	if errors.Is(err, context.Canceled) {
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, grpcError(err)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func field(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

// toStruct converts v via its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if string(b) == "null" {
		return out, nil
	}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// GRPCClient calls a ControlService.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

// NewGRPCClient creates a client over conn.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, args map[string]any, out any) error {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ControlServiceName+"/"+method, in, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func (c *GRPCClient) StartCycle(ctx context.Context, key string) (*domain.TradingCycle, error) {
	var cycle domain.TradingCycle
	if err := c.invoke(ctx, "StartCycle", map[string]any{"key": key}, &cycle); err != nil {
		return nil, err
	}
	return &cycle, nil
}

func (c *GRPCClient) StopCycle(ctx context.Context, reason string) (*engine.StopReport, error) {
	var r engine.StopReport
	if err := c.invoke(ctx, "StopCycle", map[string]any{"reason": reason}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *GRPCClient) EmergencyStop(ctx context.Context, reason string) (*risk.Summary, error) {
	var sum risk.Summary
	if err := c.invoke(ctx, "EmergencyStop", map[string]any{"reason": reason}, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (c *GRPCClient) ResumeTrading(ctx context.Context, operator string) ([]string, error) {
	var out struct {
		Cleared []string `json:"cleared"`
	}
	if err := c.invoke(ctx, "ResumeTrading", map[string]any{"operator": operator}, &out); err != nil {
		return nil, err
	}
	return out.Cleared, nil
}

func (c *GRPCClient) GetCycleStatus(ctx context.Context) (*engine.Status, error) {
	var st engine.Status
	if err := c.invoke(ctx, "GetCycleStatus", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *GRPCClient) GetOpenPositions(ctx context.Context) ([]domain.Position, error) {
	var out struct {
		Positions []domain.Position `json:"positions"`
	}
	if err := c.invoke(ctx, "GetOpenPositions", nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

func (c *GRPCClient) ListFlags(ctx context.Context, f store.FlagFilter) ([]domain.ReconciliationFlag, error) {
	args := map[string]any{"kind": string(f.Kind), "subject": f.Subject, "status": string(f.Status)}
	var out struct {
		Flags []domain.ReconciliationFlag `json:"flags"`
	}
	if err := c.invoke(ctx, "ListFlags", args, &out); err != nil {
		return nil, err
	}
	return out.Flags, nil
}

func (c *GRPCClient) ResolveFlag(ctx context.Context, id, resolution string) (*domain.ReconciliationFlag, error) {
	var flag domain.ReconciliationFlag
	if err := c.invoke(ctx, "ResolveFlag", map[string]any{"id": id, "resolution": resolution}, &flag); err != nil {
		return nil, err
	}
	return &flag, nil
}
