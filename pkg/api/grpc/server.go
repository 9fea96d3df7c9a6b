// Package grpcapi implements the gRPC services of the cellexpr server: the
// Expressions service for compiling and running expressions, and the
// long-running Operations service over recorded queries.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"

	"github.com/lemonberrylabs/cellexpr/pkg/runtime"
	"github.com/lemonberrylabs/cellexpr/pkg/store"
	"github.com/lemonberrylabs/cellexpr/pkg/types"
)

// ExpressionsServer is the server API of the cellexpr.v1.Expressions service.
// Requests and responses are google.protobuf.Struct messages.
type ExpressionsServer interface {
	CompileExpression(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunQuery(context.Context, *structpb.Struct) (*longrunningpb.Operation, error)
}

const (
	expressionsService    = "cellexpr.v1.Expressions"
	compileExpressionPath = "/" + expressionsService + "/CompileExpression"
	runQueryPath          = "/" + expressionsService + "/RunQuery"
)

var expressionsServiceDesc = grpc.ServiceDesc{
	ServiceName: expressionsService,
	HandlerType: (*ExpressionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CompileExpression",
			Handler:    compileExpressionHandler,
		},
		{
			MethodName: "RunQuery",
			Handler:    runQueryHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cellexpr/v1/expressions.proto",
}

func compileExpressionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExpressionsServer).CompileExpression(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: compileExpressionPath,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExpressionsServer).CompileExpression(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func runQueryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExpressionsServer).RunQuery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: runQueryPath,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExpressionsServer).RunQuery(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements the Expressions and Operations gRPC services.
type Server struct {
	longrunningpb.UnimplementedOperationsServer

	engine *runtime.Engine
	store  *store.Store
	logger log.Logger
	grpc   *grpc.Server
}

// New creates a new gRPC server running queries on engine.
func New(engine *runtime.Engine, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	srv := &Server{
		engine: engine,
		store:  engine.Store(),
		logger: log.With(logger, "component", "grpc"),
	}

	gs := grpc.NewServer()
	gs.RegisterService(&expressionsServiceDesc, srv)
	longrunningpb.RegisterOperationsServer(gs, srv)
	srv.grpc = gs

	return srv
}

// Serve starts listening on the given address and serves gRPC requests.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.grpc.Serve(lis)
}

// GracefulStop gracefully stops the gRPC server.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

// --- Expressions Service ---

// CompileExpression compiles {array, expression} against the array's schema
// and returns {expression, ast, requiredAttributes}.
func (s *Server) CompileExpression(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	array, expression, err := arrayAndExpression(req)
	if err != nil {
		return nil, err
	}

	compiled, err := s.engine.Compile(array, expression)
	if err != nil {
		return nil, toStatus(err)
	}

	required := make([]any, 0, len(compiled.RequiredAttributes()))
	for _, name := range compiled.RequiredAttributes() {
		required = append(required, name)
	}
	out, err := structpb.NewStruct(map[string]any{
		"expression":         compiled.Source(),
		"ast":                compiled.Root().String(),
		"requiredAttributes": required,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// RunQuery runs {array, expression, subarray?, attributes?, outputCapacity?}
// and returns the finished query as a completed operation. A query that fails
// during evaluation is still recorded; its operation carries the error.
func (s *Server) RunQuery(ctx context.Context, req *structpb.Struct) (*longrunningpb.Operation, error) {
	array, expression, err := arrayAndExpression(req)
	if err != nil {
		return nil, err
	}

	qr := runtime.QueryRequest{
		Array:      array,
		Expression: expression,
	}
	fields := req.GetFields()
	if v, ok := fields["subarray"]; ok {
		bounds := v.GetListValue().GetValues()
		if len(bounds) != 2 {
			return nil, status.Error(codes.InvalidArgument, "subarray must be a list of two cell coordinates")
		}
		qr.Subarray = &[2]int64{int64(bounds[0].GetNumberValue()), int64(bounds[1].GetNumberValue())}
	}
	if v, ok := fields["attributes"]; ok {
		for _, a := range v.GetListValue().GetValues() {
			qr.Attributes = append(qr.Attributes, a.GetStringValue())
		}
	}
	if v, ok := fields["outputCapacity"]; ok {
		qr.OutputCapacity = int(v.GetNumberValue())
	}

	q, err := s.engine.Run(ctx, qr)
	if err != nil && q == nil {
		return nil, toStatus(err)
	}
	level.Debug(s.logger).Log("msg", "query finished", "query", q.Name, "state", q.State)
	return queryOperation(q)
}

// --- Operations Service ---

// GetOperation returns the query named by the operation name.
func (s *Server) GetOperation(ctx context.Context, req *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	q, err := s.store.GetQuery(req.GetName())
	if err != nil {
		return nil, toStatus(err)
	}
	return queryOperation(q)
}

// ListOperations lists queries. The request name selects an array, as
// "arrays/NAME" or "arrays/NAME/queries"; an empty name lists every query.
func (s *Server) ListOperations(ctx context.Context, req *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	array := strings.TrimSuffix(strings.TrimPrefix(req.GetName(), "arrays/"), "/queries")

	queries, err := s.store.ListQueries(array)
	if err != nil {
		return nil, toStatus(err)
	}

	ops := make([]*longrunningpb.Operation, 0, len(queries))
	for _, q := range queries {
		op, err := queryOperation(q)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return &longrunningpb.ListOperationsResponse{Operations: ops}, nil
}

// DeleteOperation forgets a recorded query.
func (s *Server) DeleteOperation(ctx context.Context, req *longrunningpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	if err := s.store.DeleteQuery(req.GetName()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// WaitOperation returns immediately: queries finish before RunQuery returns.
func (s *Server) WaitOperation(ctx context.Context, req *longrunningpb.WaitOperationRequest) (*longrunningpb.Operation, error) {
	return s.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: req.GetName()})
}

// --- Internal helpers ---

func arrayAndExpression(req *structpb.Struct) (string, string, error) {
	fields := req.GetFields()
	array := fields["array"].GetStringValue()
	if array == "" {
		return "", "", status.Error(codes.InvalidArgument, "array is required")
	}
	expression := fields["expression"].GetStringValue()
	if expression == "" {
		return "", "", status.Error(codes.InvalidArgument, "expression is required")
	}
	return array, expression, nil
}

// queryOperation wraps a query in an LRO Operation. Metadata describes the
// query; a succeeded query carries its result as the response and a failed
// one its error.
func queryOperation(q *store.Query) (*longrunningpb.Operation, error) {
	meta := map[string]any{
		"array":      q.Array,
		"expression": q.Expression,
		"subarray":   []any{q.Subarray[0], q.Subarray[1]},
		"state":      string(q.State),
		"startTime":  q.StartTime.Format(time.RFC3339Nano),
	}
	if !q.EndTime.IsZero() {
		meta["endTime"] = q.EndTime.Format(time.RFC3339Nano)
	}
	metadata, err := packStruct(meta)
	if err != nil {
		return nil, err
	}

	op := &longrunningpb.Operation{
		Name:     q.Name,
		Metadata: metadata,
		Done:     q.State != store.QueryActive,
	}

	switch q.State {
	case store.QuerySucceeded:
		result := make(map[string]any, len(q.Result))
		for name, col := range q.Result {
			result[name] = columnValue(col)
		}
		resp := map[string]any{
			"numCells": q.NumCells,
			"result":   result,
		}
		if q.Output != nil {
			resp["output"] = columnValue(*q.Output)
		}
		packed, err := packStruct(resp)
		if err != nil {
			return nil, err
		}
		op.Result = &longrunningpb.Operation_Response{Response: packed}
	case store.QueryFailed:
		var qerr error = types.NewEvalError("query failed")
		if q.Error != nil {
			qerr = &types.ExprError{Message: q.Error.Message, Tags: q.Error.Tags, Pos: -1}
		}
		op.Result = &longrunningpb.Operation_Error{Error: status.Convert(toStatus(qerr)).Proto()}
	}
	return op, nil
}

func columnValue(col types.Column) map[string]any {
	values, err := col.Values()
	if err != nil {
		values = []any{}
	}
	return map[string]any{
		"type":   col.Type.String(),
		"values": values,
	}
}

func packStruct(m map[string]any) (*anypb.Any, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode operation: %v", err)
	}
	packed, err := anypb.New(st)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal operation result: %v", err)
	}
	return packed, nil
}

// toStatus maps an error to a gRPC status error by its tags, matching the
// REST status mapping.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case types.HasTag(err, types.TagNotFound):
		code = codes.NotFound
	case types.HasTag(err, types.TagAlreadyExists):
		code = codes.AlreadyExists
	case types.HasTag(err, types.TagEvalError):
		code = codes.FailedPrecondition
	case types.HasTag(err, types.TagTokenizeError),
		types.HasTag(err, types.TagParseError),
		types.HasTag(err, types.TagSchemaVerificationError),
		types.HasTag(err, types.TagBindError),
		types.HasTag(err, types.TagInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}

	var ee *types.ExprError
	if errors.As(err, &ee) {
		return status.Error(code, ee.Message)
	}
	return status.Error(code, err.Error())
}
