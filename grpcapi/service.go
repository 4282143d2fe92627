// Package grpcapi exposes the assistant as a gRPC service.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated code; field names match the HTTP API.
package grpcapi

import (
	"context"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "nimrecall.v1.Assistant"

// kindTrailer carries core.Kind of a failed call.
const kindTrailer = "x-error-kind"

// Assistant is the API the service exposes.
type Assistant interface {
	ProcessTurn(ctx context.Context, in core.TurnInput) (*core.TurnResult, error)
	InsertMemory(ctx context.Context, req memory.InsertRequest) (string, error)
	SearchMemory(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Match, error)
	GetStats(ctx context.Context) (*memory.Stats, error)
	GetMemory(ctx context.Context, id string) (*memory.Record, error)
	DeleteMemory(ctx context.Context, id string) error
}

// AssistantServer is the server side of the service.
type AssistantServer interface {
	ProcessTurn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	InsertMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SearchMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	DeleteMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(AssistantServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AssistantServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AssistantServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AssistantServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ProcessTurn", Handler: unaryHandler("ProcessTurn", AssistantServer.ProcessTurn)},
		{MethodName: "InsertMemory", Handler: unaryHandler("InsertMemory", AssistantServer.InsertMemory)},
		{MethodName: "SearchMemory", Handler: unaryHandler("SearchMemory", AssistantServer.SearchMemory)},
		{MethodName: "GetStats", Handler: unaryHandler("GetStats", AssistantServer.GetStats)},
		{MethodName: "GetMemory", Handler: unaryHandler("GetMemory", AssistantServer.GetMemory)},
		{MethodName: "DeleteMemory", Handler: unaryHandler("DeleteMemory", AssistantServer.DeleteMemory)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nimrecall/v1/assistant.proto",
}

// Service implements AssistantServer on top of an Assistant.
type Service struct {
	assistant Assistant
}

// NewService creates the service.
func NewService(a Assistant) *Service {
	return &Service{assistant: a}
}

// Register adds the service to s.
func (svc *Service) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&serviceDesc, svc)
}

// NewServer creates a gRPC server with logging and the service registered.
func NewServer(a Assistant, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(loggingInterceptor)}, opts...)
	s := grpc.NewServer(opts...)
	NewService(a).Register(s)
	return s
}

func (svc *Service) ProcessTurn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := svc.assistant.ProcessTurn(ctx, core.TurnInput{
		UserInput:      stringField(in, "user_input"),
		ConversationID: stringField(in, "conversation_id"),
	})
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return newStruct(turnResultFields(res))
}

func (svc *Service) InsertMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	t, err := memory.ParseType(stringField(in, "type"))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	req := memory.InsertRequest{
		Content:  stringField(in, "content"),
		Type:     t,
		Metadata: stringMapField(in, "metadata"),
	}
	if v, ok := numberField(in, "importance"); ok {
		req.Importance = &v
	}

	id, err := svc.assistant.InsertMemory(ctx, req)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return newStruct(map[string]interface{}{"id": id})
}

func (svc *Service) SearchMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	opts := memory.SearchOptions{K: 5}
	if k, ok := numberField(in, "k"); ok {
		opts.K = int(k)
	}
	if v, ok := numberField(in, "min_importance"); ok {
		opts.MinImportance = v
	}
	if v := stringField(in, "type"); v != "" {
		t, err := memory.ParseType(v)
		if err != nil {
			return nil, toStatus(ctx, err)
		}
		opts.Type = t
	}

	matches, err := svc.assistant.SearchMemory(ctx, stringField(in, "query"), opts)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	results := make([]interface{}, 0, len(matches))
	for _, m := range matches {
		fields := recordFields(m.Record)
		fields["similarity"] = m.Similarity
		results = append(results, fields)
	}
	return newStruct(map[string]interface{}{"results": results})
}

func (svc *Service) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := svc.assistant.GetStats(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return newStruct(statsFields(stats))
}

func (svc *Service) GetMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rec, err := svc.assistant.GetMemory(ctx, stringField(in, "id"))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return newStruct(recordFields(rec))
}

func (svc *Service) DeleteMemory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := svc.assistant.DeleteMemory(ctx, stringField(in, "id")); err != nil {
		return nil, toStatus(ctx, err)
	}
	return &structpb.Struct{}, nil
}

// toStatus converts err to a gRPC status and records its kind in a trailer.
func toStatus(ctx context.Context, err error) error {
	kind := core.Kind(err)
	_ = grpc.SetTrailer(ctx, metadata.Pairs(kindTrailer, kind))
	return status.Error(codeFor(kind), err.Error())
}

func codeFor(kind string) codes.Code {
	switch kind {
	case core.KindValidation:
		return codes.InvalidArgument
	case core.KindNotFound:
		return codes.NotFound
	case core.KindTimeout:
		return codes.DeadlineExceeded
	case core.KindStoreUnavailable, core.KindEmbeddingFailure, core.KindMemoryRetrieval, core.KindGeneration:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Printf("[GRPC] %s failed in %s: %v", info.FullMethod, time.Since(start).Round(time.Millisecond), err)
	} else {
		log.Printf("[GRPC] %s ok in %s", info.FullMethod, time.Since(start).Round(time.Millisecond))
	}
	return resp, err
}

// Serve runs s on ln until ctx is cancelled, then stops it gracefully.
func Serve(ctx context.Context, s *grpc.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[GRPC] Listening on %s", ln.Addr())
		errCh <- s.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("[GRPC] Shutting down")
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		s.Stop()
	}
	return nil
}
