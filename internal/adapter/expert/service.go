package expert

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"sparkwise/internal/domain"
)

// Hand-written gRPC service definition for the expert service. Messages
// travel as JSON through the codec below so no protoc step is needed.

const (
	serviceName              = "sparkwise.expert.v1.ExpertService"
	consultMethod            = "/" + serviceName + "/Consult"
	resolveChallengeMethod   = "/" + serviceName + "/ResolveChallenge"
	jsonCodecName            = "json"
	agentMetadataKey         = "x-agent-id"
	authorizationMetadataKey = "authorization"
)

func init() {
	// Registered process-wide; calls opt in with CallContentSubtype("json").
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

// ConsultMessage is the Consult RPC request.
type ConsultMessage struct {
	Agent   domain.AgentID      `json:"agent"`
	Request domain.AgentRequest `json:"request"`
}

// ChallengeMessage is the ResolveChallenge RPC request.
type ChallengeMessage struct {
	Agent   domain.AgentID          `json:"agent"`
	Request domain.ChallengeRequest `json:"request"`
}

// ExpertServiceServer is the server API an expert agent implements.
type ExpertServiceServer interface {
	Consult(context.Context, *ConsultMessage) (*domain.AgentResponse, error)
	ResolveChallenge(context.Context, *ChallengeMessage) (*domain.ChallengeResponse, error)
}

// UnimplementedExpertServiceServer answers every RPC with Unimplemented.
type UnimplementedExpertServiceServer struct{}

func (UnimplementedExpertServiceServer) Consult(context.Context, *ConsultMessage) (*domain.AgentResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Consult not implemented")
}

func (UnimplementedExpertServiceServer) ResolveChallenge(context.Context, *ChallengeMessage) (*domain.ChallengeResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ResolveChallenge not implemented")
}

// RegisterExpertServiceServer registers srv with a gRPC server.
func RegisterExpertServiceServer(s grpc.ServiceRegistrar, srv ExpertServiceServer) {
	s.RegisterService(&expertServiceDesc, srv)
}

func consultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ConsultMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExpertServiceServer).Consult(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: consultMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExpertServiceServer).Consult(ctx, req.(*ConsultMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func resolveChallengeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ChallengeMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExpertServiceServer).ResolveChallenge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resolveChallengeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExpertServiceServer).ResolveChallenge(ctx, req.(*ChallengeMessage))
	}
	return interceptor(ctx, in, info, handler)
}

var expertServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExpertServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Consult", Handler: consultHandler},
		{MethodName: "ResolveChallenge", Handler: resolveChallengeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "expert.proto",
}
