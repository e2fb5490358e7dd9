package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"passgate.org/internal/auth"
	"passgate.org/internal/obs"
)

const (
	ResourceServiceName = "passgate.v1.ResourceService"
	whoAmIMethod        = "/" + ResourceServiceName + "/WhoAmI"
	healthMethodPrefix  = "/grpc.health.v1.Health/"
)

// ResourceServer is the protected gRPC resource surface.
type ResourceServer interface {
	WhoAmI(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// GRPCServer implements ResourceServer for principals admitted by UnaryAuthInterceptor.
type GRPCServer struct {
	version string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(version string) *GRPCServer {
	return &GRPCServer{version: version}
}

// WhoAmI returns the principal the caller's bearer token resolves to.
func (s *GRPCServer) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing principal")
	}
	scopes := make([]any, 0, len(p.Scopes))
	for _, sc := range p.Scopes {
		scopes = append(scopes, sc)
	}
	return structpb.NewStruct(map[string]any{
		"username":   p.Username,
		"user_id":    p.UserID,
		"client_id":  p.ClientID,
		"scopes":     scopes,
		"expires_at": p.ExpiresAt.UTC().Format(time.RFC3339),
		"version":    s.version,
	})
}

var resourceServiceDesc = grpc.ServiceDesc{
	ServiceName: ResourceServiceName,
	HandlerType: (*ResourceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WhoAmI", Handler: whoAmIHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "passgate/v1/resource.proto",
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResourceServer).WhoAmI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: whoAmIMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ResourceServer).WhoAmI(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterResourceServer registers srv on s.
func RegisterResourceServer(s grpc.ServiceRegistrar, srv ResourceServer) {
	s.RegisterService(&resourceServiceDesc, srv)
}

// UnaryAuthInterceptor validates the bearer token in the "authorization"
// metadata of every call except the standard health service.
func UnaryAuthInterceptor(v TokenValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		token, err := extractBearerToken(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid_token")
		}
		principal, err := v.Validate(ctx, token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				return nil, status.Error(codes.Unauthenticated, "invalid_token")
			}
			return nil, status.Error(codes.Unavailable, "token validation unavailable")
		}
		return handler(auth.ContextWithPrincipal(ctx, principal, token), req)
	}
}

// NewGRPC builds a gRPC server exposing the health and resource services.
func NewGRPC(v TokenValidator, version string, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(v)))
	server := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	RegisterResourceServer(server, NewGRPCServer(version))
	return server, hs
}

// WatchReadiness mirrors the readiness checks into the gRPC health status
// until ctx is done.
func WatchReadiness(ctx context.Context, hs *health.Server, rp Readiness, interval time.Duration) {
	update := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if err := rp.Check(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			obs.Logger().Warn("readiness check failed", zap.Error(err))
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ResourceServiceName, st)
	}
	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
