package grpcapi

import (
	"context"
	"strings"

	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Authenticator validates bearer tokens from call metadata.
type Authenticator interface {
	Authenticate(ctx context.Context, token string, client auth.ClientInfo) (*auth.Principal, error)
}

type principalKey struct{}

// PrincipalFrom returns the caller stored by the auth interceptors.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey{}).(*auth.Principal)
	return p
}

func authenticate(ctx context.Context, authn Authenticator) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	token, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok || token == "" {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization metadata")
	}

	var client auth.ClientInfo
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		client.IPAddress = p.Addr.String()
	}
	if ua := md.Get("user-agent"); len(ua) > 0 {
		client.UserAgent = ua[0]
	}

	principal, err := authn.Authenticate(ctx, token, client)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return context.WithValue(ctx, principalKey{}, principal), nil
}

func requireRole(ctx context.Context, role auth.Role) error {
	p := PrincipalFrom(ctx)
	if p == nil || !p.Role.Allows(role) {
		return status.Errorf(codes.PermissionDenied, "requires role %s", role)
	}
	return nil
}

// UnaryAuthInterceptor authenticates unary calls; every call needs at least
// the observer role.
func UnaryAuthInterceptor(authn Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, authn)
		if err != nil {
			return nil, err
		}
		if err := requireRole(ctx, auth.RoleObserver); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

func StreamAuthInterceptor(authn Authenticator) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), authn)
		if err != nil {
			return err
		}
		if err := requireRole(ctx, auth.RoleObserver); err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}
