// Package authgategrpc provides gRPC interceptors that authorize each call
// against a per-method permission table.
//
// The "authorization" metadata value is checked exactly like an HTTP
// Authorization header. On success the *authgate.Claims are injected into the
// handler's context.
//
// Concurrency: All exported functions are safe for concurrent use.
package authgategrpc

import (
	"context"
	"net/http"

	"github.com/keksclan/drinkgate/authgate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Permissions maps a full method name ("/pkg.Service/Method") to the
// permission it requires.
type Permissions map[string]string

type contextKey struct{}

// ClaimsFromContext returns the claims injected by the interceptor, or nil.
func ClaimsFromContext(ctx context.Context) *authgate.Claims {
	v, _ := ctx.Value(contextKey{}).(*authgate.Claims)
	return v
}

// UnaryServerInterceptor authorizes unary calls. Methods missing from perms
// are rejected with codes.PermissionDenied.
func UnaryServerInterceptor(gate *authgate.Gate, perms Permissions) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		newCtx, err := authorize(ctx, gate, perms, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(newCtx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func StreamServerInterceptor(gate *authgate.Gate, perms Permissions) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		newCtx, err := authorize(ss.Context(), gate, perms, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: newCtx})
	}
}

// wrappedStream overrides the context of a grpc.ServerStream.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func authorize(ctx context.Context, gate *authgate.Gate, perms Permissions, method string) (context.Context, error) {
	permission, ok := perms[method]
	if !ok {
		return ctx, statusError(authgate.ErrPermissionDenied)
	}

	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
	}

	claims, err := gate.Authorize(ctx, header, permission)
	if err != nil {
		return ctx, statusError(err)
	}
	return context.WithValue(ctx, contextKey{}, claims), nil
}

// Code maps an authorization error onto a gRPC status code.
func Code(err error) codes.Code {
	switch authgate.StatusOf(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

func statusError(err error) error {
	code := authgate.CodeOf(err)
	if code == "" {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(Code(err), code.Message())
}
