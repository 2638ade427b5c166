package admin

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "x-request-id"

type requestIDKey struct{}

// RequestIDInterceptor reuses the caller's x-request-id or assigns a new one,
// and returns it in the response header.
func RequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		_ *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		id := incomingRequestID(ctx)
		if id == "" {
			id = uuid.NewString()
		}
		// fails only when there is no server stream in ctx
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id))

		return handler(context.WithValue(ctx, requestIDKey{}, id), req)
	}
}

// RequestID returns the id assigned by RequestIDInterceptor, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func incomingRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(RequestIDHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// UnaryLoggingInterceptor logs every admin call with its caller. Health
// checks also record which service was asked about.
func UnaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		start := time.Now()

		resp, err = handler(ctx, req)

		code := status.Code(err)
		attrs := []slog.Attr{
			slog.String("method", info.FullMethod),
			slog.String("request_id", RequestID(ctx)),
			slog.String("peer", peerAddr(ctx)),
			slog.Duration("duration", time.Since(start)),
			slog.String("code", code.String()),
		}
		if hc, ok := req.(*healthpb.HealthCheckRequest); ok {
			attrs = append(attrs, slog.String("service", healthServiceName(hc.GetService())))
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}

		level := slog.LevelDebug
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		logger.LogAttrs(ctx, level, "admin rpc", attrs...)

		return resp, err
	}
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// healthServiceName names the overall server status, which has no service name.
func healthServiceName(s string) string {
	if s == "" {
		return "server"
	}
	return s
}

// RecoveryUnaryInterceptor turns a panicking handler into codes.Internal. The
// request id in the message links the client error to the logged stack.
func RecoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				id := RequestID(ctx)
				logger.Error("panic in admin rpc",
					slog.String("method", info.FullMethod),
					slog.String("request_id", id),
					slog.String("peer", peerAddr(ctx)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = status.Errorf(codes.Internal, "internal error (request_id %s)", id)
			}
		}()

		return handler(ctx, req)
	}
}
