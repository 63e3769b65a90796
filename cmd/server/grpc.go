package main

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"galaxymarket/internal/observability"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// newHealthServer builds the gRPC server that answers orchestrator probes.
// The empty service name reports overall readiness.
func newHealthServer(limiter rateLimiter, metrics *observability.Metrics, logger *zap.Logger) (*grpcpkg.Server, *health.Server) {
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	for _, svc := range []string{"", serviceName} {
		healthServer.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVING)
	}
	return server, healthServer
}

func markNotServing(healthServer *health.Server) {
	for _, svc := range []string{"", serviceName} {
		healthServer.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

type rateLimitedServerStream struct {
	grpcpkg.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *zap.Logger) grpcpkg.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpcpkg.UnaryServerInfo, handler grpcpkg.UnaryHandler) (any, error) {
		span := &observability.Span{}
		start := time.Now()
		if shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logger.Warn("grpc unary call failed", zap.String("method", info.FullMethod), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		}
		return resp, err
	}
}

func rateLimitStreamInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *zap.Logger) grpcpkg.StreamServerInterceptor {
	return func(srv any, stream grpcpkg.ServerStream, info *grpcpkg.StreamServerInfo, handler grpcpkg.StreamHandler) error {
		span := &observability.Span{}
		start := time.Now()
		if shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logger.Warn("grpc stream failed", zap.String("method", info.FullMethod), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		}
		return err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
