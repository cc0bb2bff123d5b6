package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
)

// RequestIDHeader carries the caller's request id; one is minted when absent.
const RequestIDHeader = "x-request-id"

// UnaryInterceptor tags the context with a request id, logs each call and maps application
// errors onto gRPC status codes.
func UnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var requestID string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(RequestIDHeader); len(vals) > 0 {
				requestID = vals[0]
			}
		}
		if requestID == "" {
			requestID = common.RequestIDFromContext(ctx)
		}
		ctx = common.WithRequestID(ctx, requestID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			if _, ok := status.FromError(err); !ok {
				err = common.ToStatusError(err)
			}
			logger.Warn("grpc.call.failed",
				"method", info.FullMethod,
				"request_id", requestID,
				"code", status.Code(err).String(),
				"error", err,
				"elapsed_ms", time.Since(start).Milliseconds())
			return nil, err
		}
		logger.Info("grpc.call.ok",
			"method", info.FullMethod,
			"request_id", requestID,
			"elapsed_ms", time.Since(start).Milliseconds())
		return resp, nil
	}
}
