package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/talkie/backend/internal/logging"
)

type loggedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *loggedStream) Context() context.Context {
	return s.ctx
}

// StreamLogger decorates streams with structured logging metadata and recovers panics.
func StreamLogger(base *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		streamID := uuid.NewString()

		streamLogger := base.With(
			slog.String("stream_id", streamID),
			slog.String("method", info.FullMethod),
		)
		ctx := logging.WithLogger(ss.Context(), streamLogger)

		defer func() {
			if rec := recover(); rec != nil {
				streamLogger.Error("panic recovered", "panic", rec)
				err = status.Error(codes.Internal, "internal error")
			}
			streamLogger.Info("stream completed",
				slog.String("code", status.Code(err).String()),
				slog.Duration("duration", time.Since(start)),
			)
		}()

		return handler(srv, &loggedStream{ServerStream: ss, ctx: ctx})
	}
}
