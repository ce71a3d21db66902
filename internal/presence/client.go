package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
)

// DefaultDialOptions returns the dial options used for the presence endpoint.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// Dial creates a client connection to addr. Extra options are applied after the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, append(DefaultDialOptions(), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial presence %s: %w", addr, err)
	}
	return conn, nil
}

// WaitReady blocks until the server's health check reports SERVING or ctx ends.
func WaitReady(ctx context.Context, conn grpc.ClientConnInterface) error {
	client := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: serviceName})
		cancel()
		if err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for presence health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff = min(backoff*2, time.Second)
		}
	}
}

// Handler receives friend status changes.
type Handler func(ctx context.Context, friendID string, status models.Status)

// Client pings the presence service on a fixed interval.
type Client struct {
	conn     grpc.ClientConnInterface
	interval time.Duration
}

// NewClient constructs a client over conn.
func NewClient(conn grpc.ClientConnInterface, interval time.Duration) *Client {
	if conn == nil {
		panic("presence: connection must not be nil")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Client{conn: conn, interval: interval}
}

// Run opens the ping stream and keeps it alive until ctx ends. current is called
// before each ping; onStatus is called only when a friend's status changes.
// Run returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context, current func() Ping, onStatus Handler) error {
	if current == nil || onStatus == nil {
		return errors.New("presence: ping source and handler are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], pingMethod)
	if err != nil {
		return fmt.Errorf("open ping stream: %w", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: raw}

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- c.receive(ctx, stream, onStatus)
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		msg, err := encodePing(current())
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// The real error is reported by Recv.
				return <-recvErr
			}
			return fmt.Errorf("send ping: %w", err)
		}

		select {
		case <-ctx.Done():
			_ = stream.CloseSend()
			return nil
		case err := <-recvErr:
			return err
		case <-ticker.C:
		}
	}
}

func (c *Client) receive(ctx context.Context, stream grpc.BidiStreamingClient[structpb.Struct, structpb.Struct], onStatus Handler) error {
	logger := logging.FromContext(ctx)
	known := make(map[string]models.Status)
	for {
		msg, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive presence: %w", err)
		}
		for id, status := range decodeStatuses(msg) {
			if known[id] == status {
				continue
			}
			known[id] = status
			logger.Debug("friend presence changed", slog.String("friendId", id), slog.String("status", string(status)))
			onStatus(ctx, id, status)
		}
	}
}
