// Package notify delivers push notifications through an external HTTP sender.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talkie/backend/internal/logging"
)

var (
	// ErrRateLimited indicates the receiver was pushed to too recently.
	ErrRateLimited = errors.New("push rate limited")
	// ErrNoReceiver indicates the receiver has no device token.
	ErrNoReceiver = errors.New("push receiver token is empty")
)

// Notifier sends a push of the given type to a device token.
type Notifier interface {
	SendPush(ctx context.Context, receiverToken, pushType, senderID string) error
}

// Disabled drops every push. It is used when no sender URL is configured.
type Disabled struct{}

// SendPush logs and discards the push.
func (Disabled) SendPush(ctx context.Context, _, pushType, senderID string) error {
	logging.FromContext(ctx).Debug("push sender disabled", "type", pushType, "senderId", senderID)
	return nil
}

type pushRequest struct {
	ID            string `json:"id"`
	ReceiverToken string `json:"token"`
	Type          string `json:"type"`
	SenderID      string `json:"senderId"`
	SentAt        string `json:"sentAt"`
}

// HTTPNotifier posts pushes as JSON to the sender function.
type HTTPNotifier struct {
	url     string
	client  *http.Client
	limiter *receiverLimiter
	newID   func() string
	now     func() time.Time
}

// Option configures an HTTPNotifier.
type Option func(*HTTPNotifier)

// WithHTTPClient overrides the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(n *HTTPNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithRate sets the per-receiver sustained rate and burst.
func WithRate(perSecond float64, burst int) Option {
	return func(n *HTTPNotifier) {
		n.limiter = newReceiverLimiter(perSecond, burst, 0)
	}
}

// NewHTTPNotifier constructs a notifier posting to url.
func NewHTTPNotifier(url string, opts ...Option) *HTTPNotifier {
	n := &HTTPNotifier{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: newReceiverLimiter(0, 0, 0),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SendPush delivers one push. Failures are returned for logging; nothing is retried.
func (n *HTTPNotifier) SendPush(ctx context.Context, receiverToken, pushType, senderID string) error {
	if strings.TrimSpace(receiverToken) == "" {
		return ErrNoReceiver
	}
	if !n.limiter.allow(receiverToken) {
		return ErrRateLimited
	}

	payload, err := json.Marshal(pushRequest{
		ID:            n.newID(),
		ReceiverToken: receiverToken,
		Type:          pushType,
		SenderID:      senderID,
		SentAt:        n.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send push: unexpected status %d", resp.StatusCode)
	}

	logging.FromContext(ctx).Debug("push sent", slog.String("type", pushType), slog.String("senderId", senderID))
	return nil
}

var (
	_ Notifier = (*HTTPNotifier)(nil)
	_ Notifier = Disabled{}
)
