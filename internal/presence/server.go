package presence

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/talkie/backend/internal/logging"
	"github.com/talkie/backend/internal/models"
)

// MissedIntervals is how many ping intervals may pass before a user is reported offline.
const MissedIntervals = 3

type seen struct {
	status models.Status
	at     time.Time
}

// Server is a reference presence service. It remembers the last status each user
// reported and answers pings with the status of the requested friends.
type Server struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]seen
}

// NewServer constructs a presence server expecting pings every interval.
func NewServer(interval time.Duration) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Server{
		interval: interval,
		now:      time.Now,
		lastSeen: make(map[string]seen),
	}
}

// Ping serves one client stream until the client closes it.
func (s *Server) Ping(stream PingStream) error {
	logger := logging.FromContext(stream.Context())
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		ping, err := decodePing(msg)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		s.record(ping)

		resp, err := encodeStatuses(s.Statuses(ping.FriendIDs))
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.Send(resp); err != nil {
			logger.Debug("send presence failed", slog.String("userId", ping.UserID), slog.Any("error", err))
			return err
		}
	}
}

func (s *Server) record(p Ping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[p.UserID] = seen{status: p.Status, at: s.now()}
}

// Statuses reports the presence of each id. Users that have not pinged within
// MissedIntervals intervals are offline.
func (s *Server) Statuses(ids []string) map[string]models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := time.Duration(MissedIntervals) * s.interval
	out := make(map[string]models.Status, len(ids))
	for _, id := range ids {
		entry, ok := s.lastSeen[id]
		if !ok || now.Sub(entry.at) > cutoff {
			out[id] = models.StatusOffline
			continue
		}
		out[id] = entry.status
	}
	return out
}

var _ PresenceServer = (*Server)(nil)
