// Package presence exchanges friend foreground/background/offline status over a
// bidirectional gRPC ping stream.
package presence

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/talkie/backend/internal/models"
)

const (
	serviceName = "talkie.presence.v1.Presence"
	pingMethod  = "/" + serviceName + "/Ping"
)

// PingStream is the server side of the Ping stream.
type PingStream = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

// PresenceServer is implemented by presence services.
type PresenceServer interface {
	Ping(PingStream) error
}

func pingHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PresenceServer).Ping(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes the presence service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PresenceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Ping",
			Handler:       pingHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "talkie/presence/v1/presence.proto",
}

// Ping is what a client reports on every interval.
type Ping struct {
	UserID    string
	Status    models.Status
	FriendIDs []string
}

func encodePing(p Ping) (*structpb.Struct, error) {
	friends := make([]any, 0, len(p.FriendIDs))
	for _, id := range p.FriendIDs {
		friends = append(friends, id)
	}
	msg, err := structpb.NewStruct(map[string]any{
		"userId":    p.UserID,
		"status":    string(p.Status),
		"friendIds": friends,
	})
	if err != nil {
		return nil, fmt.Errorf("encode ping: %w", err)
	}
	return msg, nil
}

func decodePing(msg *structpb.Struct) (Ping, error) {
	fields := msg.GetFields()
	p := Ping{
		UserID: fields["userId"].GetStringValue(),
		Status: models.Status(fields["status"].GetStringValue()),
	}
	if p.UserID == "" {
		return Ping{}, fmt.Errorf("decode ping: userId is required")
	}
	if !p.Status.Valid() {
		return Ping{}, fmt.Errorf("decode ping: unknown status %q", p.Status)
	}
	for _, v := range fields["friendIds"].GetListValue().GetValues() {
		if id := v.GetStringValue(); id != "" {
			p.FriendIDs = append(p.FriendIDs, id)
		}
	}
	return p, nil
}

func encodeStatuses(statuses map[string]models.Status) (*structpb.Struct, error) {
	values := make(map[string]any, len(statuses))
	for id, status := range statuses {
		values[id] = string(status)
	}
	msg, err := structpb.NewStruct(map[string]any{"statuses": values})
	if err != nil {
		return nil, fmt.Errorf("encode statuses: %w", err)
	}
	return msg, nil
}

func decodeStatuses(msg *structpb.Struct) map[string]models.Status {
	fields := msg.GetFields()["statuses"].GetStructValue().GetFields()
	out := make(map[string]models.Status, len(fields))
	for id, v := range fields {
		status := models.Status(v.GetStringValue())
		if status.Valid() {
			out[id] = status
		}
	}
	return out
}
