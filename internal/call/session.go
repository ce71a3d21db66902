// Package call connects to the audio transport for one talk session at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/talkie/backend/internal/logging"
)

var (
	// ErrNotConnected indicates an operation that needs an open room.
	ErrNotConnected = errors.New("call session is not connected")
	// ErrAlreadyConnected indicates Connect was called on an open session.
	ErrAlreadyConnected = errors.New("call session is already connected")
)

// Session is the opaque call transport.
type Session interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	Publish(ctx context.Context) error
	Unpublish()
}

// room is the subset of a joined room the session drives.
type room interface {
	publishAudio() (string, error)
	unpublish(sid string) error
	disconnect()
}

type connectFunc func(url, token string) (room, error)

// LiveKit joins LiveKit rooms with pre-signed tokens.
type LiveKit struct {
	url     string
	connect connectFunc

	mu       sync.Mutex
	room     room
	trackSID string
}

// NewLiveKit constructs a session against the LiveKit server at url.
func NewLiveKit(url string) *LiveKit {
	return &LiveKit{url: url, connect: connectLiveKit}
}

// Connect joins the room encoded in token. It returns ctx's error if ctx ends
// before the join completes; a late join is torn down.
func (l *LiveKit) Connect(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("call token must be provided")
	}

	l.mu.Lock()
	if l.room != nil {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	l.mu.Unlock()

	type result struct {
		room room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		r, err := l.connect(l.url, token)
		done <- result{room: r, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				res.room.disconnect()
			}
		}()
		return ctx.Err()
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("connect call session: %w", res.err)
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.room != nil {
			res.room.disconnect()
			return ErrAlreadyConnected
		}
		l.room = res.room
		logging.FromContext(ctx).Info("call session connected")
		return nil
	}
}

// Disconnect leaves the room. It is a no-op when not connected.
func (l *LiveKit) Disconnect() {
	l.mu.Lock()
	r := l.room
	l.room = nil
	l.trackSID = ""
	l.mu.Unlock()

	if r != nil {
		r.disconnect()
	}
}

// Publish starts sending the local audio track.
func (l *LiveKit) Publish(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.room == nil {
		return ErrNotConnected
	}
	if l.trackSID != "" {
		return nil
	}
	sid, err := l.room.publishAudio()
	if err != nil {
		return fmt.Errorf("publish audio: %w", err)
	}
	l.trackSID = sid
	logging.FromContext(ctx).Debug("audio published", "track", sid)
	return nil
}

// Unpublish stops sending the local audio track.
func (l *LiveKit) Unpublish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.room == nil || l.trackSID == "" {
		return
	}
	_ = l.room.unpublish(l.trackSID)
	l.trackSID = ""
}

type livekitRoom struct {
	inner *lksdk.Room
}

func connectLiveKit(url, token string) (room, error) {
	r, err := lksdk.ConnectToRoomWithToken(url, token, lksdk.NewRoomCallback())
	if err != nil {
		return nil, err
	}
	return &livekitRoom{inner: r}, nil
}

func (r *livekitRoom) publishAudio() (string, error) {
	track, err := lksdk.NewLocalTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	})
	if err != nil {
		return "", fmt.Errorf("create audio track: %w", err)
	}
	pub, err := r.inner.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: "microphone"})
	if err != nil {
		return "", err
	}
	return pub.SID(), nil
}

func (r *livekitRoom) unpublish(sid string) error {
	return r.inner.LocalParticipant.UnpublishTrack(sid)
}

func (r *livekitRoom) disconnect() {
	r.inner.Disconnect()
}

var _ Session = (*LiveKit)(nil)
