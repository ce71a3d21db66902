package reconciler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/talkie/backend/internal/serializer"
)

type speakerLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *speakerLog) publish(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *speakerLog) published() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ids)
}

func newTestTracker(t *testing.T, delay time.Duration) (*SpeakerTracker, *speakerLog) {
	t.Helper()
	log := &speakerLog{}
	tracker := NewSpeakerTracker(delay, log.publish)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tracker.Shutdown(ctx)
	})
	return tracker, log
}

func TestSpeakerClearIsDebounced(t *testing.T) {
	tracker, log := newTestTracker(t, 30*time.Millisecond)

	if err := tracker.Observe("r1", "f1", true); err != nil {
		t.Fatalf("observe: %v", err)
	}
	eventually(t, func() bool { return tracker.Current() == "f1" })

	// A quick off/on flicker must not clear the speaker.
	_ = tracker.Observe("r1", "f1", false)
	_ = tracker.Observe("r1", "f1", true)
	time.Sleep(90 * time.Millisecond)
	if got := tracker.Current(); got != "f1" {
		t.Fatalf("expected f1 to keep speaking got %q", got)
	}

	_ = tracker.Observe("r1", "f1", false)
	eventually(t, func() bool { return tracker.Current() == "" })

	eventually(t, func() bool { return len(log.published()) == 2 })
	if got := log.published(); !slices.Equal(got, []string{"f1", ""}) {
		t.Fatalf("expected [f1 \"\"] got %q", got)
	}
}

func TestSpeakerIsNotTakenOverByAnotherRoom(t *testing.T) {
	tracker, _ := newTestTracker(t, 10*time.Millisecond)

	_ = tracker.Observe("r1", "f1", true)
	_ = tracker.Observe("r2", "f2", true)
	eventually(t, func() bool { return tracker.Current() == "f1" })

	_ = tracker.Observe("r2", "f2", false)
	time.Sleep(40 * time.Millisecond)
	if got := tracker.Current(); got != "f1" {
		t.Fatalf("expected f1 to remain speaker got %q", got)
	}

	_ = tracker.Observe("r1", "f1", false)
	eventually(t, func() bool { return tracker.Current() == "" })

	_ = tracker.Observe("r2", "f2", true)
	eventually(t, func() bool { return tracker.Current() == "f2" })
}

func TestSpeakerTrackerRejectsEventsAfterShutdown(t *testing.T) {
	tracker := NewSpeakerTracker(0, nil)
	if err := tracker.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := tracker.Observe("r1", "f1", true); !errors.Is(err, serializer.ErrClosed) {
		t.Fatalf("expected ErrClosed got %v", err)
	}
}
