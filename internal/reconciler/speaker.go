package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/talkie/backend/internal/serializer"
)

// DefaultSpeakerClearDelay debounces clearing the speaker after a room goes inactive.
const DefaultSpeakerClearDelay = 500 * time.Millisecond

const speakerKey = "speaker"

// SpeakerTracker derives the single current speaker from room activity. Events
// are applied in arrival order; clearing waits for the debounce delay and is
// skipped if the room saw any newer event in the meantime.
type SpeakerTracker struct {
	delay   time.Duration
	publish func(string)
	serial  *serializer.Serializer

	mu      sync.Mutex
	gens    map[string]uint64
	speaker string
}

// NewSpeakerTracker constructs a tracker that calls publish whenever the speaker changes.
func NewSpeakerTracker(delay time.Duration, publish func(string), opts ...serializer.Option) *SpeakerTracker {
	if delay <= 0 {
		delay = DefaultSpeakerClearDelay
	}
	if publish == nil {
		publish = func(string) {}
	}
	return &SpeakerTracker{
		delay:   delay,
		publish: publish,
		serial:  serializer.New(opts...),
		gens:    make(map[string]uint64),
	}
}

// Observe records that participant's side of roomID became active or inactive.
func (t *SpeakerTracker) Observe(roomID, participant string, active bool) error {
	return t.serial.Enqueue(speakerKey, func(complete func()) {
		defer complete()

		t.mu.Lock()
		t.gens[roomID]++
		gen := t.gens[roomID]
		var set, schedule bool
		switch {
		case active && t.speaker == "":
			t.speaker = participant
			set = true
		case !active && t.speaker == participant:
			schedule = true
		}
		t.mu.Unlock()

		if set {
			t.publish(participant)
		}
		if schedule {
			time.AfterFunc(t.delay, func() {
				_ = t.serial.Enqueue(speakerKey, func(complete func()) {
					defer complete()
					t.clear(roomID, participant, gen)
				})
			})
		}
	})
}

func (t *SpeakerTracker) clear(roomID, participant string, gen uint64) {
	t.mu.Lock()
	if t.gens[roomID] != gen || t.speaker != participant {
		t.mu.Unlock()
		return
	}
	t.speaker = ""
	t.mu.Unlock()
	t.publish("")
}

// Current returns the current speaker id, or "".
func (t *SpeakerTracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speaker
}

// Shutdown stops accepting events and waits for queued ones.
func (t *SpeakerTracker) Shutdown(ctx context.Context) error {
	return t.serial.Shutdown(ctx)
}
