package session

import (
	"fmt"
	"sync"

	"github.com/MrWong99/companion/internal/transcript"
	"github.com/MrWong99/companion/pkg/video"
)

// Phase is the lifecycle position of the manager.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
	PhaseFailed
)

// String returns the lowercase name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnecting:
		return "disconnecting"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// State is an immutable snapshot of the session. Values handed out by
// [Manager.Snapshot] and [Manager.Subscribe] share nothing with the manager.
type State struct {
	Phase     Phase  `json:"phase"`
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`

	// Speaking is true while model audio is scheduled or playing.
	Speaking bool `json:"speaking"`

	// Volume is the microphone activity level in [0, 100].
	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`

	VideoActive bool       `json:"video_active"`
	VideoMode   video.Mode `json:"video_mode"`

	Transcripts []transcript.Item `json:"transcripts"`

	// Err is the most recent user-visible failure, if any.
	Err *Error `json:"error,omitempty"`
}

// hub fans out the latest state to subscribers. Every subscriber channel
// holds at most one value; a slow reader only ever sees the newest state.
type hub struct {
	mu   sync.Mutex
	subs map[uint64]chan State
	next uint64
}

func (h *hub) subscribe(initial State) (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- initial

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[uint64]chan State)
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *hub) publish(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
