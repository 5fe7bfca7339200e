// Package transcript stitches streamed partial-text deltas from both sides
// of a conversation into role-tagged lines.
//
// Each role has one in-progress buffer. Deltas grow the buffer and replace
// the role's live line in place; a turn-complete signal finalises it. At
// most the last line per speaker is ever live.
package transcript

import (
	"slices"
	"sync"
)

// Role identifies the speaker of a line.
type Role string

const (
	// RoleLocal is the user at this end of the session.
	RoleLocal Role = "local"

	// RoleRemote is the remote conversational model.
	RoleRemote Role = "remote"
)

// Item is one transcript line.
type Item struct {
	Role  Role   `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Aggregator accumulates transcript items. It is safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	items   []Item
	buffers map[Role]string
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{buffers: make(map[Role]string)}
}

// Append adds delta to role's in-progress buffer. If the last line belongs
// to role and is still live it is replaced with the grown buffer; otherwise
// a new live line is appended and the role's earlier live line, cut off by
// the other speaker, is finalised. Empty deltas are ignored.
func (a *Aggregator) Append(role Role, delta string) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	text := a.buffers[role] + delta
	a.buffers[role] = text

	if n := len(a.items); n > 0 {
		last := &a.items[n-1]
		if last.Role == role && !last.Final {
			last.Text = text
			return
		}
	}
	for i := range a.items {
		if a.items[i].Role == role {
			a.items[i].Final = true
		}
	}
	a.items = append(a.items, Item{Role: role, Text: text})
}

// TurnComplete finalises the most recent line and resets its role's
// buffer. A line of the other role left live by interleaved deltas is
// finalised and reset as well, so a completed turn never leaves a stale
// growing line behind.
func (a *Aggregator) TurnComplete() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.items {
		if a.items[i].Final {
			continue
		}
		a.items[i].Final = true
		delete(a.buffers, a.items[i].Role)
	}
}

// Items returns a copy of the transcript in order.
func (a *Aggregator) Items() []Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.items)
}

// Len returns the number of lines.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Reset drops every line and buffer.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = nil
	clear(a.buffers)
}
