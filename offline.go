package supprt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrOfflineAttachments is returned when a send carrying files is attempted
// while offline: file upload has no offline-durable path.
var ErrOfflineAttachments = errors.New("cannot send files while offline")

// ============================================================================
// Duplicate Guard
// ============================================================================

// seenSet is an O(1) membership set of message IDs scoped to the active
// conversation. It suppresses server echoes of optimistic local sends and
// re-delivered events after a reconnect. It is never used for ordering.
type seenSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{ids: make(map[string]struct{})}
}

// Add registers an id. Local send results must be added before the server
// echo can be processed.
func (s *seenSet) Add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

// Seen reports whether an id was already registered.
func (s *seenSet) Seen(id string) bool {
	s.mu.Lock()
	_, ok := s.ids[id]
	s.mu.Unlock()
	return ok
}

// Reset clears the set and seeds it with the given ids. Called on every
// active-conversation change.
func (s *seenSet) Reset(ids ...string) {
	s.mu.Lock()
	s.ids = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	s.mu.Unlock()
}

// Len returns the number of registered ids.
func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// ============================================================================
// Offline Outbox
// ============================================================================

// QueuedMessage is a text message composed while offline, held until
// connectivity returns.
type QueuedMessage struct {
	ID         string
	Content    string
	EnqueuedAt time.Time
}

// Outbox is a FIFO queue of messages composed while disconnected. Entries
// that fail during a drain are re-appended to the tail, so delivery order is
// eventual-FIFO rather than strict when sends fail.
type Outbox struct {
	mu       sync.Mutex
	entries  []QueuedMessage
	draining bool
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue appends a text message with its original compose time.
func (o *Outbox) Enqueue(content string) QueuedMessage {
	msg := QueuedMessage{
		ID:         uuid.NewString(),
		Content:    content,
		EnqueuedAt: time.Now(),
	}
	o.mu.Lock()
	o.entries = append(o.entries, msg)
	o.mu.Unlock()
	return msg
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Pending returns a copy of the queued messages in order.
func (o *Outbox) Pending() []QueuedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]QueuedMessage(nil), o.entries...)
}

// Drain empties the queue into a working copy and sends each entry in
// enqueue order through send. A failed entry is re-appended to the tail for
// a later pass; it is not retried within the same pass. Overlapping drains
// triggered by rapid online/offline flapping are rejected by the
// drain-in-progress flag.
func (o *Outbox) Drain(ctx context.Context, send func(ctx context.Context, msg QueuedMessage) error) {
	o.mu.Lock()
	if o.draining || len(o.entries) == 0 {
		o.mu.Unlock()
		return
	}
	o.draining = true
	working := o.entries
	o.entries = nil
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
	}()

	for _, msg := range working {
		if err := send(ctx, msg); err != nil {
			o.mu.Lock()
			o.entries = append(o.entries, msg)
			o.mu.Unlock()
		}
	}
}
