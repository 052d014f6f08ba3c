package supprt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// ============================================================================
// seenSet
// ============================================================================

func TestSeenSet(t *testing.T) {
	t.Run("add is idempotent", func(t *testing.T) {
		s := newSeenSet()
		s.Add("msg-1")
		s.Add("msg-1")
		if !s.Seen("msg-1") {
			t.Fatal("expected msg-1 to be seen")
		}
		if s.Len() != 1 {
			t.Fatalf("len = %d, want 1", s.Len())
		}
	})

	t.Run("unknown ids are not seen", func(t *testing.T) {
		s := newSeenSet()
		s.Add("msg-1")
		if s.Seen("msg-2") {
			t.Fatal("msg-2 should not be seen")
		}
	})

	t.Run("reset rescopes to a new conversation", func(t *testing.T) {
		s := newSeenSet()
		s.Add("old-1")
		s.Add("old-2")

		s.Reset("new-1", "new-2", "new-3")

		if s.Seen("old-1") || s.Seen("old-2") {
			t.Fatal("ids from the previous conversation survived reset")
		}
		for _, id := range []string{"new-1", "new-2", "new-3"} {
			if !s.Seen(id) {
				t.Fatalf("expected %s seeded after reset", id)
			}
		}
		if s.Len() != 3 {
			t.Fatalf("len = %d, want 3", s.Len())
		}
	})

	t.Run("empty reset clears everything", func(t *testing.T) {
		s := newSeenSet()
		s.Add("msg-1")
		s.Reset()
		if s.Len() != 0 {
			t.Fatalf("len = %d, want 0", s.Len())
		}
	})
}

// ============================================================================
// Outbox
// ============================================================================

func TestOutbox(t *testing.T) {
	t.Run("enqueue preserves order", func(t *testing.T) {
		o := NewOutbox()
		for i := 0; i < 3; i++ {
			o.Enqueue(fmt.Sprintf("message %d", i))
		}
		pending := o.Pending()
		if len(pending) != 3 {
			t.Fatalf("pending = %d, want 3", len(pending))
		}
		for i, m := range pending {
			if want := fmt.Sprintf("message %d", i); m.Content != want {
				t.Errorf("position %d: got %q, want %q", i, m.Content, want)
			}
			if m.ID == "" {
				t.Errorf("position %d: missing ID", i)
			}
		}
	})

	t.Run("drain sends in enqueue order and empties the queue", func(t *testing.T) {
		o := NewOutbox()
		o.Enqueue("first")
		o.Enqueue("second")
		o.Enqueue("third")

		var sent []string
		o.Drain(context.Background(), func(ctx context.Context, msg QueuedMessage) error {
			sent = append(sent, msg.Content)
			return nil
		})

		want := []string{"first", "second", "third"}
		if len(sent) != len(want) {
			t.Fatalf("sent %d messages, want %d", len(sent), len(want))
		}
		for i := range want {
			if sent[i] != want[i] {
				t.Errorf("position %d: got %q, want %q", i, sent[i], want[i])
			}
		}
		if o.Len() != 0 {
			t.Fatalf("len = %d after drain, want 0", o.Len())
		}
	})

	t.Run("failed sends are requeued for the next drain", func(t *testing.T) {
		o := NewOutbox()
		o.Enqueue("ok-1")
		o.Enqueue("bad")
		o.Enqueue("ok-2")

		o.Drain(context.Background(), func(ctx context.Context, msg QueuedMessage) error {
			if msg.Content == "bad" {
				return errors.New("send failed")
			}
			return nil
		})

		pending := o.Pending()
		if len(pending) != 1 {
			t.Fatalf("pending = %d, want 1", len(pending))
		}
		if pending[0].Content != "bad" {
			t.Fatalf("requeued message = %q, want %q", pending[0].Content, "bad")
		}

		// Second drain delivers the requeued entry.
		var delivered []string
		o.Drain(context.Background(), func(ctx context.Context, msg QueuedMessage) error {
			delivered = append(delivered, msg.Content)
			return nil
		})
		if len(delivered) != 1 || delivered[0] != "bad" {
			t.Fatalf("second drain delivered %v", delivered)
		}
	})

	t.Run("concurrent drains do not double-send", func(t *testing.T) {
		o := NewOutbox()
		for i := 0; i < 10; i++ {
			o.Enqueue(fmt.Sprintf("message %d", i))
		}

		var mu sync.Mutex
		counts := make(map[string]int)
		gate := make(chan struct{})

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-gate
				o.Drain(context.Background(), func(ctx context.Context, msg QueuedMessage) error {
					mu.Lock()
					counts[msg.ID]++
					mu.Unlock()
					return nil
				})
			}()
		}
		close(gate)
		wg.Wait()

		for id, n := range counts {
			if n != 1 {
				t.Errorf("message %s sent %d times", id, n)
			}
		}
	})
}
