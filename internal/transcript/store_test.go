package transcript

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/wonderland-agent/internal/events"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "transcript_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, text := range []string{"one", "two", "three"} {
		err := s.Append(Entry{
			MessageID: text,
			SessionID: "s1",
			Sender:    "user",
			Text:      text,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Append(%q): %v", text, err)
		}
	}
	if err := s.Append(Entry{SessionID: "s2", Sender: "user", Text: "elsewhere"}); err != nil {
		t.Fatalf("Append(s2): %v", err)
	}

	got, err := s.Recent("s1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(got))
	}
	if got[0].Text != "two" || got[1].Text != "three" {
		t.Errorf("Recent order = %q, %q; want two, three", got[0].Text, got[1].Text)
	}
	if !got[1].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("timestamp = %v", got[1].Timestamp)
	}

	n, err := s.Count("s1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count(s1) = %d, want 3", n)
	}
}

func TestAppendDefaultsTimestamp(t *testing.T) {
	s := testStore(t)
	before := time.Now().Add(-time.Second)

	if err := s.Append(Entry{SessionID: "s", Sender: "user", Text: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := s.Recent("s", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp.Before(before) {
		t.Errorf("entry = %+v", got)
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "transcript.db")

	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Append(Entry{SessionID: "s", Sender: "user", Text: "persisted"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.Close()

	s, err = NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if n, _ := s.Count("s"); n != 1 {
		t.Errorf("Count after reopen = %d, want 1", n)
	}
}

func TestRecord(t *testing.T) {
	s := testStore(t)
	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Record(ctx, bus, "session-1", nil)
		close(done)
	}()

	// Wait for the subscription before publishing.
	for bus.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	bus.Emit(events.SourceCoordinator, events.KindAnimation, map[string]any{"animation": "wave"})
	bus.Emit(events.SourceCoordinator, events.KindChat, map[string]any{
		"id": "m1", "sender": "user", "author": "Bob", "text": "hello alice",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := s.Count("session-1")
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Count = %d, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	got, _ := s.Recent("session-1", 10)
	if got[0].MessageID != "m1" || got[0].Author != "Bob" || got[0].Text != "hello alice" {
		t.Errorf("entry = %+v", got[0])
	}
	if bus.SubscriberCount() != 0 {
		t.Error("Record should unsubscribe on exit")
	}
}
