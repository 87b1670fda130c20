package conversation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func userTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

func assistantTurn(content string, attempt int) Turn {
	return Turn{Role: RoleAssistant, Content: content, Timestamp: time.Now().UTC(), AttemptIndex: attempt}
}

func TestAppendAndGet(t *testing.T) {
	m := NewManager()
	if err := m.Append("conv-1", userTurn("how many orders?"), assistantTurn("42 orders", 0)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	conv, err := m.Get("conv-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(conv.Turns) != 2 || conv.Turns[0].Role != RoleUser || conv.Turns[1].Role != RoleAssistant {
		t.Fatalf("Turns = %+v", conv.Turns)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewManager()
	if err := m.Append("conv-1", userTurn("q")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	conv, err := m.Get("conv-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	conv.Turns[0].Content = "mutated"

	again, err := m.Get("conv-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if again.Turns[0].Content != "q" {
		t.Fatal("committed turn was mutated through a Get copy")
	}
}

func TestGetUnknownConversation(t *testing.T) {
	m := NewManager()
	if _, err := m.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestAppendRejectsDecreasingAttemptIndex(t *testing.T) {
	m := NewManager()
	err := m.Append("conv-1",
		userTurn("q"),
		assistantTurn("try 1", 1),
		assistantTurn("out of order", 0),
	)
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("Append() error = %v, want ErrCorruptState", err)
	}

	// Nothing from the rejected batch may be committed.
	if conv, err := m.Get("conv-1"); err == nil && len(conv.Turns) != 0 {
		t.Fatalf("rejected batch partially committed: %+v", conv.Turns)
	}
}

func TestAttemptIndexResetsAtUserTurn(t *testing.T) {
	m := NewManager()
	err := m.Append("conv-1",
		userTurn("q1"),
		assistantTurn("a1", 2),
		userTurn("q2"),
		assistantTurn("a2", 0),
	)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
}

func TestAppendRejectsUserTurnWithNonZeroAttempt(t *testing.T) {
	m := NewManager()
	err := m.Append("conv-1", Turn{Role: RoleUser, Content: "q", AttemptIndex: 1})
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("Append() error = %v, want ErrCorruptState", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewManager()
	if err := m.Append("conv-1", userTurn("q"), assistantTurn("a", 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	snapshot, err := m.Snapshot("conv-1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	restored := NewManager()
	if err := restored.Restore(snapshot); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	conv, err := restored.Get("conv-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(conv.Turns) != 2 || conv.Turns[1].AttemptIndex != 1 {
		t.Fatalf("restored turns = %+v", conv.Turns)
	}
}

func TestRestoreRejectsCorruptState(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{broken`},
		{name: "missing id", data: `{"turns": []}`},
		{
			name: "decreasing attempt index",
			data: `{"id": "conv-1", "turns": [
				{"role": "user", "attempt_index": 0},
				{"role": "assistant", "attempt_index": 2},
				{"role": "tool", "attempt_index": 1}
			]}`,
		},
		{
			name: "unknown role",
			data: `{"id": "conv-1", "turns": [{"role": "narrator", "attempt_index": 0}]}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager()
			if err := m.Restore([]byte(tc.data)); !errors.Is(err, ErrCorruptState) {
				t.Fatalf("Restore() error = %v, want ErrCorruptState", err)
			}
		})
	}
}

func TestConcurrentAppendsToDistinctConversations(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("conv-%d", n)
			for j := 0; j < 20; j++ {
				if err := m.Append(id, userTurn("q"), assistantTurn("a", 0)); err != nil {
					t.Errorf("Append(%s) error = %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		conv, err := m.Get(fmt.Sprintf("conv-%d", i))
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if len(conv.Turns) != 40 {
			t.Fatalf("len(turns) = %d, want 40", len(conv.Turns))
		}
	}
}
