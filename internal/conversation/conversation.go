// Package conversation keeps the multi-turn session state the orchestrator
// builds prompts from. Turns are append-only and immutable once committed.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("conversation: not found")
	// ErrCorruptState marks a snapshot whose turn sequence violates the
	// attempt-index ordering rules.
	ErrCorruptState = errors.New("conversation: corrupt state")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one committed step. AttemptIndex is 0 for user turns and carries
// the correction attempt counter for assistant and tool turns.
type Turn struct {
	Role         Role            `json:"role"`
	Content      string          `json:"content,omitempty"`
	ToolPayload  json.RawMessage `json:"tool_payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	AttemptIndex int             `json:"attempt_index"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Turns     []Turn    `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

type entry struct {
	mu   sync.Mutex
	conv Conversation
}

// Manager is an arena of conversations keyed by id. Appends to one
// conversation are serialized; distinct conversations proceed concurrently.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

func (m *Manager) getOrCreate(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &entry{conv: Conversation{ID: id}}
		m.entries[id] = e
	}
	return e
}

// Append commits turns to a conversation as one atomic batch. The batch is
// validated against the existing tail before anything is committed.
func (m *Manager) Append(id string, turns ...Turn) error {
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}
	if len(turns) == 0 {
		return nil
	}
	e := m.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	combined := make([]Turn, 0, len(e.conv.Turns)+len(turns))
	combined = append(combined, e.conv.Turns...)
	combined = append(combined, turns...)
	if err := validateTurns(combined); err != nil {
		return err
	}
	e.conv.Turns = combined
	e.conv.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the conversation so callers cannot mutate committed
// turns.
func (m *Manager) Get(id string) (Conversation, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return Conversation{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	conv := e.conv
	conv.Turns = make([]Turn, len(e.conv.Turns))
	copy(conv.Turns, e.conv.Turns)
	return conv, nil
}

func (m *Manager) Snapshot(id string) ([]byte, error) {
	conv, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot for %q: %w", id, err)
	}
	return data, nil
}

// Restore loads a snapshot into the arena, replacing any existing state for
// that conversation id.
func (m *Manager) Restore(data []byte) error {
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if conv.ID == "" {
		return fmt.Errorf("%w: snapshot has no conversation id", ErrCorruptState)
	}
	if err := validateTurns(conv.Turns); err != nil {
		return err
	}

	e := m.getOrCreate(conv.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conv = conv
	return nil
}

// validateTurns enforces attempt-index ordering: a user turn resets the
// counter to 0, and it never decreases between user turns.
func validateTurns(turns []Turn) error {
	current := 0
	for i, turn := range turns {
		switch turn.Role {
		case RoleUser:
			if turn.AttemptIndex != 0 {
				return fmt.Errorf("%w: user turn %d has attempt index %d", ErrCorruptState, i, turn.AttemptIndex)
			}
			current = 0
		case RoleAssistant, RoleTool:
			if turn.AttemptIndex < current {
				return fmt.Errorf("%w: turn %d attempt index decreased from %d to %d", ErrCorruptState, i, current, turn.AttemptIndex)
			}
			current = turn.AttemptIndex
		default:
			return fmt.Errorf("%w: turn %d has unknown role %q", ErrCorruptState, i, turn.Role)
		}
	}
	return nil
}
