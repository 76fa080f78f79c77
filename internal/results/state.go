package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"
)

// PhaseEvent is one entry of the state's phase history.
type PhaseEvent struct {
	Phase       string     `json:"phase"`
	Agent       string     `json:"agent"`
	ExecutionID string     `json:"execution_id"`
	Status      string     `json:"status"`
	Action      NextAction `json:"action"`
	ArtifactID  string     `json:"artifact_id,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// State is the orchestration state document. Keys the bridge does not
// own are kept verbatim and written back unchanged.
type State struct {
	CurrentPhase  string         `json:"current_phase"`
	Attempts      map[string]int `json:"attempts"`
	Blocked       bool           `json:"blocked"`
	BlockedReason string         `json:"blocked_reason"`
	Artifacts     []string       `json:"artifacts"`
	PhaseHistory  []PhaseEvent   `json:"phase_history"`
	UpdatedAt     time.Time      `json:"updated_at"`

	extra map[string]json.RawMessage
}

var ownedKeys = []string{
	"current_phase", "attempts", "blocked", "blocked_reason",
	"artifacts", "phase_history", "updated_at",
}

// NewState returns an empty state document.
func NewState() *State {
	return &State{Attempts: map[string]int{}, Artifacts: []string{}, PhaseHistory: []PhaseEvent{}}
}

// Attempt returns the recorded attempt count for phase.
func (s *State) Attempt(phase string) int {
	if s == nil {
		return 0
	}
	return s.Attempts[phase]
}

// Extra returns the raw value of a key the bridge does not own.
func (s *State) Extra(key string) (json.RawMessage, bool) {
	v, ok := s.extra[key]
	return v, ok
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	cp := *s
	cp.Attempts = maps.Clone(s.Attempts)
	cp.Artifacts = slices.Clone(s.Artifacts)
	cp.PhaseHistory = slices.Clone(s.PhaseHistory)
	cp.extra = maps.Clone(s.extra)
	return &cp
}

type stateFields struct {
	CurrentPhase  string         `json:"current_phase"`
	Attempts      map[string]int `json:"attempts"`
	Blocked       bool           `json:"blocked"`
	BlockedReason string         `json:"blocked_reason"`
	Artifacts     []string       `json:"artifacts"`
	PhaseHistory  []PhaseEvent   `json:"phase_history"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var known stateFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range ownedKeys {
		delete(all, k)
	}

	*s = State{
		CurrentPhase:  known.CurrentPhase,
		Attempts:      known.Attempts,
		Blocked:       known.Blocked,
		BlockedReason: known.BlockedReason,
		Artifacts:     known.Artifacts,
		PhaseHistory:  known.PhaseHistory,
		UpdatedAt:     known.UpdatedAt,
		extra:         all,
	}
	if s.Attempts == nil {
		s.Attempts = map[string]int{}
	}
	if s.Artifacts == nil {
		s.Artifacts = []string{}
	}
	if s.PhaseHistory == nil {
		s.PhaseHistory = []PhaseEvent{}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(stateFields{
		CurrentPhase:  s.CurrentPhase,
		Attempts:      s.Attempts,
		Blocked:       s.Blocked,
		BlockedReason: s.BlockedReason,
		Artifacts:     s.Artifacts,
		PhaseHistory:  s.PhaseHistory,
		UpdatedAt:     s.UpdatedAt,
	})
	if err != nil || len(s.extra) == 0 {
		return known, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(known, &all); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		all[k] = v
	}
	return json.Marshal(all)
}

// StateStore persists the state document with load-merge-write. Writers
// in this process are serialized; writers in other processes must
// coordinate externally.
type StateStore struct {
	mu   sync.Mutex
	path string
}

// NewStateStore returns a store for the document at path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the document location.
func (s *StateStore) Path() string {
	return s.path
}

// Load reads the document. A missing file yields an empty state.
func (s *StateStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Update loads the current document, applies fn, and writes it back. The
// updated document is returned.
func (s *StateStore) Update(fn func(*State)) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return nil, err
	}
	fn(st)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal orchestration state: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *StateStore) load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read orchestration state: %w", err)
	}
	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupted, err)
	}
	return st, nil
}
