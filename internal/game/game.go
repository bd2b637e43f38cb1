// Package game defines the pluggable game adapter seam. A referee drives any
// registered game through the Adapter interface without knowing its rules;
// adding a game type is one adapter plus one Register call.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Mark identifies a side in a two-player game. MarkA always belongs to the
// schedule's player A and always moves first.
type Mark string

const (
	MarkA Mark = "X"
	MarkB Mark = "O"
)

// Opponent returns the other side.
func (m Mark) Opponent() Mark {
	if m == MarkA {
		return MarkB
	}
	return MarkA
}

// Outcome of a finished game from player A's perspective.
type Outcome string

const (
	OutcomeAWins Outcome = "A_WINS"
	OutcomeBWins Outcome = "B_WINS"
	OutcomeDraw  Outcome = "DRAW"
)

// ErrIllegalMove is returned by Apply when a move violates the game rules or
// the current state. The referee treats it as a forfeit by the mover.
var ErrIllegalMove = errors.New("illegal move")

// State is an opaque game position owned by an adapter. Snapshot must be
// deterministic: the same position always serializes to the same bytes, so
// that request payloads and audit lines are reproducible.
type State interface {
	// Snapshot serializes the position for transmission to a player.
	Snapshot() (json.RawMessage, error)
	// Turn reports which side moves next.
	Turn() Mark
	// Terminal reports whether the game is over and, if so, the outcome.
	Terminal() (bool, Outcome)
}

// Adapter implements the rules of one game type.
type Adapter interface {
	// Name is the game_type identifier used in envelopes and schedules.
	Name() string
	// NewGame returns the initial position.
	NewGame() State
	// Apply validates the mover's move against the position and returns the
	// successor state. Returns ErrIllegalMove (possibly wrapped) when the
	// move is invalid; the input state is never mutated.
	Apply(s State, mover Mark, move json.RawMessage) (State, error)
	// LegalMoves enumerates the moves the mover may play from s, in the
	// same wire form Apply accepts. Empty when the game is over or it is
	// not the mover's turn.
	LegalMoves(s State, mover Mark) ([]json.RawMessage, error)
	// MoveTimeout is how long a player gets per move.
	MoveTimeout() time.Duration
	// MatchTimeout bounds the whole game.
	MatchTimeout() time.Duration
}

// Scoring maps match outcomes to league points for one game type.
type Scoring struct {
	Win  int
	Draw int
	Loss int
}

// DefaultScoring is the standard 3/1/0 table.
var DefaultScoring = Scoring{Win: 3, Draw: 1, Loss: 0}

// Entry pairs an adapter with the scoring table the league applies to its
// results.
type Entry struct {
	Adapter Adapter
	Scoring Scoring
}

// Registry maps game_type names to adapter-plus-scoring entries. Safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns a registry pre-loaded with the built-in games.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]Entry)}
	r.Register(NewTicTacToe(), DefaultScoring)
	return r
}

// Register adds or replaces an entry under the adapter's own name.
func (r *Registry) Register(a Adapter, s Scoring) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[a.Name()] = Entry{Adapter: a, Scoring: s}
}

// Get looks up an entry by game_type.
func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("game: unknown game_type %q", name)
	}
	return e, nil
}

// Names returns the registered game types, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
