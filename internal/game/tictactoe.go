package game

import (
	"encoding/json"
	"fmt"
	"time"
)

// ticTacToe is the built-in 3x3 game. Player A plays X and moves first.
type ticTacToe struct {
	moveTimeout  time.Duration
	matchTimeout time.Duration
}

// NewTicTacToe returns the tictactoe adapter with its default timeouts.
func NewTicTacToe() Adapter {
	return &ticTacToe{
		moveTimeout:  5 * time.Second,
		matchTimeout: 5 * time.Minute,
	}
}

func (t *ticTacToe) Name() string                { return "tictactoe" }
func (t *ticTacToe) MoveTimeout() time.Duration  { return t.moveTimeout }
func (t *ticTacToe) MatchTimeout() time.Duration { return t.matchTimeout }

// tttState is a tic-tac-toe position. Cells are indexed 0..8, row-major.
type tttState struct {
	Board [9]string
	Next  Mark
	Moves int
}

func (t *ticTacToe) NewGame() State {
	return &tttState{Next: MarkA}
}

// tttMove is the wire form of a move: {"cell": 0..8}.
type tttMove struct {
	Cell *int `json:"cell"`
}

// tttSnapshot is the wire form of a position. Board cells hold "X", "O", or
// "" for empty.
type tttSnapshot struct {
	Board []string `json:"board"`
	Next  string   `json:"next"`
	Moves int      `json:"moves"`
}

func (s *tttState) Snapshot() (json.RawMessage, error) {
	snap := tttSnapshot{
		Board: append([]string(nil), s.Board[:]...),
		Next:  string(s.Next),
		Moves: s.Moves,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("tictactoe: snapshot: %w", err)
	}
	return raw, nil
}

func (s *tttState) Turn() Mark { return s.Next }

var tttLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

func (s *tttState) Terminal() (bool, Outcome) {
	for _, line := range tttLines {
		a, b, c := s.Board[line[0]], s.Board[line[1]], s.Board[line[2]]
		if a != "" && a == b && b == c {
			if a == string(MarkA) {
				return true, OutcomeAWins
			}
			return true, OutcomeBWins
		}
	}
	if s.Moves == 9 {
		return true, OutcomeDraw
	}
	return false, ""
}

func (t *ticTacToe) Apply(s State, mover Mark, move json.RawMessage) (State, error) {
	cur, ok := s.(*tttState)
	if !ok {
		return nil, fmt.Errorf("tictactoe: %w: foreign state", ErrIllegalMove)
	}
	if done, _ := cur.Terminal(); done {
		return nil, fmt.Errorf("tictactoe: %w: game already over", ErrIllegalMove)
	}
	if mover != cur.Next {
		return nil, fmt.Errorf("tictactoe: %w: not %s's turn", ErrIllegalMove, mover)
	}

	var m tttMove
	if err := json.Unmarshal(move, &m); err != nil || m.Cell == nil {
		return nil, fmt.Errorf("tictactoe: %w: move must be {\"cell\": 0-8}", ErrIllegalMove)
	}
	cell := *m.Cell
	if cell < 0 || cell > 8 {
		return nil, fmt.Errorf("tictactoe: %w: cell %d out of range", ErrIllegalMove, cell)
	}
	if cur.Board[cell] != "" {
		return nil, fmt.Errorf("tictactoe: %w: cell %d occupied", ErrIllegalMove, cell)
	}

	next := *cur
	next.Board[cell] = string(mover)
	next.Next = mover.Opponent()
	next.Moves++
	return &next, nil
}

func (t *ticTacToe) LegalMoves(s State, mover Mark) ([]json.RawMessage, error) {
	cur, ok := s.(*tttState)
	if !ok {
		return nil, fmt.Errorf("tictactoe: foreign state")
	}
	if done, _ := cur.Terminal(); done || mover != cur.Next {
		return nil, nil
	}
	var moves []json.RawMessage
	for cell, mark := range cur.Board {
		if mark != "" {
			continue
		}
		moves = append(moves, json.RawMessage(fmt.Sprintf(`{"cell":%d}`, cell)))
	}
	return moves, nil
}
