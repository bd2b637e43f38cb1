package player

import (
	"context"
	"encoding/json"
	"fmt"
)

// FirstEmptyCell is the shipped Tic-Tac-Toe strategy: it plays the lowest
// empty cell. Deterministic, legal, and easy to predict in tests.
type FirstEmptyCell struct{}

// NewFirstEmptyCell returns the strategy.
func NewFirstEmptyCell() *FirstEmptyCell { return &FirstEmptyCell{} }

// boardView is the slice of the snapshot this strategy needs.
type boardView struct {
	Board []string `json:"board"`
}

// ChooseMove implements Strategy.
func (s *FirstEmptyCell) ChooseMove(ctx context.Context, snapshot json.RawMessage) (json.RawMessage, error) {
	var view boardView
	if err := json.Unmarshal(snapshot, &view); err != nil {
		return nil, fmt.Errorf("player: undecodable snapshot: %w", err)
	}
	for cell, mark := range view.Board {
		if mark == "" {
			return json.Marshal(map[string]int{"cell": cell})
		}
	}
	return nil, fmt.Errorf("player: no empty cell on the board")
}
