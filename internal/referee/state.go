package referee

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// matchState is persisted to disk while a match is in flight. On restart the
// referee finds it, knows the match was interrupted mid-step, and reports it
// ERRORED instead of guessing where the game stood.
type matchState struct {
	MatchID  string `json:"match_id"`
	RoundID  int    `json:"round_id"`
	LeagueID string `json:"league_id"`
	GameType string `json:"game_type"`
	PlayerA  string `json:"player_a"`
	PlayerB  string `json:"player_b"`
	Phase    string `json:"phase"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "referee-state.json")
}

// loadState reads the persisted in-flight match, if any. A missing file
// means a clean previous shutdown.
func loadState(stateDir string) (*matchState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("referee: failed to read state file: %w", err)
	}
	var s matchState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("referee: corrupted state file: %w", err)
	}
	return &s, nil
}

// saveState writes the in-flight match state atomically via temp file +
// rename.
func saveState(stateDir string, s matchState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("referee: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("referee: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "referee-state.*.tmp")
	if err != nil {
		return fmt.Errorf("referee: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("referee: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("referee: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("referee: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// clearState removes the in-flight marker after the match terminates.
func clearState(stateDir string) {
	_ = os.Remove(stateFilePath(stateDir))
}
