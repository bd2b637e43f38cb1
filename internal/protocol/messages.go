package protocol

import "encoding/json"

// Typed payloads for each message type. Game state and moves stay opaque
// (json.RawMessage) end to end — only the game adapter interprets them.

// RegisterPayload is carried by REGISTER_REFEREE and REGISTER_PLAYER.
type RegisterPayload struct {
	AgentID  string `json:"agent_id"`
	Endpoint string `json:"endpoint"` // host:port of the agent's /mcp
}

// RegistrationResponsePayload is the result of a successful registration.
type RegistrationResponsePayload struct {
	AgentID   string `json:"agent_id"`
	AuthToken string `json:"auth_token"`
	LeagueID  string `json:"league_id"`
}

// LeagueAdvancePayload is carried by the administrative LEAGUE_ADVANCE
// message that closes registration and triggers schedule generation.
type LeagueAdvancePayload struct {
	AdminToken string `json:"admin_token"`
}

// MatchEntry describes one match inside a round announcement.
type MatchEntry struct {
	MatchID   string   `json:"match_id"`
	Players   []string `json:"players"`
	RefereeID string   `json:"referee"`
	GameType  string   `json:"game_type"`
}

// RoundAnnouncePayload is broadcast to every referee and player that takes
// part in the round.
type RoundAnnouncePayload struct {
	RoundID int          `json:"round_id"`
	Matches []MatchEntry `json:"matches"`
}

// MatchAssignPayload instructs a referee to execute one match.
type MatchAssignPayload struct {
	MatchID         string            `json:"match_id"`
	RoundID         int               `json:"round_id"`
	GameType        string            `json:"game_type"`
	PlayerA         string            `json:"player_a"`
	PlayerB         string            `json:"player_b"`
	PlayerEndpoints map[string]string `json:"player_endpoints"`
}

// GameInvitePayload invites a player into a match.
type GameInvitePayload struct {
	MatchID  string `json:"match_id"`
	GameType string `json:"game_type"`
	Opponent string `json:"opponent"`
	YourMark string `json:"your_mark"`
}

// InviteReplyPayload is carried by INVITE_ACCEPT and INVITE_DECLINE.
type InviteReplyPayload struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"` // declines only
}

// MoveRequestPayload asks the on-turn player for a move. Snapshot is the
// adapter-produced opaque view of the game state; Deadline is the wall-clock
// instant after which the player forfeits.
type MoveRequestPayload struct {
	MatchID  string          `json:"match_id"`
	Snapshot json.RawMessage `json:"snapshot"`
	Deadline string          `json:"deadline"`
}

// MoveResponsePayload carries the chosen move back to the referee.
type MoveResponsePayload struct {
	AgentID string          `json:"agent_id"`
	Move    json.RawMessage `json:"move"`
}

// PlayerResult is one player's share of a match result.
type PlayerResult struct {
	PlayerID string `json:"player_id"`
	Outcome  string `json:"outcome"` // WIN | LOSS | DRAW
	Points   int    `json:"points"`
}

// MatchResult is the authoritative outcome of a match as decided by its
// referee. GameMetadata is opaque adapter output (final board, move count).
type MatchResult struct {
	MatchID      string          `json:"match_id"`
	Status       string          `json:"status"` // COMPLETED | FORFEITED | ERRORED
	Players      []PlayerResult  `json:"players"`
	GameMetadata json.RawMessage `json:"game_metadata,omitempty"`
}

// GameOverPayload notifies both players that the match ended.
type GameOverPayload struct {
	MatchID string       `json:"match_id"`
	Result  *MatchResult `json:"result"`
}

// ResultReportPayload is carried by RESULT_REPORT from referee to manager.
type ResultReportPayload struct {
	RefereeID string       `json:"referee_id"`
	Result    *MatchResult `json:"result"`
}

// ResultAckPayload confirms the manager accepted (or already had) a result.
type ResultAckPayload struct {
	MatchID  string `json:"match_id"`
	Accepted bool   `json:"accepted"`
}

// StandingsRow is one ranked line of a standings snapshot.
type StandingsRow struct {
	Rank      int    `json:"rank"`
	PlayerID  string `json:"player_id"`
	Points    int    `json:"points"`
	Wins      int    `json:"wins"`
	Losses    int    `json:"losses"`
	Draws     int    `json:"draws"`
	PointDiff int    `json:"point_diff"`
}

// StandingsResponsePayload is the latest published snapshot.
type StandingsResponsePayload struct {
	LeagueID string         `json:"league_id"`
	RoundID  int            `json:"round_id"`
	Rows     []StandingsRow `json:"rows"`
}

// AckPayload is the generic empty acknowledgement for notifications that
// need no data in return (ROUND_ANNOUNCE, GAME_OVER).
type AckPayload struct {
	AgentID string `json:"agent_id,omitempty"`
}

// Outcome constants used in PlayerResult and the standings engine.
const (
	OutcomeWin  = "WIN"
	OutcomeLoss = "LOSS"
	OutcomeDraw = "DRAW"
)

// Terminal match statuses reported by referees.
const (
	MatchCompleted = "COMPLETED"
	MatchForfeited = "FORFEITED"
	MatchErrored   = "ERRORED"
)
