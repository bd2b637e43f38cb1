package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// League
// -----------------------------------------------------------------------------

// League is the single tournament a manager process runs. Status follows
// INIT → REGISTRATION → SCHEDULING → ACTIVE → COMPLETED, with ABORTED
// reachable from every state. Backward transitions never happen — the
// coordinator enforces the ordering before any write.
type League struct {
	Base
	LeagueID     string `gorm:"uniqueIndex;not null"`
	Status       string `gorm:"not null;default:'INIT'"`
	GameType     string `gorm:"not null;default:'tictactoe'"`
	CurrentRound int    `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Referee is the persistent record of a registered referee.
type Referee struct {
	Base
	LeagueID     string `gorm:"not null;uniqueIndex:idx_referees_league_agent,priority:1"`
	AgentID      string `gorm:"not null;uniqueIndex:idx_referees_league_agent,priority:2"`
	Status       string `gorm:"not null;default:'REGISTERED'"`
	Endpoint     string `gorm:"not null"`
	RegisteredAt time.Time
	AuthFailures int `gorm:"not null;default:0"`
}

// Player is the persistent record of a registered player.
type Player struct {
	Base
	LeagueID     string `gorm:"not null;uniqueIndex:idx_players_league_agent,priority:1"`
	AgentID      string `gorm:"not null;uniqueIndex:idx_players_league_agent,priority:2"`
	Status       string `gorm:"not null;default:'REGISTERED'"`
	Endpoint     string `gorm:"not null"`
	RegisteredAt time.Time
	AuthFailures int `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Tokens
// -----------------------------------------------------------------------------

// Token is a live auth token binding. The raw token (a signed JWT) is never
// stored — only its SHA-256 hash, mirroring how refresh tokens are usually
// kept at rest. At most one live (revoked_at IS NULL) token exists per
// (league, kind, agent); issuance revokes the predecessor in the same
// transaction.
type Token struct {
	Base
	LeagueID       string `gorm:"not null;index"`
	Kind           string `gorm:"not null"` // "referee" or "player"
	AgentID        string `gorm:"not null;index"`
	TokenHash      string `gorm:"not null;uniqueIndex"`
	ConversationID string `gorm:"not null"` // registration conversation, for idempotent retries
	RevokedAt      *time.Time
}

// -----------------------------------------------------------------------------
// Schedule
// -----------------------------------------------------------------------------

// Round is one parallel batch of matches. RoundID is the 1-based index.
type Round struct {
	Base
	LeagueID string `gorm:"not null;uniqueIndex:idx_rounds_league_round,priority:1"`
	RoundID  int    `gorm:"not null;uniqueIndex:idx_rounds_league_round,priority:2"`
	Status   string `gorm:"not null;default:'PENDING'"` // PENDING | ANNOUNCED | COMPLETED
}

// Match is one game between two players. PlayerA sorts lexicographically
// below PlayerB — the scheduler's fixed home/away rule — which lets the
// unique index enforce unordered-pair uniqueness directly.
type Match struct {
	Base
	MatchID   string `gorm:"uniqueIndex;not null"`
	LeagueID  string `gorm:"not null;index;uniqueIndex:idx_matches_pair,priority:1"`
	RoundID   int    `gorm:"not null;index"`
	PlayerA   string `gorm:"not null;uniqueIndex:idx_matches_pair,priority:2"`
	PlayerB   string `gorm:"not null;uniqueIndex:idx_matches_pair,priority:3"`
	GameType  string `gorm:"not null"`
	RefereeID string `gorm:"not null;default:''"` // empty until assigned
	Status    string `gorm:"not null;default:'PENDING'"`
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Result is the single accepted outcome of a match. ReportJSON keeps the
// exact accepted payload so idempotent re-submissions can be compared
// byte-for-byte against it.
type Result struct {
	Base
	MatchID      string `gorm:"uniqueIndex;not null"`
	LeagueID     string `gorm:"not null;index"`
	RoundID      int    `gorm:"not null"`
	RefereeID    string `gorm:"not null"`
	Status       string `gorm:"not null"` // COMPLETED | FORFEITED | ERRORED
	PlayerA      string `gorm:"not null"`
	PlayerB      string `gorm:"not null"`
	OutcomeA     string `gorm:"not null"`
	OutcomeB     string `gorm:"not null"`
	PointsA      int    `gorm:"not null"`
	PointsB      int    `gorm:"not null"`
	GameMetadata string `gorm:"type:text;default:'{}'"`
	ReportJSON   string `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Standings
// -----------------------------------------------------------------------------

// StandingsEntry is one row of a published standings snapshot. Snapshots are
// versioned by a per-league monotonic sequence; a full snapshot (one row per
// player) is written atomically after every accepted result and never
// mutated afterwards.
type StandingsEntry struct {
	Base
	LeagueID  string `gorm:"not null;uniqueIndex:idx_standings_row,priority:1"`
	Seq       int    `gorm:"not null;uniqueIndex:idx_standings_row,priority:2;index"`
	RoundID   int    `gorm:"not null"`
	Rank      int    `gorm:"not null"`
	PlayerID  string `gorm:"not null;uniqueIndex:idx_standings_row,priority:3"`
	Points    int    `gorm:"not null"`
	Wins      int    `gorm:"not null"`
	Losses    int    `gorm:"not null"`
	Draws     int    `gorm:"not null"`
	PointDiff int    `gorm:"not null"`
}

// TableName maps StandingsEntry to the standings_snapshots table.
func (StandingsEntry) TableName() string { return "standings_snapshots" }
