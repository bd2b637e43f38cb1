// Package repositories provides the data-access layer over the league
// database. Each entity gets an interface and a GORM-backed implementation;
// the Store bundle groups them and exposes transactional composition for the
// multi-row writes (registration, schedule generation, result acceptance,
// standings publication).
package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/openbracket/openbracket/internal/db"
)

// -----------------------------------------------------------------------------
// LeagueRepository
// -----------------------------------------------------------------------------

type LeagueRepository interface {
	Create(ctx context.Context, league *db.League) error
	Get(ctx context.Context, leagueID string) (*db.League, error)

	// GetCurrent returns the most recently created league. A manager process
	// owns exactly one active league; restart recovery loads it through this.
	GetCurrent(ctx context.Context) (*db.League, error)

	UpdateStatus(ctx context.Context, leagueID, status string) error
	UpdateCurrentRound(ctx context.Context, leagueID string, round int) error
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	CreateReferee(ctx context.Context, referee *db.Referee) error
	CreatePlayer(ctx context.Context, player *db.Player) error
	GetReferee(ctx context.Context, leagueID, agentID string) (*db.Referee, error)
	GetPlayer(ctx context.Context, leagueID, agentID string) (*db.Player, error)
	ListReferees(ctx context.Context, leagueID string) ([]db.Referee, error)
	ListPlayers(ctx context.Context, leagueID string) ([]db.Player, error)
	UpdateRefereeStatus(ctx context.Context, leagueID, agentID, status string) error
	UpdatePlayerStatus(ctx context.Context, leagueID, agentID, status string) error

	// IncrementAuthFailures bumps the consecutive auth failure counter for
	// the agent and returns the new value. Reset by ResetAuthFailures on any
	// successfully authenticated message.
	IncrementAuthFailures(ctx context.Context, kind, leagueID, agentID string) (int, error)
	ResetAuthFailures(ctx context.Context, kind, leagueID, agentID string) error
}

// -----------------------------------------------------------------------------
// TokenRepository
// -----------------------------------------------------------------------------

type TokenRepository interface {
	Create(ctx context.Context, token *db.Token) error
	GetByHash(ctx context.Context, hash string) (*db.Token, error)

	// GetLiveForAgent returns the single unrevoked token bound to the agent,
	// or ErrNotFound.
	GetLiveForAgent(ctx context.Context, leagueID, kind, agentID string) (*db.Token, error)

	RevokeForAgent(ctx context.Context, leagueID, kind, agentID string) error
	RevokeAll(ctx context.Context, leagueID string) error
	ListLive(ctx context.Context, leagueID string) ([]db.Token, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	CreateRound(ctx context.Context, round *db.Round) error
	CreateMatch(ctx context.Context, match *db.Match) error
	ListRounds(ctx context.Context, leagueID string) ([]db.Round, error)
	ListMatches(ctx context.Context, leagueID string) ([]db.Match, error)
	ListMatchesByRound(ctx context.Context, leagueID string, roundID int) ([]db.Match, error)
	GetMatch(ctx context.Context, matchID string) (*db.Match, error)

	// AssignMatch records the referee and flips the match to ASSIGNED.
	AssignMatch(ctx context.Context, matchID, refereeID string) error

	UpdateMatchStatus(ctx context.Context, matchID, status string) error
	UpdateRoundStatus(ctx context.Context, leagueID string, roundID int, status string) error
}

// -----------------------------------------------------------------------------
// ResultRepository
// -----------------------------------------------------------------------------

type ResultRepository interface {
	Create(ctx context.Context, result *db.Result) error
	GetByMatch(ctx context.Context, matchID string) (*db.Result, error)
	List(ctx context.Context, leagueID string) ([]db.Result, error)
}

// -----------------------------------------------------------------------------
// StandingsRepository
// -----------------------------------------------------------------------------

type StandingsRepository interface {
	// CreateEntries inserts one full snapshot (all rows share the same seq).
	CreateEntries(ctx context.Context, entries []db.StandingsEntry) error

	// LatestSeq returns the highest published snapshot sequence for the
	// league, or 0 when nothing has been published yet.
	LatestSeq(ctx context.Context, leagueID string) (int, error)

	GetSnapshot(ctx context.Context, leagueID string, seq int) ([]db.StandingsEntry, error)
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store bundles all repositories over one *gorm.DB handle.
type Store struct {
	db *gorm.DB

	Leagues   LeagueRepository
	Agents    AgentRepository
	Tokens    TokenRepository
	Schedule  ScheduleRepository
	Results   ResultRepository
	Standings StandingsRepository
}

// NewStore builds a Store over the given database handle.
func NewStore(database *gorm.DB) *Store {
	return &Store{
		db:        database,
		Leagues:   &gormLeagueRepository{db: database},
		Agents:    &gormAgentRepository{db: database},
		Tokens:    &gormTokenRepository{db: database},
		Schedule:  &gormScheduleRepository{db: database},
		Results:   &gormResultRepository{db: database},
		Standings: &gormStandingsRepository{db: database},
	}
}

// Transaction runs fn inside a single database transaction. fn receives a
// Store whose repositories all write through the transaction handle; any
// error rolls the whole unit back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(txDB *gorm.DB) error {
		return fn(NewStore(txDB))
	})
}
