package manager

import "time"

// Config holds the league-level knobs of the manager service. Defaults match
// the flag defaults in cmd/manager.
type Config struct {
	LeagueID string
	GameType string

	// AuthEnabled disables token checks when false. Test configurations only.
	AuthEnabled bool
	// AdminToken authorizes LEAGUE_ADVANCE. Empty disables the operation.
	AdminToken string

	// Registration gates. TargetPlayers of zero means registration closes
	// only by deadline or LEAGUE_ADVANCE.
	TargetPlayers        int
	MinPlayers           int
	MinReferees          int
	RegistrationDeadline time.Time // zero value: no deadline

	ClockSkewSeconds         int
	ErroredCooldown          time.Duration
	SuspendAfterAuthFailures int
}

// DefaultConfig returns the standing defaults used by cmd/manager and tests.
func DefaultConfig() Config {
	return Config{
		GameType:                 "tictactoe",
		AuthEnabled:              true,
		MinPlayers:               2,
		MinReferees:              1,
		ClockSkewSeconds:         120,
		ErroredCooldown:          30 * time.Second,
		SuspendAfterAuthFailures: 5,
	}
}

// Agent lifecycle statuses shared by referees and players.
const (
	AgentRegistered = "REGISTERED"
	AgentActive     = "ACTIVE"
	AgentSuspended  = "SUSPENDED"
	AgentErrored    = "ERRORED"
)

// League lifecycle statuses.
const (
	LeagueInit         = "INIT"
	LeagueRegistration = "REGISTRATION"
	LeagueScheduling   = "SCHEDULING"
	LeagueActive       = "ACTIVE"
	LeagueCompleted    = "COMPLETED"
	LeagueAborted      = "ABORTED"
)

// Match statuses as persisted.
const (
	MatchPending    = "PENDING"
	MatchAssigned   = "ASSIGNED"
	MatchInProgress = "IN_PROGRESS"
)

// Round statuses.
const (
	RoundPending   = "PENDING"
	RoundAnnounced = "ANNOUNCED"
	RoundCompleted = "COMPLETED"
)
