package protocol

import (
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// TokenVerifier checks that an auth token is live and bound to the given
// identity. Implemented by the manager's token store; referees and players
// use a signature-only verifier since they hold no token table.
type TokenVerifier interface {
	// VerifyToken returns nil when token is valid, live, and bound to
	// (leagueID, kind, agentID). Returns a *Error with code AUTH_INVALID
	// (or AUTH_REQUIRED for an empty token) otherwise.
	VerifyToken(token, leagueID string, kind AgentKind, agentID string) error
}

// Validator enforces the envelope rules of §league.v2 in fail-fast order:
// shape and enums, timestamp discipline, sender format, then token binding.
// Contextual identifier consistency (does this match belong to this sender)
// is service-specific and checked by the receiving coordinator afterwards.
type Validator struct {
	clock       clockwork.Clock
	skew        int // seconds of tolerated clock skew, ±
	authEnabled bool
	tokens      TokenVerifier
}

// NewValidator builds a Validator. tokens may be nil only when authEnabled
// is false (test configurations).
func NewValidator(clock clockwork.Clock, skewSeconds int, authEnabled bool, tokens TokenVerifier) *Validator {
	return &Validator{
		clock:       clock,
		skew:        skewSeconds,
		authEnabled: authEnabled,
		tokens:      tokens,
	}
}

// Validate runs the envelope checks and returns the parsed sender.
// The first failing rule wins; the returned error is always a *Error.
func (v *Validator) Validate(env Envelope) (Sender, *Error) {
	// --- Shape and enumerated values ---
	if env.Protocol != Version {
		return Sender{}, FieldError("protocol", "protocol must be "+Version)
	}
	if !env.MessageType.Valid() {
		return Sender{}, FieldError("message_type", "unknown message type "+string(env.MessageType))
	}
	if env.ConversationID == "" {
		return Sender{}, FieldError("conversation_id", "conversation_id is required")
	}
	if _, err := uuid.Parse(env.ConversationID); err != nil {
		return Sender{}, FieldError("conversation_id", "conversation_id must be a UUID")
	}
	if env.MessageSeq < 1 {
		return Sender{}, FieldError("message_seq", "message_seq must be >= 1")
	}

	// --- Timestamp ---
	ts, err := ParseTimestamp(env.Timestamp)
	if err != nil {
		return Sender{}, FieldError("timestamp", "timestamp must be ISO-8601 UTC")
	}
	if v.skew > 0 {
		drift := v.clock.Now().UTC().Sub(ts)
		if drift < 0 {
			drift = -drift
		}
		if int(drift.Seconds()) > v.skew {
			return Sender{}, FieldError("timestamp", "timestamp outside allowed clock skew")
		}
	}

	// --- Sender ---
	sender, serr := ParseSender(env.Sender)
	if serr != nil {
		return Sender{}, FieldError("sender", "malformed sender")
	}

	// --- Contextual field presence ---
	if env.MessageType.RequiresLeague() && env.LeagueID == "" {
		return Sender{}, FieldError("league_id", "league_id is required for "+string(env.MessageType))
	}
	if env.MessageType.MatchScoped() {
		if env.RoundID < 1 {
			return Sender{}, FieldError("round_id", "round_id is required for "+string(env.MessageType))
		}
		if env.MatchID == "" {
			return Sender{}, FieldError("match_id", "match_id is required for "+string(env.MessageType))
		}
	}
	if env.MessageType.RequiresGameType() && env.GameType == "" {
		return Sender{}, FieldError("game_type", "game_type is required for "+string(env.MessageType))
	}

	// --- Token binding ---
	if v.authEnabled && env.MessageType.RequiresAuth() && !sender.Manager {
		if env.AuthToken == "" {
			return sender, Errorf(ErrAuthRequired, "auth_token is required for %s", env.MessageType)
		}
		if err := v.tokens.VerifyToken(env.AuthToken, env.LeagueID, sender.Kind, sender.AgentID); err != nil {
			if perr, ok := err.(*Error); ok {
				return sender, perr
			}
			return sender, Errorf(ErrAuthInvalid, "auth token rejected")
		}
	}

	return sender, nil
}
