package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the league.v2 wrapper carried inside the params of every
// JSON-RPC request and inside every result. Timestamp stays a string on the
// wire so the validator can enforce the UTC-suffix rule ("Z" or "+00:00")
// that time.Parse alone would not catch.
type Envelope struct {
	Protocol       string      `json:"protocol"`
	MessageType    MessageType `json:"message_type"`
	Sender         string      `json:"sender"`
	Timestamp      string      `json:"timestamp"`
	ConversationID string      `json:"conversation_id"`
	MessageSeq     int         `json:"message_seq"`

	// Contextual fields — required only for the message types that declare
	// them, always serialized when present.
	AuthToken string `json:"auth_token,omitempty"`
	LeagueID  string `json:"league_id,omitempty"`
	RoundID   int    `json:"round_id,omitempty"`
	MatchID   string `json:"match_id,omitempty"`
	GameType  string `json:"game_type,omitempty"`
}

// Sender identifies the originating agent of an envelope after parsing.
// Kind is empty and Manager is true for the league manager.
type Sender struct {
	Manager bool
	Kind    AgentKind
	AgentID string
}

// String renders the sender back to its wire form.
func (s Sender) String() string {
	if s.Manager {
		return ManagerSender
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.AgentID)
}

// ParseSender parses the envelope sender field. Accepted forms:
//
//	league_manager
//	referee:<id>
//	player:<id>
func ParseSender(raw string) (Sender, error) {
	if raw == ManagerSender {
		return Sender{Manager: true}, nil
	}

	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return Sender{}, fmt.Errorf("protocol: malformed sender %q", raw)
	}

	switch AgentKind(kind) {
	case KindReferee, KindPlayer:
		return Sender{Kind: AgentKind(kind), AgentID: id}, nil
	default:
		return Sender{}, fmt.Errorf("protocol: unknown sender kind %q", kind)
	}
}

// ParseTimestamp parses an envelope timestamp. The value must be RFC 3339
// and explicitly UTC — either the "Z" suffix or a "+00:00" offset. Any other
// offset is rejected even if it denotes the same instant, so that every
// audit record reads in one time scale.
func ParseTimestamp(raw string) (time.Time, error) {
	if !strings.HasSuffix(raw, "Z") && !strings.HasSuffix(raw, "+00:00") {
		return time.Time{}, fmt.Errorf("protocol: timestamp %q is not explicit UTC", raw)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("protocol: unparseable timestamp %q: %w", raw, err)
	}
	return ts.UTC(), nil
}

// FormatTimestamp renders t in the canonical wire form (UTC, "Z" suffix).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewEnvelope builds an outbound envelope with a fresh conversation ID and
// message_seq 1. Contextual fields are filled in by the caller.
func NewEnvelope(msgType MessageType, sender Sender, now time.Time) Envelope {
	return Envelope{
		Protocol:       Version,
		MessageType:    msgType,
		Sender:         sender.String(),
		Timestamp:      FormatTimestamp(now),
		ConversationID: uuid.NewString(),
		MessageSeq:     1,
	}
}

// Reply builds a response envelope within the same conversation: same
// conversation_id, incremented message_seq. All contextual identifiers carry
// over, so a same-type acknowledgement stays valid for its message type.
func (e Envelope) Reply(msgType MessageType, sender Sender, now time.Time) Envelope {
	return Envelope{
		Protocol:       Version,
		MessageType:    msgType,
		Sender:         sender.String(),
		Timestamp:      FormatTimestamp(now),
		ConversationID: e.ConversationID,
		MessageSeq:     e.MessageSeq + 1,
		LeagueID:       e.LeagueID,
		RoundID:        e.RoundID,
		MatchID:        e.MatchID,
		GameType:       e.GameType,
	}
}
