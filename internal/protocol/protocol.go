// Package protocol defines the league.v2 wire types shared by all three
// services: the message envelope, the message type enumeration, the
// league-level error codes, and the envelope validation rules. It carries no
// business state — the manager, referee, and player packages build on it.
package protocol

// Version is the protocol identifier every envelope must carry.
const Version = "league.v2"

// ManagerSender is the fixed sender string used by the League Manager.
// Referees and players use "<kind>:<agent_id>".
const ManagerSender = "league_manager"

// MessageType identifies the kind of protocol message carried by an envelope.
type MessageType string

const (
	MsgRegisterReferee      MessageType = "REGISTER_REFEREE"
	MsgRegisterPlayer       MessageType = "REGISTER_PLAYER"
	MsgRegistrationResponse MessageType = "REGISTRATION_RESPONSE"
	MsgLeagueAdvance        MessageType = "LEAGUE_ADVANCE"
	MsgRoundAnnounce        MessageType = "ROUND_ANNOUNCE"
	MsgMatchAssign          MessageType = "MATCH_ASSIGN"
	MsgGameInvite           MessageType = "GAME_INVITE"
	MsgInviteAccept         MessageType = "INVITE_ACCEPT"
	MsgInviteDecline        MessageType = "INVITE_DECLINE"
	MsgMoveRequest          MessageType = "MOVE_REQUEST"
	MsgMoveResponse         MessageType = "MOVE_RESPONSE"
	MsgGameOver             MessageType = "GAME_OVER"
	MsgResultReport         MessageType = "RESULT_REPORT"
	MsgResultAck            MessageType = "RESULT_ACK"
	MsgQueryStandings       MessageType = "QUERY_STANDINGS"
	MsgStandingsResponse    MessageType = "STANDINGS_RESPONSE"
	MsgError                MessageType = "ERROR"
)

// messageTypes is the set of valid envelope message types, used during
// envelope shape validation.
var messageTypes = map[MessageType]struct{}{
	MsgRegisterReferee:      {},
	MsgRegisterPlayer:       {},
	MsgRegistrationResponse: {},
	MsgLeagueAdvance:        {},
	MsgRoundAnnounce:        {},
	MsgMatchAssign:          {},
	MsgGameInvite:           {},
	MsgInviteAccept:         {},
	MsgInviteDecline:        {},
	MsgMoveRequest:          {},
	MsgMoveResponse:         {},
	MsgGameOver:             {},
	MsgResultReport:         {},
	MsgResultAck:            {},
	MsgQueryStandings:       {},
	MsgStandingsResponse:    {},
	MsgError:                {},
}

// Valid reports whether t is one of the enumerated message types.
func (t MessageType) Valid() bool {
	_, ok := messageTypes[t]
	return ok
}

// AgentKind distinguishes the two registerable agent roles.
// The manager is not an AgentKind — it never registers with anyone.
type AgentKind string

const (
	KindReferee AgentKind = "referee"
	KindPlayer  AgentKind = "player"
)

// registrationTypes are the only message types that may arrive without an
// auth token: the agent does not hold one yet.
var registrationTypes = map[MessageType]struct{}{
	MsgRegisterReferee: {},
	MsgRegisterPlayer:  {},
}

// RequiresAuth reports whether an inbound message of type t must carry a
// live auth token.
func (t MessageType) RequiresAuth() bool {
	_, exempt := registrationTypes[t]
	return !exempt
}

// matchScopedTypes must carry round_id and match_id.
var matchScopedTypes = map[MessageType]struct{}{
	MsgMatchAssign:   {},
	MsgGameInvite:    {},
	MsgInviteAccept:  {},
	MsgInviteDecline: {},
	MsgMoveRequest:   {},
	MsgMoveResponse:  {},
	MsgGameOver:      {},
	MsgResultReport:  {},
	MsgResultAck:     {},
}

// MatchScoped reports whether envelopes of type t must carry round_id and
// match_id.
func (t MessageType) MatchScoped() bool {
	_, ok := matchScopedTypes[t]
	return ok
}

// gameTypedTypes must carry game_type: assignment and invitation, where the
// receiver has to pick the right game adapter.
var gameTypedTypes = map[MessageType]struct{}{
	MsgMatchAssign: {},
	MsgGameInvite:  {},
}

// RequiresGameType reports whether envelopes of type t must carry game_type.
func (t MessageType) RequiresGameType() bool {
	_, ok := gameTypedTypes[t]
	return ok
}

// RequiresLeague reports whether envelopes of type t must carry league_id.
// Only the initial registration messages are exempt — the agent learns the
// league ID from the registration response.
func (t MessageType) RequiresLeague() bool {
	_, exempt := registrationTypes[t]
	return !exempt
}
