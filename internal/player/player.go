// Package player implements the Player service: an identity, a pluggable
// move strategy, and handlers for the match traffic a referee sends it. A
// player holds no league state beyond its own registration.
package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/audit"
	"github.com/openbracket/openbracket/internal/client"
	"github.com/openbracket/openbracket/internal/protocol"
)

// Strategy chooses a move given an opaque game snapshot. Implementations
// must return within the deadline carried by ctx or the player forfeits.
type Strategy interface {
	ChooseMove(ctx context.Context, snapshot json.RawMessage) (json.RawMessage, error)
}

// Registration backoff, matching the referee's.
const (
	regBackoffInitial = 1 * time.Second
	regBackoffMax     = 30 * time.Second
	regBackoffFactor  = 2.0
	regJitterFraction = 0.2
)

// Config holds the player's identity.
type Config struct {
	AgentID    string
	Endpoint   string // advertised URL of this player's /mcp
	ManagerURL string
}

// Service is the player runtime.
type Service struct {
	cfg      Config
	strategy Strategy
	client   *client.Client
	audit    *audit.Log
	clock    clockwork.Clock
	logger   *zap.Logger

	leagueID  string
	authToken string
}

// NewService builds a player around a strategy.
func NewService(cfg Config, strategy Strategy, rpc *client.Client, auditLog *audit.Log, clock clockwork.Clock, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		strategy: strategy,
		client:   rpc,
		audit:    auditLog,
		clock:    clock,
		logger:   logger.Named("player"),
	}
}

func (s *Service) sender() protocol.Sender {
	return protocol.Sender{Kind: protocol.KindPlayer, AgentID: s.cfg.AgentID}
}

// auditOut logs one outbound protocol message.
func (s *Service) auditOut(env protocol.Envelope, payload any, to string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal payload for audit", zap.Error(err))
		raw = nil
	}
	s.audit.Append(audit.Record{
		Direction: audit.Out,
		From:      env.Sender,
		To:        to,
		Envelope:  env,
		Payload:   raw,
		Outcome:   audit.OutcomeAccepted,
	})
}

// auditIn logs one received protocol message with its validation outcome.
func (s *Service) auditIn(env protocol.Envelope, payload json.RawMessage, outcome string) {
	s.audit.Append(audit.Record{
		Direction: audit.In,
		From:      env.Sender,
		To:        s.sender().String(),
		Envelope:  env,
		Payload:   payload,
		Outcome:   outcome,
	})
}

// Register announces the player to the manager, retrying with backoff while
// the registration window is not open yet (players queue behind the first
// referee).
func (s *Service) Register(ctx context.Context) error {
	env := protocol.NewEnvelope(protocol.MsgRegisterPlayer, s.sender(), s.clock.Now())
	payload := protocol.RegisterPayload{AgentID: s.cfg.AgentID, Endpoint: s.cfg.Endpoint}

	backoff := regBackoffInitial
	for {
		env.Timestamp = protocol.FormatTimestamp(s.clock.Now())
		s.auditOut(env, payload, protocol.ManagerSender)

		reply, err := s.client.Call(ctx, s.cfg.ManagerURL, env, payload)
		if err == nil {
			var resp protocol.RegistrationResponsePayload
			if err := json.Unmarshal(reply.Payload, &resp); err != nil {
				return fmt.Errorf("player: undecodable registration response: %w", err)
			}
			s.leagueID = resp.LeagueID
			s.authToken = resp.AuthToken
			s.logger.Info("registered with manager",
				zap.String("league_id", resp.LeagueID),
				zap.String("agent_id", s.cfg.AgentID))
			return nil
		}

		retryable := true
		var perr *protocol.Error
		if errors.As(err, &perr) {
			// Waiting can cure a closed window or a missing referee, but
			// not a duplicate ID or a malformed payload.
			retryable = perr.Code == protocol.ErrRegistrationClosed ||
				perr.Code == protocol.ErrPrecondition
		}
		if !retryable {
			return fmt.Errorf("player: registration rejected: %w", err)
		}
		s.logger.Warn("registration attempt failed, retrying",
			zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("player: registration abandoned: %w", ctx.Err())
		case <-time.After(jittered(backoff)):
		}
		backoff = time.Duration(float64(backoff) * regBackoffFactor)
		if backoff > regBackoffMax {
			backoff = regBackoffMax
		}
	}
}

func jittered(d time.Duration) time.Duration {
	delta := float64(d) * regJitterFraction
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

// QueryStandings asks the manager for the latest published table.
func (s *Service) QueryStandings(ctx context.Context) (*protocol.StandingsResponsePayload, error) {
	env := protocol.NewEnvelope(protocol.MsgQueryStandings, s.sender(), s.clock.Now())
	env.LeagueID = s.leagueID
	env.AuthToken = s.authToken
	s.auditOut(env, struct{}{}, protocol.ManagerSender)

	reply, err := s.client.Call(ctx, s.cfg.ManagerURL, env, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("player: query standings: %w", err)
	}
	var resp protocol.StandingsResponsePayload
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return nil, fmt.Errorf("player: undecodable standings response: %w", err)
	}
	return &resp, nil
}

// Handler is the player's inbound protocol surface.
type Handler struct {
	validator *protocol.Validator
	service   *Service
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewHandler builds the player's message handler.
func NewHandler(validator *protocol.Validator, service *Service, clock clockwork.Clock, logger *zap.Logger) *Handler {
	return &Handler{
		validator: validator,
		service:   service,
		clock:     clock,
		logger:    logger.Named("handler"),
	}
}

// Handle implements api.MessageHandler: GAME_INVITE is accepted, MOVE_REQUEST
// goes through the strategy, GAME_OVER and ROUND_ANNOUNCE are acknowledged.
func (h *Handler) Handle(ctx context.Context, env protocol.Envelope, payload json.RawMessage) (protocol.Envelope, any, *protocol.Error) {
	if _, verr := h.validator.Validate(env); verr != nil {
		h.service.auditIn(env, payload, audit.Rejected(verr))
		return protocol.Envelope{}, nil, verr
	}
	h.service.auditIn(env, payload, audit.OutcomeAccepted)

	switch env.MessageType {
	case protocol.MsgGameInvite:
		var invite protocol.GameInvitePayload
		if err := json.Unmarshal(payload, &invite); err != nil {
			return protocol.Envelope{}, nil, protocol.FieldError("payload", "malformed invite payload")
		}
		h.logger.Info("accepting game invite",
			zap.String("match_id", invite.MatchID),
			zap.String("opponent", invite.Opponent),
			zap.String("mark", invite.YourMark))
		reply := env.Reply(protocol.MsgInviteAccept, h.service.sender(), h.clock.Now())
		accept := protocol.InviteReplyPayload{AgentID: h.service.cfg.AgentID}
		h.service.auditOut(reply, accept, env.Sender)
		return reply, accept, nil

	case protocol.MsgMoveRequest:
		return h.handleMoveRequest(ctx, env, payload)

	case protocol.MsgGameOver:
		var over protocol.GameOverPayload
		if err := json.Unmarshal(payload, &over); err == nil && over.Result != nil {
			h.logger.Info("game over",
				zap.String("match_id", over.MatchID),
				zap.String("status", over.Result.Status))
		}
		return h.ack(env)

	case protocol.MsgRoundAnnounce:
		return h.ack(env)

	default:
		return protocol.Envelope{}, nil, protocol.Errorf(protocol.ErrPrecondition,
			"player does not accept %s", env.MessageType)
	}
}

func (h *Handler) handleMoveRequest(ctx context.Context, env protocol.Envelope, payload json.RawMessage) (protocol.Envelope, any, *protocol.Error) {
	var req protocol.MoveRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return protocol.Envelope{}, nil, protocol.FieldError("payload", "malformed move request")
	}

	// Honor the referee's deadline locally so a slow strategy fails here
	// instead of holding the connection past the forfeit point.
	moveCtx := ctx
	if deadline, err := protocol.ParseTimestamp(req.Deadline); err == nil {
		var cancel context.CancelFunc
		moveCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	move, err := h.service.strategy.ChooseMove(moveCtx, req.Snapshot)
	if err != nil {
		h.logger.Error("strategy failed", zap.String("match_id", req.MatchID), zap.Error(err))
		return protocol.Envelope{}, nil, protocol.Errorf(protocol.ErrInternal, "strategy failed to produce a move")
	}

	reply := env.Reply(protocol.MsgMoveResponse, h.service.sender(), h.clock.Now())
	resp := protocol.MoveResponsePayload{AgentID: h.service.cfg.AgentID, Move: move}
	h.service.auditOut(reply, resp, env.Sender)
	return reply, resp, nil
}

func (h *Handler) ack(env protocol.Envelope) (protocol.Envelope, any, *protocol.Error) {
	reply := env.Reply(env.MessageType, h.service.sender(), h.clock.Now())
	payload := protocol.AckPayload{AgentID: h.service.cfg.AgentID}
	h.service.auditOut(reply, payload, env.Sender)
	return reply, payload, nil
}

// ErrorReply implements api.MessageHandler.
func (h *Handler) ErrorReply(env protocol.Envelope) protocol.Envelope {
	return env.Reply(protocol.MsgError, h.service.sender(), h.clock.Now())
}
