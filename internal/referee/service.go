package referee

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

// Registration backoff. Jitter spreads retries when a fleet of agents starts
// before the manager does.
const (
	regBackoffInitial = 1 * time.Second
	regBackoffMax     = 30 * time.Second
	regBackoffFactor  = 2.0
	regJitterFraction = 0.2
)

// Service ties the executor to its manager: registration on startup, then
// the inbound message dispatch.
type Service struct {
	cfg      Config
	executor *Executor
	client   *client.Client
	clock    clockwork.Clock
	logger   *zap.Logger
}

// NewService builds the referee service around an executor.
func NewService(cfg Config, executor *Executor, rpc *client.Client, clock clockwork.Clock, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		executor: executor,
		client:   rpc,
		clock:    clock,
		logger:   logger.Named("referee"),
	}
}

// Register announces the referee to the manager, retrying with backoff until
// the registration window opens or ctx ends. On success the executor learns
// its league and token, and any interrupted match from a previous process is
// reported.
func (s *Service) Register(ctx context.Context) error {
	env := protocol.NewEnvelope(protocol.MsgRegisterReferee, s.executor.sender(), s.clock.Now())
	payload := protocol.RegisterPayload{AgentID: s.cfg.AgentID, Endpoint: s.cfg.Endpoint}

	backoff := regBackoffInitial
	for {
		// Fresh timestamp per attempt; the conversation stays the same so
		// the manager treats retries idempotently.
		env.Timestamp = protocol.FormatTimestamp(s.clock.Now())
		s.executor.auditOut(env, payload, protocol.ManagerSender)

		reply, err := s.client.Call(ctx, s.cfg.ManagerURL, env, payload)
		if err == nil {
			var resp protocol.RegistrationResponsePayload
			if err := json.Unmarshal(reply.Payload, &resp); err != nil {
				return fmt.Errorf("referee: undecodable registration response: %w", err)
			}
			s.executor.SetIdentity(resp.LeagueID, resp.AuthToken)
			s.logger.Info("registered with manager",
				zap.String("league_id", resp.LeagueID),
				zap.String("agent_id", s.cfg.AgentID))

			if err := s.executor.RecoverInterrupted(); err != nil {
				s.logger.Error("failed to report interrupted match", zap.Error(err))
			}
			return nil
		}

		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Code != protocol.ErrRegistrationClosed {
			// A decided rejection (duplicate ID, bad payload) will not
			// resolve by waiting.
			return fmt.Errorf("referee: registration rejected: %w", perr)
		}
		s.logger.Warn("registration attempt failed, retrying",
			zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("referee: registration abandoned: %w", ctx.Err())
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

// Handler is the referee's inbound protocol surface. Token verification is
// the manager's job; the referee checks envelope shape and provenance only.
type Handler struct {
	validator *protocol.Validator
	service   *Service
	clock     clockwork.Clock
}

// NewHandler builds the referee's message handler.
func NewHandler(validator *protocol.Validator, service *Service, clock clockwork.Clock) *Handler {
	return &Handler{validator: validator, service: service, clock: clock}
}

// Handle implements api.MessageHandler. The referee accepts MATCH_ASSIGN and
// ROUND_ANNOUNCE from the manager; everything else belongs to other
// conversations.
func (h *Handler) Handle(ctx context.Context, env protocol.Envelope, payload json.RawMessage) (protocol.Envelope, any, *protocol.Error) {
	sender, verr := h.validator.Validate(env)
	if verr != nil {
		h.service.executor.auditIn(env, payload, audit.Rejected(verr))
		return protocol.Envelope{}, nil, verr
	}
	h.service.executor.auditIn(env, payload, audit.OutcomeAccepted)

	switch env.MessageType {
	case protocol.MsgMatchAssign:
		if !sender.Manager {
			return protocol.Envelope{}, nil, protocol.Errorf(protocol.ErrPrecondition,
				"only the league manager assigns matches")
		}
		var assign protocol.MatchAssignPayload
		if err := json.Unmarshal(payload, &assign); err != nil {
			return protocol.Envelope{}, nil, protocol.FieldError("payload", "malformed assignment payload")
		}
		if assign.MatchID != env.MatchID {
			return protocol.Envelope{}, nil, protocol.FieldError("match_id", "payload match_id does not match envelope")
		}
		if perr := h.service.executor.Assign(env, assign); perr != nil {
			return protocol.Envelope{}, nil, perr
		}
		return h.ack(env)

	case protocol.MsgRoundAnnounce:
		if !sender.Manager {
			return protocol.Envelope{}, nil, protocol.Errorf(protocol.ErrPrecondition,
				"only the league manager announces rounds")
		}
		return h.ack(env)

	default:
		return protocol.Envelope{}, nil, protocol.Errorf(protocol.ErrPrecondition,
			"referee does not accept %s", env.MessageType)
	}
}

// ack echoes the request's message type back with an empty acknowledgement
// payload, staying inside the same conversation.
func (h *Handler) ack(env protocol.Envelope) (protocol.Envelope, any, *protocol.Error) {
	reply := env.Reply(env.MessageType, h.service.executor.sender(), h.clock.Now())
	payload := protocol.AckPayload{AgentID: h.service.cfg.AgentID}
	h.service.executor.auditOut(reply, payload, env.Sender)
	return reply, payload, nil
}

// ErrorReply implements api.MessageHandler.
func (h *Handler) ErrorReply(env protocol.Envelope) protocol.Envelope {
	return env.Reply(protocol.MsgError, h.service.executor.sender(), h.clock.Now())
}
