package manager

import (
	"context"
	"encoding/json"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/audit"
	"github.com/openbracket/openbracket/internal/metrics"
	"github.com/openbracket/openbracket/internal/protocol"
)

// Handler adapts the coordinator to the shared HTTP surface: envelope
// validation, audit logging, and auth-failure accounting happen here; league
// semantics happen on the coordinator loop.
type Handler struct {
	validator *protocol.Validator
	coord     *Coordinator
	audit     *audit.Log
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewHandler builds the manager's protocol handler.
func NewHandler(validator *protocol.Validator, coord *Coordinator, auditLog *audit.Log, m *metrics.Metrics, clock clockwork.Clock, logger *zap.Logger) *Handler {
	return &Handler{
		validator: validator,
		coord:     coord,
		audit:     auditLog,
		metrics:   m,
		clock:     clock,
		logger:    logger.Named("handler"),
	}
}

// Handle implements api.MessageHandler.
func (h *Handler) Handle(ctx context.Context, env protocol.Envelope, payload json.RawMessage) (protocol.Envelope, any, *protocol.Error) {
	sender, verr := h.validator.Validate(env)
	if verr != nil {
		h.record(audit.In, env, payload, audit.Rejected(verr))
		// Both authentication failure modes count toward suspension: a
		// missing token hammered at the manager is as hostile as a bad one.
		if verr.Code == protocol.ErrAuthInvalid || verr.Code == protocol.ErrAuthRequired {
			h.coord.NoteAuthFailure(ctx, sender)
		}
		return protocol.Envelope{}, nil, verr
	}
	if env.MessageType.RequiresAuth() && !sender.Manager {
		h.coord.NoteAuthSuccess(ctx, sender)
	}

	replyEnv, replyPayload, perr := h.coord.Submit(ctx, env, sender, payload)
	if perr != nil {
		h.record(audit.In, env, payload, audit.Rejected(perr))
		return protocol.Envelope{}, nil, perr
	}

	h.record(audit.In, env, payload, audit.OutcomeAccepted)
	h.recordReply(replyEnv, replyPayload)
	return replyEnv, replyPayload, nil
}

// ErrorReply implements api.MessageHandler: the envelope wrapping a rejected
// request's error payload.
func (h *Handler) ErrorReply(env protocol.Envelope) protocol.Envelope {
	reply := env.Reply(protocol.MsgError, protocol.Sender{Manager: true}, h.clock.Now())
	h.record(audit.Out, reply, nil, audit.OutcomeAccepted)
	return reply
}

func (h *Handler) record(dir audit.Direction, env protocol.Envelope, payload json.RawMessage, outcome string) {
	from, to := env.Sender, protocol.ManagerSender
	if dir == audit.Out {
		from, to = protocol.ManagerSender, ""
	}
	h.audit.Append(audit.Record{
		Direction: dir,
		From:      from,
		To:        to,
		Envelope:  env,
		Payload:   payload,
		Outcome:   outcome,
	})
	h.metrics.AuditRecordsTotal.Inc()
}

func (h *Handler) recordReply(env protocol.Envelope, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to marshal reply for audit", zap.Error(err))
		raw = nil
	}
	h.record(audit.Out, env, raw, audit.OutcomeAccepted)
}
