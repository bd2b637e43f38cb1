// Package manager implements the League Manager: registration, schedule
// generation, match assignment, result acceptance, and standings publication
// for a single league.
//
// All league state is owned by one coordinator goroutine fed by a bounded
// command channel. HTTP handlers enqueue a command with a reply channel and
// wait on it with the request context; nothing outside the loop mutates
// state, so the ordering guarantees (one accepted result per match, monotonic
// standings sequences) fall out of the structure instead of locks.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/audit"
	"github.com/openbracket/openbracket/internal/client"
	"github.com/openbracket/openbracket/internal/db"
	"github.com/openbracket/openbracket/internal/events"
	"github.com/openbracket/openbracket/internal/game"
	"github.com/openbracket/openbracket/internal/metrics"
	"github.com/openbracket/openbracket/internal/protocol"
	"github.com/openbracket/openbracket/internal/repositories"
	"github.com/openbracket/openbracket/internal/token"
)

// commandQueueSize bounds the coordinator inbox. Senders block (with their
// request context) when the league is saturated rather than piling up
// unbounded goroutine state.
const commandQueueSize = 64

// command is one unit of work for the coordinator loop.
type command struct {
	env     protocol.Envelope
	sender  protocol.Sender
	payload json.RawMessage
	reply   chan cmdReply

	// internal, when set, bypasses the protocol path: deadline firings,
	// cooldown expiries, and outbound-call completions enqueue these.
	internal func(ctx context.Context)
}

// cmdReply carries the outcome of a protocol command back to the HTTP layer.
type cmdReply struct {
	env     protocol.Envelope
	payload any
	err     *protocol.Error
}

// refereeState is the in-memory view of one referee.
type refereeState struct {
	agentID  string
	endpoint string
	status   string
	// busyMatch is the match currently assigned, empty when idle.
	busyMatch string
	// cooldownUntil blocks reassignment after an ERRORED match.
	cooldownUntil time.Time
}

// registrationMemo remembers a completed registration so retries within the
// same conversation can be answered with the original token.
type registrationMemo struct {
	conversationID string
	endpoint       string
	rawToken       string
}

// Coordinator owns all state of one league.
type Coordinator struct {
	cfg      Config
	store    *repositories.Store
	tokens   *token.Store
	games    *game.Registry
	client   *client.Client
	audit    *audit.Log
	clock    clockwork.Clock
	logger   *zap.Logger
	hub      *events.Hub
	metrics  *metrics.Metrics
	commands chan command

	// State below is touched only by the Run goroutine.
	league       *db.League
	referees     map[string]*refereeState
	players      map[string]*db.Player
	pendingQueue []string // match IDs of the current round awaiting a referee
	standingsSeq int
	registrations map[string]registrationMemo // keyed by kind:agent_id
}

// New builds a Coordinator. Call Run to start it and Bootstrap beforehand to
// create or reload the league.
func New(
	cfg Config,
	store *repositories.Store,
	tokens *token.Store,
	games *game.Registry,
	rpc *client.Client,
	auditLog *audit.Log,
	clock clockwork.Clock,
	hub *events.Hub,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:           cfg,
		store:         store,
		tokens:        tokens,
		games:         games,
		client:        rpc,
		audit:         auditLog,
		clock:         clock,
		hub:           hub,
		metrics:       m,
		logger:        logger.Named("coordinator"),
		commands:      make(chan command, commandQueueSize),
		referees:      make(map[string]*refereeState),
		players:       make(map[string]*db.Player),
		registrations: make(map[string]registrationMemo),
	}
}

// Run processes commands until ctx is cancelled. Must be called exactly once.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("coordinator running",
		zap.String("league_id", c.cfg.LeagueID),
		zap.String("status", c.league.Status))

	for {
		select {
		case cmd := <-c.commands:
			if cmd.internal != nil {
				cmd.internal(ctx)
				continue
			}
			reply := c.dispatch(ctx, cmd)
			cmd.reply <- reply

		case <-ctx.Done():
			c.logger.Info("coordinator stopping")
			return
		}
	}
}

// Submit enqueues a protocol command and waits for the coordinator's reply.
func (c *Coordinator) Submit(ctx context.Context, env protocol.Envelope, sender protocol.Sender, payload json.RawMessage) (protocol.Envelope, any, *protocol.Error) {
	cmd := command{env: env, sender: sender, payload: payload, reply: make(chan cmdReply, 1)}

	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return protocol.Envelope{}, nil, protocol.Errorf(protocol.ErrTimeout, "league manager is saturated")
	}

	select {
	case reply := <-cmd.reply:
		return reply.env, reply.payload, reply.err
	case <-ctx.Done():
		return protocol.Envelope{}, nil, protocol.Errorf(protocol.ErrTimeout, "league manager did not reply in time")
	}
}

// enqueueInternal hands a closure to the Run goroutine. Used by timers and by
// outbound-call goroutines to get back onto the single-writer loop.
func (c *Coordinator) enqueueInternal(fn func(ctx context.Context)) {
	c.commands <- command{internal: fn}
}

// dispatch routes one protocol message. Only the manager-addressed types are
// accepted here; match execution traffic goes referee <-> player directly.
func (c *Coordinator) dispatch(ctx context.Context, cmd command) cmdReply {
	switch cmd.env.MessageType {
	case protocol.MsgRegisterReferee:
		return c.handleRegister(ctx, cmd, protocol.KindReferee)
	case protocol.MsgRegisterPlayer:
		return c.handleRegister(ctx, cmd, protocol.KindPlayer)
	case protocol.MsgLeagueAdvance:
		return c.handleLeagueAdvance(ctx, cmd)
	case protocol.MsgResultReport:
		return c.handleResultReport(ctx, cmd)
	case protocol.MsgQueryStandings:
		return c.handleQueryStandings(ctx, cmd)
	default:
		return cmdReply{err: protocol.Errorf(protocol.ErrPrecondition,
			"league manager does not accept %s", cmd.env.MessageType)}
	}
}

// reply builds a response envelope in the command's conversation.
func (c *Coordinator) reply(cmd command, msgType protocol.MessageType, payload any) cmdReply {
	env := cmd.env.Reply(msgType, protocol.Sender{Manager: true}, c.clock.Now())
	env.LeagueID = c.cfg.LeagueID
	return cmdReply{env: env, payload: payload}
}

// newOutbound builds a manager-originated envelope for league leagueID.
func (c *Coordinator) newOutbound(msgType protocol.MessageType) protocol.Envelope {
	env := protocol.NewEnvelope(msgType, protocol.Sender{Manager: true}, c.clock.Now())
	env.LeagueID = c.cfg.LeagueID
	return env
}

// auditOut logs one manager-originated protocol message. Append is safe to
// call from the outbound-call goroutines.
func (c *Coordinator) auditOut(env protocol.Envelope, payload any, to string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("failed to marshal payload for audit", zap.Error(err))
		raw = nil
	}
	c.audit.Append(audit.Record{
		Direction: audit.Out,
		From:      protocol.ManagerSender,
		To:        to,
		Envelope:  env,
		Payload:   raw,
		Outcome:   audit.OutcomeAccepted,
	})
	c.metrics.AuditRecordsTotal.Inc()
}

// agentKey builds the registration memo key.
func agentKey(kind protocol.AgentKind, agentID string) string {
	return fmt.Sprintf("%s:%s", kind, agentID)
}

// sortedRefereeIDs returns referee IDs in ascending order for deterministic
// iteration.
func (c *Coordinator) sortedRefereeIDs() []string {
	ids := make([]string, 0, len(c.referees))
	for id := range c.referees {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sortedPlayerIDs returns player IDs in ascending order.
func (c *Coordinator) sortedPlayerIDs() []string {
	ids := make([]string, 0, len(c.players))
	for id := range c.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NoteAuthFailure records one failed token check for the agent and suspends
// it once the configured threshold is crossed. Called from the HTTP handler
// outside the coordinator loop; the database counter is the source of truth.
func (c *Coordinator) NoteAuthFailure(ctx context.Context, sender protocol.Sender) {
	if sender.Manager || sender.AgentID == "" {
		return
	}
	failures, err := c.store.Agents.IncrementAuthFailures(ctx, string(sender.Kind), c.cfg.LeagueID, sender.AgentID)
	if err != nil {
		return // unknown agent, nothing to suspend
	}
	if failures < c.cfg.SuspendAfterAuthFailures {
		return
	}

	c.logger.Warn("suspending agent after repeated auth failures",
		zap.String("kind", string(sender.Kind)),
		zap.String("agent_id", sender.AgentID),
		zap.Int("failures", failures))
	kind := sender.Kind
	agentID := sender.AgentID
	c.enqueueInternal(func(ctx context.Context) {
		c.suspendAgent(ctx, kind, agentID)
	})
}

// NoteAuthSuccess clears the failure counter after a valid token.
func (c *Coordinator) NoteAuthSuccess(ctx context.Context, sender protocol.Sender) {
	if sender.Manager || sender.AgentID == "" {
		return
	}
	_ = c.store.Agents.ResetAuthFailures(ctx, string(sender.Kind), c.cfg.LeagueID, sender.AgentID)
}

func (c *Coordinator) suspendAgent(ctx context.Context, kind protocol.AgentKind, agentID string) {
	var err error
	switch kind {
	case protocol.KindReferee:
		err = c.store.Agents.UpdateRefereeStatus(ctx, c.cfg.LeagueID, agentID, AgentSuspended)
		if ref, ok := c.referees[agentID]; ok {
			ref.status = AgentSuspended
		}
	case protocol.KindPlayer:
		err = c.store.Agents.UpdatePlayerStatus(ctx, c.cfg.LeagueID, agentID, AgentSuspended)
		if p, ok := c.players[agentID]; ok {
			p.Status = AgentSuspended
		}
	}
	if err != nil {
		c.logger.Error("failed to persist suspension", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if err := c.tokens.Revoke(ctx, c.cfg.LeagueID, kind, agentID); err != nil {
		c.logger.Error("failed to revoke token of suspended agent", zap.String("agent_id", agentID), zap.Error(err))
	}
}
