package manager

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/db"
	"github.com/openbracket/openbracket/internal/protocol"
	"github.com/openbracket/openbracket/internal/repositories"
)

// handleRegister processes REGISTER_REFEREE and REGISTER_PLAYER.
//
// Idempotency contract: retrying the same registration (same agent_id,
// endpoint, conversation_id) succeeds and returns the originally issued
// token. The same conversation with a different payload is
// PRECONDITION_FAILED; a different conversation reusing a taken agent_id is
// DUPLICATE_ID.
func (c *Coordinator) handleRegister(ctx context.Context, cmd command, kind protocol.AgentKind) cmdReply {
	var payload protocol.RegisterPayload
	if err := json.Unmarshal(cmd.payload, &payload); err != nil {
		return cmdReply{err: protocol.FieldError("payload", "malformed registration payload")}
	}
	if payload.AgentID == "" {
		return cmdReply{err: protocol.FieldError("agent_id", "agent_id is required")}
	}
	if payload.Endpoint == "" {
		return cmdReply{err: protocol.FieldError("endpoint", "endpoint is required")}
	}
	if !cmd.sender.Manager && cmd.sender.AgentID != payload.AgentID {
		return cmdReply{err: protocol.FieldError("agent_id", "sender does not match agent_id")}
	}

	if c.league.Status != LeagueRegistration {
		return cmdReply{err: protocol.Errorf(protocol.ErrRegistrationClosed,
			"league %s is %s, not accepting registrations", c.cfg.LeagueID, c.league.Status)}
	}

	// Players may only register once at least one referee is present: a
	// league with players and nobody to run their matches cannot progress.
	if kind == protocol.KindPlayer && len(c.referees) == 0 {
		return cmdReply{err: protocol.Errorf(protocol.ErrPrecondition,
			"no referee registered yet; players register after referees")}
	}

	key := agentKey(kind, payload.AgentID)
	if memo, ok := c.registrations[key]; ok {
		if memo.conversationID == cmd.env.ConversationID {
			if memo.endpoint != payload.Endpoint {
				return cmdReply{err: protocol.Errorf(protocol.ErrPrecondition,
					"registration retry for %s differs from the original", payload.AgentID)}
			}
			return c.reply(cmd, protocol.MsgRegistrationResponse, protocol.RegistrationResponsePayload{
				AgentID:   payload.AgentID,
				AuthToken: memo.rawToken,
				LeagueID:  c.cfg.LeagueID,
			})
		}
		return cmdReply{err: protocol.Errorf(protocol.ErrDuplicateID,
			"agent_id %s is already registered", payload.AgentID)}
	}

	// Not in memory. Either a brand-new agent or a retry from before a
	// manager restart; the persisted token row disambiguates.
	if existing := c.lookupExisting(ctx, kind, payload.AgentID); existing != nil {
		if existing.ConversationID != cmd.env.ConversationID {
			return cmdReply{err: protocol.Errorf(protocol.ErrDuplicateID,
				"agent_id %s is already registered", payload.AgentID)}
		}
		// Same conversation across a restart: reissue. The original raw
		// token is unrecoverable from its hash, so a fresh one replaces it.
		raw, err := c.tokens.Issue(ctx, c.cfg.LeagueID, kind, payload.AgentID, cmd.env.ConversationID)
		if err != nil {
			c.logger.Error("token reissue failed", zap.Error(err))
			return cmdReply{err: protocol.Errorf(protocol.ErrInternal, "token issuance failed")}
		}
		c.registrations[key] = registrationMemo{
			conversationID: cmd.env.ConversationID,
			endpoint:       payload.Endpoint,
			rawToken:       raw,
		}
		return c.reply(cmd, protocol.MsgRegistrationResponse, protocol.RegistrationResponsePayload{
			AgentID:   payload.AgentID,
			AuthToken: raw,
			LeagueID:  c.cfg.LeagueID,
		})
	}

	if err := c.createAgent(ctx, kind, payload); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return cmdReply{err: protocol.Errorf(protocol.ErrDuplicateID,
				"agent_id %s is already registered", payload.AgentID)}
		}
		c.logger.Error("agent persistence failed", zap.Error(err))
		return cmdReply{err: protocol.Errorf(protocol.ErrInternal, "registration failed")}
	}

	raw, err := c.tokens.Issue(ctx, c.cfg.LeagueID, kind, payload.AgentID, cmd.env.ConversationID)
	if err != nil {
		c.logger.Error("token issuance failed", zap.Error(err))
		return cmdReply{err: protocol.Errorf(protocol.ErrInternal, "token issuance failed")}
	}

	c.registrations[key] = registrationMemo{
		conversationID: cmd.env.ConversationID,
		endpoint:       payload.Endpoint,
		rawToken:       raw,
	}
	c.logger.Info("agent registered",
		zap.String("kind", string(kind)),
		zap.String("agent_id", payload.AgentID),
		zap.String("endpoint", payload.Endpoint))

	reply := c.reply(cmd, protocol.MsgRegistrationResponse, protocol.RegistrationResponsePayload{
		AgentID:   payload.AgentID,
		AuthToken: raw,
		LeagueID:  c.cfg.LeagueID,
	})

	// Target-count close: once the configured number of players is in (and
	// the referee minimum holds), registration closes itself.
	if kind == protocol.KindPlayer && c.cfg.TargetPlayers > 0 &&
		len(c.players) >= c.cfg.TargetPlayers && len(c.referees) >= c.cfg.MinReferees {
		c.closeRegistration(ctx, "player target reached")
	}
	return reply
}

// lookupExisting returns the live token row of an already-persisted agent,
// or nil when the agent is unknown.
func (c *Coordinator) lookupExisting(ctx context.Context, kind protocol.AgentKind, agentID string) *db.Token {
	switch kind {
	case protocol.KindReferee:
		if _, err := c.store.Agents.GetReferee(ctx, c.cfg.LeagueID, agentID); err != nil {
			return nil
		}
	case protocol.KindPlayer:
		if _, err := c.store.Agents.GetPlayer(ctx, c.cfg.LeagueID, agentID); err != nil {
			return nil
		}
	}
	tok, err := c.store.Tokens.GetLiveForAgent(ctx, c.cfg.LeagueID, string(kind), agentID)
	if err != nil {
		return nil
	}
	return tok
}

// createAgent persists the registry row and mirrors it into memory.
func (c *Coordinator) createAgent(ctx context.Context, kind protocol.AgentKind, payload protocol.RegisterPayload) error {
	now := c.clock.Now().UTC()
	switch kind {
	case protocol.KindReferee:
		ref := &db.Referee{
			LeagueID:     c.cfg.LeagueID,
			AgentID:      payload.AgentID,
			Status:       AgentRegistered,
			Endpoint:     payload.Endpoint,
			RegisteredAt: now,
		}
		if err := c.store.Agents.CreateReferee(ctx, ref); err != nil {
			return err
		}
		c.referees[payload.AgentID] = &refereeState{
			agentID:  payload.AgentID,
			endpoint: payload.Endpoint,
			status:   AgentRegistered,
		}
	case protocol.KindPlayer:
		player := &db.Player{
			LeagueID:     c.cfg.LeagueID,
			AgentID:      payload.AgentID,
			Status:       AgentRegistered,
			Endpoint:     payload.Endpoint,
			RegisteredAt: now,
		}
		if err := c.store.Agents.CreatePlayer(ctx, player); err != nil {
			return err
		}
		c.players[payload.AgentID] = player
	}
	return nil
}

// DeadlineFunc returns the closure the registration-deadline job runs at the
// cutoff. It enqueues the close onto the coordinator loop; below-minimum
// leagues are aborted instead of scheduled.
func (c *Coordinator) DeadlineFunc() func() {
	return func() {
		c.enqueueInternal(func(ctx context.Context) {
			if c.league.Status != LeagueRegistration {
				return
			}
			if len(c.players) < c.cfg.MinPlayers || len(c.referees) < c.cfg.MinReferees {
				c.logger.Warn("registration deadline passed below minimums, aborting league",
					zap.Int("players", len(c.players)),
					zap.Int("referees", len(c.referees)))
				c.abortLeague(ctx, "registration deadline passed below minimums")
				return
			}
			c.closeRegistration(ctx, "registration deadline")
		})
	}
}

// cooldownTimer re-enters a referee into the idle pool after its ERRORED
// cooldown expires.
func (c *Coordinator) armCooldown(refereeID string, d time.Duration) {
	c.clock.AfterFunc(d, func() {
		c.enqueueInternal(func(ctx context.Context) {
			ref, ok := c.referees[refereeID]
			if !ok || ref.status != AgentErrored {
				return
			}
			ref.status = AgentActive
			ref.cooldownUntil = time.Time{}
			if err := c.store.Agents.UpdateRefereeStatus(ctx, c.cfg.LeagueID, refereeID, AgentActive); err != nil {
				c.logger.Error("failed to reactivate referee", zap.String("referee_id", refereeID), zap.Error(err))
			}
			c.logger.Info("referee cooldown expired, back in pool", zap.String("referee_id", refereeID))
			c.dispatchAssignments(ctx)
		})
	})
}
