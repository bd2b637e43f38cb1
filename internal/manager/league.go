package manager

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/db"
	"github.com/openbracket/openbracket/internal/events"
	"github.com/openbracket/openbracket/internal/protocol"
	"github.com/openbracket/openbracket/internal/repositories"
	"github.com/openbracket/openbracket/internal/schedule"
)

// handleLeagueAdvance processes the administrative LEAGUE_ADVANCE message:
// close registration now, regardless of target count or deadline.
func (c *Coordinator) handleLeagueAdvance(ctx context.Context, cmd command) cmdReply {
	var payload protocol.LeagueAdvancePayload
	if err := json.Unmarshal(cmd.payload, &payload); err != nil {
		return cmdReply{err: protocol.FieldError("payload", "malformed advance payload")}
	}
	if c.cfg.AdminToken == "" || payload.AdminToken != c.cfg.AdminToken {
		return cmdReply{err: protocol.Errorf(protocol.ErrAuthInvalid, "invalid admin token")}
	}
	if c.league.Status != LeagueRegistration {
		return cmdReply{err: protocol.Errorf(protocol.ErrPrecondition,
			"league is %s; LEAGUE_ADVANCE applies only during registration", c.league.Status)}
	}
	if len(c.players) < c.cfg.MinPlayers {
		return cmdReply{err: protocol.Errorf(protocol.ErrPrecondition,
			"%d players registered, need at least %d", len(c.players), c.cfg.MinPlayers)}
	}
	if len(c.referees) < c.cfg.MinReferees {
		return cmdReply{err: protocol.Errorf(protocol.ErrPrecondition,
			"%d referees registered, need at least %d", len(c.referees), c.cfg.MinReferees)}
	}

	c.closeRegistration(ctx, "LEAGUE_ADVANCE")
	return c.reply(cmd, protocol.MsgRegistrationResponse, protocol.AckPayload{})
}

// closeRegistration transitions REGISTRATION → SCHEDULING → ACTIVE: generate
// the schedule, persist it, announce round 1, and start assigning.
func (c *Coordinator) closeRegistration(ctx context.Context, reason string) {
	c.logger.Info("closing registration",
		zap.String("reason", reason),
		zap.Int("players", len(c.players)),
		zap.Int("referees", len(c.referees)))

	c.setLeagueStatus(ctx, LeagueScheduling)

	rounds, err := schedule.Generate(c.cfg.LeagueID, c.sortedPlayerIDs())
	if err != nil {
		c.logger.Error("schedule generation failed", zap.Error(err))
		c.abortLeague(ctx, "schedule generation failed")
		return
	}

	err = c.store.Transaction(ctx, func(tx *repositories.Store) error {
		for _, round := range rounds {
			if err := tx.Schedule.CreateRound(ctx, &db.Round{
				LeagueID: c.cfg.LeagueID,
				RoundID:  round.RoundID,
				Status:   RoundPending,
			}); err != nil {
				return err
			}
			for _, m := range round.Matches {
				if err := tx.Schedule.CreateMatch(ctx, &db.Match{
					MatchID:  m.MatchID,
					LeagueID: c.cfg.LeagueID,
					RoundID:  m.RoundID,
					PlayerA:  m.PlayerA,
					PlayerB:  m.PlayerB,
					GameType: c.cfg.GameType,
					Status:   MatchPending,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Error("schedule persistence failed", zap.Error(err))
		c.abortLeague(ctx, "schedule persistence failed")
		return
	}

	// Every registered referee becomes eligible for assignment.
	for _, ref := range c.referees {
		if ref.status == AgentRegistered {
			ref.status = AgentActive
			_ = c.store.Agents.UpdateRefereeStatus(ctx, c.cfg.LeagueID, ref.agentID, AgentActive)
		}
	}
	for _, p := range c.players {
		if p.Status == AgentRegistered {
			p.Status = AgentActive
			_ = c.store.Agents.UpdatePlayerStatus(ctx, c.cfg.LeagueID, p.AgentID, AgentActive)
		}
	}

	c.setLeagueStatus(ctx, LeagueActive)
	c.startRound(ctx, 1)
}

// startRound makes roundID the current round: queue its matches, announce it,
// and dispatch assignments.
func (c *Coordinator) startRound(ctx context.Context, roundID int) {
	c.league.CurrentRound = roundID
	if err := c.store.Leagues.UpdateCurrentRound(ctx, c.cfg.LeagueID, roundID); err != nil {
		c.logger.Error("failed to persist current round", zap.Error(err))
	}

	matches, err := c.store.Schedule.ListMatchesByRound(ctx, c.cfg.LeagueID, roundID)
	if err != nil {
		c.logger.Error("failed to load round matches", zap.Int("round_id", roundID), zap.Error(err))
		return
	}
	c.pendingQueue = c.pendingQueue[:0]
	for _, m := range matches {
		if m.Status == MatchPending {
			c.pendingQueue = append(c.pendingQueue, m.MatchID)
		}
	}

	c.dispatchAssignments(ctx)

	// Re-read so the announcement carries the referee assignments just made.
	matches, err = c.store.Schedule.ListMatchesByRound(ctx, c.cfg.LeagueID, roundID)
	if err != nil {
		c.logger.Error("failed to reload round matches", zap.Int("round_id", roundID), zap.Error(err))
		return
	}
	c.announceRound(ctx, roundID, matches)
}

// announceRound sends ROUND_ANNOUNCE to every referee and player. Sends run
// off-loop; announce failures are logged, not fatal — the authoritative
// assignment is MATCH_ASSIGN.
func (c *Coordinator) announceRound(ctx context.Context, roundID int, matches []db.Match) {
	payload := protocol.RoundAnnouncePayload{RoundID: roundID}
	for _, m := range matches {
		payload.Matches = append(payload.Matches, protocol.MatchEntry{
			MatchID:   m.MatchID,
			Players:   []string{m.PlayerA, m.PlayerB},
			RefereeID: m.RefereeID,
			GameType:  m.GameType,
		})
	}

	targets := make(map[string]string) // agent label -> endpoint
	for _, id := range c.sortedRefereeIDs() {
		if ref := c.referees[id]; ref.status != AgentSuspended {
			targets["referee:"+id] = ref.endpoint
		}
	}
	for _, id := range c.sortedPlayerIDs() {
		if p := c.players[id]; p.Status != AgentSuspended {
			targets["player:"+id] = p.Endpoint
		}
	}

	env := c.newOutbound(protocol.MsgRoundAnnounce)
	env.RoundID = roundID
	for label, endpoint := range targets {
		c.auditOut(env, payload, label)
		go func(label, endpoint string) {
			if _, err := c.client.CallWithRetry(context.Background(), endpoint, env, payload); err != nil {
				c.logger.Warn("round announce failed",
					zap.String("agent", label),
					zap.Int("round_id", roundID),
					zap.Error(err))
			}
		}(label, endpoint)
	}

	if err := c.store.Schedule.UpdateRoundStatus(ctx, c.cfg.LeagueID, roundID, RoundAnnounced); err != nil {
		c.logger.Error("failed to mark round announced", zap.Error(err))
	}
	c.hub.Publish(events.TypeRoundAnnounced, c.cfg.LeagueID, payload)
	c.logger.Info("round announced", zap.Int("round_id", roundID), zap.Int("matches", len(matches)))
}

// dispatchAssignments pairs queued matches with idle referees: head of the
// FIFO queue gets the lowest-sorting idle referee, repeatedly, until either
// side runs dry.
func (c *Coordinator) dispatchAssignments(ctx context.Context) {
	for len(c.pendingQueue) > 0 {
		ref := c.nextIdleReferee()
		if ref == nil {
			return
		}

		matchID := c.pendingQueue[0]
		c.pendingQueue = c.pendingQueue[1:]

		match, err := c.store.Schedule.GetMatch(ctx, matchID)
		if err != nil {
			c.logger.Error("queued match vanished", zap.String("match_id", matchID), zap.Error(err))
			continue
		}
		if err := c.store.Schedule.AssignMatch(ctx, matchID, ref.agentID); err != nil {
			c.logger.Error("failed to persist assignment", zap.String("match_id", matchID), zap.Error(err))
			c.pendingQueue = append([]string{matchID}, c.pendingQueue...)
			return
		}
		ref.busyMatch = matchID
		match.RefereeID = ref.agentID
		match.Status = MatchAssigned
		c.sendMatchAssign(match, ref)
	}
}

// nextIdleReferee returns the lowest-sorting referee that is active, not
// busy, and out of cooldown.
func (c *Coordinator) nextIdleReferee() *refereeState {
	now := c.clock.Now()
	for _, id := range c.sortedRefereeIDs() {
		ref := c.referees[id]
		if ref.status != AgentActive || ref.busyMatch != "" {
			continue
		}
		if !ref.cooldownUntil.IsZero() && now.Before(ref.cooldownUntil) {
			continue
		}
		return ref
	}
	return nil
}

// sendMatchAssign delivers MATCH_ASSIGN off-loop. Delivery failure frees the
// referee into cooldown and re-queues the match.
func (c *Coordinator) sendMatchAssign(match *db.Match, ref *refereeState) {
	env := c.newOutbound(protocol.MsgMatchAssign)
	env.RoundID = match.RoundID
	env.MatchID = match.MatchID
	env.GameType = match.GameType

	endpoints := make(map[string]string, 2)
	if a, ok := c.players[match.PlayerA]; ok {
		endpoints[match.PlayerA] = a.Endpoint
	}
	if b, ok := c.players[match.PlayerB]; ok {
		endpoints[match.PlayerB] = b.Endpoint
	}
	payload := protocol.MatchAssignPayload{
		MatchID:         match.MatchID,
		RoundID:         match.RoundID,
		GameType:        match.GameType,
		PlayerA:         match.PlayerA,
		PlayerB:         match.PlayerB,
		PlayerEndpoints: endpoints,
	}

	matchID, refereeID, endpoint := match.MatchID, ref.agentID, ref.endpoint
	c.auditOut(env, payload, protocol.Sender{Kind: protocol.KindReferee, AgentID: refereeID}.String())
	go func() {
		_, err := c.client.CallWithRetry(context.Background(), endpoint, env, payload)
		c.enqueueInternal(func(ctx context.Context) {
			if err == nil {
				c.logger.Info("match assigned",
					zap.String("match_id", matchID),
					zap.String("referee_id", refereeID))
				return
			}
			c.logger.Warn("match assignment undeliverable",
				zap.String("match_id", matchID),
				zap.String("referee_id", refereeID),
				zap.Error(err))
			c.releaseRefereeErrored(ctx, refereeID)
			if err := c.store.Schedule.UpdateMatchStatus(ctx, matchID, MatchPending); err != nil {
				c.logger.Error("failed to re-queue match", zap.String("match_id", matchID), zap.Error(err))
				return
			}
			c.pendingQueue = append(c.pendingQueue, matchID)
			c.dispatchAssignments(ctx)
		})
	}()
}

// releaseRefereeErrored frees the referee's slot and puts it in cooldown.
func (c *Coordinator) releaseRefereeErrored(ctx context.Context, refereeID string) {
	ref, ok := c.referees[refereeID]
	if !ok {
		return
	}
	ref.busyMatch = ""
	ref.status = AgentErrored
	ref.cooldownUntil = c.clock.Now().Add(c.cfg.ErroredCooldown)
	if err := c.store.Agents.UpdateRefereeStatus(ctx, c.cfg.LeagueID, refereeID, AgentErrored); err != nil {
		c.logger.Error("failed to persist referee error state", zap.Error(err))
	}
	c.armCooldown(refereeID, c.cfg.ErroredCooldown)
}

// maybeAdvanceRound checks whether the current round is finished and either
// starts the next round or completes the league.
func (c *Coordinator) maybeAdvanceRound(ctx context.Context) {
	matches, err := c.store.Schedule.ListMatchesByRound(ctx, c.cfg.LeagueID, c.league.CurrentRound)
	if err != nil {
		c.logger.Error("failed to load round for advancement", zap.Error(err))
		return
	}
	for _, m := range matches {
		switch m.Status {
		case protocol.MatchCompleted, protocol.MatchForfeited, protocol.MatchErrored:
		default:
			return // round still running
		}
	}

	if err := c.store.Schedule.UpdateRoundStatus(ctx, c.cfg.LeagueID, c.league.CurrentRound, RoundCompleted); err != nil {
		c.logger.Error("failed to complete round", zap.Error(err))
	}

	rounds, err := c.store.Schedule.ListRounds(ctx, c.cfg.LeagueID)
	if err != nil {
		c.logger.Error("failed to list rounds", zap.Error(err))
		return
	}
	if c.league.CurrentRound < len(rounds) {
		c.startRound(ctx, c.league.CurrentRound+1)
		return
	}

	c.setLeagueStatus(ctx, LeagueCompleted)
	c.logger.Info("league completed", zap.String("league_id", c.cfg.LeagueID))
}

// setLeagueStatus persists and broadcasts a league status change.
func (c *Coordinator) setLeagueStatus(ctx context.Context, status string) {
	c.league.Status = status
	if err := c.store.Leagues.UpdateStatus(ctx, c.cfg.LeagueID, status); err != nil {
		c.logger.Error("failed to persist league status", zap.String("status", status), zap.Error(err))
	}
	c.hub.Publish(events.TypeLeagueStatus, c.cfg.LeagueID, map[string]string{"status": status})
}

// abortLeague moves the league to ABORTED and revokes all tokens.
func (c *Coordinator) abortLeague(ctx context.Context, reason string) {
	c.logger.Error("aborting league", zap.String("reason", reason))
	c.setLeagueStatus(ctx, LeagueAborted)
	if err := c.store.Tokens.RevokeAll(ctx, c.cfg.LeagueID); err != nil {
		c.logger.Error("failed to revoke tokens on abort", zap.Error(err))
	}
}
