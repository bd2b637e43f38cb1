package manager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/db"
	"github.com/openbracket/openbracket/internal/repositories"
)

// Bootstrap creates the league on first start or reconstructs the full
// in-memory state from the database after a restart. Must complete before
// Run is started.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	if _, err := c.games.Get(c.cfg.GameType); err != nil {
		return fmt.Errorf("manager: %w", err)
	}

	league, err := c.store.Leagues.Get(ctx, c.cfg.LeagueID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		league = &db.League{
			LeagueID: c.cfg.LeagueID,
			Status:   LeagueRegistration,
			GameType: c.cfg.GameType,
		}
		if err := c.store.Leagues.Create(ctx, league); err != nil {
			return fmt.Errorf("manager: create league: %w", err)
		}
		c.league = league
		c.logger.Info("league created", zap.String("league_id", c.cfg.LeagueID))
		return nil
	case err != nil:
		return fmt.Errorf("manager: load league: %w", err)
	}
	c.league = league

	referees, err := c.store.Agents.ListReferees(ctx, c.cfg.LeagueID)
	if err != nil {
		return fmt.Errorf("manager: load referees: %w", err)
	}
	for i := range referees {
		ref := referees[i]
		c.referees[ref.AgentID] = &refereeState{
			agentID:  ref.AgentID,
			endpoint: ref.Endpoint,
			status:   ref.Status,
		}
	}

	players, err := c.store.Agents.ListPlayers(ctx, c.cfg.LeagueID)
	if err != nil {
		return fmt.Errorf("manager: load players: %w", err)
	}
	for i := range players {
		p := players[i]
		c.players[p.AgentID] = &p
	}

	seq, err := c.store.Standings.LatestSeq(ctx, c.cfg.LeagueID)
	if err != nil {
		return fmt.Errorf("manager: load standings seq: %w", err)
	}
	c.standingsSeq = seq
	c.metrics.StandingsSeq.Set(float64(seq))

	if c.league.Status == LeagueActive {
		if err := c.reloadRound(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("league state reconstructed",
		zap.String("league_id", c.cfg.LeagueID),
		zap.String("status", c.league.Status),
		zap.Int("referees", len(c.referees)),
		zap.Int("players", len(c.players)),
		zap.Int("current_round", c.league.CurrentRound),
		zap.Int("standings_seq", seq))
	return nil
}

// reloadRound rebuilds the assignment queue and referee busy flags from the
// persisted matches of the current round.
func (c *Coordinator) reloadRound(ctx context.Context) error {
	matches, err := c.store.Schedule.ListMatchesByRound(ctx, c.cfg.LeagueID, c.league.CurrentRound)
	if err != nil {
		return fmt.Errorf("manager: load current round: %w", err)
	}
	for _, m := range matches {
		switch m.Status {
		case MatchPending:
			c.pendingQueue = append(c.pendingQueue, m.MatchID)
		case MatchAssigned, MatchInProgress:
			if ref, ok := c.referees[m.RefereeID]; ok {
				ref.busyMatch = m.MatchID
			}
		}
	}
	return nil
}

// Resume re-drives the league after Bootstrap reconstructed an ACTIVE state:
// assigned matches are re-sent to their referees (delivery is idempotent on
// the referee side) and the pending queue is dispatched. Enqueued onto the
// loop so it runs once Run starts.
func (c *Coordinator) Resume() {
	c.enqueueInternal(func(ctx context.Context) {
		if c.league.Status != LeagueActive {
			return
		}
		matches, err := c.store.Schedule.ListMatchesByRound(ctx, c.cfg.LeagueID, c.league.CurrentRound)
		if err != nil {
			c.logger.Error("resume failed to load round", zap.Error(err))
			return
		}
		for i := range matches {
			m := matches[i]
			if m.Status != MatchAssigned && m.Status != MatchInProgress {
				continue
			}
			ref, ok := c.referees[m.RefereeID]
			if !ok {
				continue
			}
			c.logger.Info("re-sending assignment after restart",
				zap.String("match_id", m.MatchID),
				zap.String("referee_id", m.RefereeID))
			c.sendMatchAssign(&m, ref)
		}
		c.dispatchAssignments(ctx)
		c.maybeAdvanceRound(ctx)
	})
}
