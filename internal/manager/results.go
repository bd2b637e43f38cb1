package manager

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/db"
	"github.com/openbracket/openbracket/internal/events"
	"github.com/openbracket/openbracket/internal/protocol"
	"github.com/openbracket/openbracket/internal/repositories"
	"github.com/openbracket/openbracket/internal/standings"
)

// handleResultReport accepts a referee's final match outcome. First accepted
// report wins; an identical re-submission is acknowledged again (idempotent),
// a divergent one is RESULT_CONFLICT.
func (c *Coordinator) handleResultReport(ctx context.Context, cmd command) cmdReply {
	var payload protocol.ResultReportPayload
	if err := json.Unmarshal(cmd.payload, &payload); err != nil || payload.Result == nil {
		return cmdReply{err: protocol.FieldError("payload", "malformed result report")}
	}
	if cmd.sender.Kind != protocol.KindReferee {
		return cmdReply{err: protocol.Errorf(protocol.ErrNotAssigned, "only referees report results")}
	}
	if payload.RefereeID != cmd.sender.AgentID {
		return cmdReply{err: protocol.FieldError("referee_id", "referee_id does not match sender")}
	}
	result := payload.Result
	if result.MatchID != cmd.env.MatchID {
		return cmdReply{err: protocol.FieldError("match_id", "result match_id does not match envelope")}
	}

	match, err := c.store.Schedule.GetMatch(ctx, result.MatchID)
	if err != nil {
		return cmdReply{err: protocol.Errorf(protocol.ErrPrecondition, "unknown match %s", result.MatchID)}
	}
	if match.RefereeID != cmd.sender.AgentID {
		return cmdReply{err: protocol.Errorf(protocol.ErrNotAssigned,
			"match %s is not assigned to referee %s", result.MatchID, cmd.sender.AgentID)}
	}

	reportJSON, err := json.Marshal(result)
	if err != nil {
		return cmdReply{err: protocol.Errorf(protocol.ErrInternal, "failed to canonicalize result")}
	}

	// Idempotency: a result already on file either matches byte for byte
	// (ack again) or conflicts.
	if existing, err := c.store.Results.GetByMatch(ctx, result.MatchID); err == nil {
		if existing.ReportJSON == string(reportJSON) {
			return c.ackResult(cmd, result.MatchID)
		}
		return cmdReply{err: protocol.Errorf(protocol.ErrResultConflict,
			"match %s already has a different accepted result", result.MatchID)}
	}

	switch match.Status {
	case MatchAssigned, MatchInProgress:
	default:
		return cmdReply{err: protocol.Errorf(protocol.ErrPrecondition,
			"match %s is %s and cannot accept a result", result.MatchID, match.Status)}
	}
	if perr := validateResult(match, result); perr != nil {
		return cmdReply{err: perr}
	}

	row, perr := resultRow(match, cmd.sender.AgentID, result, string(reportJSON))
	if perr != nil {
		return cmdReply{err: perr}
	}

	// Result insert, match transition, and snapshot publication commit as
	// one unit so a crash never leaves a result without standings.
	var snapshot []db.StandingsEntry
	err = c.store.Transaction(ctx, func(tx *repositories.Store) error {
		if err := tx.Results.Create(ctx, row); err != nil {
			return err
		}
		if err := tx.Schedule.UpdateMatchStatus(ctx, result.MatchID, result.Status); err != nil {
			return err
		}
		var err error
		snapshot, err = c.buildSnapshot(ctx, tx, match.RoundID)
		if err != nil {
			return err
		}
		return tx.Standings.CreateEntries(ctx, snapshot)
	})
	if err != nil {
		c.logger.Error("result acceptance failed", zap.String("match_id", result.MatchID), zap.Error(err))
		return cmdReply{err: protocol.Errorf(protocol.ErrInternal, "failed to accept result")}
	}

	c.standingsSeq = snapshot[0].Seq
	c.metrics.ObserveMatch(result.Status)
	c.metrics.StandingsSeq.Set(float64(c.standingsSeq))
	c.hub.Publish(events.TypeResultAccepted, c.cfg.LeagueID, result)
	c.hub.Publish(events.TypeStandingsPublished, c.cfg.LeagueID, snapshotRows(snapshot))
	c.logger.Info("result accepted",
		zap.String("match_id", result.MatchID),
		zap.String("status", result.Status),
		zap.Int("standings_seq", c.standingsSeq))

	c.releaseReferee(ctx, cmd.sender.AgentID, result.Status)
	c.dispatchAssignments(ctx)
	c.maybeAdvanceRound(ctx)

	return c.ackResult(cmd, result.MatchID)
}

func (c *Coordinator) ackResult(cmd command, matchID string) cmdReply {
	return c.reply(cmd, protocol.MsgResultAck, protocol.ResultAckPayload{
		MatchID:  matchID,
		Accepted: true,
	})
}

// releaseReferee frees the referee slot after its match terminates. An
// ERRORED outcome sends it through the cooldown instead of straight back.
func (c *Coordinator) releaseReferee(ctx context.Context, refereeID, matchStatus string) {
	if matchStatus == protocol.MatchErrored {
		c.releaseRefereeErrored(ctx, refereeID)
		return
	}
	if ref, ok := c.referees[refereeID]; ok {
		ref.busyMatch = ""
	}
}

// validateResult checks the semantic shape of a reported result against its
// match: known status, exactly the match's two players, legal outcomes,
// non-negative points.
func validateResult(match *db.Match, result *protocol.MatchResult) *protocol.Error {
	switch result.Status {
	case protocol.MatchCompleted, protocol.MatchForfeited, protocol.MatchErrored:
	default:
		return protocol.FieldError("status", "unknown result status "+result.Status)
	}
	if len(result.Players) != 2 {
		return protocol.FieldError("players", "result must cover exactly two players")
	}
	seen := map[string]bool{}
	for _, pr := range result.Players {
		if pr.PlayerID != match.PlayerA && pr.PlayerID != match.PlayerB {
			return protocol.FieldError("players", "player "+pr.PlayerID+" is not in this match")
		}
		if seen[pr.PlayerID] {
			return protocol.FieldError("players", "duplicate player "+pr.PlayerID)
		}
		seen[pr.PlayerID] = true
		switch pr.Outcome {
		case protocol.OutcomeWin, protocol.OutcomeLoss, protocol.OutcomeDraw:
		default:
			return protocol.FieldError("outcome", "unknown outcome "+pr.Outcome)
		}
		if pr.Points < 0 {
			return protocol.FieldError("points", "points must be non-negative")
		}
	}
	return nil
}

// resultRow flattens the wire result into its persisted form.
func resultRow(match *db.Match, refereeID string, result *protocol.MatchResult, reportJSON string) (*db.Result, *protocol.Error) {
	row := &db.Result{
		MatchID:    match.MatchID,
		LeagueID:   match.LeagueID,
		RoundID:    match.RoundID,
		RefereeID:  refereeID,
		Status:     result.Status,
		PlayerA:    match.PlayerA,
		PlayerB:    match.PlayerB,
		ReportJSON: reportJSON,
	}
	if len(result.GameMetadata) > 0 {
		row.GameMetadata = string(result.GameMetadata)
	} else {
		row.GameMetadata = "{}"
	}
	for _, pr := range result.Players {
		switch pr.PlayerID {
		case match.PlayerA:
			row.OutcomeA = pr.Outcome
			row.PointsA = pr.Points
		case match.PlayerB:
			row.OutcomeB = pr.Outcome
			row.PointsB = pr.Points
		}
	}
	if row.OutcomeA == "" || row.OutcomeB == "" {
		return nil, protocol.FieldError("players", "result must cover both match players")
	}
	return row, nil
}

// buildSnapshot computes the next standings snapshot inside the acceptance
// transaction, so the snapshot reflects exactly the committed result stream.
func (c *Coordinator) buildSnapshot(ctx context.Context, tx *repositories.Store, roundID int) ([]db.StandingsEntry, error) {
	results, err := tx.Results.List(ctx, c.cfg.LeagueID)
	if err != nil {
		return nil, err
	}
	lines := make([]standings.ResultLine, 0, len(results))
	for _, r := range results {
		lines = append(lines, standings.ResultLine{
			PlayerA:  r.PlayerA,
			PlayerB:  r.PlayerB,
			OutcomeA: r.OutcomeA,
			OutcomeB: r.OutcomeB,
			PointsA:  r.PointsA,
			PointsB:  r.PointsB,
		})
	}
	table := standings.Compute(c.sortedPlayerIDs(), lines)

	seq, err := tx.Standings.LatestSeq(ctx, c.cfg.LeagueID)
	if err != nil {
		return nil, err
	}
	seq++

	entries := make([]db.StandingsEntry, 0, len(table))
	for _, line := range table {
		entries = append(entries, db.StandingsEntry{
			LeagueID:  c.cfg.LeagueID,
			Seq:       seq,
			RoundID:   roundID,
			Rank:      line.Rank,
			PlayerID:  line.PlayerID,
			Points:    line.Points,
			Wins:      line.Wins,
			Losses:    line.Losses,
			Draws:     line.Draws,
			PointDiff: line.PointDiff,
		})
	}
	return entries, nil
}

// snapshotRows converts persisted entries to wire rows, preserving rank order.
func snapshotRows(entries []db.StandingsEntry) []protocol.StandingsRow {
	rows := make([]protocol.StandingsRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, protocol.StandingsRow{
			Rank:      e.Rank,
			PlayerID:  e.PlayerID,
			Points:    e.Points,
			Wins:      e.Wins,
			Losses:    e.Losses,
			Draws:     e.Draws,
			PointDiff: e.PointDiff,
		})
	}
	return rows
}

// handleQueryStandings returns the latest published snapshot. Standings exist
// only for ACTIVE and COMPLETED leagues; before the first accepted result the
// answer is the zeroed table of registered players.
func (c *Coordinator) handleQueryStandings(ctx context.Context, cmd command) cmdReply {
	switch c.league.Status {
	case LeagueActive, LeagueCompleted:
	default:
		return cmdReply{err: protocol.Errorf(protocol.ErrPrecondition,
			"standings are published once the league is active; league is %s", c.league.Status)}
	}

	payload := protocol.StandingsResponsePayload{
		LeagueID: c.cfg.LeagueID,
		RoundID:  c.league.CurrentRound,
	}

	if c.standingsSeq == 0 {
		for _, line := range standings.Compute(c.sortedPlayerIDs(), nil) {
			payload.Rows = append(payload.Rows, protocol.StandingsRow{
				Rank:     line.Rank,
				PlayerID: line.PlayerID,
			})
		}
		return c.reply(cmd, protocol.MsgStandingsResponse, payload)
	}

	entries, err := c.store.Standings.GetSnapshot(ctx, c.cfg.LeagueID, c.standingsSeq)
	if err != nil {
		c.logger.Error("failed to load standings snapshot", zap.Int("seq", c.standingsSeq), zap.Error(err))
		return cmdReply{err: protocol.Errorf(protocol.ErrInternal, "standings unavailable")}
	}
	if len(entries) > 0 {
		payload.RoundID = entries[0].RoundID
	}
	payload.Rows = snapshotRows(entries)
	return c.reply(cmd, protocol.MsgStandingsResponse, payload)
}
