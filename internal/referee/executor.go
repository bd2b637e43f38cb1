// Package referee implements the Referee service: it registers with the
// league manager, accepts one match assignment at a time, drives the game
// through its adapter (invitations, the move loop, timeouts), and reports
// the authoritative result back.
package referee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/audit"
	"github.com/openbracket/openbracket/internal/client"
	"github.com/openbracket/openbracket/internal/game"
	"github.com/openbracket/openbracket/internal/metrics"
	"github.com/openbracket/openbracket/internal/protocol"
)

// Match execution phases, persisted in the state file for crash recovery.
const (
	phaseInviting   = "INVITING"
	phaseInProgress = "IN_PROGRESS"
	phaseReporting  = "REPORTING"
)

// Config holds the referee's identity and deadlines.
type Config struct {
	AgentID    string
	Endpoint   string // advertised URL of this referee's /mcp
	ManagerURL string
	StateDir   string

	InviteTimeout time.Duration
	MoveTimeout   time.Duration // 0: use the adapter's default
	MatchTimeout  time.Duration // 0: use the adapter's default
}

// Executor runs at most one match at a time.
type Executor struct {
	cfg     Config
	games   *game.Registry
	client  *client.Client
	audit   *audit.Log
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	current *assignment

	// identity established at registration.
	leagueID  string
	authToken string
}

// assignment is the live match.
type assignment struct {
	payload protocol.MatchAssignPayload
	phase   string
}

// NewExecutor builds an idle executor.
func NewExecutor(cfg Config, games *game.Registry, rpc *client.Client, auditLog *audit.Log, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:     cfg,
		games:   games,
		client:  rpc,
		audit:   auditLog,
		clock:   clock,
		metrics: m,
		logger:  logger.Named("executor"),
	}
}

// auditOut logs one outbound protocol message.
func (e *Executor) auditOut(env protocol.Envelope, payload any, to string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warn("failed to marshal payload for audit", zap.Error(err))
		raw = nil
	}
	e.audit.Append(audit.Record{
		Direction: audit.Out,
		From:      env.Sender,
		To:        to,
		Envelope:  env,
		Payload:   raw,
		Outcome:   audit.OutcomeAccepted,
	})
}

// auditIn logs one received protocol message with its validation outcome.
func (e *Executor) auditIn(env protocol.Envelope, payload json.RawMessage, outcome string) {
	e.audit.Append(audit.Record{
		Direction: audit.In,
		From:      env.Sender,
		To:        e.sender().String(),
		Envelope:  env,
		Payload:   payload,
		Outcome:   outcome,
	})
}

// SetIdentity records the league and token obtained at registration.
func (e *Executor) SetIdentity(leagueID, authToken string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leagueID = leagueID
	e.authToken = authToken
}

func (e *Executor) sender() protocol.Sender {
	return protocol.Sender{Kind: protocol.KindReferee, AgentID: e.cfg.AgentID}
}

// Assign accepts a MATCH_ASSIGN. A repeat of the current match is
// acknowledged idempotently (the manager re-sends after restarts); any other
// match while busy is refused.
func (e *Executor) Assign(env protocol.Envelope, payload protocol.MatchAssignPayload) *protocol.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		if e.current.payload.MatchID == payload.MatchID {
			return nil
		}
		return protocol.Errorf(protocol.ErrPrecondition,
			"referee %s is already executing match %s", e.cfg.AgentID, e.current.payload.MatchID)
	}
	if _, err := e.games.Get(payload.GameType); err != nil {
		return protocol.Errorf(protocol.ErrPrecondition, "unknown game_type %s", payload.GameType)
	}

	e.current = &assignment{payload: payload, phase: phaseInviting}
	if err := saveState(e.cfg.StateDir, matchState{
		MatchID:  payload.MatchID,
		RoundID:  payload.RoundID,
		LeagueID: env.LeagueID,
		GameType: payload.GameType,
		PlayerA:  payload.PlayerA,
		PlayerB:  payload.PlayerB,
		Phase:    phaseInviting,
	}); err != nil {
		e.logger.Error("failed to persist match state", zap.Error(err))
	}

	go e.run(payload)
	return nil
}

// Busy reports whether a match is currently executing.
func (e *Executor) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// run drives one match to its terminal state. Runs on its own goroutine.
func (e *Executor) run(p protocol.MatchAssignPayload) {
	logger := e.logger.With(zap.String("match_id", p.MatchID), zap.Int("round_id", p.RoundID))
	logger.Info("match started", zap.String("player_a", p.PlayerA), zap.String("player_b", p.PlayerB))

	entry, err := e.games.Get(p.GameType)
	if err != nil {
		logger.Error("adapter lookup failed", zap.Error(err))
		e.finish(p, e.erroredResult(p), logger)
		return
	}

	forfeits := e.invitePlayers(p, logger)
	if len(forfeits) > 0 {
		e.finish(p, forfeitResult(p, forfeits, entry.Scoring), logger)
		return
	}

	e.setPhase(p, phaseInProgress)
	result := e.playGame(p, entry, logger)
	e.finish(p, result, logger)
}

// invitePlayers sends GAME_INVITE to both players concurrently and collects
// forfeits: decline, timeout, or malformed reply all forfeit that player.
func (e *Executor) invitePlayers(p protocol.MatchAssignPayload, logger *zap.Logger) map[string]bool {
	timeout := e.cfg.InviteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	type inviteOutcome struct {
		playerID string
		forfeit  bool
	}
	outcomes := make(chan inviteOutcome, 2)

	invite := func(playerID, mark string) {
		env := e.matchEnvelope(protocol.MsgGameInvite, p)
		env.GameType = p.GameType
		payload := protocol.GameInvitePayload{
			MatchID:  p.MatchID,
			GameType: p.GameType,
			Opponent: otherPlayer(p, playerID),
			YourMark: mark,
		}

		e.auditOut(env, payload, protocol.Sender{Kind: protocol.KindPlayer, AgentID: playerID}.String())
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		reply, err := e.client.Call(ctx, p.PlayerEndpoints[playerID], env, payload)
		if err != nil || reply == nil {
			logger.Warn("invite failed", zap.String("player_id", playerID), zap.Error(err))
			outcomes <- inviteOutcome{playerID: playerID, forfeit: true}
			return
		}
		if reply.Envelope.MessageType != protocol.MsgInviteAccept {
			logger.Info("invite declined", zap.String("player_id", playerID),
				zap.String("reply_type", string(reply.Envelope.MessageType)))
			outcomes <- inviteOutcome{playerID: playerID, forfeit: true}
			return
		}
		var accept protocol.InviteReplyPayload
		if err := json.Unmarshal(reply.Payload, &accept); err != nil || accept.AgentID != playerID {
			logger.Warn("malformed invite reply", zap.String("player_id", playerID))
			outcomes <- inviteOutcome{playerID: playerID, forfeit: true}
			return
		}
		outcomes <- inviteOutcome{playerID: playerID}
	}

	go invite(p.PlayerA, string(game.MarkA))
	go invite(p.PlayerB, string(game.MarkB))

	forfeits := make(map[string]bool)
	for i := 0; i < 2; i++ {
		if o := <-outcomes; o.forfeit {
			forfeits[o.playerID] = true
		}
	}
	return forfeits
}

// playGame runs the move loop until the game or a player fails.
func (e *Executor) playGame(p protocol.MatchAssignPayload, entry game.Entry, logger *zap.Logger) *protocol.MatchResult {
	adapter, scoring := entry.Adapter, entry.Scoring
	moveTimeout := e.cfg.MoveTimeout
	if moveTimeout <= 0 {
		moveTimeout = adapter.MoveTimeout()
	}
	matchTimeout := e.cfg.MatchTimeout
	if matchTimeout <= 0 {
		matchTimeout = adapter.MatchTimeout()
	}

	matchCtx, cancel := context.WithTimeout(context.Background(), matchTimeout)
	defer cancel()

	state := adapter.NewGame()
	for {
		done, outcome := state.Terminal()
		if done {
			return completedResult(p, outcome, state, scoring)
		}
		if matchCtx.Err() != nil {
			// Whole-match budget exhausted: the on-turn player forfeits.
			mover := playerForMark(p, state.Turn())
			logger.Warn("match timeout", zap.String("on_turn", mover))
			return forfeitResult(p, map[string]bool{mover: true}, scoring)
		}

		mover := playerForMark(p, state.Turn())
		move, perr := e.requestMove(matchCtx, p, state, mover, moveTimeout, logger)
		if perr != nil {
			return forfeitResult(p, map[string]bool{mover: true}, scoring)
		}

		next, err := adapter.Apply(state, state.Turn(), move)
		if err != nil {
			if errors.Is(err, game.ErrIllegalMove) {
				logger.Info("illegal move forfeits", zap.String("player_id", mover), zap.Error(err))
				return forfeitResult(p, map[string]bool{mover: true}, scoring)
			}
			logger.Error("adapter failure", zap.Error(err))
			return e.erroredResult(p)
		}
		state = next
	}
}

// requestMove sends MOVE_REQUEST to the on-turn player and validates the
// reply shape. Any failure forfeits the mover.
func (e *Executor) requestMove(matchCtx context.Context, p protocol.MatchAssignPayload, state game.State, mover string, timeout time.Duration, logger *zap.Logger) (json.RawMessage, *protocol.Error) {
	snapshot, err := state.Snapshot()
	if err != nil {
		logger.Error("snapshot failed", zap.Error(err))
		return nil, protocol.Errorf(protocol.ErrInternal, "snapshot failed")
	}

	env := e.matchEnvelope(protocol.MsgMoveRequest, p)
	payload := protocol.MoveRequestPayload{
		MatchID:  p.MatchID,
		Snapshot: snapshot,
		Deadline: protocol.FormatTimestamp(e.clock.Now().Add(timeout)),
	}

	e.auditOut(env, payload, protocol.Sender{Kind: protocol.KindPlayer, AgentID: mover}.String())
	ctx, cancel := context.WithTimeout(matchCtx, timeout)
	defer cancel()
	reply, err := e.client.Call(ctx, p.PlayerEndpoints[mover], env, payload)
	if err != nil || reply == nil {
		logger.Info("move request failed, player forfeits",
			zap.String("player_id", mover), zap.Error(err))
		return nil, protocol.Errorf(protocol.ErrTimeout, "player %s did not move in time", mover)
	}
	if reply.Envelope.MessageType != protocol.MsgMoveResponse {
		return nil, protocol.Errorf(protocol.ErrPrecondition, "unexpected reply %s", reply.Envelope.MessageType)
	}
	var move protocol.MoveResponsePayload
	if err := json.Unmarshal(reply.Payload, &move); err != nil || move.AgentID != mover || len(move.Move) == 0 {
		logger.Info("malformed move response, player forfeits", zap.String("player_id", mover))
		return nil, protocol.Errorf(protocol.ErrPrecondition, "malformed move response")
	}
	return move.Move, nil
}

// finish notifies the players, reports the result to the manager, and frees
// the slot.
func (e *Executor) finish(p protocol.MatchAssignPayload, result *protocol.MatchResult, logger *zap.Logger) {
	e.setPhase(p, phaseReporting)
	e.notifyGameOver(p, result, logger)

	if err := e.Report(p.RoundID, result); err != nil {
		logger.Error("result report failed", zap.Error(err))
	}

	e.metrics.ObserveMatch(result.Status)
	logger.Info("match finished", zap.String("status", result.Status))

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
	clearState(e.cfg.StateDir)
}

// notifyGameOver sends GAME_OVER to both players, best effort.
func (e *Executor) notifyGameOver(p protocol.MatchAssignPayload, result *protocol.MatchResult, logger *zap.Logger) {
	payload := protocol.GameOverPayload{MatchID: p.MatchID, Result: result}
	for _, playerID := range []string{p.PlayerA, p.PlayerB} {
		env := e.matchEnvelope(protocol.MsgGameOver, p)
		e.auditOut(env, payload, protocol.Sender{Kind: protocol.KindPlayer, AgentID: playerID}.String())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := e.client.Call(ctx, p.PlayerEndpoints[playerID], env, payload); err != nil {
			logger.Warn("game over notification failed", zap.String("player_id", playerID), zap.Error(err))
		}
		cancel()
	}
}

// Report sends RESULT_REPORT to the manager with retries and waits for the
// RESULT_ACK.
func (e *Executor) Report(roundID int, result *protocol.MatchResult) error {
	env := protocol.NewEnvelope(protocol.MsgResultReport, e.sender(), e.clock.Now())
	env.LeagueID = e.leagueID
	env.AuthToken = e.authToken
	env.RoundID = roundID
	env.MatchID = result.MatchID

	payload := protocol.ResultReportPayload{RefereeID: e.cfg.AgentID, Result: result}
	e.auditOut(env, payload, protocol.ManagerSender)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	reply, err := e.client.CallWithRetry(ctx, e.cfg.ManagerURL, env, payload)
	if err != nil {
		return fmt.Errorf("referee: report result: %w", err)
	}

	var ack protocol.ResultAckPayload
	if err := json.Unmarshal(reply.Payload, &ack); err != nil {
		return fmt.Errorf("referee: undecodable result ack: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("referee: manager refused result for %s", result.MatchID)
	}
	return nil
}

// RecoverInterrupted reports any match that was in flight when the previous
// process died. The game position is unrecoverable, so the match is ERRORED.
func (e *Executor) RecoverInterrupted() error {
	state, err := loadState(e.cfg.StateDir)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	e.logger.Warn("recovering interrupted match as errored",
		zap.String("match_id", state.MatchID),
		zap.String("phase", state.Phase))

	result := &protocol.MatchResult{
		MatchID: state.MatchID,
		Status:  protocol.MatchErrored,
		Players: []protocol.PlayerResult{
			{PlayerID: state.PlayerA, Outcome: protocol.OutcomeLoss, Points: 0},
			{PlayerID: state.PlayerB, Outcome: protocol.OutcomeLoss, Points: 0},
		},
	}
	if err := e.Report(state.RoundID, result); err != nil {
		return err
	}
	clearState(e.cfg.StateDir)
	return nil
}

// matchEnvelope builds an outbound envelope scoped to the match.
func (e *Executor) matchEnvelope(msgType protocol.MessageType, p protocol.MatchAssignPayload) protocol.Envelope {
	env := protocol.NewEnvelope(msgType, e.sender(), e.clock.Now())
	env.LeagueID = e.leagueID
	env.AuthToken = e.authToken
	env.RoundID = p.RoundID
	env.MatchID = p.MatchID
	return env
}

func (e *Executor) setPhase(p protocol.MatchAssignPayload, phase string) {
	e.mu.Lock()
	if e.current != nil && e.current.payload.MatchID == p.MatchID {
		e.current.phase = phase
	}
	e.mu.Unlock()

	if err := saveState(e.cfg.StateDir, matchState{
		MatchID:  p.MatchID,
		RoundID:  p.RoundID,
		LeagueID: e.leagueID,
		GameType: p.GameType,
		PlayerA:  p.PlayerA,
		PlayerB:  p.PlayerB,
		Phase:    phase,
	}); err != nil {
		e.logger.Error("failed to persist match phase", zap.Error(err))
	}
}

func otherPlayer(p protocol.MatchAssignPayload, playerID string) string {
	if playerID == p.PlayerA {
		return p.PlayerB
	}
	return p.PlayerA
}

func playerForMark(p protocol.MatchAssignPayload, mark game.Mark) string {
	if mark == game.MarkA {
		return p.PlayerA
	}
	return p.PlayerB
}

// completedResult scores a game the adapter finished normally, using the
// game type's scoring table.
func completedResult(p protocol.MatchAssignPayload, outcome game.Outcome, state game.State, scoring game.Scoring) *protocol.MatchResult {
	var a, b protocol.PlayerResult
	switch outcome {
	case game.OutcomeAWins:
		a = protocol.PlayerResult{PlayerID: p.PlayerA, Outcome: protocol.OutcomeWin, Points: scoring.Win}
		b = protocol.PlayerResult{PlayerID: p.PlayerB, Outcome: protocol.OutcomeLoss, Points: scoring.Loss}
	case game.OutcomeBWins:
		a = protocol.PlayerResult{PlayerID: p.PlayerA, Outcome: protocol.OutcomeLoss, Points: scoring.Loss}
		b = protocol.PlayerResult{PlayerID: p.PlayerB, Outcome: protocol.OutcomeWin, Points: scoring.Win}
	default:
		a = protocol.PlayerResult{PlayerID: p.PlayerA, Outcome: protocol.OutcomeDraw, Points: scoring.Draw}
		b = protocol.PlayerResult{PlayerID: p.PlayerB, Outcome: protocol.OutcomeDraw, Points: scoring.Draw}
	}

	result := &protocol.MatchResult{
		MatchID: p.MatchID,
		Status:  protocol.MatchCompleted,
		Players: []protocol.PlayerResult{a, b},
	}
	if snapshot, err := state.Snapshot(); err == nil {
		result.GameMetadata = snapshot
	}
	return result
}

// forfeitResult scores a forfeit: the offender loses with 0 points, the
// opponent takes the win from the scoring table. Mutual forfeits leave both
// at 0.
func forfeitResult(p protocol.MatchAssignPayload, forfeits map[string]bool, scoring game.Scoring) *protocol.MatchResult {
	score := func(playerID string) protocol.PlayerResult {
		if forfeits[playerID] {
			return protocol.PlayerResult{PlayerID: playerID, Outcome: protocol.OutcomeLoss, Points: 0}
		}
		return protocol.PlayerResult{PlayerID: playerID, Outcome: protocol.OutcomeWin, Points: scoring.Win}
	}
	return &protocol.MatchResult{
		MatchID: p.MatchID,
		Status:  protocol.MatchForfeited,
		Players: []protocol.PlayerResult{score(p.PlayerA), score(p.PlayerB)},
	}
}

// erroredResult records an internal failure: no winner, no points.
func (e *Executor) erroredResult(p protocol.MatchAssignPayload) *protocol.MatchResult {
	return &protocol.MatchResult{
		MatchID: p.MatchID,
		Status:  protocol.MatchErrored,
		Players: []protocol.PlayerResult{
			{PlayerID: p.PlayerA, Outcome: protocol.OutcomeLoss, Points: 0},
			{PlayerID: p.PlayerB, Outcome: protocol.OutcomeLoss, Points: 0},
		},
	}
}
