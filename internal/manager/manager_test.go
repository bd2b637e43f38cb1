package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/openbracket/openbracket/internal/audit"
	"github.com/openbracket/openbracket/internal/client"
	"github.com/openbracket/openbracket/internal/db"
	"github.com/openbracket/openbracket/internal/events"
	"github.com/openbracket/openbracket/internal/game"
	"github.com/openbracket/openbracket/internal/jsonrpc"
	"github.com/openbracket/openbracket/internal/metrics"
	"github.com/openbracket/openbracket/internal/protocol"
	"github.com/openbracket/openbracket/internal/repositories"
	"github.com/openbracket/openbracket/internal/token"
)

// fixture wires a coordinator over a real temp-file SQLite database, with a
// stub agent endpoint that acknowledges every notification.
type fixture struct {
	coord    *Coordinator
	store    *repositories.Store
	tokens   *token.Store
	audit    *audit.Log
	clock    *clockwork.FakeClock
	cfg      Config
	endpoint string
	dbPath   string
}

// ackServer acknowledges any league.handle call by echoing the request's
// message type with an empty ack payload, the way referees and players answer
// MATCH_ASSIGN and ROUND_ANNOUNCE.
func ackServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, rpcErr := jsonrpc.DecodeRequest(r)
		if rpcErr != nil {
			jsonrpc.WriteError(w, nil, rpcErr)
			return
		}
		reply := req.Params.Envelope.Reply(req.Params.Envelope.MessageType,
			protocol.Sender{Kind: protocol.KindReferee, AgentID: "stub"}, time.Now())
		jsonrpc.WriteResult(w, req.ID, reply, protocol.AckPayload{})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.LeagueID = "league-1"
	cfg.AuthEnabled = false
	cfg.AdminToken = "admin-secret"
	if mutate != nil {
		mutate(&cfg)
	}

	dbPath := filepath.Join(t.TempDir(), "league.db")
	return newFixtureAt(t, cfg, dbPath)
}

func newFixtureAt(t *testing.T, cfg Config, dbPath string) *fixture {
	t.Helper()

	database, err := db.New(db.Config{Path: dbPath, Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)

	store := repositories.NewStore(database)
	clock := clockwork.NewFakeClock()
	tokens := token.NewStore([]byte("test-secret"), store.Tokens, clock, 0, zap.NewNop())
	rpc := client.New(2*time.Second, 0, 10*time.Millisecond, zap.NewNop())
	auditLog, err := audit.Open(dbPath+".audit.ndjson", clock, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	coord := New(cfg, store, tokens, game.NewRegistry(), rpc, auditLog, clock, events.NewHub(), metrics.New("manager"), zap.NewNop())
	require.NoError(t, coord.Bootstrap(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{
		coord:    coord,
		store:    store,
		tokens:   tokens,
		audit:    auditLog,
		clock:    clock,
		cfg:      cfg,
		endpoint: ackServer(t).URL,
		dbPath:   dbPath,
	}
}

func (f *fixture) submit(t *testing.T, env protocol.Envelope, sender protocol.Sender, payload any) (protocol.Envelope, any, *protocol.Error) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.coord.Submit(ctx, env, sender, raw)
}

func (f *fixture) register(t *testing.T, kind protocol.AgentKind, agentID string) (protocol.Envelope, any, *protocol.Error) {
	t.Helper()
	msgType := protocol.MsgRegisterReferee
	if kind == protocol.KindPlayer {
		msgType = protocol.MsgRegisterPlayer
	}
	sender := protocol.Sender{Kind: kind, AgentID: agentID}
	env := protocol.NewEnvelope(msgType, sender, f.clock.Now())
	return f.submit(t, env, sender, protocol.RegisterPayload{AgentID: agentID, Endpoint: f.endpoint})
}

func (f *fixture) advance(t *testing.T, adminToken string) (any, *protocol.Error) {
	t.Helper()
	env := protocol.NewEnvelope(protocol.MsgLeagueAdvance, protocol.Sender{Manager: true}, f.clock.Now())
	env.LeagueID = f.cfg.LeagueID
	_, payload, perr := f.submit(t, env, protocol.Sender{Manager: true}, protocol.LeagueAdvancePayload{AdminToken: adminToken})
	return payload, perr
}

func (f *fixture) reportResult(t *testing.T, refereeID string, result *protocol.MatchResult, roundID int) (any, *protocol.Error) {
	t.Helper()
	sender := protocol.Sender{Kind: protocol.KindReferee, AgentID: refereeID}
	env := protocol.NewEnvelope(protocol.MsgResultReport, sender, f.clock.Now())
	env.LeagueID = f.cfg.LeagueID
	env.RoundID = roundID
	env.MatchID = result.MatchID
	_, payload, perr := f.submit(t, env, sender, protocol.ResultReportPayload{RefereeID: refereeID, Result: result})
	return payload, perr
}

func (f *fixture) queryStandings(t *testing.T) protocol.StandingsResponsePayload {
	t.Helper()
	sender := protocol.Sender{Kind: protocol.KindPlayer, AgentID: "alice"}
	env := protocol.NewEnvelope(protocol.MsgQueryStandings, sender, f.clock.Now())
	env.LeagueID = f.cfg.LeagueID
	_, payload, perr := f.submit(t, env, sender, struct{}{})
	require.Nil(t, perr)
	resp, ok := payload.(protocol.StandingsResponsePayload)
	require.True(t, ok)
	return resp
}

func completedResult(matchID, winner, loser string) *protocol.MatchResult {
	return &protocol.MatchResult{
		MatchID: matchID,
		Status:  protocol.MatchCompleted,
		Players: []protocol.PlayerResult{
			{PlayerID: winner, Outcome: protocol.OutcomeWin, Points: 3},
			{PlayerID: loser, Outcome: protocol.OutcomeLoss, Points: 0},
		},
	}
}

func TestRegisterRefereeIssuesToken(t *testing.T) {
	f := newFixture(t, nil)

	env, payload, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	assert.Equal(t, protocol.MsgRegistrationResponse, env.MessageType)

	resp, ok := payload.(protocol.RegistrationResponsePayload)
	require.True(t, ok)
	assert.Equal(t, "ref-1", resp.AgentID)
	assert.Equal(t, "league-1", resp.LeagueID)
	assert.NotEmpty(t, resp.AuthToken)

	ref, err := f.store.Agents.GetReferee(context.Background(), "league-1", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, AgentRegistered, ref.Status)
}

func TestPlayerRegistrationRequiresReferee(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindPlayer, "alice")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrPrecondition, perr.Code)

	_, _, perr = f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)

	_, _, perr = f.register(t, protocol.KindPlayer, "alice")
	assert.Nil(t, perr)
}

func TestRegisterDuplicateID(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)

	// A different conversation claiming the same agent_id is refused.
	_, _, perr = f.register(t, protocol.KindReferee, "ref-1")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrDuplicateID, perr.Code)
}

func TestRegisterIdempotentRetry(t *testing.T) {
	f := newFixture(t, nil)

	sender := protocol.Sender{Kind: protocol.KindReferee, AgentID: "ref-1"}
	env := protocol.NewEnvelope(protocol.MsgRegisterReferee, sender, f.clock.Now())
	payload := protocol.RegisterPayload{AgentID: "ref-1", Endpoint: f.endpoint}

	_, first, perr := f.submit(t, env, sender, payload)
	require.Nil(t, perr)
	_, second, perr := f.submit(t, env, sender, payload)
	require.Nil(t, perr)

	tokenOf := func(v any) string { return v.(protocol.RegistrationResponsePayload).AuthToken }
	assert.Equal(t, tokenOf(first), tokenOf(second), "retry in the same conversation returns the original token")

	// Same conversation, different endpoint: not a retry.
	payload.Endpoint = "http://elsewhere:9999/mcp"
	_, _, perr = f.submit(t, env, sender, payload)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrPrecondition, perr.Code)
}

func TestRegisterSenderMustMatchPayload(t *testing.T) {
	f := newFixture(t, nil)

	sender := protocol.Sender{Kind: protocol.KindReferee, AgentID: "ref-1"}
	env := protocol.NewEnvelope(protocol.MsgRegisterReferee, sender, f.clock.Now())
	_, _, perr := f.submit(t, env, sender, protocol.RegisterPayload{AgentID: "someone-else", Endpoint: f.endpoint})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrEnvelopeInvalid, perr.Code)
}

func TestLeagueAdvanceGates(t *testing.T) {
	f := newFixture(t, nil)

	_, perr := f.advance(t, "wrong-token")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrAuthInvalid, perr.Code)

	// Below player minimum.
	_, _, rerr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, rerr)
	_, perr = f.advance(t, "admin-secret")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrPrecondition, perr.Code)
}

func TestLeagueAdvanceClosesRegistrationAndAssigns(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	for _, p := range []string{"alice", "bob"} {
		_, _, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
	}

	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)

	ctx := context.Background()
	league, err := f.store.Leagues.Get(ctx, "league-1")
	require.NoError(t, err)
	assert.Equal(t, LeagueActive, league.Status)
	assert.Equal(t, 1, league.CurrentRound)

	matches, err := f.store.Schedule.ListMatchesByRound(ctx, "league-1", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "league-1-r1-m1", matches[0].MatchID)
	assert.Equal(t, "alice", matches[0].PlayerA)
	assert.Equal(t, "bob", matches[0].PlayerB)
	assert.Equal(t, MatchAssigned, matches[0].Status)
	assert.Equal(t, "ref-1", matches[0].RefereeID)

	// Registration is now closed.
	_, _, perr = f.register(t, protocol.KindPlayer, "carol")
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrRegistrationClosed, perr.Code)
}

func TestTargetPlayersAutoCloses(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.TargetPlayers = 2 })

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	_, _, perr = f.register(t, protocol.KindPlayer, "alice")
	require.Nil(t, perr)
	_, _, perr = f.register(t, protocol.KindPlayer, "bob")
	require.Nil(t, perr)

	league, err := f.store.Leagues.Get(context.Background(), "league-1")
	require.NoError(t, err)
	assert.Equal(t, LeagueActive, league.Status)
}

func TestResultAcceptedPublishesStandingsAndCompletesLeague(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	for _, p := range []string{"alice", "bob"} {
		_, _, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
	}
	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)

	payload, rerr := f.reportResult(t, "ref-1", completedResult("league-1-r1-m1", "alice", "bob"), 1)
	require.Nil(t, rerr)
	ack, ok := payload.(protocol.ResultAckPayload)
	require.True(t, ok)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "league-1-r1-m1", ack.MatchID)

	standings := f.queryStandings(t)
	require.Len(t, standings.Rows, 2)
	assert.Equal(t, "alice", standings.Rows[0].PlayerID)
	assert.Equal(t, 3, standings.Rows[0].Points)
	assert.Equal(t, 1, standings.Rows[0].Rank)
	assert.Equal(t, "bob", standings.Rows[1].PlayerID)
	assert.Equal(t, 0, standings.Rows[1].Points)
	assert.Equal(t, 2, standings.Rows[1].Rank)

	// Two players means a single round; the league is done.
	league, err := f.store.Leagues.Get(context.Background(), "league-1")
	require.NoError(t, err)
	assert.Equal(t, LeagueCompleted, league.Status)
}

func TestResultIdempotentAndConflicting(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	for _, p := range []string{"alice", "bob"} {
		_, _, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
	}
	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)

	result := completedResult("league-1-r1-m1", "alice", "bob")
	_, rerr := f.reportResult(t, "ref-1", result, 1)
	require.Nil(t, rerr)

	// Identical re-submission: acknowledged again.
	payload, rerr := f.reportResult(t, "ref-1", result, 1)
	require.Nil(t, rerr)
	assert.True(t, payload.(protocol.ResultAckPayload).Accepted)

	// Divergent re-submission: refused.
	flipped := completedResult("league-1-r1-m1", "bob", "alice")
	_, rerr = f.reportResult(t, "ref-1", flipped, 1)
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.ErrResultConflict, rerr.Code)

	seq, err := f.store.Standings.LatestSeq(context.Background(), "league-1")
	require.NoError(t, err)
	assert.Equal(t, 1, seq, "neither retry nor conflict may publish a new snapshot")
}

func TestResultFromWrongReferee(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	for _, p := range []string{"alice", "bob"} {
		_, _, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
	}
	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)

	_, rerr := f.reportResult(t, "ref-2", completedResult("league-1-r1-m1", "alice", "bob"), 1)
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.ErrNotAssigned, rerr.Code)
}

func TestResultValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	for _, p := range []string{"alice", "bob"} {
		_, _, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
	}
	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)

	bad := completedResult("league-1-r1-m1", "alice", "bob")
	bad.Players[1].PlayerID = "mallory"
	_, rerr := f.reportResult(t, "ref-1", bad, 1)
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.ErrEnvelopeInvalid, rerr.Code)

	bad = completedResult("league-1-r1-m1", "alice", "bob")
	bad.Status = "CANCELLED"
	_, rerr = f.reportResult(t, "ref-1", bad, 1)
	require.NotNil(t, rerr)
	assert.Equal(t, protocol.ErrEnvelopeInvalid, rerr.Code)
}

func TestQueryStandingsRequiresActiveLeague(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	for _, p := range []string{"bob", "alice"} {
		_, _, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
	}

	// During registration there is nothing to publish yet.
	sender := protocol.Sender{Kind: protocol.KindPlayer, AgentID: "alice"}
	env := protocol.NewEnvelope(protocol.MsgQueryStandings, sender, f.clock.Now())
	env.LeagueID = f.cfg.LeagueID
	_, _, perr = f.submit(t, env, sender, struct{}{})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrPrecondition, perr.Code)

	// Once active but before any result: the zeroed table.
	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)

	resp := f.queryStandings(t)
	require.Len(t, resp.Rows, 2)
	assert.Equal(t, "alice", resp.Rows[0].PlayerID)
	assert.Equal(t, 0, resp.Rows[0].Points)
	assert.Equal(t, 1, resp.Rows[0].Rank)
	assert.Equal(t, 1, resp.Rows[1].Rank, "all-zero table is one big tie")
}

func TestUnroutableMessageType(t *testing.T) {
	f := newFixture(t, nil)

	sender := protocol.Sender{Kind: protocol.KindPlayer, AgentID: "alice"}
	env := protocol.NewEnvelope(protocol.MsgMoveResponse, sender, f.clock.Now())
	env.LeagueID = "league-1"
	_, _, perr := f.submit(t, env, sender, struct{}{})
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrPrecondition, perr.Code)
}

func TestFourPlayerRoundProgression(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	players := []string{"alice", "bob", "carol", "dave"}
	for _, p := range players {
		_, _, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
	}
	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)

	ctx := context.Background()
	for round := 1; round <= 3; round++ {
		// One referee plays the round's matches back to back: report the
		// currently assigned match until the round drains.
		for reported := 0; reported < 2; reported++ {
			matches, err := f.store.Schedule.ListMatchesByRound(ctx, "league-1", round)
			require.NoError(t, err)

			var current *db.Match
			for i := range matches {
				if matches[i].Status == MatchAssigned {
					current = &matches[i]
					break
				}
			}
			require.NotNil(t, current, "round %d report %d: an assigned match must exist", round, reported)

			_, rerr := f.reportResult(t, "ref-1", completedResult(current.MatchID, current.PlayerA, current.PlayerB), round)
			require.Nil(t, rerr)
		}
	}

	league, err := f.store.Leagues.Get(ctx, "league-1")
	require.NoError(t, err)
	assert.Equal(t, LeagueCompleted, league.Status)

	seq, err := f.store.Standings.LatestSeq(ctx, "league-1")
	require.NoError(t, err)
	assert.Equal(t, 6, seq, "one snapshot per accepted result")

	resp := f.queryStandings(t)
	require.Len(t, resp.Rows, 4)
	assert.Equal(t, "alice", resp.Rows[0].PlayerID, "alice won all three (always player_a)")
	assert.Equal(t, 9, resp.Rows[0].Points)
}

func TestRestartReconstructsState(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	for _, p := range []string{"alice", "bob"} {
		_, _, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
	}
	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)
	_, rerr := f.reportResult(t, "ref-1", completedResult("league-1-r1-m1", "alice", "bob"), 1)
	require.Nil(t, rerr)
	before := f.queryStandings(t)

	// Second coordinator over the same database, as after a process restart.
	restarted := newFixtureAt(t, f.cfg, f.dbPath)
	after := restarted.queryStandings(t)

	assert.Equal(t, before.Rows, after.Rows, "standings survive a restart unchanged")

	league, err := restarted.store.Leagues.Get(context.Background(), "league-1")
	require.NoError(t, err)
	assert.Equal(t, LeagueCompleted, league.Status)
}

// outboundAuditByType reads the fixture's audit log back and counts the
// manager-sent records per message type.
func (f *fixture) outboundAuditByType(t *testing.T) map[protocol.MessageType]int {
	t.Helper()
	raw, err := os.ReadFile(f.dbPath + ".audit.ndjson")
	require.NoError(t, err)

	counts := map[protocol.MessageType]int{}
	for _, line := range bytes.Split(bytes.TrimSpace(raw), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec audit.Record
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec.Direction == audit.Out {
			assert.Equal(t, "league_manager", rec.From)
			counts[rec.Envelope.MessageType]++
		}
	}
	return counts
}

func TestAssignAndAnnounceAreAudited(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	for _, p := range []string{"alice", "bob"} {
		_, _, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
	}
	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)

	counts := f.outboundAuditByType(t)
	assert.Equal(t, 1, counts[protocol.MsgMatchAssign])
	assert.Equal(t, 3, counts[protocol.MsgRoundAnnounce], "one record per announce target")
}

func TestHandlerAuthRejectionAuditedWithoutMutation(t *testing.T) {
	f := newFixture(t, nil)

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	var aliceToken string
	for _, p := range []string{"alice", "bob"} {
		_, payload, perr := f.register(t, protocol.KindPlayer, p)
		require.Nil(t, perr)
		if p == "alice" {
			aliceToken = payload.(protocol.RegistrationResponsePayload).AuthToken
		}
	}
	_, aerr := f.advance(t, "admin-secret")
	require.Nil(t, aerr)

	validator := protocol.NewValidator(f.clock, 0, true, f.tokens)
	handler := NewHandler(validator, f.coord, f.audit, f.coord.metrics, f.clock, zap.NewNop())

	ctx := context.Background()
	seqBefore, err := f.store.Standings.LatestSeq(ctx, "league-1")
	require.NoError(t, err)
	auditBefore := f.audit.Written()

	sender := protocol.Sender{Kind: protocol.KindPlayer, AgentID: "alice"}
	env := protocol.NewEnvelope(protocol.MsgQueryStandings, sender, f.clock.Now())
	env.LeagueID = "league-1"
	_, _, perr = handler.Handle(ctx, env, json.RawMessage(`{}`))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrAuthRequired, perr.Code)

	// The rejection itself is on record, and nothing changed underneath it.
	assert.Equal(t, auditBefore+1, f.audit.Written())
	seqAfter, err := f.store.Standings.LatestSeq(ctx, "league-1")
	require.NoError(t, err)
	assert.Equal(t, seqBefore, seqAfter)
	players, err := f.store.Agents.ListPlayers(ctx, "league-1")
	require.NoError(t, err)
	require.Len(t, players, 2)
	for _, p := range players {
		assert.Equal(t, AgentActive, p.Status)
	}

	// The same query with alice's live token goes through.
	env = protocol.NewEnvelope(protocol.MsgQueryStandings, sender, f.clock.Now())
	env.LeagueID = "league-1"
	env.AuthToken = aliceToken
	reply, body, perr := handler.Handle(ctx, env, json.RawMessage(`{}`))
	require.Nil(t, perr)
	assert.Equal(t, protocol.MsgStandingsResponse, reply.MessageType)
	assert.Len(t, body.(protocol.StandingsResponsePayload).Rows, 2)
	assert.Equal(t, auditBefore+3, f.audit.Written(), "accepted request and its reply are both on record")
}

func TestTokenlessRequestsCountTowardSuspension(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.SuspendAfterAuthFailures = 2 })

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)
	_, _, perr = f.register(t, protocol.KindPlayer, "alice")
	require.Nil(t, perr)

	validator := protocol.NewValidator(f.clock, 0, true, f.tokens)
	handler := NewHandler(validator, f.coord, f.audit, f.coord.metrics, f.clock, zap.NewNop())

	ctx := context.Background()
	sender := protocol.Sender{Kind: protocol.KindPlayer, AgentID: "alice"}
	for i := 0; i < 2; i++ {
		env := protocol.NewEnvelope(protocol.MsgQueryStandings, sender, f.clock.Now())
		env.LeagueID = "league-1"
		_, _, perr := handler.Handle(ctx, env, json.RawMessage(`{}`))
		require.NotNil(t, perr)
		assert.Equal(t, protocol.ErrAuthRequired, perr.Code)
	}

	require.Eventually(t, func() bool {
		p, err := f.store.Agents.GetPlayer(ctx, "league-1", "alice")
		return err == nil && p.Status == AgentSuspended
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRepeatedAuthFailuresSuspendAgent(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.SuspendAfterAuthFailures = 2 })

	_, _, perr := f.register(t, protocol.KindReferee, "ref-1")
	require.Nil(t, perr)

	ctx := context.Background()
	sender := protocol.Sender{Kind: protocol.KindReferee, AgentID: "ref-1"}
	f.coord.NoteAuthFailure(ctx, sender)
	f.coord.NoteAuthFailure(ctx, sender)

	require.Eventually(t, func() bool {
		ref, err := f.store.Agents.GetReferee(ctx, "league-1", "ref-1")
		return err == nil && ref.Status == AgentSuspended
	}, 2*time.Second, 10*time.Millisecond)

	// The live token is gone with the suspension.
	_, err := f.store.Tokens.GetLiveForAgent(ctx, "league-1", "referee", "ref-1")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}
