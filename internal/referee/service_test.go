package referee

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/audit"
	"github.com/openbracket/openbracket/internal/client"
	"github.com/openbracket/openbracket/internal/game"
	"github.com/openbracket/openbracket/internal/jsonrpc"
	"github.com/openbracket/openbracket/internal/metrics"
	"github.com/openbracket/openbracket/internal/protocol"
)

func newTestService(t *testing.T, managerURL string) (*Service, *Handler) {
	t.Helper()
	cfg := Config{
		AgentID:       "ref-1",
		Endpoint:      "http://localhost:0/mcp",
		ManagerURL:    managerURL,
		StateDir:      t.TempDir(),
		InviteTimeout: 2 * time.Second,
	}
	clock := clockwork.NewRealClock()
	rpc := client.New(2*time.Second, 0, 10*time.Millisecond, zap.NewNop())
	auditLog, err := audit.Open(cfg.StateDir+"/audit.ndjson", clock, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })
	exec := NewExecutor(cfg, game.NewRegistry(), rpc, auditLog, clock, metrics.New("referee"), zap.NewNop())
	service := NewService(cfg, exec, rpc, clock, zap.NewNop())
	handler := NewHandler(protocol.NewValidator(clock, 0, false, nil), service, clock)
	return service, handler
}

func TestRegisterSetsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, rpcErr := jsonrpc.DecodeRequest(r)
		require.Nil(t, rpcErr)
		assert.Equal(t, protocol.MsgRegisterReferee, req.Params.Envelope.MessageType)

		var reg protocol.RegisterPayload
		require.NoError(t, json.Unmarshal(req.Params.Payload, &reg))
		assert.Equal(t, "ref-1", reg.AgentID)

		reply := req.Params.Envelope.Reply(protocol.MsgRegistrationResponse, protocol.Sender{Manager: true}, time.Now())
		jsonrpc.WriteResult(w, req.ID, reply, protocol.RegistrationResponsePayload{
			AgentID:   "ref-1",
			AuthToken: "issued-token",
			LeagueID:  "league-1",
		})
	}))
	defer srv.Close()

	service, _ := newTestService(t, srv.URL)
	require.NoError(t, service.Register(context.Background()))
	assert.Equal(t, "league-1", service.executor.leagueID)
	assert.Equal(t, "issued-token", service.executor.authToken)
}

func TestRegisterAbortsOnDecidedRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, rpcErr := jsonrpc.DecodeRequest(r)
		require.Nil(t, rpcErr)
		reply := req.Params.Envelope.Reply(protocol.MsgError, protocol.Sender{Manager: true}, time.Now())
		jsonrpc.WriteResult(w, req.ID, reply, protocol.Errorf(protocol.ErrDuplicateID, "agent_id ref-1 is already registered"))
	}))
	defer srv.Close()

	service, _ := newTestService(t, srv.URL)
	err := service.Register(context.Background())
	require.Error(t, err)

	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrDuplicateID, perr.Code)
}

func TestHandlerAcknowledgesRoundAnnounce(t *testing.T) {
	_, handler := newTestService(t, "http://localhost:0/mcp")

	env := protocol.NewEnvelope(protocol.MsgRoundAnnounce, protocol.Sender{Manager: true}, time.Now())
	env.LeagueID = "league-1"
	env.RoundID = 1

	reply, body, perr := handler.Handle(context.Background(), env, json.RawMessage(`{"round_id":1,"matches":[]}`))
	require.Nil(t, perr)
	assert.Equal(t, protocol.MsgRoundAnnounce, reply.MessageType)
	assert.Equal(t, env.ConversationID, reply.ConversationID)
	assert.Equal(t, "ref-1", body.(protocol.AckPayload).AgentID)
}

func TestHandlerRejectsAnnounceFromNonManager(t *testing.T) {
	_, handler := newTestService(t, "http://localhost:0/mcp")

	env := protocol.NewEnvelope(protocol.MsgRoundAnnounce, protocol.Sender{Kind: protocol.KindPlayer, AgentID: "alice"}, time.Now())
	env.LeagueID = "league-1"
	env.RoundID = 1

	_, _, perr := handler.Handle(context.Background(), env, json.RawMessage(`{}`))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrPrecondition, perr.Code)
}

func TestHandlerAssignsMatch(t *testing.T) {
	mgr, reports := fakeManager(t)
	alice := newFakePlayer(t, "alice")
	bob := newFakePlayer(t, "bob")

	service, handler := newTestService(t, mgr.URL)
	service.executor.SetIdentity("league-1", "tok")

	env, payload := makeAssignment("league-1-r1-m1", alice, bob)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	reply, body, perr := handler.Handle(context.Background(), env, raw)
	require.Nil(t, perr)
	assert.Equal(t, protocol.MsgMatchAssign, reply.MessageType, "acks echo the request type")
	assert.Equal(t, "ref-1", body.(protocol.AckPayload).AgentID)

	awaitReport(t, reports)
}

func TestHandlerRejectsAssignMismatch(t *testing.T) {
	_, handler := newTestService(t, "http://localhost:0/mcp")

	alice := newFakePlayer(t, "alice")
	bob := newFakePlayer(t, "bob")
	env, payload := makeAssignment("league-1-r1-m1", alice, bob)
	payload.MatchID = "league-1-r1-m2"
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	_, _, perr := handler.Handle(context.Background(), env, raw)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrEnvelopeInvalid, perr.Code)
}

func TestHandlerRejectsAssignFromNonManager(t *testing.T) {
	_, handler := newTestService(t, "http://localhost:0/mcp")

	alice := newFakePlayer(t, "alice")
	bob := newFakePlayer(t, "bob")
	env, payload := makeAssignment("league-1-r1-m1", alice, bob)
	env.Sender = "player:alice"
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	_, _, perr := handler.Handle(context.Background(), env, raw)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.ErrPrecondition, perr.Code)
}
