package jsonrpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbracket/openbracket/internal/protocol"
)

func postRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
}

func TestDecodeRequestValid(t *testing.T) {
	body := `{
		"jsonrpc": "2.0",
		"method": "league.handle",
		"id": "conv-1",
		"params": {
			"envelope": {"protocol": "league.v2", "message_type": "QUERY_STANDINGS"},
			"payload": {"league_id": "league-1"}
		}
	}`

	req, rpcErr := DecodeRequest(postRequest(t, body))
	require.Nil(t, rpcErr)
	assert.Equal(t, Method, req.Method)
	assert.Equal(t, `"conv-1"`, string(req.ID))
	assert.Equal(t, protocol.MsgQueryStandings, req.Params.Envelope.MessageType)
	assert.JSONEq(t, `{"league_id":"league-1"}`, string(req.Params.Payload))
}

func TestDecodeRequestShapeFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
		code int
	}{
		{"not json", "{nope", CodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","method":"league.handle","id":1}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"league.noSuchThing","id":1}`, CodeMethodNotFound},
		{"missing id", `{"jsonrpc":"2.0","method":"league.handle"}`, CodeInvalidRequest},
		{"null id", `{"jsonrpc":"2.0","method":"league.handle","id":null}`, CodeInvalidRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rpcErr := DecodeRequest(postRequest(t, tc.body))
			require.NotNil(t, rpcErr)
			assert.Equal(t, tc.code, rpcErr.Code)
		})
	}
}

func TestWriteResult(t *testing.T) {
	rec := httptest.NewRecorder()
	env := protocol.NewEnvelope(protocol.MsgResultAck, protocol.Sender{Manager: true}, time.Now())
	WriteResult(rec, json.RawMessage(`"conv-1"`), env, map[string]bool{"accepted": true})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp.Jsonrpc)
	assert.Equal(t, `"conv-1"`, string(resp.ID))
	assert.Nil(t, resp.Err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, protocol.MsgResultAck, resp.Result.Envelope.MessageType)
	assert.JSONEq(t, `{"accepted":true}`, string(resp.Result.Payload))
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, nil, &Error{Code: CodeInvalidRequest, Message: "bad request"})

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "null", string(resp.ID), "missing id becomes null per JSON-RPC 2.0")
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Err)
	assert.Equal(t, CodeInvalidRequest, resp.Err.Code)
}
