// Package jsonrpc implements the minimal slice of JSON-RPC 2.0 the league
// protocol uses: a single "league.handle" method whose params carry a
// league.v2 envelope and an opaque payload. League-level errors travel as
// successful responses; only transport-shape failures use JSON-RPC error
// objects.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openbracket/openbracket/internal/protocol"
)

// Method is the only JSON-RPC method the services accept.
const Method = "league.handle"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// maxBodyBytes caps request bodies. Game snapshots are small; anything near
// this limit is malformed or hostile.
const maxBodyBytes = 1 << 20

// Params is the params object of every league.handle call.
type Params struct {
	Envelope protocol.Envelope `json:"envelope"`
	Payload  json.RawMessage   `json:"payload"`
}

// Request is an inbound JSON-RPC 2.0 request.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
	Params  Params          `json:"params"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Response is an outbound JSON-RPC 2.0 response. Exactly one of Result and
// Err is set.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *Params         `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
}

// DecodeRequest reads and validates the JSON-RPC shape of an HTTP request
// body. Shape failures return an *Error with the appropriate standard code;
// envelope-level rules are not checked here.
func DecodeRequest(r *http.Request) (*Request, *Error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "unreadable request body"}
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "request body is not valid JSON-RPC"}
	}
	if req.Jsonrpc != "2.0" {
		return nil, &Error{Code: CodeInvalidRequest, Message: `jsonrpc must be "2.0"`}
	}
	if req.Method == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "method is required"}
	}
	if req.Method != Method {
		return nil, &Error{Code: CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
	if len(req.ID) == 0 || string(req.ID) == "null" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "id is required"}
	}
	return &req, nil
}

// WriteResult writes a JSON-RPC success whose result carries env + payload.
// payload is marshalled here so handlers can pass typed structs.
func WriteResult(w http.ResponseWriter, id json.RawMessage, env protocol.Envelope, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		WriteError(w, id, &Error{Code: CodeInternalError, Message: "failed to encode response payload"})
		return
	}
	writeJSON(w, Response{
		Jsonrpc: "2.0",
		ID:      id,
		Result:  &Params{Envelope: env, Payload: raw},
	})
}

// WriteError writes a JSON-RPC error response. Used only for transport-shape
// failures; league-level errors go through WriteResult with an ERROR
// envelope.
func WriteError(w http.ResponseWriter, id json.RawMessage, rpcErr *Error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	writeJSON(w, Response{Jsonrpc: "2.0", ID: id, Err: rpcErr})
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
