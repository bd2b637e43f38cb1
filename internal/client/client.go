// Package client is the outbound side of the league protocol: it posts
// league.handle JSON-RPC calls to peer agents and unwraps the returned
// envelope + payload. Transport failures are retried with jittered
// exponential backoff; league-level ERROR replies are returned to the caller
// unretried, since they are decisions, not glitches.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/jsonrpc"
	"github.com/openbracket/openbracket/internal/protocol"
)

// Backoff schedule for transport retries. The initial interval is
// configurable; the rest of the shape is fixed.
const (
	defaultBackoffInitial = 500 * time.Millisecond
	backoffMax            = 10 * time.Second
	backoffFactor         = 2.0
	backoffJitter         = 0.2
)

// Reply is the unwrapped result of a successful exchange.
type Reply struct {
	Envelope protocol.Envelope
	Payload  json.RawMessage
}

// Client posts protocol messages to peer endpoints.
type Client struct {
	http           *http.Client
	logger         *zap.Logger
	retryMax       int
	backoffInitial time.Duration
}

// New builds a Client. timeout bounds each individual HTTP attempt; retryMax
// is the number of additional attempts after the first; backoffInitial of
// zero uses the default 500 ms.
func New(timeout time.Duration, retryMax int, backoffInitial time.Duration, logger *zap.Logger) *Client {
	if backoffInitial <= 0 {
		backoffInitial = defaultBackoffInitial
	}
	return &Client{
		http:           &http.Client{Timeout: timeout},
		logger:         logger.Named("client"),
		retryMax:       retryMax,
		backoffInitial: backoffInitial,
	}
}

// Call posts one league.handle request and returns the peer's reply. If the
// peer answers with an ERROR envelope, the reply payload is decoded into a
// *protocol.Error and returned as the error with the envelope intact.
func (c *Client) Call(ctx context.Context, endpoint string, env protocol.Envelope, payload any) (*Reply, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("client: encode payload: %w", err)
	}

	req := jsonrpc.Request{
		Jsonrpc: "2.0",
		Method:  jsonrpc.Method,
		ID:      json.RawMessage(fmt.Sprintf("%q", env.ConversationID)),
		Params:  jsonrpc.Params{Envelope: env, Payload: raw},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("client: post %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("client: %s returned %s", endpoint, httpResp.Status)
	}

	var resp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("client: decode response from %s: %w", endpoint, err)
	}
	if resp.Err != nil {
		return nil, fmt.Errorf("client: %s rejected request: %w", endpoint, resp.Err)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("client: %s returned neither result nor error", endpoint)
	}

	reply := &Reply{Envelope: resp.Result.Envelope, Payload: resp.Result.Payload}
	if reply.Envelope.MessageType == protocol.MsgError {
		var perr protocol.Error
		if err := json.Unmarshal(reply.Payload, &perr); err != nil {
			return reply, fmt.Errorf("client: %s sent undecodable error payload: %w", endpoint, err)
		}
		return reply, &perr
	}
	return reply, nil
}

// CallWithRetry runs Call, retrying transport failures with jittered
// exponential backoff up to the configured attempt budget. League-level
// errors (a *protocol.Error) abort immediately.
func (c *Client) CallWithRetry(ctx context.Context, endpoint string, env protocol.Envelope, payload any) (*Reply, error) {
	backoff := c.backoffInitial
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("client: retry aborted: %w", ctx.Err())
			case <-time.After(jittered(backoff)):
			}
			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}

		reply, err := c.Call(ctx, endpoint, env, payload)
		if err == nil {
			return reply, nil
		}
		if perr, ok := isLeagueError(err); ok {
			return reply, perr
		}
		lastErr = err
		c.logger.Warn("transport call failed",
			zap.String("endpoint", endpoint),
			zap.String("message_type", string(env.MessageType)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("client: %d attempts to %s exhausted: %w", c.retryMax+1, endpoint, lastErr)
}

func isLeagueError(err error) (*protocol.Error, bool) {
	var perr *protocol.Error
	ok := errors.As(err, &perr)
	return perr, ok
}

func jittered(d time.Duration) time.Duration {
	delta := float64(d) * backoffJitter
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
