// Package token issues and verifies the per-agent auth tokens handed out at
// registration. Tokens are HS256-signed JWTs; the manager additionally keeps
// a SHA-256 hash of every live token in the database so that restart, revoke,
// and "exactly one live token per agent" all work without holding raw tokens
// at rest.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/db"
	"github.com/openbracket/openbracket/internal/protocol"
	"github.com/openbracket/openbracket/internal/repositories"
)

// Claims are the JWT claims embedded in every agent token.
type Claims struct {
	LeagueID string `json:"league_id"`
	Kind     string `json:"kind"`
	AgentID  string `json:"agent_id"`
	jwt.RegisteredClaims
}

// Store signs, persists, and verifies agent tokens. It implements
// protocol.TokenVerifier for the manager's envelope validator.
type Store struct {
	secret []byte
	tokens repositories.TokenRepository
	clock  clockwork.Clock
	logger *zap.Logger
	ttl    time.Duration
}

// NewStore builds a Store. ttl of zero means tokens never expire (the common
// configuration: a league outlives any reasonable expiry window anyway).
func NewStore(secret []byte, tokens repositories.TokenRepository, clock clockwork.Clock, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		secret: secret,
		tokens: tokens,
		clock:  clock,
		logger: logger.Named("token"),
		ttl:    ttl,
	}
}

// Hash returns the hex SHA-256 of a raw token, the form stored at rest.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Mint signs a standalone token bound to one agent identity. Store.Issue
// wraps it with predecessor revocation and hash persistence.
func Mint(secret []byte, leagueID string, kind protocol.AgentKind, agentID, conversationID string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		LeagueID: leagueID,
		Kind:     string(kind),
		AgentID:  agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  agentID,
			IssuedAt: jwt.NewNumericDate(now.UTC()),
			ID:       conversationID,
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.UTC().Add(ttl))
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return raw, nil
}

// Issue signs a fresh token for the agent, revokes any live predecessor, and
// records the new token's hash. conversationID is the registration
// conversation, kept so a retried REGISTER can be answered with a fresh token
// while the registry row stays untouched.
func (s *Store) Issue(ctx context.Context, leagueID string, kind protocol.AgentKind, agentID, conversationID string) (string, error) {
	raw, err := Mint(s.secret, leagueID, kind, agentID, conversationID, s.clock.Now(), s.ttl)
	if err != nil {
		return "", err
	}

	if err := s.tokens.RevokeForAgent(ctx, leagueID, string(kind), agentID); err != nil {
		return "", fmt.Errorf("token: revoke predecessor: %w", err)
	}
	rec := &db.Token{
		LeagueID:       leagueID,
		Kind:           string(kind),
		AgentID:        agentID,
		TokenHash:      Hash(raw),
		ConversationID: conversationID,
	}
	if err := s.tokens.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("token: persist: %w", err)
	}

	s.logger.Info("issued token",
		zap.String("league_id", leagueID),
		zap.String("kind", string(kind)),
		zap.String("agent_id", agentID))
	return raw, nil
}

// VerifyToken implements protocol.TokenVerifier: signature, claim binding,
// and liveness (hash present and unrevoked) must all hold.
func (s *Store) VerifyToken(raw, leagueID string, kind protocol.AgentKind, agentID string) error {
	claims, err := s.parse(raw)
	if err != nil {
		return protocol.Errorf(protocol.ErrAuthInvalid, "auth token rejected")
	}
	if claims.LeagueID != leagueID || claims.Kind != string(kind) || claims.AgentID != agentID {
		return protocol.Errorf(protocol.ErrAuthInvalid, "auth token not bound to sender")
	}

	rec, err := s.tokens.GetByHash(context.Background(), Hash(raw))
	if err != nil {
		return protocol.Errorf(protocol.ErrAuthInvalid, "auth token unknown")
	}
	if rec.RevokedAt != nil {
		return protocol.Errorf(protocol.ErrAuthInvalid, "auth token revoked")
	}
	return nil
}

// Revoke invalidates the agent's live token, if any.
func (s *Store) Revoke(ctx context.Context, leagueID string, kind protocol.AgentKind, agentID string) error {
	if err := s.tokens.RevokeForAgent(ctx, leagueID, string(kind), agentID); err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	return nil
}

func (s *Store) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.clock.Now() }))
	if err != nil {
		return nil, fmt.Errorf("token: parse: %w", err)
	}
	return claims, nil
}

// SignatureVerifier verifies token signatures and claim bindings only, with
// no liveness table behind it. Referees and players hand it to their envelope
// validators so inbound peer traffic is token checked without a round trip to
// the manager's database.
type SignatureVerifier struct {
	secret []byte
	clock  clockwork.Clock
}

// NewSignatureVerifier builds a stateless verifier sharing the manager's
// signing secret.
func NewSignatureVerifier(secret []byte, clock clockwork.Clock) *SignatureVerifier {
	return &SignatureVerifier{secret: secret, clock: clock}
}

// VerifyToken implements protocol.TokenVerifier.
func (v *SignatureVerifier) VerifyToken(raw, leagueID string, kind protocol.AgentKind, agentID string) error {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return v.clock.Now() }))
	if err != nil {
		return protocol.Errorf(protocol.ErrAuthInvalid, "auth token rejected")
	}
	if claims.LeagueID != leagueID || claims.Kind != string(kind) || claims.AgentID != agentID {
		return protocol.Errorf(protocol.ErrAuthInvalid, "auth token not bound to sender")
	}
	return nil
}
