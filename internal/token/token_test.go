package token

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/db"
	"github.com/openbracket/openbracket/internal/protocol"
	"github.com/openbracket/openbracket/internal/repositories"
)

// fakeTokenRepo is an in-memory TokenRepository for store tests.
type fakeTokenRepo struct {
	rows  []*db.Token
	clock clockwork.Clock
}

func (f *fakeTokenRepo) Create(_ context.Context, token *db.Token) error {
	for _, row := range f.rows {
		if row.TokenHash == token.TokenHash {
			return repositories.ErrConflict
		}
	}
	copied := *token
	f.rows = append(f.rows, &copied)
	return nil
}

func (f *fakeTokenRepo) GetByHash(_ context.Context, hash string) (*db.Token, error) {
	for _, row := range f.rows {
		if row.TokenHash == hash {
			return row, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeTokenRepo) GetLiveForAgent(_ context.Context, leagueID, kind, agentID string) (*db.Token, error) {
	for _, row := range f.rows {
		if row.LeagueID == leagueID && row.Kind == kind && row.AgentID == agentID && row.RevokedAt == nil {
			return row, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeTokenRepo) RevokeForAgent(_ context.Context, leagueID, kind, agentID string) error {
	now := f.clock.Now()
	for _, row := range f.rows {
		if row.LeagueID == leagueID && row.Kind == kind && row.AgentID == agentID && row.RevokedAt == nil {
			row.RevokedAt = &now
		}
	}
	return nil
}

func (f *fakeTokenRepo) RevokeAll(_ context.Context, leagueID string) error {
	now := f.clock.Now()
	for _, row := range f.rows {
		if row.LeagueID == leagueID && row.RevokedAt == nil {
			row.RevokedAt = &now
		}
	}
	return nil
}

func (f *fakeTokenRepo) ListLive(_ context.Context, leagueID string) ([]db.Token, error) {
	var live []db.Token
	for _, row := range f.rows {
		if row.LeagueID == leagueID && row.RevokedAt == nil {
			live = append(live, *row)
		}
	}
	return live, nil
}

func newTestStore(t *testing.T) (*Store, *fakeTokenRepo, clockwork.Clock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	repo := &fakeTokenRepo{clock: clock}
	store := NewStore([]byte("test-secret"), repo, clock, 0, zap.NewNop())
	return store, repo, clock
}

func TestIssueAndVerify(t *testing.T) {
	store, repo, _ := newTestStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, "league-1", protocol.KindPlayer, "alice", "conv-1")
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	assert.NoError(t, store.VerifyToken(raw, "league-1", protocol.KindPlayer, "alice"))

	rec, err := repo.GetLiveForAgent(ctx, "league-1", "player", "alice")
	require.NoError(t, err)
	assert.Equal(t, Hash(raw), rec.TokenHash)
	assert.Equal(t, "conv-1", rec.ConversationID)
}

func TestVerifyRejectsWrongBinding(t *testing.T) {
	store, _, _ := newTestStore(t)
	raw, err := store.Issue(context.Background(), "league-1", protocol.KindPlayer, "alice", "conv-1")
	require.NoError(t, err)

	cases := []struct {
		name     string
		leagueID string
		kind     protocol.AgentKind
		agentID  string
	}{
		{"wrong league", "league-2", protocol.KindPlayer, "alice"},
		{"wrong kind", "league-1", protocol.KindReferee, "alice"},
		{"wrong agent", "league-1", protocol.KindPlayer, "bob"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.VerifyToken(raw, tc.leagueID, tc.kind, tc.agentID)
			require.Error(t, err)
			var perr *protocol.Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, protocol.ErrAuthInvalid, perr.Code)
		})
	}
}

func TestVerifyRejectsGarbageAndForeignSignature(t *testing.T) {
	store, _, _ := newTestStore(t)

	assert.Error(t, store.VerifyToken("not-a-jwt", "league-1", protocol.KindPlayer, "alice"))

	otherStore := NewStore([]byte("different-secret"), &fakeTokenRepo{clock: clockwork.NewFakeClock()}, clockwork.NewFakeClock(), 0, zap.NewNop())
	raw, err := otherStore.Issue(context.Background(), "league-1", protocol.KindPlayer, "alice", "conv-1")
	require.NoError(t, err)
	assert.Error(t, store.VerifyToken(raw, "league-1", protocol.KindPlayer, "alice"))
}

func TestReissueRevokesPredecessor(t *testing.T) {
	store, repo, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Issue(ctx, "league-1", protocol.KindReferee, "ref-1", "conv-1")
	require.NoError(t, err)
	second, err := store.Issue(ctx, "league-1", protocol.KindReferee, "ref-1", "conv-1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	assert.Error(t, store.VerifyToken(first, "league-1", protocol.KindReferee, "ref-1"))
	assert.NoError(t, store.VerifyToken(second, "league-1", protocol.KindReferee, "ref-1"))

	live, err := repo.ListLive(ctx, "league-1")
	require.NoError(t, err)
	assert.Len(t, live, 1, "exactly one live token per agent")
}

func TestRevoke(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	raw, err := store.Issue(ctx, "league-1", protocol.KindPlayer, "alice", "conv-1")
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, "league-1", protocol.KindPlayer, "alice"))

	err = store.VerifyToken(raw, "league-1", protocol.KindPlayer, "alice")
	require.Error(t, err)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.ErrAuthInvalid, perr.Code)
}

func TestExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	repo := &fakeTokenRepo{clock: clock}
	store := NewStore([]byte("test-secret"), repo, clock, time.Hour, zap.NewNop())

	raw, err := store.Issue(context.Background(), "league-1", protocol.KindPlayer, "alice", "conv-1")
	require.NoError(t, err)
	assert.NoError(t, store.VerifyToken(raw, "league-1", protocol.KindPlayer, "alice"))

	clock.Advance(2 * time.Hour)
	assert.Error(t, store.VerifyToken(raw, "league-1", protocol.KindPlayer, "alice"))
}

func TestSignatureVerifier(t *testing.T) {
	store, _, clock := newTestStore(t)
	raw, err := store.Issue(context.Background(), "league-1", protocol.KindPlayer, "alice", "conv-1")
	require.NoError(t, err)

	verifier := NewSignatureVerifier([]byte("test-secret"), clock)
	assert.NoError(t, verifier.VerifyToken(raw, "league-1", protocol.KindPlayer, "alice"))
	assert.Error(t, verifier.VerifyToken(raw, "league-1", protocol.KindPlayer, "bob"))
	assert.Error(t, verifier.VerifyToken("junk", "league-1", protocol.KindPlayer, "alice"))

	wrongSecret := NewSignatureVerifier([]byte("other"), clock)
	assert.Error(t, wrongSecret.VerifyToken(raw, "league-1", protocol.KindPlayer, "alice"))
}

func TestMintStandaloneToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	raw, err := Mint([]byte("test-secret"), "league-1", protocol.KindReferee, "ref-1", "conv-1", clock.Now(), 0)
	require.NoError(t, err)

	// Mint signs the same binding Issue does, minus the persistence.
	verifier := NewSignatureVerifier([]byte("test-secret"), clock)
	assert.NoError(t, verifier.VerifyToken(raw, "league-1", protocol.KindReferee, "ref-1"))
	assert.Error(t, verifier.VerifyToken(raw, "league-1", protocol.KindPlayer, "ref-1"))
}

func TestHashIsStable(t *testing.T) {
	assert.Equal(t, Hash("abc"), Hash("abc"))
	assert.NotEqual(t, Hash("abc"), Hash("abd"))
	assert.Len(t, Hash("abc"), 64)
}
