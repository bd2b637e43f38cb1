package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/openbracket/openbracket/internal/db"
)

// gormTokenRepository is the GORM implementation of TokenRepository.
type gormTokenRepository struct {
	db *gorm.DB
}

func (r *gormTokenRepository) Create(ctx context.Context, token *db.Token) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("tokens: create: %w", err)
	}
	return nil
}

func (r *gormTokenRepository) GetByHash(ctx context.Context, hash string) (*db.Token, error) {
	var token db.Token
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tokens: get by hash: %w", err)
	}
	return &token, nil
}

func (r *gormTokenRepository) GetLiveForAgent(ctx context.Context, leagueID, kind, agentID string) (*db.Token, error) {
	var token db.Token
	err := r.db.WithContext(ctx).
		First(&token, "league_id = ? AND kind = ? AND agent_id = ? AND revoked_at IS NULL",
			leagueID, kind, agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tokens: get live for agent: %w", err)
	}
	return &token, nil
}

func (r *gormTokenRepository) RevokeForAgent(ctx context.Context, leagueID, kind, agentID string) error {
	err := r.db.WithContext(ctx).
		Model(&db.Token{}).
		Where("league_id = ? AND kind = ? AND agent_id = ? AND revoked_at IS NULL",
			leagueID, kind, agentID).
		Update("revoked_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
	if err != nil {
		return fmt.Errorf("tokens: revoke for agent: %w", err)
	}
	return nil
}

func (r *gormTokenRepository) RevokeAll(ctx context.Context, leagueID string) error {
	err := r.db.WithContext(ctx).
		Model(&db.Token{}).
		Where("league_id = ? AND revoked_at IS NULL", leagueID).
		Update("revoked_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
	if err != nil {
		return fmt.Errorf("tokens: revoke all: %w", err)
	}
	return nil
}

func (r *gormTokenRepository) ListLive(ctx context.Context, leagueID string) ([]db.Token, error) {
	var tokens []db.Token
	err := r.db.WithContext(ctx).
		Where("league_id = ? AND revoked_at IS NULL", leagueID).
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("tokens: list live: %w", err)
	}
	return tokens, nil
}
