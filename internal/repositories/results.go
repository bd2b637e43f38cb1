package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/openbracket/openbracket/internal/db"
)

// gormResultRepository is the GORM implementation of ResultRepository.
type gormResultRepository struct {
	db *gorm.DB
}

func (r *gormResultRepository) Create(ctx context.Context, result *db.Result) error {
	if err := r.db.WithContext(ctx).Create(result).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("results: create: %w", err)
	}
	return nil
}

func (r *gormResultRepository) GetByMatch(ctx context.Context, matchID string) (*db.Result, error) {
	var result db.Result
	err := r.db.WithContext(ctx).First(&result, "match_id = ?", matchID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: get by match: %w", err)
	}
	return &result, nil
}

// List returns all accepted results in acceptance order (time-ordered IDs).
func (r *gormResultRepository) List(ctx context.Context, leagueID string) ([]db.Result, error) {
	var results []db.Result
	err := r.db.WithContext(ctx).
		Where("league_id = ?", leagueID).
		Order("id ASC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("results: list: %w", err)
	}
	return results, nil
}
