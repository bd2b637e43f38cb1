package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/openbracket/openbracket/internal/db"
)

// isUniqueViolation reports whether err is a unique-constraint failure.
// The modernc sqlite driver surfaces these as plain errors with a
// "UNIQUE constraint failed" message, so the string check is kept alongside
// gorm's translated sentinel.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// gormLeagueRepository is the GORM implementation of LeagueRepository.
type gormLeagueRepository struct {
	db *gorm.DB
}

func (r *gormLeagueRepository) Create(ctx context.Context, league *db.League) error {
	if err := r.db.WithContext(ctx).Create(league).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("leagues: create: %w", err)
	}
	return nil
}

func (r *gormLeagueRepository) Get(ctx context.Context, leagueID string) (*db.League, error) {
	var league db.League
	err := r.db.WithContext(ctx).First(&league, "league_id = ?", leagueID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("leagues: get: %w", err)
	}
	return &league, nil
}

func (r *gormLeagueRepository) GetCurrent(ctx context.Context) (*db.League, error) {
	var league db.League
	err := r.db.WithContext(ctx).Order("created_at DESC").First(&league).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("leagues: get current: %w", err)
	}
	return &league, nil
}

func (r *gormLeagueRepository) UpdateStatus(ctx context.Context, leagueID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.League{}).
		Where("league_id = ?", leagueID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("leagues: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormLeagueRepository) UpdateCurrentRound(ctx context.Context, leagueID string, round int) error {
	result := r.db.WithContext(ctx).
		Model(&db.League{}).
		Where("league_id = ?", leagueID).
		Update("current_round", round)
	if result.Error != nil {
		return fmt.Errorf("leagues: update current round: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
