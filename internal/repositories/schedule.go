package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/openbracket/openbracket/internal/db"
)

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

func (r *gormScheduleRepository) CreateRound(ctx context.Context, round *db.Round) error {
	if err := r.db.WithContext(ctx).Create(round).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("rounds: create: %w", err)
	}
	return nil
}

func (r *gormScheduleRepository) CreateMatch(ctx context.Context, match *db.Match) error {
	if err := r.db.WithContext(ctx).Create(match).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("matches: create: %w", err)
	}
	return nil
}

func (r *gormScheduleRepository) ListRounds(ctx context.Context, leagueID string) ([]db.Round, error) {
	var rounds []db.Round
	err := r.db.WithContext(ctx).
		Where("league_id = ?", leagueID).
		Order("round_id ASC").
		Find(&rounds).Error
	if err != nil {
		return nil, fmt.Errorf("rounds: list: %w", err)
	}
	return rounds, nil
}

// ListMatches returns all matches of the league in deterministic schedule
// order (round, then match_id).
func (r *gormScheduleRepository) ListMatches(ctx context.Context, leagueID string) ([]db.Match, error) {
	var matches []db.Match
	err := r.db.WithContext(ctx).
		Where("league_id = ?", leagueID).
		Order("round_id ASC, match_id ASC").
		Find(&matches).Error
	if err != nil {
		return nil, fmt.Errorf("matches: list: %w", err)
	}
	return matches, nil
}

func (r *gormScheduleRepository) ListMatchesByRound(ctx context.Context, leagueID string, roundID int) ([]db.Match, error) {
	var matches []db.Match
	err := r.db.WithContext(ctx).
		Where("league_id = ? AND round_id = ?", leagueID, roundID).
		Order("match_id ASC").
		Find(&matches).Error
	if err != nil {
		return nil, fmt.Errorf("matches: list by round: %w", err)
	}
	return matches, nil
}

func (r *gormScheduleRepository) GetMatch(ctx context.Context, matchID string) (*db.Match, error) {
	var match db.Match
	err := r.db.WithContext(ctx).First(&match, "match_id = ?", matchID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("matches: get: %w", err)
	}
	return &match, nil
}

func (r *gormScheduleRepository) AssignMatch(ctx context.Context, matchID, refereeID string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Match{}).
		Where("match_id = ?", matchID).
		Updates(map[string]interface{}{
			"referee_id": refereeID,
			"status":     "ASSIGNED",
		})
	if result.Error != nil {
		return fmt.Errorf("matches: assign: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormScheduleRepository) UpdateMatchStatus(ctx context.Context, matchID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Match{}).
		Where("match_id = ?", matchID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("matches: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormScheduleRepository) UpdateRoundStatus(ctx context.Context, leagueID string, roundID int, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Round{}).
		Where("league_id = ? AND round_id = ?", leagueID, roundID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("rounds: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
