package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/openbracket/openbracket/internal/db"
)

// gormStandingsRepository is the GORM implementation of StandingsRepository.
type gormStandingsRepository struct {
	db *gorm.DB
}

func (r *gormStandingsRepository) CreateEntries(ctx context.Context, entries []db.StandingsEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&entries).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("standings: create entries: %w", err)
	}
	return nil
}

func (r *gormStandingsRepository) LatestSeq(ctx context.Context, leagueID string) (int, error) {
	var seq *int
	err := r.db.WithContext(ctx).
		Model(&db.StandingsEntry{}).
		Where("league_id = ?", leagueID).
		Select("MAX(seq)").
		Scan(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("standings: latest seq: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

func (r *gormStandingsRepository) GetSnapshot(ctx context.Context, leagueID string, seq int) ([]db.StandingsEntry, error) {
	var entries []db.StandingsEntry
	err := r.db.WithContext(ctx).
		Where("league_id = ? AND seq = ?", leagueID, seq).
		Order("rank ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("standings: get snapshot: %w", err)
	}
	return entries, nil
}
