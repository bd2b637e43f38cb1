package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/openbracket/openbracket/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
// Referees and players live in separate tables with identical shapes; the
// kind-parameterised helpers pick the model.
type gormAgentRepository struct {
	db *gorm.DB
}

func (r *gormAgentRepository) CreateReferee(ctx context.Context, referee *db.Referee) error {
	if err := r.db.WithContext(ctx).Create(referee).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("referees: create: %w", err)
	}
	return nil
}

func (r *gormAgentRepository) CreatePlayer(ctx context.Context, player *db.Player) error {
	if err := r.db.WithContext(ctx).Create(player).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("players: create: %w", err)
	}
	return nil
}

func (r *gormAgentRepository) GetReferee(ctx context.Context, leagueID, agentID string) (*db.Referee, error) {
	var referee db.Referee
	err := r.db.WithContext(ctx).
		First(&referee, "league_id = ? AND agent_id = ?", leagueID, agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("referees: get: %w", err)
	}
	return &referee, nil
}

func (r *gormAgentRepository) GetPlayer(ctx context.Context, leagueID, agentID string) (*db.Player, error) {
	var player db.Player
	err := r.db.WithContext(ctx).
		First(&player, "league_id = ? AND agent_id = ?", leagueID, agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("players: get: %w", err)
	}
	return &player, nil
}

// ListReferees returns the league's referees ordered by agent_id so every
// caller observes the same deterministic ordering.
func (r *gormAgentRepository) ListReferees(ctx context.Context, leagueID string) ([]db.Referee, error) {
	var referees []db.Referee
	err := r.db.WithContext(ctx).
		Where("league_id = ?", leagueID).
		Order("agent_id ASC").
		Find(&referees).Error
	if err != nil {
		return nil, fmt.Errorf("referees: list: %w", err)
	}
	return referees, nil
}

func (r *gormAgentRepository) ListPlayers(ctx context.Context, leagueID string) ([]db.Player, error) {
	var players []db.Player
	err := r.db.WithContext(ctx).
		Where("league_id = ?", leagueID).
		Order("agent_id ASC").
		Find(&players).Error
	if err != nil {
		return nil, fmt.Errorf("players: list: %w", err)
	}
	return players, nil
}

func (r *gormAgentRepository) UpdateRefereeStatus(ctx context.Context, leagueID, agentID, status string) error {
	return r.updateStatus(ctx, &db.Referee{}, "referees", leagueID, agentID, status)
}

func (r *gormAgentRepository) UpdatePlayerStatus(ctx context.Context, leagueID, agentID, status string) error {
	return r.updateStatus(ctx, &db.Player{}, "players", leagueID, agentID, status)
}

func (r *gormAgentRepository) updateStatus(ctx context.Context, model any, table, leagueID, agentID, status string) error {
	result := r.db.WithContext(ctx).
		Model(model).
		Where("league_id = ? AND agent_id = ?", leagueID, agentID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("%s: update status: %w", table, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAgentRepository) IncrementAuthFailures(ctx context.Context, kind, leagueID, agentID string) (int, error) {
	model, table := r.modelFor(kind)
	result := r.db.WithContext(ctx).
		Model(model).
		Where("league_id = ? AND agent_id = ?", leagueID, agentID).
		Update("auth_failures", gorm.Expr("auth_failures + 1"))
	if result.Error != nil {
		return 0, fmt.Errorf("%s: increment auth failures: %w", table, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, ErrNotFound
	}

	var count int
	err := r.db.WithContext(ctx).
		Model(model).
		Where("league_id = ? AND agent_id = ?", leagueID, agentID).
		Pluck("auth_failures", &count).Error
	if err != nil {
		return 0, fmt.Errorf("%s: read auth failures: %w", table, err)
	}
	return count, nil
}

func (r *gormAgentRepository) ResetAuthFailures(ctx context.Context, kind, leagueID, agentID string) error {
	model, table := r.modelFor(kind)
	err := r.db.WithContext(ctx).
		Model(model).
		Where("league_id = ? AND agent_id = ?", leagueID, agentID).
		Update("auth_failures", 0).Error
	if err != nil {
		return fmt.Errorf("%s: reset auth failures: %w", table, err)
	}
	return nil
}

func (r *gormAgentRepository) modelFor(kind string) (any, string) {
	if kind == "referee" {
		return &db.Referee{}, "referees"
	}
	return &db.Player{}, "players"
}
