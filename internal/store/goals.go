package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/pkg/types"
)

// CreateGoal inserts a new goal.
func (s *Store) CreateGoal(ctx context.Context, g *types.Goal) error {
	criteria, err := json.Marshal(g.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	artifacts, err := json.Marshal(g.ReviewArtifacts)
	if err != nil {
		return fmt.Errorf("marshal review artifacts: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO goals (id, title, description, criteria, review_artifacts, status, synthetic, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.Title, g.Description, criteria, artifacts, g.Status, g.Synthetic, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

// GetGoal reads a single goal by ID.
func (s *Store) GetGoal(ctx context.Context, id string) (*types.Goal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, description, criteria, review_artifacts, status, synthetic, created_at, updated_at
		FROM goals WHERE id = $1`, id)
	return scanGoal(row)
}

// ListGoals returns every goal, optionally filtered by status.
func (s *Store) ListGoals(ctx context.Context, status types.GoalStatus) ([]*types.Goal, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, title, description, criteria, review_artifacts, status, synthetic, created_at, updated_at
			FROM goals ORDER BY created_at`)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, title, description, criteria, review_artifacts, status, synthetic, created_at, updated_at
			FROM goals WHERE status = $1 ORDER BY created_at`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()

	var goals []*types.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// UpdateGoal writes g's mutable fields back, keyed on g.ID.
func (s *Store) UpdateGoal(ctx context.Context, g *types.Goal) error {
	criteria, err := json.Marshal(g.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	artifacts, err := json.Marshal(g.ReviewArtifacts)
	if err != nil {
		return fmt.Errorf("marshal review artifacts: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE goals SET title=$2, description=$3, criteria=$4, review_artifacts=$5, status=$6, updated_at=$7
		WHERE id=$1`,
		g.ID, g.Title, g.Description, criteria, artifacts, g.Status, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update goal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// DeleteGoal removes a goal and cascades to its sessions.
func (s *Store) DeleteGoal(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM goals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete goal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// MergeCriterionAssessment applies the Auditor's verdict for one criterion
// onto a goal under a row lock, so two concurrent reviews of the same goal
// (e.g. an original session and a remediation child) can't interleave their
// criteria writes.
func (s *Store) MergeCriterionAssessment(ctx context.Context, goalID, criterionID string, met bool, reasoning string, evidence []string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, title, description, criteria, review_artifacts, status, synthetic, created_at, updated_at
			FROM goals WHERE id = $1 FOR UPDATE`, goalID)
		g, err := scanGoal(row)
		if err != nil {
			return err
		}

		idx := g.CriterionIndex(criterionID)
		if idx < 0 {
			return fmt.Errorf("criterion %q not found on goal %q", criterionID, goalID)
		}
		g.Criteria[idx].Met = met
		g.Criteria[idx].Reasoning = reasoning
		g.Criteria[idx].EvidenceFiles = evidence

		criteria, err := json.Marshal(g.Criteria)
		if err != nil {
			return fmt.Errorf("marshal criteria: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE goals SET criteria=$2, updated_at=now() WHERE id=$1`, goalID, criteria)
		return err
	})
}

// AppendReviewArtifact records a new review artifact on a goal, deduped by
// (URL, ExternalAgentID) so webhook redeliveries cannot double-append.
func (s *Store) AppendReviewArtifact(ctx context.Context, goalID string, artifact types.ReviewArtifact) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, title, description, criteria, review_artifacts, status, synthetic, created_at, updated_at
			FROM goals WHERE id = $1 FOR UPDATE`, goalID)
		g, err := scanGoal(row)
		if err != nil {
			return err
		}

		for _, existing := range g.ReviewArtifacts {
			if existing.URL == artifact.URL && existing.ExternalAgentID == artifact.ExternalAgentID {
				return nil
			}
		}
		g.ReviewArtifacts = append(g.ReviewArtifacts, artifact)

		artifacts, err := json.Marshal(g.ReviewArtifacts)
		if err != nil {
			return fmt.Errorf("marshal review artifacts: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE goals SET review_artifacts=$2, updated_at=now() WHERE id=$1`, goalID, artifacts)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (*types.Goal, error) {
	var g types.Goal
	var criteria, artifacts []byte

	err := row.Scan(&g.ID, &g.Title, &g.Description, &criteria, &artifacts, &g.Status, &g.Synthetic, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.ErrNotFound
		}
		return nil, fmt.Errorf("scan goal: %w", err)
	}

	if err := json.Unmarshal(criteria, &g.Criteria); err != nil {
		return nil, fmt.Errorf("unmarshal criteria: %w", err)
	}
	if err := json.Unmarshal(artifacts, &g.ReviewArtifacts); err != nil {
		return nil, fmt.Errorf("unmarshal review artifacts: %w", err)
	}
	return &g, nil
}
