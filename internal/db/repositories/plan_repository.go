// plan_repository.go implements PlanRepository, providing database queries for
// plan creation, lookup, per-API listing, and lifecycle updates.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/apim-console/management/internal/db/models"
)

// PlanRepository handles plan database operations
type PlanRepository struct {
	db *sql.DB
}

// NewPlanRepository creates a new PlanRepository
func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, api_id, name, description, security, validation, status, plan_order,
		excluded_groups, general_conditions, tags, characteristics, comment_required, comment_message,
		created_at, updated_at, published_at, closed_at`

// CreatePlan creates a new plan
func (r *PlanRepository) CreatePlan(ctx context.Context, plan *models.Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	plan.CreatedAt = time.Now()
	plan.UpdatedAt = plan.CreatedAt

	excludedJSON, err := json.Marshal(plan.ExcludedGroups)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(plan.Tags)
	if err != nil {
		return err
	}
	characteristicsJSON, err := json.Marshal(plan.Characteristics)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO plans (id, api_id, name, description, security, validation, status, plan_order,
			excluded_groups, general_conditions, tags, characteristics, comment_required, comment_message,
			created_at, updated_at, published_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = r.db.ExecContext(ctx, query,
		plan.ID,
		plan.APIID,
		plan.Name,
		plan.Description,
		plan.Security,
		plan.Validation,
		plan.Status,
		plan.Order,
		excludedJSON,
		plan.GeneralConditions,
		tagsJSON,
		characteristicsJSON,
		plan.CommentRequired,
		plan.CommentMessage,
		plan.CreatedAt,
		plan.UpdatedAt,
		plan.PublishedAt,
		plan.ClosedAt,
	)

	return err
}

// GetPlan retrieves a plan by ID. Returns (nil, nil) when no plan exists.
func (r *PlanRepository) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// ListPlansByAPI retrieves all plans of an API ordered by plan_order
func (r *PlanRepository) ListPlansByAPI(ctx context.Context, apiID string) ([]*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE api_id = $1 ORDER BY plan_order ASC, created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, apiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := make([]*models.Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	return plans, rows.Err()
}

// UpdatePlan persists all mutable plan fields
func (r *PlanRepository) UpdatePlan(ctx context.Context, plan *models.Plan) error {
	excludedJSON, err := json.Marshal(plan.ExcludedGroups)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(plan.Tags)
	if err != nil {
		return err
	}
	characteristicsJSON, err := json.Marshal(plan.Characteristics)
	if err != nil {
		return err
	}

	query := `
		UPDATE plans
		SET name = $2, description = $3, security = $4, validation = $5, status = $6, plan_order = $7,
			excluded_groups = $8, general_conditions = $9, tags = $10, characteristics = $11,
			comment_required = $12, comment_message = $13, updated_at = $14, published_at = $15, closed_at = $16
		WHERE id = $1
	`

	_, err = r.db.ExecContext(ctx, query,
		plan.ID,
		plan.Name,
		plan.Description,
		plan.Security,
		plan.Validation,
		plan.Status,
		plan.Order,
		excludedJSON,
		plan.GeneralConditions,
		tagsJSON,
		characteristicsJSON,
		plan.CommentRequired,
		plan.CommentMessage,
		plan.UpdatedAt,
		plan.PublishedAt,
		plan.ClosedAt,
	)

	return err
}

// DeletePlan removes a plan by ID
func (r *PlanRepository) DeletePlan(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM plans WHERE id = $1`, id)
	return err
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(s scanner) (*models.Plan, error) {
	plan := &models.Plan{}
	var excludedJSON, tagsJSON, characteristicsJSON []byte

	err := s.Scan(
		&plan.ID,
		&plan.APIID,
		&plan.Name,
		&plan.Description,
		&plan.Security,
		&plan.Validation,
		&plan.Status,
		&plan.Order,
		&excludedJSON,
		&plan.GeneralConditions,
		&tagsJSON,
		&characteristicsJSON,
		&plan.CommentRequired,
		&plan.CommentMessage,
		&plan.CreatedAt,
		&plan.UpdatedAt,
		&plan.PublishedAt,
		&plan.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(excludedJSON, &plan.ExcludedGroups); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tagsJSON, &plan.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(characteristicsJSON, &plan.Characteristics); err != nil {
		return nil, err
	}

	return plan, nil
}
