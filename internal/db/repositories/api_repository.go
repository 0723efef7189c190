// api_repository.go implements APIRepository, providing database queries for
// the minimal API records the plan lifecycle depends on.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/apim-console/management/internal/db/models"
)

// APIRepository handles API database operations
type APIRepository struct {
	db *sql.DB
}

// NewAPIRepository creates a new APIRepository
func NewAPIRepository(db *sql.DB) *APIRepository {
	return &APIRepository{db: db}
}

const apiColumns = `id, name, description, lifecycle_state, created_at, updated_at`

// CreateAPI creates a new API record
func (r *APIRepository) CreateAPI(ctx context.Context, api *models.API) error {
	if api.ID == "" {
		api.ID = uuid.New().String()
	}
	api.CreatedAt = time.Now()
	api.UpdatedAt = api.CreatedAt

	query := `
		INSERT INTO apis (id, name, description, lifecycle_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		api.ID,
		api.Name,
		api.Description,
		api.LifecycleState,
		api.CreatedAt,
		api.UpdatedAt,
	)

	return err
}

// GetAPI retrieves an API by ID. Returns (nil, nil) when no API exists.
func (r *APIRepository) GetAPI(ctx context.Context, id string) (*models.API, error) {
	query := `SELECT ` + apiColumns + ` FROM apis WHERE id = $1`

	api := &models.API{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&api.ID,
		&api.Name,
		&api.Description,
		&api.LifecycleState,
		&api.CreatedAt,
		&api.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return api, nil
}

// UpdateAPI persists all mutable API fields
func (r *APIRepository) UpdateAPI(ctx context.Context, api *models.API) error {
	query := `
		UPDATE apis
		SET name = $2, description = $3, lifecycle_state = $4, updated_at = $5
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		api.ID,
		api.Name,
		api.Description,
		api.LifecycleState,
		api.UpdatedAt,
	)

	return err
}
