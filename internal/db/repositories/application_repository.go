// application_repository.go implements ApplicationRepository, providing database
// queries for application lookup and key-mode updates.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/apim-console/management/internal/db/models"
)

// ApplicationRepository handles application database operations
type ApplicationRepository struct {
	db *sql.DB
}

// NewApplicationRepository creates a new ApplicationRepository
func NewApplicationRepository(db *sql.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

const applicationColumns = `id, name, description, status, client_id, api_key_mode, groups, created_at, updated_at`

// CreateApplication creates a new application
func (r *ApplicationRepository) CreateApplication(ctx context.Context, app *models.Application) error {
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	app.CreatedAt = time.Now()
	app.UpdatedAt = app.CreatedAt

	groupsJSON, err := json.Marshal(app.Groups)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO applications (id, name, description, status, client_id, api_key_mode, groups, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		app.ID,
		app.Name,
		app.Description,
		app.Status,
		app.ClientID,
		app.APIKeyMode,
		groupsJSON,
		app.CreatedAt,
		app.UpdatedAt,
	)

	return err
}

// GetApplication retrieves an application by ID. Returns (nil, nil) when no
// application exists.
func (r *ApplicationRepository) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`

	app := &models.Application{}
	var groupsJSON []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&app.ID,
		&app.Name,
		&app.Description,
		&app.Status,
		&app.ClientID,
		&app.APIKeyMode,
		&groupsJSON,
		&app.CreatedAt,
		&app.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(groupsJSON, &app.Groups); err != nil {
		return nil, err
	}

	return app, nil
}

// UpdateApplication persists all mutable application fields
func (r *ApplicationRepository) UpdateApplication(ctx context.Context, app *models.Application) error {
	groupsJSON, err := json.Marshal(app.Groups)
	if err != nil {
		return err
	}

	query := `
		UPDATE applications
		SET name = $2, description = $3, status = $4, client_id = $5, api_key_mode = $6, groups = $7, updated_at = $8
		WHERE id = $1
	`

	_, err = r.db.ExecContext(ctx, query,
		app.ID,
		app.Name,
		app.Description,
		app.Status,
		app.ClientID,
		app.APIKeyMode,
		groupsJSON,
		app.UpdatedAt,
	)

	return err
}
