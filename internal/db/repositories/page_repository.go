// page_repository.go implements PageRepository, providing lookups for
// documentation pages used as general conditions of plans.
package repositories

import (
	"context"
	"database/sql"

	"github.com/apim-console/management/internal/db/models"
)

// PageRepository handles page database operations
type PageRepository struct {
	db *sql.DB
}

// NewPageRepository creates a new PageRepository
func NewPageRepository(db *sql.DB) *PageRepository {
	return &PageRepository{db: db}
}

// GetPage retrieves a page by ID. Returns (nil, nil) when no page exists.
func (r *PageRepository) GetPage(ctx context.Context, id string) (*models.Page, error) {
	query := `
		SELECT id, name, published, content_revision_id, created_at, updated_at
		FROM pages
		WHERE id = $1
	`

	page := &models.Page{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&page.ID,
		&page.Name,
		&page.Published,
		&page.ContentRevisionID,
		&page.CreatedAt,
		&page.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return page, nil
}
