// audit_repository.go implements AuditRepository, providing database queries for writing
// and retrieving audit records with support for filtered queries across references.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/apim-console/management/internal/db/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	ReferenceType *string
	ReferenceID   *string
	Event         *string
	Actor         *string
	StartDate     *time.Time
	EndDate       *time.Time
}

// CreateAuditLog creates a new audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	log.ID = uuid.New().String()
	log.CreatedAt = time.Now()

	// Marshal properties to JSONB
	var propertiesJSON []byte
	var err error
	if log.Properties != nil {
		propertiesJSON, err = json.Marshal(log.Properties)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_logs (id, reference_type, reference_id, event, properties, old_value, new_value, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		log.ID,
		log.ReferenceType,
		log.ReferenceID,
		log.Event,
		propertiesJSON,
		log.OldValue,
		log.NewValue,
		log.Actor,
		log.CreatedAt,
	)

	return err
}

// ListAuditLogs retrieves audit logs with optional filters and pagination
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	// Build query with filters
	countQuery := `SELECT COUNT(*) FROM audit_logs WHERE 1=1`
	query := `
		SELECT id, reference_type, reference_id, event, properties, old_value, new_value, actor, created_at
		FROM audit_logs
		WHERE 1=1
	`

	args := make([]interface{}, 0)
	paramIndex := 1

	// Apply filters
	if filters.ReferenceType != nil {
		countQuery += fmt.Sprintf(` AND reference_type = $%d`, paramIndex)
		query += fmt.Sprintf(` AND reference_type = $%d`, paramIndex)
		args = append(args, *filters.ReferenceType)
		paramIndex++
	}

	if filters.ReferenceID != nil {
		countQuery += fmt.Sprintf(` AND reference_id = $%d`, paramIndex)
		query += fmt.Sprintf(` AND reference_id = $%d`, paramIndex)
		args = append(args, *filters.ReferenceID)
		paramIndex++
	}

	if filters.Event != nil {
		countQuery += fmt.Sprintf(` AND event = $%d`, paramIndex)
		query += fmt.Sprintf(` AND event = $%d`, paramIndex)
		args = append(args, *filters.Event)
		paramIndex++
	}

	if filters.Actor != nil {
		countQuery += fmt.Sprintf(` AND actor = $%d`, paramIndex)
		query += fmt.Sprintf(` AND actor = $%d`, paramIndex)
		args = append(args, *filters.Actor)
		paramIndex++
	}

	if filters.StartDate != nil {
		countQuery += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		query += fmt.Sprintf(` AND created_at >= $%d`, paramIndex)
		args = append(args, *filters.StartDate)
		paramIndex++
	}

	if filters.EndDate != nil {
		countQuery += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		query += fmt.Sprintf(` AND created_at <= $%d`, paramIndex)
		args = append(args, *filters.EndDate)
		paramIndex++
	}

	// Get total count
	var total int
	err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	// Add ordering and pagination
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	// Execute query
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log := &models.AuditLog{}
		var propertiesJSON []byte

		err := rows.Scan(
			&log.ID,
			&log.ReferenceType,
			&log.ReferenceID,
			&log.Event,
			&propertiesJSON,
			&log.OldValue,
			&log.NewValue,
			&log.Actor,
			&log.CreatedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		// Unmarshal properties from JSONB
		if propertiesJSON != nil {
			err = json.Unmarshal(propertiesJSON, &log.Properties)
			if err != nil {
				return nil, 0, err
			}
		}

		logs = append(logs, log)
	}

	return logs, total, rows.Err()
}

// GetAuditLog retrieves a single audit log entry by ID
func (r *AuditRepository) GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error) {
	query := `
		SELECT id, reference_type, reference_id, event, properties, old_value, new_value, actor, created_at
		FROM audit_logs
		WHERE id = $1
	`

	log := &models.AuditLog{}
	var propertiesJSON []byte

	err := r.db.QueryRowContext(ctx, query, logID).Scan(
		&log.ID,
		&log.ReferenceType,
		&log.ReferenceID,
		&log.Event,
		&propertiesJSON,
		&log.OldValue,
		&log.NewValue,
		&log.Actor,
		&log.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	// Unmarshal properties from JSONB
	if propertiesJSON != nil {
		err = json.Unmarshal(propertiesJSON, &log.Properties)
		if err != nil {
			return nil, err
		}
	}

	return log, nil
}
