// service.go persists audit records and forwards them to the configured
// shippers. Shipping is best-effort: a failed destination never fails the
// business operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/apim-console/management/internal/db/models"
	"github.com/apim-console/management/internal/safego"
)

// Store persists audit records.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Service records audit entries for APIs and applications.
type Service struct {
	store   Store
	shipper Shipper
	logger  *slog.Logger
}

// NewService creates an audit service. shipper may be nil when no external
// destinations are configured.
func NewService(store Store, shipper Shipper, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, shipper: shipper, logger: logger}
}

// Record holds the parts of an audit entry the caller controls.
type Record struct {
	Event      string
	Actor      string
	Properties map[string]string
	OldValue   interface{}
	NewValue   interface{}
}

// RecordForAPI writes an audit entry attached to an API.
func (s *Service) RecordForAPI(ctx context.Context, apiID string, rec Record) {
	s.record(ctx, models.AuditReferenceAPI, apiID, rec)
}

// RecordForApplication writes an audit entry attached to an application.
func (s *Service) RecordForApplication(ctx context.Context, applicationID string, rec Record) {
	s.record(ctx, models.AuditReferenceApplication, applicationID, rec)
}

func (s *Service) record(ctx context.Context, refType models.AuditReferenceType, refID string, rec Record) {
	log := &models.AuditLog{
		ReferenceType: refType,
		ReferenceID:   refID,
		Event:         rec.Event,
		Properties:    rec.Properties,
		Actor:         rec.Actor,
	}

	if rec.OldValue != nil {
		if data, err := json.Marshal(rec.OldValue); err == nil {
			log.OldValue = data
		}
	}
	if rec.NewValue != nil {
		if data, err := json.Marshal(rec.NewValue); err == nil {
			log.NewValue = data
		}
	}

	if err := s.store.CreateAuditLog(ctx, log); err != nil {
		s.logger.Error("failed to persist audit record",
			"event", rec.Event,
			"reference_type", string(refType),
			"reference_id", refID,
			"error", err)
	}

	if s.shipper == nil {
		return
	}

	entry := &LogEntry{
		Timestamp:     time.Now(),
		ReferenceType: string(refType),
		ReferenceID:   refID,
		Event:         rec.Event,
		Actor:         rec.Actor,
		Properties:    rec.Properties,
		OldValue:      log.OldValue,
		NewValue:      log.NewValue,
	}

	safego.Go(func() {
		shipCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.shipper.Ship(shipCtx, entry); err != nil {
			s.logger.Warn("failed to ship audit record", "event", rec.Event, "error", err)
		}
	})
}
