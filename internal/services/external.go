// external.go declares the consumer-side interfaces for the cross-cutting
// services (audit trail, notification hooks) so lifecycle services can be
// tested with recording fakes.
package services

import (
	"context"

	"github.com/apim-console/management/internal/audit"
	"github.com/apim-console/management/internal/notifier"
)

// Auditor records lifecycle audit entries. Satisfied by *audit.Service.
type Auditor interface {
	RecordForAPI(ctx context.Context, apiID string, rec audit.Record)
	RecordForApplication(ctx context.Context, applicationID string, rec audit.Record)
}

// Notifier dispatches hook events. Satisfied by *notifier.Service.
type Notifier interface {
	Trigger(ctx context.Context, hook notifier.Hook, scope notifier.Scope, referenceID string, params map[string]string) error
}
