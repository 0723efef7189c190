// service.go implements the asynchronous notification service. Hook events
// are serialized and posted to the configured webhook URL from worker
// goroutines tracked by a WaitGroup so a graceful shutdown can drain
// in-flight deliveries.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Service manages async notification delivery
type Service struct {
	enabled    bool
	webhookURL string
	client     *HTTPClient
	logger     *slog.Logger
	wg         sync.WaitGroup
	mu         sync.Mutex
	shutdown   bool
}

// NewService creates a notification service. An empty webhookURL disables
// delivery entirely; Trigger becomes a no-op.
func NewService(webhookURL string, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	if webhookURL == "" {
		logger.Info("webhook notifications disabled (no URL configured)")
		return &Service{enabled: false, logger: logger}
	}

	logger.Info("webhook notifications enabled", "url", webhookURL)
	return &Service{
		enabled:    true,
		webhookURL: webhookURL,
		client:     NewHTTPClient(timeout, logger),
		logger:     logger,
	}
}

// Trigger sends a hook event asynchronously.
func (s *Service) Trigger(ctx context.Context, hook Hook, scope Scope, referenceID string, params map[string]string) error {
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	payload, err := json.Marshal(&Event{
		Hook:        hook,
		Scope:       scope,
		ReferenceID: referenceID,
		Params:      params,
	})
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// No shutdown check here: queued notifications are allowed to complete.
		if err := s.client.Send(notifyCtx, s.webhookURL, payload); err != nil {
			s.logger.Warn("failed to send notification", "hook", string(hook), "error", err)
		}
	}()

	return nil
}

// Shutdown waits for in-flight deliveries, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: some notifications may not have completed")
	}
}
