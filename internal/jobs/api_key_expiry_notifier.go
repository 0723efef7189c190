package jobs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/apim-console/management/internal/config"
	"github.com/apim-console/management/internal/db/models"
	"github.com/apim-console/management/internal/notifier"
	"github.com/apim-console/management/internal/telemetry"
)

// APIKeySource is the slice of the API key store the expiry notifier needs.
type APIKeySource interface {
	ListAPIKeysExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *models.APIKey) error
}

// SubscriptionGetter resolves the subscriptions a key is bound to, so the
// notifier can address the APIs on the other side of each binding.
type SubscriptionGetter interface {
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
}

// APIKeyExpiryNotifier periodically scans for API keys expiring within the
// warning period and notifies once per warning threshold.
type APIKeyExpiryNotifier struct {
	keys          APIKeySource
	subscriptions SubscriptionGetter
	hooks         HookTrigger
	mailer        *Mailer
	cfg           *config.NotificationsConfig
	interval      time.Duration
	now           func() time.Time
	stopChan      chan struct{}
}

// NewAPIKeyExpiryNotifier creates the notifier job. The check interval comes
// from cfg.ExpiryCheckIntervalHours, defaulting to 24 hours.
func NewAPIKeyExpiryNotifier(keys APIKeySource, subscriptions SubscriptionGetter, hooks HookTrigger, mailer *Mailer, cfg *config.NotificationsConfig) *APIKeyExpiryNotifier {
	interval := 24 * time.Hour
	if cfg.ExpiryCheckIntervalHours > 0 {
		interval = time.Duration(cfg.ExpiryCheckIntervalHours) * time.Hour
	}
	return &APIKeyExpiryNotifier{
		keys:          keys,
		subscriptions: subscriptions,
		hooks:         hooks,
		mailer:        mailer,
		cfg:           cfg,
		interval:      interval,
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}
}

// Start runs the expiry check loop until Stop is called or the context is
// cancelled. The first check runs immediately.
func (n *APIKeyExpiryNotifier) Start(ctx context.Context) {
	if !n.cfg.Enabled {
		log.Println("API key expiry notifier disabled")
		return
	}

	log.Printf("Starting API key expiry notifier (interval: %s, warning window: %d days)",
		n.interval, n.warningDays())

	n.runCheck(ctx)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.runCheck(ctx)
		case <-n.stopChan:
			log.Println("API key expiry notifier stopped")
			return
		case <-ctx.Done():
			log.Println("API key expiry notifier stopped (context cancelled)")
			return
		}
	}
}

// Stop signals the notifier loop to exit.
func (n *APIKeyExpiryNotifier) Stop() {
	close(n.stopChan)
}

func (n *APIKeyExpiryNotifier) warningDays() int {
	if n.cfg.ExpiryWarningDays > 0 {
		return n.cfg.ExpiryWarningDays
	}
	return 7
}

func (n *APIKeyExpiryNotifier) runCheck(ctx context.Context) {
	now := n.now()
	cutoff := now.Add(time.Duration(n.warningDays()) * 24 * time.Hour)

	keys, err := n.keys.ListAPIKeysExpiringBefore(ctx, cutoff)
	if err != nil {
		log.Printf("API key expiry check failed: %v", err)
		return
	}

	notified := 0
	for _, key := range keys {
		if key.Revoked || key.ExpireAt == nil {
			continue
		}
		daysLeft := daysUntil(now, *key.ExpireAt)
		if daysLeft < 0 {
			continue
		}
		if key.DaysToExpirationOnLastNotification != nil && *key.DaysToExpirationOnLastNotification <= daysLeft {
			continue
		}
		if err := n.notify(ctx, key, daysLeft); err != nil {
			log.Printf("Failed to notify expiry of API key %s: %v", key.ID, err)
			continue
		}
		notified++
	}

	if notified > 0 {
		log.Printf("API key expiry check complete: %d notification(s) sent", notified)
	}
}

func (n *APIKeyExpiryNotifier) notify(ctx context.Context, key *models.APIKey, daysLeft int) error {
	params := map[string]string{
		"api_key":     key.ID,
		"application": key.ApplicationID,
		"expires_at":  key.ExpireAt.Format(time.RFC3339),
	}

	if err := n.hooks.Trigger(ctx, notifier.HookAPIKeyExpired, notifier.ScopeApplication, key.ApplicationID, params); err != nil {
		return err
	}
	for _, apiID := range n.resolveAPIs(ctx, key) {
		if err := n.hooks.Trigger(ctx, notifier.HookAPIKeyExpired, notifier.ScopeAPI, apiID, params); err != nil {
			return err
		}
	}

	if n.mailer != nil && n.mailer.Enabled() && n.cfg.OperatorEmail != "" {
		subject := fmt.Sprintf("API key of application %s expires in %d day(s)", key.ApplicationID, daysLeft)
		body := fmt.Sprintf(
			"API key %s of application %s expires on %s.\nBound subscriptions: %s\n",
			key.ID, key.ApplicationID, key.ExpireAt.Format(time.RFC1123),
			strings.Join(key.SubscriptionIDs, ", "))
		if err := n.mailer.Send(n.cfg.OperatorEmail, subject, body); err != nil {
			log.Printf("Failed to email expiry warning for API key %s: %v", key.ID, err)
		}
	}

	key.DaysToExpirationOnLastNotification = &daysLeft
	key.UpdatedAt = n.now()
	if err := n.keys.UpdateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("mark API key notified: %w", err)
	}

	telemetry.ExpiryNotificationsSentTotal.WithLabelValues("api_key").Inc()
	return nil
}

// resolveAPIs maps a key's bound subscriptions to the distinct APIs they
// target. Lookup failures drop the API from the notification rather than
// failing the whole check.
func (n *APIKeyExpiryNotifier) resolveAPIs(ctx context.Context, key *models.APIKey) []string {
	seen := make(map[string]bool)
	var apiIDs []string
	for _, subID := range key.SubscriptionIDs {
		sub, err := n.subscriptions.GetSubscription(ctx, subID)
		if err != nil || sub == nil {
			continue
		}
		if !seen[sub.APIID] {
			seen[sub.APIID] = true
			apiIDs = append(apiIDs, sub.APIID)
		}
	}
	return apiIDs
}
