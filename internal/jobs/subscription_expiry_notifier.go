package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/apim-console/management/internal/config"
	"github.com/apim-console/management/internal/db/models"
	"github.com/apim-console/management/internal/notifier"
	"github.com/apim-console/management/internal/telemetry"
)

// SubscriptionSource is the slice of the subscription store the expiry
// notifier needs.
type SubscriptionSource interface {
	ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
}

// HookTrigger dispatches lifecycle hook events.
type HookTrigger interface {
	Trigger(ctx context.Context, hook notifier.Hook, scope notifier.Scope, referenceID string, params map[string]string) error
}

// SubscriptionExpiryNotifier periodically scans for subscriptions whose
// validity window ends within the warning period and notifies once per
// warning threshold.
type SubscriptionExpiryNotifier struct {
	subscriptions SubscriptionSource
	hooks         HookTrigger
	mailer        *Mailer
	cfg           *config.NotificationsConfig
	interval      time.Duration
	now           func() time.Time
	stopChan      chan struct{}
}

// NewSubscriptionExpiryNotifier creates the notifier job. The check interval
// comes from cfg.ExpiryCheckIntervalHours, defaulting to 24 hours.
func NewSubscriptionExpiryNotifier(subscriptions SubscriptionSource, hooks HookTrigger, mailer *Mailer, cfg *config.NotificationsConfig) *SubscriptionExpiryNotifier {
	interval := 24 * time.Hour
	if cfg.ExpiryCheckIntervalHours > 0 {
		interval = time.Duration(cfg.ExpiryCheckIntervalHours) * time.Hour
	}
	return &SubscriptionExpiryNotifier{
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
func (n *SubscriptionExpiryNotifier) Start(ctx context.Context) {
	if !n.cfg.Enabled {
		log.Println("Subscription expiry notifier disabled")
		return
	}

	log.Printf("Starting subscription expiry notifier (interval: %s, warning window: %d days)",
		n.interval, n.warningDays())

	n.runCheck(ctx)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.runCheck(ctx)
		case <-n.stopChan:
			log.Println("Subscription expiry notifier stopped")
			return
		case <-ctx.Done():
			log.Println("Subscription expiry notifier stopped (context cancelled)")
			return
		}
	}
}

// Stop signals the notifier loop to exit.
func (n *SubscriptionExpiryNotifier) Stop() {
	close(n.stopChan)
}

func (n *SubscriptionExpiryNotifier) warningDays() int {
	if n.cfg.ExpiryWarningDays > 0 {
		return n.cfg.ExpiryWarningDays
	}
	return 7
}

func (n *SubscriptionExpiryNotifier) runCheck(ctx context.Context) {
	now := n.now()
	cutoff := now.Add(time.Duration(n.warningDays()) * 24 * time.Hour)

	subs, err := n.subscriptions.ListSubscriptionsExpiringBefore(ctx, cutoff)
	if err != nil {
		log.Printf("Subscription expiry check failed: %v", err)
		return
	}

	notified := 0
	for _, sub := range subs {
		if !sub.IsLive() || sub.EndingAt == nil {
			continue
		}
		daysLeft := daysUntil(now, *sub.EndingAt)
		if daysLeft < 0 {
			continue
		}
		// Each warning threshold fires once: skip when a notification
		// already went out at this threshold or closer to expiry.
		if sub.DaysToExpirationOnLastNotification != nil && *sub.DaysToExpirationOnLastNotification <= daysLeft {
			continue
		}
		if err := n.notify(ctx, sub, daysLeft); err != nil {
			log.Printf("Failed to notify expiry of subscription %s: %v", sub.ID, err)
			continue
		}
		notified++
	}

	if notified > 0 {
		log.Printf("Subscription expiry check complete: %d notification(s) sent", notified)
	}
}

func (n *SubscriptionExpiryNotifier) notify(ctx context.Context, sub *models.Subscription, daysLeft int) error {
	params := map[string]string{
		"subscription": sub.ID,
		"plan":         sub.PlanID,
		"api":          sub.APIID,
		"application":  sub.ApplicationID,
		"expires_at":   sub.EndingAt.Format(time.RFC3339),
	}
	if err := n.hooks.Trigger(ctx, notifier.HookSubscriptionExpired, notifier.ScopeAPI, sub.APIID, params); err != nil {
		return err
	}
	if err := n.hooks.Trigger(ctx, notifier.HookSubscriptionExpired, notifier.ScopeApplication, sub.ApplicationID, params); err != nil {
		return err
	}

	if n.mailer != nil && n.mailer.Enabled() && n.cfg.OperatorEmail != "" {
		subject := fmt.Sprintf("Subscription %s expires in %d day(s)", sub.ID, daysLeft)
		body := fmt.Sprintf(
			"Subscription %s of application %s to plan %s (API %s) expires on %s.\n",
			sub.ID, sub.ApplicationID, sub.PlanID, sub.APIID, sub.EndingAt.Format(time.RFC1123))
		if err := n.mailer.Send(n.cfg.OperatorEmail, subject, body); err != nil {
			// Hook delivery already succeeded; log and carry on.
			log.Printf("Failed to email expiry warning for subscription %s: %v", sub.ID, err)
		}
	}

	sub.DaysToExpirationOnLastNotification = &daysLeft
	sub.UpdatedAt = n.now()
	if err := n.subscriptions.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("mark subscription notified: %w", err)
	}

	telemetry.ExpiryNotificationsSentTotal.WithLabelValues("subscription").Inc()
	return nil
}

// daysUntil counts the calendar days remaining before the deadline, rounding
// a partial day up so "expires in under 24h" reports 1, not 0.
func daysUntil(now, deadline time.Time) int {
	remaining := deadline.Sub(now)
	if remaining < 0 {
		return -1
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}
