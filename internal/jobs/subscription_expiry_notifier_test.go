package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apim-console/management/internal/config"
	"github.com/apim-console/management/internal/db/models"
	"github.com/apim-console/management/internal/notifier"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var jobEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newNotifierConfig(enabled bool) *config.NotificationsConfig {
	return &config.NotificationsConfig{
		Enabled: enabled,
		SMTP: config.SMTPConfig{
			Port: 25,
			From: "noreply@example.com",
		},
		ExpiryWarningDays:        7,
		ExpiryCheckIntervalHours: 24,
	}
}

type fakeSubscriptionSource struct {
	subs    []*models.Subscription
	listErr error
	updated []*models.Subscription
}

func (f *fakeSubscriptionSource) ListSubscriptionsExpiringBefore(_ context.Context, _ time.Time) ([]*models.Subscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.subs, nil
}

func (f *fakeSubscriptionSource) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	f.updated = append(f.updated, sub)
	return nil
}

type triggeredHook struct {
	hook  notifier.Hook
	scope notifier.Scope
	refID string
}

type fakeHookTrigger struct {
	events []triggeredHook
	err    error
}

func (f *fakeHookTrigger) Trigger(_ context.Context, hook notifier.Hook, scope notifier.Scope, refID string, _ map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, triggeredHook{hook: hook, scope: scope, refID: refID})
	return nil
}

func expiringSub(id string, endingAt time.Time) *models.Subscription {
	return &models.Subscription{
		ID:            id,
		PlanID:        "plan-1",
		APIID:         "api-1",
		ApplicationID: "app-1",
		Status:        models.SubscriptionStatusAccepted,
		EndingAt:      &endingAt,
	}
}

// ---------------------------------------------------------------------------
// Construction and interval defaulting
// ---------------------------------------------------------------------------

func TestNewSubscriptionExpiryNotifier_DefaultInterval(t *testing.T) {
	cfg := newNotifierConfig(true)
	cfg.ExpiryCheckIntervalHours = 0 // should default to 24

	n := NewSubscriptionExpiryNotifier(nil, nil, nil, cfg)
	if n.interval != 24*time.Hour {
		t.Errorf("interval = %v, want 24h", n.interval)
	}
}

func TestNewSubscriptionExpiryNotifier_CustomInterval(t *testing.T) {
	cfg := newNotifierConfig(true)
	cfg.ExpiryCheckIntervalHours = 48

	n := NewSubscriptionExpiryNotifier(nil, nil, nil, cfg)
	if n.interval != 48*time.Hour {
		t.Errorf("interval = %v, want 48h", n.interval)
	}
}

func TestNewSubscriptionExpiryNotifier_StopChanInitialised(t *testing.T) {
	n := NewSubscriptionExpiryNotifier(nil, nil, nil, newNotifierConfig(true))
	if n.stopChan == nil {
		t.Error("stopChan should not be nil after construction")
	}
}

// ---------------------------------------------------------------------------
// Start — early exit when disabled
// ---------------------------------------------------------------------------

func TestSubscriptionExpiryNotifier_Start_Disabled(t *testing.T) {
	n := NewSubscriptionExpiryNotifier(nil, nil, nil, newNotifierConfig(false))

	done := make(chan struct{})
	go func() {
		n.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
		// Start returned immediately because Enabled=false
	case <-time.After(2 * time.Second):
		t.Error("Start did not return quickly when notifications are disabled")
	}
}

func TestSubscriptionExpiryNotifier_Stop_DoesNotPanic(t *testing.T) {
	n := NewSubscriptionExpiryNotifier(nil, nil, nil, newNotifierConfig(true))
	n.Stop() // must not panic
}

// ---------------------------------------------------------------------------
// runCheck
// ---------------------------------------------------------------------------

func TestSubscriptionExpiryNotifier_RunCheck_ListError(t *testing.T) {
	src := &fakeSubscriptionSource{listErr: errors.New("db connection lost")}
	n := NewSubscriptionExpiryNotifier(src, &fakeHookTrigger{}, nil, newNotifierConfig(true))

	// Should log and return without panicking.
	n.runCheck(context.Background())
}

func TestSubscriptionExpiryNotifier_RunCheck_NotifiesAndMarks(t *testing.T) {
	sub := expiringSub("sub-1", jobEpoch.Add(3*24*time.Hour))
	src := &fakeSubscriptionSource{subs: []*models.Subscription{sub}}
	hooks := &fakeHookTrigger{}

	n := NewSubscriptionExpiryNotifier(src, hooks, nil, newNotifierConfig(true))
	n.now = func() time.Time { return jobEpoch }

	n.runCheck(context.Background())

	if len(hooks.events) != 2 {
		t.Fatalf("expected 2 hook events (API + application scope), got %d", len(hooks.events))
	}
	if hooks.events[0].hook != notifier.HookSubscriptionExpired {
		t.Errorf("hook = %s, want SUBSCRIPTION_EXPIRED", hooks.events[0].hook)
	}
	if hooks.events[0].scope != notifier.ScopeAPI || hooks.events[0].refID != "api-1" {
		t.Errorf("first event should address API api-1, got %s %s", hooks.events[0].scope, hooks.events[0].refID)
	}
	if hooks.events[1].scope != notifier.ScopeApplication || hooks.events[1].refID != "app-1" {
		t.Errorf("second event should address application app-1, got %s %s", hooks.events[1].scope, hooks.events[1].refID)
	}
	if len(src.updated) != 1 {
		t.Fatalf("expected subscription marked as notified, got %d updates", len(src.updated))
	}
	if got := src.updated[0].DaysToExpirationOnLastNotification; got == nil || *got != 3 {
		t.Errorf("DaysToExpirationOnLastNotification = %v, want 3", got)
	}
}

func TestSubscriptionExpiryNotifier_RunCheck_AlreadyNotifiedAtThreshold(t *testing.T) {
	sub := expiringSub("sub-1", jobEpoch.Add(3*24*time.Hour))
	three := 3
	sub.DaysToExpirationOnLastNotification = &three
	src := &fakeSubscriptionSource{subs: []*models.Subscription{sub}}
	hooks := &fakeHookTrigger{}

	n := NewSubscriptionExpiryNotifier(src, hooks, nil, newNotifierConfig(true))
	n.now = func() time.Time { return jobEpoch }

	n.runCheck(context.Background())

	if len(hooks.events) != 0 {
		t.Errorf("expected no hook events for an already-notified threshold, got %d", len(hooks.events))
	}
	if len(src.updated) != 0 {
		t.Errorf("expected no updates, got %d", len(src.updated))
	}
}

func TestSubscriptionExpiryNotifier_RunCheck_NotifiesAgainWhenCloser(t *testing.T) {
	// Warned at 7 days out; now only 2 days remain → warn again.
	sub := expiringSub("sub-1", jobEpoch.Add(2*24*time.Hour))
	seven := 7
	sub.DaysToExpirationOnLastNotification = &seven
	src := &fakeSubscriptionSource{subs: []*models.Subscription{sub}}
	hooks := &fakeHookTrigger{}

	n := NewSubscriptionExpiryNotifier(src, hooks, nil, newNotifierConfig(true))
	n.now = func() time.Time { return jobEpoch }

	n.runCheck(context.Background())

	if len(hooks.events) != 2 {
		t.Fatalf("expected a fresh notification at the closer threshold, got %d events", len(hooks.events))
	}
	if got := src.updated[0].DaysToExpirationOnLastNotification; got == nil || *got != 2 {
		t.Errorf("DaysToExpirationOnLastNotification = %v, want 2", got)
	}
}

func TestSubscriptionExpiryNotifier_RunCheck_SkipsClosedAndExpired(t *testing.T) {
	closed := expiringSub("sub-closed", jobEpoch.Add(24*time.Hour))
	closed.Status = models.SubscriptionStatusClosed
	past := expiringSub("sub-past", jobEpoch.Add(-24*time.Hour))
	src := &fakeSubscriptionSource{subs: []*models.Subscription{closed, past}}
	hooks := &fakeHookTrigger{}

	n := NewSubscriptionExpiryNotifier(src, hooks, nil, newNotifierConfig(true))
	n.now = func() time.Time { return jobEpoch }

	n.runCheck(context.Background())

	if len(hooks.events) != 0 {
		t.Errorf("expected no events for closed or already-expired subscriptions, got %d", len(hooks.events))
	}
}

func TestSubscriptionExpiryNotifier_RunCheck_HookFailureLeavesUnmarked(t *testing.T) {
	sub := expiringSub("sub-1", jobEpoch.Add(3*24*time.Hour))
	src := &fakeSubscriptionSource{subs: []*models.Subscription{sub}}
	hooks := &fakeHookTrigger{err: errors.New("webhook unreachable")}

	n := NewSubscriptionExpiryNotifier(src, hooks, nil, newNotifierConfig(true))
	n.now = func() time.Time { return jobEpoch }

	n.runCheck(context.Background())

	if len(src.updated) != 0 {
		t.Errorf("failed notification must not mark the subscription, got %d updates", len(src.updated))
	}
}

// ---------------------------------------------------------------------------
// daysUntil
// ---------------------------------------------------------------------------

func TestDaysUntil(t *testing.T) {
	tests := []struct {
		name     string
		deadline time.Time
		want     int
	}{
		{"exactly three days", jobEpoch.Add(3 * 24 * time.Hour), 3},
		{"partial day rounds up", jobEpoch.Add(36 * time.Hour), 2},
		{"under a day", jobEpoch.Add(2 * time.Hour), 1},
		{"already passed", jobEpoch.Add(-time.Minute), -1},
		{"right now", jobEpoch, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := daysUntil(jobEpoch, tt.deadline); got != tt.want {
				t.Errorf("daysUntil = %d, want %d", got, tt.want)
			}
		})
	}
}
