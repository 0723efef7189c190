// subscription_service.go implements the subscription lifecycle: creation with
// its admission checks, manual or automatic processing, close/pause/resume,
// the restore escape hatch and plan transfer.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/apim-console/management/internal/audit"
	"github.com/apim-console/management/internal/db/models"
	"github.com/apim-console/management/internal/notifier"
	"github.com/apim-console/management/internal/telemetry"
)

// closedSubscriptionReason is the rejection reason recorded when a pending
// subscription is closed before being processed.
const closedSubscriptionReason = "Subscription has been closed."

// NewSubscription carries the caller-supplied fields of a subscription request.
type NewSubscription struct {
	PlanID                           string
	ApplicationID                    string
	Request                          string
	SubscribedBy                     string
	GeneralConditionsAccepted        bool
	GeneralConditionsContentRevision *int
	// AdminOverride bypasses the excluded-groups restriction.
	AdminOverride bool
}

// ProcessDecision is a reviewer's verdict on a pending subscription.
type ProcessDecision struct {
	Accepted   bool
	Reason     string
	StartingAt *time.Time
	EndingAt   *time.Time
	// CustomAPIKey is an optional key value to use when acceptance of an
	// API_KEY plan triggers key generation.
	CustomAPIKey string
}

// UpdateSubscription carries the mutable fields of a subscription update.
type UpdateSubscription struct {
	ID         string
	StartingAt *time.Time
	EndingAt   *time.Time
}

// SubscriptionQuery filters subscription searches. At least one of APIID,
// PlanID or ApplicationID must be set.
type SubscriptionQuery struct {
	APIID         string
	PlanID        string
	ApplicationID string
	Statuses      []models.SubscriptionStatus
}

// SubscriptionService manages subscriptions.
type SubscriptionService struct {
	subscriptions SubscriptionStore
	plans         PlanStore
	applications  ApplicationStore
	pages         PageStore
	keys          APIKeyStore
	apiKeys       *APIKeyService
	groups        *GroupCache
	auditor       Auditor
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
}

// NewSubscriptionService creates a SubscriptionService. groups may be nil,
// disabling the excluded-groups check; logger defaults to slog.Default and
// the clock to time.Now.
func NewSubscriptionService(
	subscriptions SubscriptionStore,
	plans PlanStore,
	applications ApplicationStore,
	pages PageStore,
	keys APIKeyStore,
	apiKeys *APIKeyService,
	groups *GroupCache,
	auditor Auditor,
	notif Notifier,
	logger *slog.Logger,
) *SubscriptionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{
		subscriptions: subscriptions,
		plans:         plans,
		applications:  applications,
		pages:         pages,
		keys:          keys,
		apiKeys:       apiKeys,
		groups:        groups,
		auditor:       auditor,
		notifier:      notif,
		logger:        logger,
		now:           time.Now,
	}
}

// WithClock replaces the service clock. Intended for tests.
func (s *SubscriptionService) WithClock(now func() time.Time) *SubscriptionService {
	s.now = now
	return s
}

// Create validates and persists a subscription request. Plans with AUTO
// validation are processed immediately and the returned subscription is
// already ACCEPTED (with a generated key for API_KEY plans); customKey, when
// non-empty, is the key value requested for that generation.
func (s *SubscriptionService) Create(ctx context.Context, req NewSubscription, customKey string) (*models.Subscription, error) {
	plan, err := s.plans.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, technical("create subscription", err)
	}
	if plan == nil {
		return nil, notFound("plan", req.PlanID)
	}

	switch plan.Status {
	case models.PlanStatusDeprecated:
		return nil, policyViolation("plan %s is deprecated and not subscribable", plan.ID)
	case models.PlanStatusClosed:
		return nil, invalidState("subscribe to", "plan", plan.ID, string(plan.Status))
	case models.PlanStatusStaging:
		return nil, policyViolation("plan %s is not yet published", plan.ID)
	}
	if plan.Security == models.PlanSecurityKeyless {
		return nil, policyViolation("plan %s is keyless and not subscribable", plan.ID)
	}

	app, err := s.applications.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return nil, technical("create subscription", err)
	}
	if app == nil {
		return nil, notFound("application", req.ApplicationID)
	}
	if app.IsArchived() {
		return nil, invalidState("subscribe with", "application", app.ID, string(app.Status))
	}

	if err := s.checkExcludedGroups(ctx, plan, app, req.AdminOverride); err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		PlanID:        plan.ID,
		APIID:         plan.APIID,
		ApplicationID: app.ID,
		Status:        models.SubscriptionStatusPending,
		Request:       req.Request,
		SubscribedBy:  req.SubscribedBy,
	}

	if err := s.checkGeneralConditions(ctx, plan, req, sub); err != nil {
		return nil, err
	}

	if err := s.checkExistingSubscriptions(ctx, plan, app); err != nil {
		return nil, err
	}

	if plan.Security == models.PlanSecurityOAuth2 || plan.Security == models.PlanSecurityJWT {
		if app.ClientID == nil || *app.ClientID == "" {
			return nil, policyViolation("plan %s requires the application to define a client_id", plan.ID)
		}
		sub.ClientID = app.ClientID
	}

	if plan.Security == models.PlanSecurityAPIKey {
		if err := s.pinAPIKeyMode(ctx, app); err != nil {
			return nil, err
		}
	}

	if err := s.subscriptions.CreateSubscription(ctx, sub); err != nil {
		return nil, technical("create subscription", err)
	}

	s.auditSub(ctx, models.AuditSubCreated, req.SubscribedBy, sub, nil, sub)
	telemetry.SubscriptionTransitionsTotal.WithLabelValues("create").Inc()

	if plan.Validation == models.PlanValidationAuto {
		return s.Process(ctx, sub.ID, ProcessDecision{Accepted: true, CustomAPIKey: customKey}, "system")
	}

	s.trigger(ctx, notifier.HookSubscriptionNew, notifier.ScopeAPI, sub.APIID, s.subParams(sub))
	s.trigger(ctx, notifier.HookSubscriptionNew, notifier.ScopeApplication, sub.ApplicationID, s.subParams(sub))
	return sub, nil
}

// checkExcludedGroups rejects subscriptions from applications belonging to a
// group the plan excludes, unless the caller has the admin override.
func (s *SubscriptionService) checkExcludedGroups(ctx context.Context, plan *models.Plan, app *models.Application, override bool) error {
	if len(plan.ExcludedGroups) == 0 || override || s.groups == nil {
		return nil
	}

	groups, err := s.groups.Groups(ctx, app.ID)
	if err != nil {
		return err
	}

	excluded := make(map[string]bool, len(plan.ExcludedGroups))
	for _, g := range plan.ExcludedGroups {
		excluded[g] = true
	}
	for _, g := range groups {
		if excluded[g] {
			return policyViolation("application %s belongs to group %s, which is excluded from plan %s", app.ID, g, plan.ID)
		}
	}
	return nil
}

// checkGeneralConditions enforces acceptance of the plan's terms page at its
// exact currently-published revision, pinning the revision on the subscription.
func (s *SubscriptionService) checkGeneralConditions(ctx context.Context, plan *models.Plan, req NewSubscription, sub *models.Subscription) error {
	if plan.GeneralConditions == nil {
		return nil
	}
	if !req.GeneralConditionsAccepted {
		return policyViolation("plan %s requires accepting its general conditions", plan.ID)
	}

	page, err := s.pages.GetPage(ctx, *plan.GeneralConditions)
	if err != nil {
		return technical("load general conditions", err)
	}
	if page == nil {
		return notFound("page", *plan.GeneralConditions)
	}
	if !page.Published {
		return policyViolation("general conditions page %s is not published", page.ID)
	}
	if req.GeneralConditionsContentRevision == nil || *req.GeneralConditionsContentRevision != page.ContentRevisionID {
		return policyViolation("general conditions were accepted for an outdated revision")
	}

	sub.GeneralConditionsAccepted = true
	sub.GeneralConditionsContentPageID = plan.GeneralConditions
	revision := page.ContentRevisionID
	sub.GeneralConditionsContentRevision = &revision
	return nil
}

// checkExistingSubscriptions enforces the per-application uniqueness rules:
// one live subscription per plan, and at most one live OAuth2/JWT
// subscription overall.
func (s *SubscriptionService) checkExistingSubscriptions(ctx context.Context, plan *models.Plan, app *models.Application) error {
	existing, err := s.subscriptions.ListSubscriptionsByApplication(ctx, app.ID)
	if err != nil {
		return technical("create subscription", err)
	}

	oauthLike := plan.Security == models.PlanSecurityOAuth2 || plan.Security == models.PlanSecurityJWT
	planCache := make(map[string]*models.Plan)

	for _, other := range existing {
		if !other.IsLive() {
			continue
		}
		if other.PlanID == plan.ID {
			return policyViolation("application %s already has a subscription to plan %s", app.ID, plan.ID)
		}
		if !oauthLike {
			continue
		}

		otherPlan, ok := planCache[other.PlanID]
		if !ok {
			otherPlan, err = s.plans.GetPlan(ctx, other.PlanID)
			if err != nil {
				return technical("create subscription", err)
			}
			planCache[other.PlanID] = otherPlan
		}
		if otherPlan == nil {
			continue
		}
		if otherPlan.Security == models.PlanSecurityOAuth2 || otherPlan.Security == models.PlanSecurityJWT {
			return policyViolation("application %s already has a live OAuth2/JWT subscription", app.ID)
		}
	}
	return nil
}

// pinAPIKeyMode settles an application's key mode before its second API_KEY
// subscription: when the mode is still UNSPECIFIED and a live API_KEY
// subscription already exists, the mode defaults to EXCLUSIVE.
func (s *SubscriptionService) pinAPIKeyMode(ctx context.Context, app *models.Application) error {
	if app.APIKeyMode != models.APIKeyModeUnspecified {
		return nil
	}

	existing, err := s.subscriptions.ListSubscriptionsByApplication(ctx, app.ID)
	if err != nil {
		return technical("create subscription", err)
	}

	for _, other := range existing {
		if !other.IsLive() {
			continue
		}
		otherPlan, err := s.plans.GetPlan(ctx, other.PlanID)
		if err != nil {
			return technical("create subscription", err)
		}
		if otherPlan != nil && otherPlan.Security == models.PlanSecurityAPIKey {
			app.APIKeyMode = models.APIKeyModeExclusive
			app.UpdatedAt = s.now()
			if err := s.applications.UpdateApplication(ctx, app); err != nil {
				return technical("create subscription", err)
			}
			return nil
		}
	}
	return nil
}

// Process applies a reviewer decision to a pending subscription. Accepting a
// subscription to an API_KEY plan also generates its key.
func (s *SubscriptionService) Process(ctx context.Context, subscriptionID string, decision ProcessDecision, actor string) (*models.Subscription, error) {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("process subscription", err)
	}
	if sub == nil {
		return nil, notFound("subscription", subscriptionID)
	}
	if sub.Status != models.SubscriptionStatusPending {
		return nil, invalidState("process", "subscription", sub.ID, string(sub.Status))
	}

	plan, err := s.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, technical("process subscription", err)
	}
	if plan == nil {
		return nil, notFound("plan", sub.PlanID)
	}
	if plan.Status == models.PlanStatusClosed {
		return nil, invalidState("process a subscription to", "plan", plan.ID, string(plan.Status))
	}

	at := s.now()
	old := *sub
	sub.ProcessedBy = &actor
	sub.ProcessedAt = &at
	if decision.Reason != "" {
		reason := decision.Reason
		sub.Reason = &reason
	}

	if decision.Accepted {
		sub.Status = models.SubscriptionStatusAccepted
		if decision.StartingAt != nil {
			sub.StartingAt = decision.StartingAt
		} else {
			sub.StartingAt = &at
		}
		sub.EndingAt = decision.EndingAt
	} else {
		sub.Status = models.SubscriptionStatusRejected
		sub.ClosedAt = &at
	}
	sub.UpdatedAt = at

	if err := s.subscriptions.UpdateSubscription(ctx, sub); err != nil {
		return nil, technical("process subscription", err)
	}
	s.auditSub(ctx, models.AuditSubUpdated, actor, sub, &old, sub)

	if decision.Accepted {
		telemetry.SubscriptionTransitionsTotal.WithLabelValues("accept").Inc()
		s.trigger(ctx, notifier.HookSubscriptionAccepted, notifier.ScopeAPI, sub.APIID, s.subParams(sub))
		s.trigger(ctx, notifier.HookSubscriptionAccepted, notifier.ScopeApplication, sub.ApplicationID, s.subParams(sub))

		if plan.Security == models.PlanSecurityAPIKey {
			if _, err := s.apiKeys.Generate(ctx, sub.ApplicationID, sub.ID, decision.CustomAPIKey, actor); err != nil {
				return nil, err
			}
		}
		return sub, nil
	}

	telemetry.SubscriptionTransitionsTotal.WithLabelValues("reject").Inc()
	s.trigger(ctx, notifier.HookSubscriptionRejected, notifier.ScopeAPI, sub.APIID, s.subParams(sub))
	s.trigger(ctx, notifier.HookSubscriptionRejected, notifier.ScopeApplication, sub.ApplicationID, s.subParams(sub))
	return sub, nil
}

// Close terminates a subscription. Pending subscriptions are rejected via
// Process instead; accepted and paused ones move to CLOSED and their
// non-shared keys are revoked best-effort.
func (s *SubscriptionService) Close(ctx context.Context, subscriptionID, actor string) (*models.Subscription, error) {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("close subscription", err)
	}
	if sub == nil {
		return nil, notFound("subscription", subscriptionID)
	}

	switch sub.Status {
	case models.SubscriptionStatusPending:
		return s.Process(ctx, sub.ID, ProcessDecision{Accepted: false, Reason: closedSubscriptionReason}, actor)
	case models.SubscriptionStatusAccepted, models.SubscriptionStatusPaused:
		// fallthrough to the close path below
	default:
		return nil, invalidState("close", "subscription", sub.ID, string(sub.Status))
	}

	at := s.now()
	old := *sub
	sub.Status = models.SubscriptionStatusClosed
	sub.ClosedAt = &at
	sub.UpdatedAt = at
	if err := s.subscriptions.UpdateSubscription(ctx, sub); err != nil {
		return nil, technical("close subscription", err)
	}

	s.revokeSubscriptionKeys(ctx, sub, actor)

	s.auditSub(ctx, models.AuditSubClosed, actor, sub, &old, sub)
	telemetry.SubscriptionTransitionsTotal.WithLabelValues("close").Inc()
	s.trigger(ctx, notifier.HookSubscriptionClosed, notifier.ScopeAPI, sub.APIID, s.subParams(sub))
	s.trigger(ctx, notifier.HookSubscriptionClosed, notifier.ScopeApplication, sub.ApplicationID, s.subParams(sub))
	return sub, nil
}

// revokeSubscriptionKeys revokes the subscription's non-revoked keys.
// Shared keys survive a close since other subscriptions still use them.
// Per-key failures are logged and do not abort the close.
func (s *SubscriptionService) revokeSubscriptionKeys(ctx context.Context, sub *models.Subscription, actor string) {
	app, err := s.applications.GetApplication(ctx, sub.ApplicationID)
	if err != nil {
		s.logger.Error("failed to load application while closing subscription",
			"subscription_id", sub.ID, "error", err)
		return
	}
	if app != nil && app.HasSharedKeyMode() {
		return
	}

	keys, err := s.keys.ListAPIKeysBySubscription(ctx, sub.ID)
	if err != nil {
		s.logger.Error("failed to list api keys while closing subscription",
			"subscription_id", sub.ID, "error", err)
		return
	}
	for _, key := range keys {
		if key.Revoked {
			continue
		}
		if err := s.apiKeys.Revoke(ctx, key.ID, false, actor); err != nil {
			s.logger.Error("failed to revoke api key while closing subscription",
				"subscription_id", sub.ID, "key_id", key.ID, "error", err)
		}
	}
}

// Pause suspends an accepted subscription, pausing its keys in lockstep.
func (s *SubscriptionService) Pause(ctx context.Context, subscriptionID, actor string) (*models.Subscription, error) {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("pause subscription", err)
	}
	if sub == nil {
		return nil, notFound("subscription", subscriptionID)
	}
	if sub.Status != models.SubscriptionStatusAccepted {
		return nil, invalidState("pause", "subscription", sub.ID, string(sub.Status))
	}

	at := s.now()
	old := *sub
	sub.Status = models.SubscriptionStatusPaused
	sub.PausedAt = &at
	sub.UpdatedAt = at
	if err := s.subscriptions.UpdateSubscription(ctx, sub); err != nil {
		return nil, technical("pause subscription", err)
	}

	s.setKeysPaused(ctx, sub, true)

	s.auditSub(ctx, models.AuditSubPaused, actor, sub, &old, sub)
	telemetry.SubscriptionTransitionsTotal.WithLabelValues("pause").Inc()
	s.trigger(ctx, notifier.HookSubscriptionPaused, notifier.ScopeAPI, sub.APIID, s.subParams(sub))
	s.trigger(ctx, notifier.HookSubscriptionPaused, notifier.ScopeApplication, sub.ApplicationID, s.subParams(sub))
	return sub, nil
}

// Resume reactivates a paused subscription, un-pausing its keys.
func (s *SubscriptionService) Resume(ctx context.Context, subscriptionID, actor string) (*models.Subscription, error) {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("resume subscription", err)
	}
	if sub == nil {
		return nil, notFound("subscription", subscriptionID)
	}
	if sub.Status != models.SubscriptionStatusPaused {
		return nil, invalidState("resume", "subscription", sub.ID, string(sub.Status))
	}

	at := s.now()
	old := *sub
	sub.Status = models.SubscriptionStatusAccepted
	sub.PausedAt = nil
	sub.UpdatedAt = at
	if err := s.subscriptions.UpdateSubscription(ctx, sub); err != nil {
		return nil, technical("resume subscription", err)
	}

	s.setKeysPaused(ctx, sub, false)

	s.auditSub(ctx, models.AuditSubResumed, actor, sub, &old, sub)
	telemetry.SubscriptionTransitionsTotal.WithLabelValues("resume").Inc()
	s.trigger(ctx, notifier.HookSubscriptionResumed, notifier.ScopeAPI, sub.APIID, s.subParams(sub))
	s.trigger(ctx, notifier.HookSubscriptionResumed, notifier.ScopeApplication, sub.ApplicationID, s.subParams(sub))
	return sub, nil
}

// setKeysPaused toggles the paused flag of the subscription's keys, skipping
// revoked ones. Shared keys keep serving other subscriptions, so their flag
// is left alone but the record is touched so gateways detect the change.
func (s *SubscriptionService) setKeysPaused(ctx context.Context, sub *models.Subscription, paused bool) {
	app, err := s.applications.GetApplication(ctx, sub.ApplicationID)
	if err != nil {
		s.logger.Error("failed to load application while toggling api keys",
			"subscription_id", sub.ID, "error", err)
		return
	}
	shared := app != nil && app.HasSharedKeyMode()

	keys, err := s.keys.ListAPIKeysBySubscription(ctx, sub.ID)
	if err != nil {
		s.logger.Error("failed to list api keys while toggling pause",
			"subscription_id", sub.ID, "error", err)
		return
	}

	at := s.now()
	for _, key := range keys {
		if key.Revoked {
			continue
		}
		if !shared {
			key.Paused = paused
		}
		key.UpdatedAt = at
		if err := s.keys.UpdateAPIKey(ctx, key); err != nil {
			s.logger.Error("failed to update api key pause state",
				"key_id", key.ID, "error", err)
		}
	}
}

// Restore brings a closed or rejected subscription back to PENDING so it can
// be processed again, un-pausing any keys still active.
func (s *SubscriptionService) Restore(ctx context.Context, subscriptionID, actor string) (*models.Subscription, error) {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("restore subscription", err)
	}
	if sub == nil {
		return nil, notFound("subscription", subscriptionID)
	}
	if sub.Status != models.SubscriptionStatusClosed && sub.Status != models.SubscriptionStatusRejected {
		return nil, invalidState("restore", "subscription", sub.ID, string(sub.Status))
	}

	at := s.now()
	old := *sub
	sub.Status = models.SubscriptionStatusPending
	sub.ProcessedBy = nil
	sub.ProcessedAt = nil
	sub.ClosedAt = nil
	sub.PausedAt = nil
	sub.UpdatedAt = at
	if err := s.subscriptions.UpdateSubscription(ctx, sub); err != nil {
		return nil, technical("restore subscription", err)
	}

	keys, err := s.keys.ListAPIKeysBySubscription(ctx, sub.ID)
	if err != nil {
		s.logger.Error("failed to list api keys while restoring subscription",
			"subscription_id", sub.ID, "error", err)
	}
	for _, key := range keys {
		if key.Revoked || key.IsExpired(at) || !key.Paused {
			continue
		}
		key.Paused = false
		key.UpdatedAt = at
		if err := s.keys.UpdateAPIKey(ctx, key); err != nil {
			s.logger.Error("failed to un-pause api key", "key_id", key.ID, "error", err)
		}
	}

	s.auditSub(ctx, models.AuditSubUpdated, actor, sub, &old, sub)
	telemetry.SubscriptionTransitionsTotal.WithLabelValues("restore").Inc()
	return sub, nil
}

// Transfer moves a live subscription to another plan of the same API. The
// target must be PUBLISHED, share the current plan's security type and carry
// no general conditions.
func (s *SubscriptionService) Transfer(ctx context.Context, subscriptionID, newPlanID, actor string) (*models.Subscription, error) {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("transfer subscription", err)
	}
	if sub == nil {
		return nil, notFound("subscription", subscriptionID)
	}
	if !sub.IsLive() {
		return nil, invalidState("transfer", "subscription", sub.ID, string(sub.Status))
	}

	current, err := s.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, technical("transfer subscription", err)
	}
	target, err := s.plans.GetPlan(ctx, newPlanID)
	if err != nil {
		return nil, technical("transfer subscription", err)
	}
	if target == nil {
		return nil, notFound("plan", newPlanID)
	}

	switch {
	case target.APIID != sub.APIID:
		return nil, policyViolation("plan %s belongs to another API", target.ID)
	case target.Status != models.PlanStatusPublished:
		return nil, policyViolation("plan %s is not published", target.ID)
	case current != nil && target.Security != current.Security:
		return nil, policyViolation("plan %s uses a different security type", target.ID)
	case target.GeneralConditions != nil:
		return nil, policyViolation("plan %s has general conditions and cannot receive transfers", target.ID)
	}

	old := *sub
	sub.PlanID = target.ID
	sub.UpdatedAt = s.now()
	if err := s.subscriptions.UpdateSubscription(ctx, sub); err != nil {
		return nil, technical("transfer subscription", err)
	}

	s.auditSub(ctx, models.AuditSubUpdated, actor, sub, &old, sub)
	telemetry.SubscriptionTransitionsTotal.WithLabelValues("transfer").Inc()
	s.trigger(ctx, notifier.HookSubscriptionTransferred, notifier.ScopeAPI, sub.APIID, s.subParams(sub))
	s.trigger(ctx, notifier.HookSubscriptionTransferred, notifier.ScopeApplication, sub.ApplicationID, s.subParams(sub))
	return sub, nil
}

// Update changes a subscription's validity window (and client id when one is
// already set), propagating the new end date to active non-shared keys.
func (s *SubscriptionService) Update(ctx context.Context, upd UpdateSubscription, clientID *string, actor string) (*models.Subscription, error) {
	sub, err := s.subscriptions.GetSubscription(ctx, upd.ID)
	if err != nil {
		return nil, technical("update subscription", err)
	}
	if sub == nil {
		return nil, notFound("subscription", upd.ID)
	}
	switch sub.Status {
	case models.SubscriptionStatusPending, models.SubscriptionStatusAccepted, models.SubscriptionStatusPaused:
	default:
		return nil, invalidState("update", "subscription", sub.ID, string(sub.Status))
	}

	at := s.now()
	old := *sub
	sub.StartingAt = upd.StartingAt
	sub.EndingAt = upd.EndingAt
	sub.DaysToExpirationOnLastNotification = nil
	if clientID != nil && sub.ClientID != nil {
		sub.ClientID = clientID
	}
	sub.UpdatedAt = at
	if err := s.subscriptions.UpdateSubscription(ctx, sub); err != nil {
		return nil, technical("update subscription", err)
	}

	s.propagateEndingAt(ctx, sub, actor)

	s.auditSub(ctx, models.AuditSubUpdated, actor, sub, &old, sub)
	telemetry.SubscriptionTransitionsTotal.WithLabelValues("update").Inc()
	return sub, nil
}

// propagateEndingAt re-clamps the expiry of the subscription's active
// non-shared keys after a validity-window change.
func (s *SubscriptionService) propagateEndingAt(ctx context.Context, sub *models.Subscription, actor string) {
	app, err := s.applications.GetApplication(ctx, sub.ApplicationID)
	if err != nil {
		s.logger.Error("failed to load application while updating subscription",
			"subscription_id", sub.ID, "error", err)
		return
	}
	if app != nil && app.HasSharedKeyMode() {
		return
	}

	keys, err := s.keys.ListAPIKeysBySubscription(ctx, sub.ID)
	if err != nil {
		s.logger.Error("failed to list api keys while updating subscription",
			"subscription_id", sub.ID, "error", err)
		return
	}

	at := s.now()
	for _, key := range keys {
		if !key.IsActive(at) {
			continue
		}
		if err := s.apiKeys.applyExpiration(ctx, key, sub.EndingAt, sub, actor); err != nil {
			s.logger.Error("failed to propagate subscription end date to api key",
				"key_id", key.ID, "error", err)
		}
	}
}

// UpdateDaysToExpirationOnLastNotification records which expiry-warning
// threshold was last notified for the subscription.
func (s *SubscriptionService) UpdateDaysToExpirationOnLastNotification(ctx context.Context, subscriptionID string, days int) error {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return technical("update subscription", err)
	}
	if sub == nil {
		return notFound("subscription", subscriptionID)
	}
	sub.DaysToExpirationOnLastNotification = &days
	sub.UpdatedAt = s.now()
	if err := s.subscriptions.UpdateSubscription(ctx, sub); err != nil {
		return technical("update subscription", err)
	}
	return nil
}

// Delete removes a subscription and its keys.
func (s *SubscriptionService) Delete(ctx context.Context, subscriptionID, actor string) error {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return technical("delete subscription", err)
	}
	if sub == nil {
		return notFound("subscription", subscriptionID)
	}

	if err := s.keys.DeleteAPIKeysBySubscription(ctx, sub.ID); err != nil {
		return technical("delete subscription", err)
	}
	if err := s.subscriptions.DeleteSubscription(ctx, sub.ID); err != nil {
		return technical("delete subscription", err)
	}

	s.auditSub(ctx, models.AuditSubDeleted, actor, sub, sub, nil)
	telemetry.SubscriptionTransitionsTotal.WithLabelValues("delete").Inc()
	return nil
}

// FindByID returns a subscription by id.
func (s *SubscriptionService) FindByID(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("find subscription", err)
	}
	if sub == nil {
		return nil, notFound("subscription", subscriptionID)
	}
	return sub, nil
}

// FindByIDIn returns the subscriptions matching the given ids, skipping
// unknown ones.
func (s *SubscriptionService) FindByIDIn(ctx context.Context, ids []string) ([]*models.Subscription, error) {
	subs := make([]*models.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := s.subscriptions.GetSubscription(ctx, id)
		if err != nil {
			return nil, technical("find subscriptions", err)
		}
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// FindByAPI returns every subscription across the API's plans.
func (s *SubscriptionService) FindByAPI(ctx context.Context, apiID string) ([]*models.Subscription, error) {
	subs, err := s.subscriptions.ListSubscriptionsByAPI(ctx, apiID)
	if err != nil {
		return nil, technical("find subscriptions", err)
	}
	return subs, nil
}

// FindByPlan returns every subscription of a plan.
func (s *SubscriptionService) FindByPlan(ctx context.Context, planID string) ([]*models.Subscription, error) {
	subs, err := s.subscriptions.ListSubscriptionsByPlan(ctx, planID)
	if err != nil {
		return nil, technical("find subscriptions", err)
	}
	return subs, nil
}

// FindByApplicationAndPlan returns the application's subscriptions,
// restricted to one plan when planID is non-empty.
func (s *SubscriptionService) FindByApplicationAndPlan(ctx context.Context, applicationID, planID string) ([]*models.Subscription, error) {
	subs, err := s.subscriptions.ListSubscriptionsByApplication(ctx, applicationID)
	if err != nil {
		return nil, technical("find subscriptions", err)
	}
	if planID == "" {
		return subs, nil
	}
	filtered := subs[:0]
	for _, sub := range subs {
		if sub.PlanID == planID {
			filtered = append(filtered, sub)
		}
	}
	return filtered, nil
}

// Search returns the subscriptions matching the query.
func (s *SubscriptionService) Search(ctx context.Context, query SubscriptionQuery) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	var err error

	switch {
	case query.PlanID != "":
		subs, err = s.subscriptions.ListSubscriptionsByPlan(ctx, query.PlanID)
	case query.ApplicationID != "":
		subs, err = s.subscriptions.ListSubscriptionsByApplication(ctx, query.ApplicationID)
	case query.APIID != "":
		subs, err = s.subscriptions.ListSubscriptionsByAPI(ctx, query.APIID)
	default:
		return nil, policyViolation("subscription search requires an API, plan or application filter")
	}
	if err != nil {
		return nil, technical("search subscriptions", err)
	}

	if query.APIID != "" {
		filtered := make([]*models.Subscription, 0, len(subs))
		for _, sub := range subs {
			if sub.APIID == query.APIID {
				filtered = append(filtered, sub)
			}
		}
		subs = filtered
	}
	if len(query.Statuses) > 0 {
		wanted := make(map[models.SubscriptionStatus]bool, len(query.Statuses))
		for _, st := range query.Statuses {
			wanted[st] = true
		}
		filtered := make([]*models.Subscription, 0, len(subs))
		for _, sub := range subs {
			if wanted[sub.Status] {
				filtered = append(filtered, sub)
			}
		}
		subs = filtered
	}
	return subs, nil
}

// PageRequest bounds a search result window. Page numbers start at 1; a zero
// or negative Size disables paging.
type PageRequest struct {
	Page int
	Size int
}

// SearchPage returns one page of the subscriptions matching the query, along
// with the total number of matches.
func (s *SubscriptionService) SearchPage(ctx context.Context, query SubscriptionQuery, page PageRequest) ([]*models.Subscription, int, error) {
	subs, err := s.Search(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	total := len(subs)
	if page.Size <= 0 {
		return subs, total, nil
	}
	if page.Page < 1 {
		page.Page = 1
	}
	start := (page.Page - 1) * page.Size
	if start >= total {
		return nil, total, nil
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return subs[start:end], total, nil
}

// auditSub writes an audit record on the API side and the application side.
func (s *SubscriptionService) auditSub(ctx context.Context, event, actor string, sub *models.Subscription, old, new interface{}) {
	rec := audit.Record{
		Event: event,
		Actor: actor,
		Properties: map[string]string{
			models.AuditPropPlan:        sub.PlanID,
			models.AuditPropApplication: sub.ApplicationID,
		},
		OldValue: old,
		NewValue: new,
	}
	s.auditor.RecordForAPI(ctx, sub.APIID, rec)
	s.auditor.RecordForApplication(ctx, sub.ApplicationID, rec)
}

func (s *SubscriptionService) trigger(ctx context.Context, hook notifier.Hook, scope notifier.Scope, referenceID string, params map[string]string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Trigger(ctx, hook, scope, referenceID, params); err != nil {
		s.logger.Warn("failed to trigger hook", "hook", string(hook), "error", err)
	}
}

func (s *SubscriptionService) subParams(sub *models.Subscription) map[string]string {
	return map[string]string{
		"subscription": sub.ID,
		"plan":         sub.PlanID,
		"application":  sub.ApplicationID,
		"api":          sub.APIID,
	}
}
