// apikey_service.go implements the API key lifecycle: generation (with shared
// key reuse), renewal with a grace window for in-flight clients, revocation,
// reactivation and expiration updates.
package services

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/apim-console/management/internal/apikey"
	"github.com/apim-console/management/internal/audit"
	"github.com/apim-console/management/internal/db/models"
	"github.com/apim-console/management/internal/notifier"
	"github.com/apim-console/management/internal/telemetry"
)

// renewGracePeriod is how long a superseded key stays valid after a renewal,
// so in-flight clients have time to pick up the new key.
const renewGracePeriod = 2 * time.Hour

// APIKeyService manages API key credentials.
type APIKeyService struct {
	keys          APIKeyStore
	subscriptions SubscriptionStore
	applications  ApplicationStore
	generator     apikey.Generator
	auditor       Auditor
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
}

// NewAPIKeyService creates an APIKeyService. generator defaults to the
// random alphanumeric generator, logger to slog.Default and the clock to
// time.Now when nil.
func NewAPIKeyService(
	keys APIKeyStore,
	subscriptions SubscriptionStore,
	applications ApplicationStore,
	generator apikey.Generator,
	auditor Auditor,
	notif Notifier,
	logger *slog.Logger,
) *APIKeyService {
	if generator == nil {
		generator = apikey.NewRandomGenerator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyService{
		keys:          keys,
		subscriptions: subscriptions,
		applications:  applications,
		generator:     generator,
		auditor:       auditor,
		notifier:      notif,
		logger:        logger,
		now:           time.Now,
	}
}

// WithClock replaces the service clock. Intended for tests.
func (s *APIKeyService) WithClock(now func() time.Time) *APIKeyService {
	s.now = now
	return s
}

// Generate creates (or, for shared-key applications, reuses) an API key for a
// subscription. customKey may be empty, in which case a value is generated.
func (s *APIKeyService) Generate(ctx context.Context, applicationID, subscriptionID, customKey, actor string) (*models.APIKey, error) {
	at := s.now()

	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("generate api key", err)
	}
	if sub == nil {
		return nil, notFound("subscription", subscriptionID)
	}
	if !sub.IsLive() {
		return nil, invalidState("generate a key for", "subscription", sub.ID, string(sub.Status))
	}
	if sub.EndingAt != nil && !sub.EndingAt.After(at) {
		return nil, policyViolation("subscription %s has already ended", sub.ID)
	}

	app, err := s.applications.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, technical("generate api key", err)
	}
	if app == nil {
		return nil, notFound("application", applicationID)
	}

	if app.HasSharedKeyMode() {
		return s.findOrGenerate(ctx, app, sub, customKey, actor)
	}
	return s.generateNew(ctx, app, sub, customKey, actor)
}

// findOrGenerate reuses the application's best live shared key, binding the
// subscription to it, and falls back to minting a fresh key when every
// existing key is revoked. customKey is only consumed on that fallback; a
// live shared key always wins over a requested value.
func (s *APIKeyService) findOrGenerate(ctx context.Context, app *models.Application, sub *models.Subscription, customKey, actor string) (*models.APIKey, error) {
	keys, err := s.keys.ListAPIKeysByApplication(ctx, app.ID)
	if err != nil {
		return nil, technical("generate api key", err)
	}

	candidates := make([]*models.APIKey, 0, len(keys))
	for _, k := range keys {
		if !k.Revoked {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return s.generateNew(ctx, app, sub, customKey, actor)
	}

	// Precedence: soonest non-nil expiry first, keys without expiry last.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].ExpireAt, candidates[j].ExpireAt
		switch {
		case a != nil && b != nil:
			return a.Before(*b)
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
	})

	key := candidates[0]
	if key.HasSubscription(sub.ID) {
		return key, nil
	}

	key.SubscriptionIDs = append(key.SubscriptionIDs, sub.ID)
	key.UpdatedAt = s.now()
	if err := s.keys.UpdateAPIKey(ctx, key); err != nil {
		return nil, technical("generate api key", err)
	}

	s.auditKey(ctx, models.AuditAPIKeyCreated, actor, key, sub.APIID, nil, key)
	telemetry.APIKeyOperationsTotal.WithLabelValues("generate").Inc()
	return key, nil
}

func (s *APIKeyService) generateNew(ctx context.Context, app *models.Application, sub *models.Subscription, customKey, actor string) (*models.APIKey, error) {
	value := customKey
	if value != "" {
		ok, err := s.CanCreate(ctx, value, app.ID, sub.APIID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, policyViolation("API key already exists")
		}
	} else {
		var err error
		value, err = s.generator.Generate()
		if err != nil {
			return nil, technical("generate api key", err)
		}
	}

	key := &models.APIKey{
		Key:             value,
		ApplicationID:   app.ID,
		SubscriptionIDs: []string{sub.ID},
	}
	if !app.HasSharedKeyMode() {
		key.ExpireAt = sub.EndingAt
	}

	if err := s.keys.CreateAPIKey(ctx, key); err != nil {
		return nil, technical("generate api key", err)
	}

	s.auditKey(ctx, models.AuditAPIKeyCreated, actor, key, sub.APIID, nil, key)
	telemetry.APIKeyOperationsTotal.WithLabelValues("generate").Inc()
	return key, nil
}

// CanCreate reports whether a key value may be bound to the given application
// and API: the value must not be in use by another application, nor already
// cover the same application+API pair.
func (s *APIKeyService) CanCreate(ctx context.Context, keyValue, applicationID, apiID string) (bool, error) {
	existing, err := s.keys.FindAPIKeyByValue(ctx, keyValue)
	if err != nil {
		return false, technical("check api key availability", err)
	}

	for _, k := range existing {
		if k.ApplicationID != applicationID {
			return false, nil
		}
		for _, subID := range k.SubscriptionIDs {
			sub, err := s.subscriptions.GetSubscription(ctx, subID)
			if err != nil {
				return false, technical("check api key availability", err)
			}
			if sub != nil && sub.APIID == apiID {
				return false, nil
			}
		}
	}
	return true, nil
}

// RenewForSubscription mints a new key for a subscription and expires every
// active sibling after the grace window. Not allowed for shared-key
// applications; renew those with RenewForApplication.
func (s *APIKeyService) RenewForSubscription(ctx context.Context, subscriptionID, customKey, actor string) (*models.APIKey, error) {
	sub, err := s.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("renew api key", err)
	}
	if sub == nil {
		return nil, notFound("subscription", subscriptionID)
	}

	app, err := s.applications.GetApplication(ctx, sub.ApplicationID)
	if err != nil {
		return nil, technical("renew api key", err)
	}
	if app == nil {
		return nil, notFound("application", sub.ApplicationID)
	}
	if app.HasSharedKeyMode() {
		return nil, policyViolation("application %s uses shared keys; renew at the application level", app.ID)
	}

	key, err := s.generateNew(ctx, app, sub, customKey, actor)
	if err != nil {
		return nil, err
	}

	siblings, err := s.keys.ListAPIKeysBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, technical("renew api key", err)
	}
	s.expireSiblings(ctx, siblings, key.ID, sub, actor)

	s.auditKey(ctx, models.AuditAPIKeyRenewed, actor, key, sub.APIID, nil, key)
	s.trigger(ctx, notifier.HookAPIKeyRenewed, notifier.ScopeAPI, sub.APIID, s.keyParams(key))
	s.trigger(ctx, notifier.HookAPIKeyRenewed, notifier.ScopeApplication, app.ID, s.keyParams(key))
	telemetry.APIKeyOperationsTotal.WithLabelValues("renew").Inc()
	return key, nil
}

// RenewForApplication mints a new shared key covering the union of the
// active siblings' subscriptions, then expires those siblings after the
// grace window. Only valid for shared-key applications.
func (s *APIKeyService) RenewForApplication(ctx context.Context, applicationID, actor string) (*models.APIKey, error) {
	app, err := s.applications.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, technical("renew api key", err)
	}
	if app == nil {
		return nil, notFound("application", applicationID)
	}
	if !app.HasSharedKeyMode() {
		return nil, policyViolation("application %s does not use shared keys", app.ID)
	}

	siblings, err := s.keys.ListAPIKeysByApplication(ctx, app.ID)
	if err != nil {
		return nil, technical("renew api key", err)
	}

	at := s.now()
	var subscriptionIDs []string
	seen := make(map[string]bool)
	for _, k := range siblings {
		if k.Revoked || k.IsExpired(at) {
			continue
		}
		for _, id := range k.SubscriptionIDs {
			if !seen[id] {
				seen[id] = true
				subscriptionIDs = append(subscriptionIDs, id)
			}
		}
	}

	value, err := s.generator.Generate()
	if err != nil {
		return nil, technical("renew api key", err)
	}
	key := &models.APIKey{
		Key:             value,
		ApplicationID:   app.ID,
		SubscriptionIDs: subscriptionIDs,
	}
	if err := s.keys.CreateAPIKey(ctx, key); err != nil {
		return nil, technical("renew api key", err)
	}

	s.expireSiblings(ctx, siblings, key.ID, nil, actor)

	s.auditor.RecordForApplication(ctx, app.ID, audit.Record{
		Event:      models.AuditAPIKeyRenewed,
		Actor:      actor,
		Properties: map[string]string{models.AuditPropAPIKey: key.ID},
		NewValue:   key,
	})
	s.trigger(ctx, notifier.HookAPIKeyRenewed, notifier.ScopeApplication, app.ID, s.keyParams(key))
	telemetry.APIKeyOperationsTotal.WithLabelValues("renew").Inc()
	return key, nil
}

// expireSiblings sets each still-active sibling to expire after the grace
// window. Failures are logged per key and do not abort the renewal.
func (s *APIKeyService) expireSiblings(ctx context.Context, siblings []*models.APIKey, newKeyID string, sub *models.Subscription, actor string) {
	at := s.now()
	graceEnd := at.Add(renewGracePeriod)
	for _, sibling := range siblings {
		if sibling.ID == newKeyID || sibling.Revoked || sibling.IsExpired(at) {
			continue
		}
		if err := s.applyExpiration(ctx, sibling, &graceEnd, sub, actor); err != nil {
			s.logger.Error("failed to expire superseded api key",
				"key_id", sibling.ID, "error", err)
		}
	}
}

// Revoke marks an active key revoked. notify controls whether the
// application is notified via hook.
func (s *APIKeyService) Revoke(ctx context.Context, keyID string, notify bool, actor string) error {
	key, err := s.keys.GetAPIKey(ctx, keyID)
	if err != nil {
		return technical("revoke api key", err)
	}
	if key == nil {
		return notFound("api key", keyID)
	}

	at := s.now()
	if !key.IsActive(at) {
		return invalidState("revoke", "api key", key.ID, keyStatus(key, at))
	}

	old := *key
	key.Revoked = true
	key.RevokedAt = &at
	key.UpdatedAt = at
	if err := s.keys.UpdateAPIKey(ctx, key); err != nil {
		return technical("revoke api key", err)
	}

	s.auditKeyAllAPIs(ctx, models.AuditAPIKeyRevoked, actor, key, &old)
	if notify {
		s.trigger(ctx, notifier.HookAPIKeyRevoked, notifier.ScopeApplication, key.ApplicationID, s.keyParams(key))
	}
	telemetry.APIKeyOperationsTotal.WithLabelValues("revoke").Inc()
	return nil
}

// Reactivate brings a revoked or expired key back. Keys of non-shared
// applications re-derive their expiry from the backing subscription, which
// must be ACCEPTED or PAUSED.
func (s *APIKeyService) Reactivate(ctx context.Context, keyID, actor string) (*models.APIKey, error) {
	key, err := s.keys.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, technical("reactivate api key", err)
	}
	if key == nil {
		return nil, notFound("api key", keyID)
	}

	at := s.now()
	if key.IsActive(at) {
		return nil, invalidState("reactivate", "api key", key.ID, "active")
	}

	app, err := s.applications.GetApplication(ctx, key.ApplicationID)
	if err != nil {
		return nil, technical("reactivate api key", err)
	}
	if app == nil {
		return nil, notFound("application", key.ApplicationID)
	}

	old := *key
	if !app.HasSharedKeyMode() {
		sub, err := s.backingSubscription(ctx, key)
		if err != nil {
			return nil, err
		}
		if sub.Status != models.SubscriptionStatusAccepted && sub.Status != models.SubscriptionStatusPaused {
			return nil, invalidState("reactivate a key for", "subscription", sub.ID, string(sub.Status))
		}
		key.ExpireAt = sub.EndingAt
	} else {
		key.ExpireAt = nil
	}

	key.Revoked = false
	key.RevokedAt = nil
	key.DaysToExpirationOnLastNotification = nil
	key.UpdatedAt = at
	if err := s.keys.UpdateAPIKey(ctx, key); err != nil {
		return nil, technical("reactivate api key", err)
	}

	s.auditKeyAllAPIs(ctx, models.AuditAPIKeyReactivated, actor, key, &old)
	telemetry.APIKeyOperationsTotal.WithLabelValues("reactivate").Inc()
	return key, nil
}

// Update changes a key's expiration date. A past date is clamped to now, and
// for keys of non-shared applications the date is further clamped to the
// backing subscription's end date.
func (s *APIKeyService) Update(ctx context.Context, keyID string, expireAt *time.Time, actor string) (*models.APIKey, error) {
	key, err := s.keys.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, technical("update api key", err)
	}
	if key == nil {
		return nil, notFound("api key", keyID)
	}
	if key.Revoked {
		return nil, invalidState("update", "api key", key.ID, "revoked")
	}

	app, err := s.applications.GetApplication(ctx, key.ApplicationID)
	if err != nil {
		return nil, technical("update api key", err)
	}
	if app == nil {
		return nil, notFound("application", key.ApplicationID)
	}

	var sub *models.Subscription
	if !app.HasSharedKeyMode() {
		if sub, err = s.backingSubscription(ctx, key); err != nil {
			return nil, err
		}
	}

	if err := s.applyExpiration(ctx, key, expireAt, sub, actor); err != nil {
		return nil, err
	}
	return key, nil
}

// applyExpiration is the shared expiration write path used by Update and by
// sibling expiry during renewal. sub is nil for shared keys.
func (s *APIKeyService) applyExpiration(ctx context.Context, key *models.APIKey, expireAt *time.Time, sub *models.Subscription, actor string) error {
	at := s.now()
	old := *key

	if expireAt != nil && expireAt.Before(at) {
		clamped := at
		expireAt = &clamped
	}
	if sub != nil && sub.EndingAt != nil {
		if expireAt == nil || sub.EndingAt.Before(*expireAt) {
			expireAt = sub.EndingAt
		}
	}

	key.ExpireAt = expireAt
	key.DaysToExpirationOnLastNotification = nil
	key.UpdatedAt = at
	if err := s.keys.UpdateAPIKey(ctx, key); err != nil {
		return technical("update api key expiration", err)
	}

	s.auditKeyAllAPIs(ctx, models.AuditAPIKeyExpired, actor, key, &old)
	if key.ExpireAt != nil && key.ExpireAt.After(at) {
		params := s.keyParams(key)
		params["expire_at"] = key.ExpireAt.Format(time.RFC3339)
		s.trigger(ctx, notifier.HookAPIKeyExpired, notifier.ScopeApplication, key.ApplicationID, params)
	}
	telemetry.APIKeyOperationsTotal.WithLabelValues("expire").Inc()
	return nil
}

// UpdateDaysToExpirationOnLastNotification records which warning threshold
// was last notified for the key, so the expiry job notifies each once.
func (s *APIKeyService) UpdateDaysToExpirationOnLastNotification(ctx context.Context, keyID string, days int) error {
	key, err := s.keys.GetAPIKey(ctx, keyID)
	if err != nil {
		return technical("update api key", err)
	}
	if key == nil {
		return notFound("api key", keyID)
	}
	key.DaysToExpirationOnLastNotification = &days
	key.UpdatedAt = s.now()
	if err := s.keys.UpdateAPIKey(ctx, key); err != nil {
		return technical("update api key", err)
	}
	return nil
}

// FindByID returns a key by id.
func (s *APIKeyService) FindByID(ctx context.Context, keyID string) (*models.APIKey, error) {
	key, err := s.keys.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, technical("find api key", err)
	}
	if key == nil {
		return nil, notFound("api key", keyID)
	}
	return key, nil
}

// FindByKey returns every key holding the given value.
func (s *APIKeyService) FindByKey(ctx context.Context, value string) ([]*models.APIKey, error) {
	keys, err := s.keys.FindAPIKeyByValue(ctx, value)
	if err != nil {
		return nil, technical("find api key", err)
	}
	return keys, nil
}

// FindBySubscription returns every key bound to the subscription.
func (s *APIKeyService) FindBySubscription(ctx context.Context, subscriptionID string) ([]*models.APIKey, error) {
	keys, err := s.keys.ListAPIKeysBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, technical("find api keys", err)
	}
	return keys, nil
}

// FindByApplication returns every key of the application.
func (s *APIKeyService) FindByApplication(ctx context.Context, applicationID string) ([]*models.APIKey, error) {
	keys, err := s.keys.ListAPIKeysByApplication(ctx, applicationID)
	if err != nil {
		return nil, technical("find api keys", err)
	}
	return keys, nil
}

// APIKeyQuery filters key searches. At least one of ApplicationID or
// SubscriptionID must be set.
type APIKeyQuery struct {
	ApplicationID  string
	SubscriptionID string
	IncludeRevoked bool
}

// Search returns the keys matching the query, filtering out revoked keys
// unless IncludeRevoked is set.
func (s *APIKeyService) Search(ctx context.Context, query APIKeyQuery) ([]*models.APIKey, error) {
	var (
		keys []*models.APIKey
		err  error
	)
	switch {
	case query.SubscriptionID != "":
		keys, err = s.keys.ListAPIKeysBySubscription(ctx, query.SubscriptionID)
	case query.ApplicationID != "":
		keys, err = s.keys.ListAPIKeysByApplication(ctx, query.ApplicationID)
	default:
		return nil, policyViolation("api key search requires an application or subscription filter")
	}
	if err != nil {
		return nil, technical("search api keys", err)
	}

	out := keys[:0]
	for _, key := range keys {
		if query.SubscriptionID != "" && query.ApplicationID != "" && key.ApplicationID != query.ApplicationID {
			continue
		}
		if !query.IncludeRevoked && key.Revoked {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

// backingSubscription returns the single subscription behind a non-shared key.
func (s *APIKeyService) backingSubscription(ctx context.Context, key *models.APIKey) (*models.Subscription, error) {
	if len(key.SubscriptionIDs) == 0 {
		return nil, policyViolation("api key %s is not bound to any subscription", key.ID)
	}
	sub, err := s.subscriptions.GetSubscription(ctx, key.SubscriptionIDs[0])
	if err != nil {
		return nil, technical("load subscription", err)
	}
	if sub == nil {
		return nil, notFound("subscription", key.SubscriptionIDs[0])
	}
	return sub, nil
}

// auditKey writes an audit record on the API side and the application side.
func (s *APIKeyService) auditKey(ctx context.Context, event, actor string, key *models.APIKey, apiID string, old, new interface{}) {
	rec := audit.Record{
		Event:      event,
		Actor:      actor,
		Properties: map[string]string{models.AuditPropAPIKey: key.ID},
		OldValue:   old,
		NewValue:   new,
	}
	if apiID != "" {
		s.auditor.RecordForAPI(ctx, apiID, rec)
	}
	s.auditor.RecordForApplication(ctx, key.ApplicationID, rec)
}

// auditKeyAllAPIs audits a key mutation against every API the key serves,
// resolving APIs through the bound subscriptions.
func (s *APIKeyService) auditKeyAllAPIs(ctx context.Context, event, actor string, key *models.APIKey, old *models.APIKey) {
	apiIDs := make(map[string]bool)
	for _, subID := range key.SubscriptionIDs {
		sub, err := s.subscriptions.GetSubscription(ctx, subID)
		if err != nil || sub == nil {
			continue
		}
		apiIDs[sub.APIID] = true
	}

	rec := audit.Record{
		Event:      event,
		Actor:      actor,
		Properties: map[string]string{models.AuditPropAPIKey: key.ID},
		OldValue:   old,
		NewValue:   key,
	}
	for apiID := range apiIDs {
		s.auditor.RecordForAPI(ctx, apiID, rec)
	}
	s.auditor.RecordForApplication(ctx, key.ApplicationID, rec)
}

func (s *APIKeyService) trigger(ctx context.Context, hook notifier.Hook, scope notifier.Scope, referenceID string, params map[string]string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Trigger(ctx, hook, scope, referenceID, params); err != nil {
		s.logger.Warn("failed to trigger hook", "hook", string(hook), "error", err)
	}
}

func (s *APIKeyService) keyParams(key *models.APIKey) map[string]string {
	return map[string]string{
		"key_id":      key.ID,
		"application": key.ApplicationID,
	}
}

// keyStatus names a key's effective state for error messages.
func keyStatus(key *models.APIKey, at time.Time) string {
	switch {
	case key.Revoked:
		return "revoked"
	case key.IsExpired(at):
		return "expired"
	default:
		return "active"
	}
}
