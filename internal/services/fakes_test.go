package services

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/apim-console/management/internal/audit"
	"github.com/apim-console/management/internal/config"
	"github.com/apim-console/management/internal/db/models"
	"github.com/apim-console/management/internal/notifier"
)

// memStore is an in-memory implementation of every store interface. Records
// are cloned on the way in and out so services see repository-like copy
// semantics instead of shared pointers.
type memStore struct {
	mu     sync.Mutex
	plans  map[string]*models.Plan
	subs   map[string]*models.Subscription
	keys   map[string]*models.APIKey
	apps   map[string]*models.Application
	pages  map[string]*models.Page
	apis   map[string]*models.API
	audits []*models.AuditLog
}

func newMemStore() *memStore {
	return &memStore{
		plans: make(map[string]*models.Plan),
		subs:  make(map[string]*models.Subscription),
		keys:  make(map[string]*models.APIKey),
		apps:  make(map[string]*models.Application),
		pages: make(map[string]*models.Page),
		apis:  make(map[string]*models.API),
	}
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func clonePlan(p *models.Plan) *models.Plan {
	c := *p
	c.ExcludedGroups = copyStrings(p.ExcludedGroups)
	c.Tags = copyStrings(p.Tags)
	c.Characteristics = copyStrings(p.Characteristics)
	return &c
}

func cloneSub(s *models.Subscription) *models.Subscription {
	c := *s
	return &c
}

func cloneKey(k *models.APIKey) *models.APIKey {
	c := *k
	c.SubscriptionIDs = copyStrings(k.SubscriptionIDs)
	return &c
}

func cloneApp(a *models.Application) *models.Application {
	c := *a
	c.Groups = copyStrings(a.Groups)
	return &c
}

// PlanStore

func (m *memStore) GetPlan(_ context.Context, id string) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[id]; ok {
		return clonePlan(p), nil
	}
	return nil, nil
}

func (m *memStore) ListPlansByAPI(_ context.Context, apiID string) ([]*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Plan
	for _, p := range m.plans {
		if p.APIID == apiID {
			out = append(out, clonePlan(p))
		}
	}
	return out, nil
}

func (m *memStore) CreatePlan(_ context.Context, plan *models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	m.plans[plan.ID] = clonePlan(plan)
	return nil
}

func (m *memStore) UpdatePlan(_ context.Context, plan *models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = clonePlan(plan)
	return nil
}

func (m *memStore) DeletePlan(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plans, id)
	return nil
}

// APIStore

func (m *memStore) GetAPI(_ context.Context, id string) (*models.API, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.apis[id]; ok {
		c := *a
		return &c, nil
	}
	return nil, nil
}

// SubscriptionStore

func (m *memStore) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		return cloneSub(s), nil
	}
	return nil, nil
}

func (m *memStore) ListSubscriptionsByPlan(_ context.Context, planID string) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, s := range m.subs {
		if s.PlanID == planID {
			out = append(out, cloneSub(s))
		}
	}
	return out, nil
}

func (m *memStore) ListSubscriptionsByAPI(_ context.Context, apiID string) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, s := range m.subs {
		if s.APIID == apiID {
			out = append(out, cloneSub(s))
		}
	}
	return out, nil
}

func (m *memStore) ListSubscriptionsByApplication(_ context.Context, applicationID string) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, s := range m.subs {
		if s.ApplicationID == applicationID {
			out = append(out, cloneSub(s))
		}
	}
	return out, nil
}

func (m *memStore) ListSubscriptionsExpiringBefore(_ context.Context, cutoff time.Time) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, s := range m.subs {
		if (s.Status == models.SubscriptionStatusAccepted || s.Status == models.SubscriptionStatusPaused) &&
			s.EndingAt != nil && !s.EndingAt.After(cutoff) {
			out = append(out, cloneSub(s))
		}
	}
	return out, nil
}

func (m *memStore) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *memStore) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *memStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

// APIKeyStore

func (m *memStore) GetAPIKey(_ context.Context, id string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		return cloneKey(k), nil
	}
	return nil, nil
}

func (m *memStore) FindAPIKeyByValue(_ context.Context, value string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.Key == value {
			out = append(out, cloneKey(k))
		}
	}
	return out, nil
}

func (m *memStore) ListAPIKeysBySubscription(_ context.Context, subscriptionID string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.HasSubscription(subscriptionID) {
			out = append(out, cloneKey(k))
		}
	}
	return out, nil
}

func (m *memStore) ListAPIKeysByApplication(_ context.Context, applicationID string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.ApplicationID == applicationID {
			out = append(out, cloneKey(k))
		}
	}
	return out, nil
}

func (m *memStore) ListAPIKeysExpiringBefore(_ context.Context, cutoff time.Time) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if !k.Revoked && k.ExpireAt != nil && !k.ExpireAt.After(cutoff) {
			out = append(out, cloneKey(k))
		}
	}
	return out, nil
}

func (m *memStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	m.keys[key.ID] = cloneKey(key)
	return nil
}

func (m *memStore) UpdateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.ID] = cloneKey(key)
	return nil
}

func (m *memStore) DeleteAPIKeysBySubscription(_ context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, k := range m.keys {
		if !k.HasSubscription(subscriptionID) {
			continue
		}
		if len(k.SubscriptionIDs) == 1 {
			delete(m.keys, id)
			continue
		}
		remaining := make([]string, 0, len(k.SubscriptionIDs)-1)
		for _, sid := range k.SubscriptionIDs {
			if sid != subscriptionID {
				remaining = append(remaining, sid)
			}
		}
		k.SubscriptionIDs = remaining
	}
	return nil
}

// ApplicationStore

func (m *memStore) GetApplication(_ context.Context, id string) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.apps[id]; ok {
		return cloneApp(a), nil
	}
	return nil, nil
}

func (m *memStore) UpdateApplication(_ context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.ID] = cloneApp(app)
	return nil
}

// PageStore

func (m *memStore) GetPage(_ context.Context, id string) (*models.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[id]; ok {
		c := *p
		return &c, nil
	}
	return nil, nil
}

// AuditStore

func (m *memStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	m.audits = append(m.audits, log)
	return nil
}

// recAuditor records audit calls.
type recAuditor struct {
	mu      sync.Mutex
	records []recordedAudit
}

type recordedAudit struct {
	refType models.AuditReferenceType
	refID   string
	event   string
	actor   string
}

func (a *recAuditor) RecordForAPI(_ context.Context, apiID string, rec audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, recordedAudit{models.AuditReferenceAPI, apiID, rec.Event, rec.Actor})
}

func (a *recAuditor) RecordForApplication(_ context.Context, applicationID string, rec audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, recordedAudit{models.AuditReferenceApplication, applicationID, rec.Event, rec.Actor})
}

func (a *recAuditor) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.records))
	for i, r := range a.records {
		out[i] = r.event
	}
	return out
}

// recNotifier records triggered hooks.
type recNotifier struct {
	mu    sync.Mutex
	hooks []recordedHook
}

type recordedHook struct {
	hook  notifier.Hook
	scope notifier.Scope
	refID string
}

func (n *recNotifier) Trigger(_ context.Context, hook notifier.Hook, scope notifier.Scope, referenceID string, _ map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hooks = append(n.hooks, recordedHook{hook, scope, referenceID})
	return nil
}

func (n *recNotifier) count(hook notifier.Hook) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, h := range n.hooks {
		if h.hook == hook {
			c++
		}
	}
	return c
}

// fixture wires the three services against the in-memory store with a
// controllable clock.
type fixture struct {
	t     *testing.T
	store *memStore
	audit *recAuditor
	hooks *recNotifier
	keys  *APIKeyService
	subs  *SubscriptionService
	plans *PlanService

	mu  sync.Mutex
	now time.Time
}

var fixtureEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:     t,
		store: newMemStore(),
		audit: &recAuditor{},
		hooks: &recNotifier{},
		now:   fixtureEpoch,
	}
	clock := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	logger := slog.Default()
	security := config.PlanSecurityConfig{
		APIKeyEnabled:  true,
		OAuth2Enabled:  true,
		JWTEnabled:     true,
		KeylessEnabled: true,
	}

	f.keys = NewAPIKeyService(f.store, f.store, f.store, nil, f.audit, f.hooks, logger).WithClock(clock)
	groups := NewGroupCache(NewApplicationGroupResolver(f.store), time.Minute, clock)
	f.subs = NewSubscriptionService(f.store, f.store, f.store, f.store, f.store, f.keys, groups, f.audit, f.hooks, logger).WithClock(clock)
	f.plans = NewPlanService(f.store, f.store, f.store, security, f.audit, logger).WithClock(clock)
	f.plans.BindSubscriptions(f.subs)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) seedAPI(id string) *models.API {
	api := &models.API{ID: id, Name: id, LifecycleState: models.APILifecyclePublished}
	f.store.apis[id] = api
	return api
}

func (f *fixture) seedApp(id string, mode models.APIKeyMode) *models.Application {
	app := &models.Application{ID: id, Name: id, Status: models.ApplicationStatusActive, APIKeyMode: mode}
	f.store.apps[id] = app
	return app
}

func (f *fixture) seedPlan(id, apiID string, security models.PlanSecurity, status models.PlanStatus, order int) *models.Plan {
	plan := &models.Plan{
		ID:         id,
		APIID:      apiID,
		Name:       id,
		Security:   security,
		Validation: models.PlanValidationManual,
		Status:     status,
		Order:      order,
	}
	f.store.plans[id] = plan
	return plan
}

func (f *fixture) seedSub(id, planID, apiID, appID string, status models.SubscriptionStatus) *models.Subscription {
	sub := &models.Subscription{
		ID:            id,
		PlanID:        planID,
		APIID:         apiID,
		ApplicationID: appID,
		Status:        status,
		SubscribedBy:  "user",
	}
	f.store.subs[id] = sub
	return sub
}

func (f *fixture) seedKey(id, value, appID string, subIDs ...string) *models.APIKey {
	key := &models.APIKey{
		ID:              id,
		Key:             value,
		ApplicationID:   appID,
		SubscriptionIDs: subIDs,
		CreatedAt:       fixtureEpoch,
	}
	f.store.keys[id] = key
	return key
}

// publishedOrders returns the sorted set of orders of an API's published plans.
func (f *fixture) publishedOrders(apiID string) []int {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var orders []int
	for _, p := range f.store.plans {
		if p.APIID == apiID && p.Status == models.PlanStatusPublished {
			orders = append(orders, p.Order)
		}
	}
	for i := 0; i < len(orders); i++ {
		for j := i + 1; j < len(orders); j++ {
			if orders[j] < orders[i] {
				orders[i], orders[j] = orders[j], orders[i]
			}
		}
	}
	return orders
}
