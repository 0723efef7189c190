// plan_service.go implements the plan lifecycle: creation gated by the
// security feature flags, publish with dense ordering among the API's
// published plans, deprecate, close (cascading into subscriptions) and
// delete with re-ordering of the survivors.
package services

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/apim-console/management/internal/audit"
	"github.com/apim-console/management/internal/config"
	"github.com/apim-console/management/internal/db/models"
	"github.com/apim-console/management/internal/telemetry"
)

// SubscriptionCloser is the slice of the subscription service the plan
// lifecycle needs when closing or deleting a plan. Bound after construction
// to keep the dependency direction one-way.
type SubscriptionCloser interface {
	FindByPlan(ctx context.Context, planID string) ([]*models.Subscription, error)
	Close(ctx context.Context, subscriptionID, actor string) (*models.Subscription, error)
}

// NewPlan carries the caller-supplied fields of a plan creation.
type NewPlan struct {
	APIID             string
	Name              string
	Description       string
	Security          models.PlanSecurity
	Validation        models.PlanValidation
	ExcludedGroups    []string
	GeneralConditions *string
	Tags              []string
	Characteristics   []string
	CommentRequired   bool
	CommentMessage    *string
}

// UpdatePlan carries the mutable fields of a plan update. A non-zero Order on
// a published plan triggers re-ordering of its siblings.
type UpdatePlan struct {
	ID                string
	Name              string
	Description       string
	Validation        models.PlanValidation
	ExcludedGroups    []string
	GeneralConditions *string
	Tags              []string
	Characteristics   []string
	CommentRequired   bool
	CommentMessage    *string
	Order             int
}

// PlanQuery filters plan searches within one API.
type PlanQuery struct {
	APIID    string
	Security models.PlanSecurity
	Statuses []models.PlanStatus
}

// PlanService manages plans.
type PlanService struct {
	plans         PlanStore
	apis          APIStore
	pages         PageStore
	security      config.PlanSecurityConfig
	subscriptions SubscriptionCloser
	auditor       Auditor
	logger        *slog.Logger
	now           func() time.Time
}

// NewPlanService creates a PlanService. Bind the subscription service with
// BindSubscriptions before closing or deleting plans.
func NewPlanService(
	plans PlanStore,
	apis APIStore,
	pages PageStore,
	security config.PlanSecurityConfig,
	auditor Auditor,
	logger *slog.Logger,
) *PlanService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanService{
		plans:    plans,
		apis:     apis,
		pages:    pages,
		security: security,
		auditor:  auditor,
		logger:   logger,
		now:      time.Now,
	}
}

// BindSubscriptions attaches the subscription lifecycle used when closing or
// deleting a plan.
func (s *PlanService) BindSubscriptions(sc SubscriptionCloser) {
	s.subscriptions = sc
}

// WithClock replaces the service clock. Intended for tests.
func (s *PlanService) WithClock(now func() time.Time) *PlanService {
	s.now = now
	return s
}

// Create persists a new STAGING plan.
func (s *PlanService) Create(ctx context.Context, req NewPlan, actor string) (*models.Plan, error) {
	if !s.security.IsSecurityEnabled(string(req.Security)) {
		return nil, policyViolation("security type %s is disabled by configuration", req.Security)
	}

	api, err := s.apis.GetAPI(ctx, req.APIID)
	if err != nil {
		return nil, technical("create plan", err)
	}
	if api == nil {
		return nil, notFound("api", req.APIID)
	}
	if api.IsDeprecated() {
		return nil, policyViolation("api %s is deprecated and cannot receive new plans", api.ID)
	}

	validation := req.Validation
	if validation == "" {
		validation = models.PlanValidationManual
	}
	// Keyless plans have nothing to review.
	if req.Security == models.PlanSecurityKeyless {
		validation = models.PlanValidationAuto
	}

	plan := &models.Plan{
		APIID:             req.APIID,
		Name:              req.Name,
		Description:       req.Description,
		Security:          req.Security,
		Validation:        validation,
		Status:            models.PlanStatusStaging,
		ExcludedGroups:    req.ExcludedGroups,
		GeneralConditions: req.GeneralConditions,
		Tags:              req.Tags,
		Characteristics:   req.Characteristics,
		CommentRequired:   req.CommentRequired,
		CommentMessage:    req.CommentMessage,
	}
	if err := s.plans.CreatePlan(ctx, plan); err != nil {
		return nil, technical("create plan", err)
	}

	s.auditPlan(ctx, models.AuditPlanCreated, actor, plan, nil, plan)
	telemetry.PlanTransitionsTotal.WithLabelValues("create").Inc()
	return plan, nil
}

// Update changes a plan's descriptive fields, and its position among the
// published plans when Order is set.
func (s *PlanService) Update(ctx context.Context, req UpdatePlan, actor string) (*models.Plan, error) {
	plan, err := s.plans.GetPlan(ctx, req.ID)
	if err != nil {
		return nil, technical("update plan", err)
	}
	if plan == nil {
		return nil, notFound("plan", req.ID)
	}
	if plan.Status == models.PlanStatusClosed {
		return nil, invalidState("update", "plan", plan.ID, string(plan.Status))
	}

	at := s.now()
	old := *plan
	plan.Name = req.Name
	plan.Description = req.Description
	plan.ExcludedGroups = req.ExcludedGroups
	plan.GeneralConditions = req.GeneralConditions
	plan.Tags = req.Tags
	plan.Characteristics = req.Characteristics
	plan.CommentRequired = req.CommentRequired
	plan.CommentMessage = req.CommentMessage
	if req.Validation != "" {
		plan.Validation = req.Validation
	}
	if plan.Security == models.PlanSecurityKeyless {
		plan.Validation = models.PlanValidationAuto
	}
	plan.UpdatedAt = at

	if plan.Status == models.PlanStatusPublished && req.Order != 0 && req.Order != plan.Order {
		if err := s.reorderTo(ctx, plan, req.Order, at); err != nil {
			return nil, err
		}
	}

	if err := s.plans.UpdatePlan(ctx, plan); err != nil {
		return nil, technical("update plan", err)
	}

	s.auditPlan(ctx, models.AuditPlanUpdated, actor, plan, &old, plan)
	telemetry.PlanTransitionsTotal.WithLabelValues("update").Inc()
	return plan, nil
}

// CreateOrUpdate upserts a plan: by id when one is given and exists,
// otherwise by (name, security) match within the API, otherwise creating.
func (s *PlanService) CreateOrUpdate(ctx context.Context, id string, req NewPlan, actor string) (*models.Plan, error) {
	target := id
	if target != "" {
		existing, err := s.plans.GetPlan(ctx, target)
		if err != nil {
			return nil, technical("upsert plan", err)
		}
		if existing == nil {
			target = ""
		}
	}
	if target == "" {
		siblings, err := s.plans.ListPlansByAPI(ctx, req.APIID)
		if err != nil {
			return nil, technical("upsert plan", err)
		}
		for _, sibling := range siblings {
			if sibling.Name == req.Name && sibling.Security == req.Security {
				target = sibling.ID
				break
			}
		}
	}
	if target == "" {
		return s.Create(ctx, req, actor)
	}
	return s.Update(ctx, UpdatePlan{
		ID:                target,
		Name:              req.Name,
		Description:       req.Description,
		Validation:        req.Validation,
		ExcludedGroups:    req.ExcludedGroups,
		GeneralConditions: req.GeneralConditions,
		Tags:              req.Tags,
		Characteristics:   req.Characteristics,
		CommentRequired:   req.CommentRequired,
		CommentMessage:    req.CommentMessage,
	}, actor)
}

// Publish moves a STAGING plan to PUBLISHED, appending it to the API's
// published ordering.
func (s *PlanService) Publish(ctx context.Context, planID, actor string) (*models.Plan, error) {
	plan, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, technical("publish plan", err)
	}
	if plan == nil {
		return nil, notFound("plan", planID)
	}
	if plan.Status != models.PlanStatusStaging {
		return nil, invalidState("publish", "plan", plan.ID, string(plan.Status))
	}

	siblings, err := s.plans.ListPlansByAPI(ctx, plan.APIID)
	if err != nil {
		return nil, technical("publish plan", err)
	}

	if plan.Security == models.PlanSecurityKeyless {
		for _, sibling := range siblings {
			if sibling.ID != plan.ID && sibling.Security == models.PlanSecurityKeyless && sibling.IsAlive() {
				return nil, policyViolation("api %s already has a live keyless plan", plan.APIID)
			}
		}
	}

	if err := s.checkGeneralConditionsPublished(ctx, plan); err != nil {
		return nil, err
	}

	maxOrder := 0
	for _, sibling := range siblings {
		if sibling.Status == models.PlanStatusPublished && sibling.Order > maxOrder {
			maxOrder = sibling.Order
		}
	}

	at := s.now()
	old := *plan
	plan.Status = models.PlanStatusPublished
	plan.Order = maxOrder + 1
	plan.PublishedAt = &at
	plan.UpdatedAt = at
	if err := s.plans.UpdatePlan(ctx, plan); err != nil {
		return nil, technical("publish plan", err)
	}

	s.auditPlan(ctx, models.AuditPlanPublished, actor, plan, &old, plan)
	telemetry.PlanTransitionsTotal.WithLabelValues("publish").Inc()
	return plan, nil
}

// Deprecate marks a plan DEPRECATED. STAGING plans are only deprecable with
// allowStaging. A previously published plan leaves the ordering, which is
// re-densified.
func (s *PlanService) Deprecate(ctx context.Context, planID string, allowStaging bool, actor string) (*models.Plan, error) {
	plan, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, technical("deprecate plan", err)
	}
	if plan == nil {
		return nil, notFound("plan", planID)
	}
	switch plan.Status {
	case models.PlanStatusDeprecated, models.PlanStatusClosed:
		return nil, invalidState("deprecate", "plan", plan.ID, string(plan.Status))
	case models.PlanStatusStaging:
		if !allowStaging {
			return nil, invalidState("deprecate", "plan", plan.ID, string(plan.Status))
		}
	}

	if err := s.checkGeneralConditionsPublished(ctx, plan); err != nil {
		return nil, err
	}

	at := s.now()
	old := *plan
	wasPublished := plan.Status == models.PlanStatusPublished
	removedOrder := plan.Order
	plan.Status = models.PlanStatusDeprecated
	plan.UpdatedAt = at
	if err := s.plans.UpdatePlan(ctx, plan); err != nil {
		return nil, technical("deprecate plan", err)
	}

	if wasPublished {
		s.reorderAfterRemove(ctx, plan.APIID, plan.ID, removedOrder, at)
	}

	s.auditPlan(ctx, models.AuditPlanDeprecated, actor, plan, &old, plan)
	telemetry.PlanTransitionsTotal.WithLabelValues("deprecate").Inc()
	return plan, nil
}

// Close terminates a plan, closing its open subscriptions best-effort and
// re-densifying the published ordering.
func (s *PlanService) Close(ctx context.Context, planID, actor string) (*models.Plan, error) {
	plan, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, technical("close plan", err)
	}
	if plan == nil {
		return nil, notFound("plan", planID)
	}
	if plan.Status == models.PlanStatusClosed {
		return nil, invalidState("close", "plan", plan.ID, string(plan.Status))
	}

	at := s.now()
	old := *plan
	wasPublished := plan.Status == models.PlanStatusPublished
	removedOrder := plan.Order

	// The cascade runs while the plan is still in its previous status, so
	// pending subscriptions can be rejected through the normal process path.
	if plan.Security != models.PlanSecurityKeyless {
		s.closeSubscriptions(ctx, plan, actor)
	}

	plan.Status = models.PlanStatusClosed
	plan.ClosedAt = &at
	plan.UpdatedAt = at
	if err := s.plans.UpdatePlan(ctx, plan); err != nil {
		return nil, technical("close plan", err)
	}

	if wasPublished {
		s.reorderAfterRemove(ctx, plan.APIID, plan.ID, removedOrder, at)
	}

	s.auditPlan(ctx, models.AuditPlanClosed, actor, plan, &old, plan)
	telemetry.PlanTransitionsTotal.WithLabelValues("close").Inc()
	return plan, nil
}

// closeSubscriptions closes the plan's open subscriptions, swallowing
// not-closable states with a log line per subscription.
func (s *PlanService) closeSubscriptions(ctx context.Context, plan *models.Plan, actor string) {
	if s.subscriptions == nil {
		return
	}
	subs, err := s.subscriptions.FindByPlan(ctx, plan.ID)
	if err != nil {
		s.logger.Error("failed to list subscriptions while closing plan",
			"plan_id", plan.ID, "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.IsLive() {
			continue
		}
		if _, err := s.subscriptions.Close(ctx, sub.ID, actor); err != nil {
			var stateErr *InvalidStateError
			if errors.As(err, &stateErr) {
				continue
			}
			s.logger.Error("failed to close subscription while closing plan",
				"plan_id", plan.ID, "subscription_id", sub.ID, "error", err)
		}
	}
}

// Delete removes a plan. Live plans with live subscriptions cannot be
// deleted unless keyless.
func (s *PlanService) Delete(ctx context.Context, planID, actor string) error {
	plan, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return technical("delete plan", err)
	}
	if plan == nil {
		return notFound("plan", planID)
	}

	if plan.IsAlive() && plan.Security != models.PlanSecurityKeyless && s.subscriptions != nil {
		subs, err := s.subscriptions.FindByPlan(ctx, plan.ID)
		if err != nil {
			return technical("delete plan", err)
		}
		for _, sub := range subs {
			if sub.IsLive() {
				return policyViolation("plan %s still has active subscriptions", plan.ID)
			}
		}
	}

	if err := s.plans.DeletePlan(ctx, plan.ID); err != nil {
		return technical("delete plan", err)
	}

	if plan.Status == models.PlanStatusPublished {
		s.reorderAfterRemove(ctx, plan.APIID, plan.ID, plan.Order, s.now())
	}

	s.auditPlan(ctx, models.AuditPlanDeleted, actor, plan, plan, nil)
	telemetry.PlanTransitionsTotal.WithLabelValues("delete").Inc()
	return nil
}

// FindByID returns a plan by id.
func (s *PlanService) FindByID(ctx context.Context, planID string) (*models.Plan, error) {
	plan, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, technical("find plan", err)
	}
	if plan == nil {
		return nil, notFound("plan", planID)
	}
	return plan, nil
}

// FindByAPI returns every plan of an API, published ones first in order.
func (s *PlanService) FindByAPI(ctx context.Context, apiID string) ([]*models.Plan, error) {
	plans, err := s.plans.ListPlansByAPI(ctx, apiID)
	if err != nil {
		return nil, technical("find plans", err)
	}
	return plans, nil
}

// Search returns the API's plans matching the query.
func (s *PlanService) Search(ctx context.Context, query PlanQuery) ([]*models.Plan, error) {
	if query.APIID == "" {
		return nil, policyViolation("plan search requires an API filter")
	}
	plans, err := s.plans.ListPlansByAPI(ctx, query.APIID)
	if err != nil {
		return nil, technical("search plans", err)
	}

	filtered := make([]*models.Plan, 0, len(plans))
	wanted := make(map[models.PlanStatus]bool, len(query.Statuses))
	for _, st := range query.Statuses {
		wanted[st] = true
	}
	for _, plan := range plans {
		if query.Security != "" && plan.Security != query.Security {
			continue
		}
		if len(wanted) > 0 && !wanted[plan.Status] {
			continue
		}
		filtered = append(filtered, plan)
	}
	return filtered, nil
}

// checkGeneralConditionsPublished refuses to expose a plan whose terms page
// is missing or unpublished.
func (s *PlanService) checkGeneralConditionsPublished(ctx context.Context, plan *models.Plan) error {
	if plan.GeneralConditions == nil {
		return nil
	}
	page, err := s.pages.GetPage(ctx, *plan.GeneralConditions)
	if err != nil {
		return technical("load general conditions", err)
	}
	if page == nil {
		return notFound("page", *plan.GeneralConditions)
	}
	if !page.Published {
		return policyViolation("general conditions page %s must be published first", page.ID)
	}
	return nil
}

// reorderTo moves a published plan to the target position, clamped to
// [1, N+1], renumbering siblings and writing only the changed rows.
func (s *PlanService) reorderTo(ctx context.Context, plan *models.Plan, target int, at time.Time) error {
	siblings, err := s.publishedSiblings(ctx, plan.APIID, plan.ID)
	if err != nil {
		return err
	}

	if target < 1 {
		target = 1
	}
	if max := len(siblings) + 1; target > max {
		target = max
	}
	plan.Order = target

	for i, sibling := range siblings {
		newOrder := i + 1
		if newOrder >= target {
			newOrder = i + 2
		}
		if sibling.Order == newOrder {
			continue
		}
		sibling.Order = newOrder
		sibling.UpdatedAt = at
		if err := s.plans.UpdatePlan(ctx, sibling); err != nil {
			return technical("reorder plans", err)
		}
	}
	return nil
}

// reorderAfterRemove re-densifies the published ordering after a plan left
// it, decrementing every order above the removed position. Failures are
// logged; the primary transition has already been persisted.
func (s *PlanService) reorderAfterRemove(ctx context.Context, apiID, removedID string, removedOrder int, at time.Time) {
	siblings, err := s.publishedSiblings(ctx, apiID, removedID)
	if err != nil {
		s.logger.Error("failed to list plans for re-ordering", "api_id", apiID, "error", err)
		return
	}
	for _, sibling := range siblings {
		if sibling.Order <= removedOrder {
			continue
		}
		sibling.Order--
		sibling.UpdatedAt = at
		if err := s.plans.UpdatePlan(ctx, sibling); err != nil {
			s.logger.Error("failed to re-order plan", "plan_id", sibling.ID, "error", err)
		}
	}
}

// publishedSiblings returns the API's published plans excluding one id,
// sorted by order.
func (s *PlanService) publishedSiblings(ctx context.Context, apiID, excludeID string) ([]*models.Plan, error) {
	plans, err := s.plans.ListPlansByAPI(ctx, apiID)
	if err != nil {
		return nil, technical("list plans", err)
	}
	siblings := make([]*models.Plan, 0, len(plans))
	for _, plan := range plans {
		if plan.ID != excludeID && plan.Status == models.PlanStatusPublished {
			siblings = append(siblings, plan)
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].Order < siblings[j].Order })
	return siblings, nil
}

// auditPlan writes a plan audit record on the API side.
func (s *PlanService) auditPlan(ctx context.Context, event, actor string, plan *models.Plan, old, new interface{}) {
	s.auditor.RecordForAPI(ctx, plan.APIID, audit.Record{
		Event:      event,
		Actor:      actor,
		Properties: map[string]string{models.AuditPropPlan: plan.ID},
		OldValue:   old,
		NewValue:   new,
	})
}
