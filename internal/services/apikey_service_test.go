package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apim-console/management/internal/db/models"
)

func TestGenerateAPIKey_Exclusive(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	endingAt := fixtureEpoch.Add(72 * time.Hour)
	sub := f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	sub.EndingAt = &endingAt

	key, err := f.keys.Generate(context.Background(), "app-1", "sub-1", "", "alice")
	require.NoError(t, err)

	assert.NotEmpty(t, key.Key)
	assert.Equal(t, []string{"sub-1"}, key.SubscriptionIDs)
	require.NotNil(t, key.ExpireAt)
	assert.True(t, key.ExpireAt.Equal(endingAt))
}

func TestGenerateAPIKey_SharedModeReusesKey(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeShared)
	f.seedPlan("plan-1", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedPlan("plan-2", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 2)
	f.seedSub("sub-1", "plan-1", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedSub("sub-2", "plan-2", "api-1", "app-1", models.SubscriptionStatusAccepted)

	first, err := f.keys.Generate(context.Background(), "app-1", "sub-1", "", "alice")
	require.NoError(t, err)
	second, err := f.keys.Generate(context.Background(), "app-1", "sub-2", "", "alice")
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.ID, second.ID)
	assert.ElementsMatch(t, []string{"sub-1", "sub-2"}, second.SubscriptionIDs)
	assert.Equal(t, 1, f.keyCount())
}

func TestGenerateAPIKey_SharedModeSkipsRevokedKeys(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeShared)
	f.seedPlan("plan-1", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-1", "api-1", "app-1", models.SubscriptionStatusAccepted)
	revoked := f.seedKey("key-old", "value-old", "app-1", "sub-0")
	revoked.Revoked = true

	key, err := f.keys.Generate(context.Background(), "app-1", "sub-1", "", "alice")
	require.NoError(t, err)

	assert.NotEqual(t, "key-old", key.ID)
	assert.NotEqual(t, "value-old", key.Key)
}

func TestGenerateAPIKey_SubscriptionEnded(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	ended := fixtureEpoch.Add(-time.Hour)
	sub := f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	sub.EndingAt = &ended

	_, err := f.keys.Generate(context.Background(), "app-1", "sub-1", "", "alice")

	var policyErr *PolicyError
	require.ErrorAs(t, err, &policyErr)
}

func TestGenerateAPIKey_CustomKeyConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedAPI("api-2")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedApp("app-2", models.APIKeyModeUnspecified)
	f.seedPlan("plan-a1", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedPlan("plan-a2", "api-2", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-other", "plan-a1", "api-1", "app-2", models.SubscriptionStatusAccepted)
	f.seedSub("sub-same-api", "plan-a1", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedSub("sub-new", "plan-a1", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedSub("sub-api2", "plan-a2", "api-2", "app-1", models.SubscriptionStatusAccepted)

	// value held by another application
	f.seedKey("key-other", "taken-elsewhere", "app-2", "sub-other")
	_, err := f.keys.Generate(context.Background(), "app-1", "sub-new", "taken-elsewhere", "alice")
	var policyErr *PolicyError
	require.ErrorAs(t, err, &policyErr)

	// value held by the same application on the same API
	f.seedKey("key-same", "taken-here", "app-1", "sub-same-api")
	_, err = f.keys.Generate(context.Background(), "app-1", "sub-new", "taken-here", "alice")
	require.ErrorAs(t, err, &policyErr)

	// same application, different API is allowed
	key, err := f.keys.Generate(context.Background(), "app-1", "sub-api2", "taken-here", "alice")
	require.NoError(t, err)
	assert.Equal(t, "taken-here", key.Key)
}

func TestRenewForSubscription_GraceWindow(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedKey("key-old", "value-old", "app-1", "sub-1")

	renewed, err := f.keys.RenewForSubscription(context.Background(), "sub-1", "", "alice")
	require.NoError(t, err)

	assert.False(t, renewed.Revoked)
	assert.Nil(t, renewed.ExpireAt)
	assert.NotEqual(t, "value-old", renewed.Key)

	old, _ := f.store.GetAPIKey(context.Background(), "key-old")
	assert.False(t, old.Revoked)
	require.NotNil(t, old.ExpireAt)
	assert.True(t, old.ExpireAt.Equal(fixtureEpoch.Add(2*time.Hour)))
}

func TestRenewForSubscription_SharedModeRejected(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeShared)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)

	_, err := f.keys.RenewForSubscription(context.Background(), "sub-1", "", "alice")

	var policyErr *PolicyError
	require.ErrorAs(t, err, &policyErr)
}

func TestRenewForApplication_AbsorbsSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeShared)
	f.seedPlan("plan-1", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-1", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedSub("sub-2", "plan-1", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedKey("key-old", "value-old", "app-1", "sub-1", "sub-2")

	renewed, err := f.keys.RenewForApplication(context.Background(), "app-1", "alice")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"sub-1", "sub-2"}, renewed.SubscriptionIDs)

	old, _ := f.store.GetAPIKey(context.Background(), "key-old")
	require.NotNil(t, old.ExpireAt)
	assert.True(t, old.ExpireAt.Equal(fixtureEpoch.Add(2*time.Hour)))
}

func TestRevokeAPIKey(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedKey("key-1", "value-1", "app-1", "sub-1")

	require.NoError(t, f.keys.Revoke(context.Background(), "key-1", true, "alice"))

	key, _ := f.store.GetAPIKey(context.Background(), "key-1")
	assert.True(t, key.Revoked)
	require.NotNil(t, key.RevokedAt)
	assert.True(t, key.RevokedAt.Equal(fixtureEpoch))

	// revoking again fails
	err := f.keys.Revoke(context.Background(), "key-1", false, "alice")
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestRevokeAPIKey_ExpiredFails(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	expired := fixtureEpoch.Add(-time.Minute)
	key := f.seedKey("key-1", "value-1", "app-1", "sub-1")
	key.ExpireAt = &expired

	err := f.keys.Revoke(context.Background(), "key-1", false, "alice")

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestReactivateAPIKey(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	endingAt := fixtureEpoch.Add(24 * time.Hour)
	sub := f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	sub.EndingAt = &endingAt
	revokedAt := fixtureEpoch.Add(-time.Hour)
	key := f.seedKey("key-1", "value-1", "app-1", "sub-1")
	key.Revoked = true
	key.RevokedAt = &revokedAt

	reactivated, err := f.keys.Reactivate(context.Background(), "key-1", "alice")
	require.NoError(t, err)

	assert.False(t, reactivated.Revoked)
	assert.Nil(t, reactivated.RevokedAt)
	require.NotNil(t, reactivated.ExpireAt)
	assert.True(t, reactivated.ExpireAt.Equal(endingAt))
}

func TestReactivateAPIKey_ActiveFails(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedKey("key-1", "value-1", "app-1", "sub-1")

	_, err := f.keys.Reactivate(context.Background(), "key-1", "alice")

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestReactivateAPIKey_SubscriptionNotActive(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusClosed)
	key := f.seedKey("key-1", "value-1", "app-1", "sub-1")
	key.Revoked = true

	_, err := f.keys.Reactivate(context.Background(), "key-1", "alice")

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestUpdateAPIKey_ClampsPastExpirationToNow(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedKey("key-1", "value-1", "app-1", "sub-1")

	past := fixtureEpoch.Add(-time.Hour)
	key, err := f.keys.Update(context.Background(), "key-1", &past, "alice")
	require.NoError(t, err)

	require.NotNil(t, key.ExpireAt)
	assert.True(t, key.ExpireAt.Equal(fixtureEpoch))
}

func TestUpdateAPIKey_ClampsToSubscriptionEnd(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	endingAt := fixtureEpoch.Add(24 * time.Hour)
	sub := f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	sub.EndingAt = &endingAt
	f.seedKey("key-1", "value-1", "app-1", "sub-1")

	later := fixtureEpoch.Add(72 * time.Hour)
	key, err := f.keys.Update(context.Background(), "key-1", &later, "alice")
	require.NoError(t, err)

	require.NotNil(t, key.ExpireAt)
	assert.True(t, key.ExpireAt.Equal(endingAt))
}

func TestUpdateAPIKey_RevokedFails(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	key := f.seedKey("key-1", "value-1", "app-1", "sub-1")
	key.Revoked = true

	future := fixtureEpoch.Add(time.Hour)
	_, err := f.keys.Update(context.Background(), "key-1", &future, "alice")

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestUpdateDaysToExpirationOnLastNotification(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedKey("key-1", "value-1", "app-1", "sub-1")

	require.NoError(t, f.keys.UpdateDaysToExpirationOnLastNotification(context.Background(), "key-1", 7))

	key, _ := f.store.GetAPIKey(context.Background(), "key-1")
	require.NotNil(t, key.DaysToExpirationOnLastNotification)
	assert.Equal(t, 7, *key.DaysToExpirationOnLastNotification)
}

func TestSearchAPIKeys_FiltersRevoked(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeUnspecified)
	f.seedPlan("plan-p", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-p", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedKey("key-live", "value-1", "app-1", "sub-1")
	revoked := f.seedKey("key-revoked", "value-2", "app-1", "sub-1")
	revoked.Revoked = true

	keys, err := f.keys.Search(context.Background(), APIKeyQuery{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "key-live", keys[0].ID)

	keys, err = f.keys.Search(context.Background(), APIKeyQuery{SubscriptionID: "sub-1", IncludeRevoked: true})
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSearchAPIKeys_RequiresFilter(t *testing.T) {
	f := newFixture(t)

	_, err := f.keys.Search(context.Background(), APIKeyQuery{})

	var policyErr *PolicyError
	require.ErrorAs(t, err, &policyErr)
}

func TestGenerateAPIKey_SharedModePrefersExistingOverCustomKey(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeShared)
	f.seedPlan("plan-1", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedPlan("plan-2", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 2)
	f.seedSub("sub-1", "plan-1", "api-1", "app-1", models.SubscriptionStatusAccepted)
	f.seedSub("sub-2", "plan-2", "api-1", "app-1", models.SubscriptionStatusAccepted)

	first, err := f.keys.Generate(context.Background(), "app-1", "sub-1", "", "alice")
	require.NoError(t, err)

	second, err := f.keys.Generate(context.Background(), "app-1", "sub-2", "requested-value", "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, 1, f.keyCount())
}

func TestGenerateAPIKey_SharedModeCustomKeyUsedWhenNoLiveKey(t *testing.T) {
	f := newFixture(t)
	f.seedAPI("api-1")
	f.seedApp("app-1", models.APIKeyModeShared)
	f.seedPlan("plan-1", "api-1", models.PlanSecurityAPIKey, models.PlanStatusPublished, 1)
	f.seedSub("sub-1", "plan-1", "api-1", "app-1", models.SubscriptionStatusAccepted)
	revoked := f.seedKey("key-old", "old-value", "app-1", "sub-1")
	revoked.Revoked = true

	key, err := f.keys.Generate(context.Background(), "app-1", "sub-1", "requested-value", "alice")
	require.NoError(t, err)

	assert.Equal(t, "requested-value", key.Key)
}
