package plugins

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServiceManagerCreateProvidersAndLookup(t *testing.T) {
	bus := NewEventBus()
	sm := NewServiceManager(bus)

	symbols := map[string]bool{"analyticsService": true}
	providers := sm.CreateProviders("analytics", []CrossPluginServiceConfig{
		{ServiceName: "analyticsService", Global: true},
	}, symbols)

	require.Len(t, providers, 1)
	token := providers[0].Token
	require.Contains(t, token, "ANALYTICS_ANALYTICSSERVICE_")

	got, ok := sm.GetProvider(token)
	require.True(t, ok)
	require.Equal(t, "analytics", got.OwningPlugin)
}

func TestServiceManagerSkipsMissingSymbol(t *testing.T) {
	bus := NewEventBus()
	sm := NewServiceManager(bus)

	providers := sm.CreateProviders("p", []CrossPluginServiceConfig{
		{ServiceName: "notPresent"},
	}, map[string]bool{})

	require.Empty(t, providers)
}

func TestServiceManagerTokenCollisionNeverOverwrites(t *testing.T) {
	bus := NewEventBus()
	sm := NewServiceManager(bus)

	fixedToken := "SHARED_TOKEN_deadbeef"
	symbols := map[string]bool{"svcA": true, "svcB": true}

	p1 := sm.CreateProviders("pluginA", []CrossPluginServiceConfig{{ServiceName: "svcA", Token: fixedToken}}, symbols)
	p2 := sm.CreateProviders("pluginB", []CrossPluginServiceConfig{{ServiceName: "svcB", Token: fixedToken}}, symbols)

	require.Len(t, p1, 1)
	require.Len(t, p2, 1)
	require.Equal(t, fixedToken, p1[0].Token)
	require.NotEqual(t, fixedToken, p2[0].Token, "colliding token must be replaced, never reused")

	// Both providers remain independently retrievable.
	first, ok := sm.GetProvider(p1[0].Token)
	require.True(t, ok)
	require.Equal(t, "pluginA", first.OwningPlugin)

	second, ok := sm.GetProvider(p2[0].Token)
	require.True(t, ok)
	require.Equal(t, "pluginB", second.OwningPlugin)
}

func TestServiceManagerRemovePluginServices(t *testing.T) {
	bus := NewEventBus()
	sm := NewServiceManager(bus)
	symbols := map[string]bool{"svc": true}

	providers := sm.CreateProviders("p", []CrossPluginServiceConfig{{ServiceName: "svc", Global: true}}, symbols)
	require.Len(t, providers, 1)

	sm.RemovePluginServices("p")
	_, ok := sm.GetProvider(providers[0].Token)
	require.False(t, ok)

	stats := sm.Statistics()
	require.Equal(t, 0, stats.Total)
	require.Equal(t, 0, stats.Global)
}

func TestValidateToken(t *testing.T) {
	bus := NewEventBus()
	sm := NewServiceManager(bus)

	result := sm.ValidateToken("PLUGIN_SERVICE_deadbeef")
	require.True(t, result.Valid)
	require.Equal(t, "high", result.SecurityLevel)

	result = sm.ValidateToken("short")
	require.False(t, result.Valid)
}
