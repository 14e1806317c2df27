package plugins

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, baseDir, dirName string, body string) {
	t.Helper()
	dir := filepath.Join(baseDir, dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(body), 0o644))
}

func TestDiscoveryServiceDiscoverAll(t *testing.T) {
	baseDir := t.TempDir()
	writeManifest(t, baseDir, "analytics", `{"name":"analytics","version":"1.0.0","module":{}}`)
	writeManifest(t, baseDir, "billing", `{"name":"billing","version":"1.0.0","dependencies":["analytics"],"module":{}}`)

	bus := NewEventBus()
	state := NewStateMachine(bus)
	cache := NewCache(100, 0)
	svc := NewDiscoveryService(baseDir, cache, state, bus, time.Minute)

	discoveries, err := svc.DiscoverAll()
	require.NoError(t, err)
	require.Len(t, discoveries, 2)

	names := map[string]*Discovery{}
	for _, d := range discoveries {
		names[d.Name] = d
	}
	require.Contains(t, names, "analytics")
	require.Contains(t, names, "billing")
	require.Equal(t, []string{"analytics"}, names["billing"].DependsOn)

	st, ok := state.GetCurrentState("analytics")
	require.True(t, ok)
	require.Equal(t, StateDiscovered, st)
}

func TestDiscoveryServiceSkipsInvalidManifest(t *testing.T) {
	baseDir := t.TempDir()
	writeManifest(t, baseDir, "good", `{"name":"good","version":"1.0.0","module":{}}`)
	writeManifest(t, baseDir, "bad", `not json at all`)

	bus := NewEventBus()
	state := NewStateMachine(bus)
	cache := NewCache(100, 0)
	svc := NewDiscoveryService(baseDir, cache, state, bus, time.Minute)

	discoveries, err := svc.DiscoverAll()
	require.NoError(t, err)
	require.Len(t, discoveries, 1)
	require.Equal(t, "good", discoveries[0].Name)
}

func TestDiscoveryServiceCachesManifest(t *testing.T) {
	baseDir := t.TempDir()
	writeManifest(t, baseDir, "analytics", `{"name":"analytics","version":"1.0.0","module":{}}`)

	bus := NewEventBus()
	state := NewStateMachine(bus)
	cache := NewCache(100, 0)
	svc := NewDiscoveryService(baseDir, cache, state, bus, time.Minute)

	_, err := svc.DiscoverAll()
	require.NoError(t, err)

	cached, ok := cache.Get(manifestKey("analytics", ""))
	require.True(t, ok)
	m, ok := cached.(*PluginManifest)
	require.True(t, ok)
	require.Equal(t, "analytics", m.Name)
}

func TestDiscoveryServiceRejectsChecksumMismatch(t *testing.T) {
	baseDir := t.TempDir()
	writeManifest(t, baseDir, "tampered", `{"name":"tampered","version":"1.0.0","module":{},"security":{"checksum":"deadbeef"}}`)

	bus := NewEventBus()
	state := NewStateMachine(bus)
	cache := NewCache(100, 0)
	svc := NewDiscoveryService(baseDir, cache, state, bus, time.Minute)

	discoveries, err := svc.DiscoverAll()
	require.NoError(t, err)
	require.Empty(t, discoveries)
}

func TestDiscoverySecondCallIsNoOpInStateMachine(t *testing.T) {
	baseDir := t.TempDir()
	writeManifest(t, baseDir, "analytics", `{"name":"analytics","version":"1.0.0","module":{}}`)

	bus := NewEventBus()
	state := NewStateMachine(bus)
	cache := NewCache(100, 0)
	svc := NewDiscoveryService(baseDir, cache, state, bus, time.Minute)

	_, err := svc.DiscoverAll()
	require.NoError(t, err)
	_, err = svc.DiscoverAll()
	require.NoError(t, err)

	st, ok := state.GetCurrentState("analytics")
	require.True(t, ok)
	require.Equal(t, StateDiscovered, st)
}
