package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHostStartAndShutdownWithNoPlugins(t *testing.T) {
	baseDir := t.TempDir()
	registry := NewFactoryRegistry()
	moduleLoader := NewFactoryModuleLoader(registry)

	h := NewHost(HostConfig{
		PluginsDir:           baseDir,
		CacheMaxSize:         100,
		CacheMemoryLimitMB:   1,
		CacheCleanupInterval: time.Minute,
		CacheDefaultTTL:      time.Minute,
	}, moduleLoader)

	result, err := h.Start(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Loaded)
	require.Empty(t, result.Failed)

	h.Shutdown()
}

func TestHostStartLoadsDiscoveredPlugin(t *testing.T) {
	baseDir := t.TempDir()
	writeManifest(t, baseDir, "analytics", `{"name":"analytics","version":"1.0.0","module":{}}`)

	registry := NewFactoryRegistry()
	registry.Register("analytics", okFactory())
	moduleLoader := NewFactoryModuleLoader(registry)

	h := NewHost(HostConfig{
		PluginsDir:           baseDir,
		CacheMaxSize:         100,
		CacheMemoryLimitMB:   1,
		CacheCleanupInterval: time.Minute,
		CacheDefaultTTL:      time.Minute,
	}, moduleLoader)

	result, err := h.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"analytics"}, result.Loaded)

	h.Shutdown()
}
