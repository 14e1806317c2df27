package plugins

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/streamspace/pluginhost/internal/logger"
	"github.com/streamspace/pluginhost/internal/pherrors"
)

const (
	manifestFileName  = "plugin.manifest.json"
	defaultBinaryPath = "dist/index.js"
)

// Discovery is one plugin directory as seen by the filesystem scan: its
// manifest plus everything the resolver needs to order it.
type Discovery struct {
	Name       string
	Path       string
	Manifest   *PluginManifest
	DependsOn  []string
	LoadOrder  int
}

// DiscoveryService scans a plugins directory, validates each manifest,
// and caches validated manifests for manifestTTL (PLUGIN_CACHE_DEFAULT_TTL).
type DiscoveryService struct {
	baseDir     string
	cache       *Cache
	state       *StateMachine
	bus         *EventBus
	manifestTTL time.Duration
}

// NewDiscoveryService creates a discovery scanner rooted at baseDir.
// manifestTTL governs how long a validated manifest stays cached
// before discoverOne re-reads and re-validates it from disk.
func NewDiscoveryService(baseDir string, cache *Cache, state *StateMachine, bus *EventBus, manifestTTL time.Duration) *DiscoveryService {
	if manifestTTL <= 0 {
		manifestTTL = 10 * time.Minute
	}
	return &DiscoveryService{baseDir: baseDir, cache: cache, state: state, bus: bus, manifestTTL: manifestTTL}
}

// DiscoverAll scans every immediate subdirectory of baseDir in parallel,
// parses and validates its manifest, and records each success in the
// state machine as DISCOVERED. A directory whose manifest fails to
// parse or validate is logged and excluded; discovery of the rest
// continues undisturbed.
func (d *DiscoveryService) DiscoverAll() ([]*Discovery, error) {
	entries, err := os.ReadDir(d.baseDir)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []*Discovery
	)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirName := entry.Name()
		wg.Add(1)
		go func(dirName string) {
			defer wg.Done()
			disc, err := d.discoverOne(dirName)
			if err != nil {
				logger.Discovery().Warn().Str("dir", dirName).Err(err).Msg("skipping plugin directory")
				return
			}
			mu.Lock()
			results = append(results, disc)
			mu.Unlock()
		}(dirName)
	}
	wg.Wait()

	for _, disc := range results {
		if d.state.Discover(disc.Name) {
			d.bus.EmitAsync(Event{
				Type:       EventDiscovered,
				PluginName: disc.Name,
				Source:     "discovery",
				Data: map[string]interface{}{
					"path":      disc.Path,
					"version":   disc.Manifest.Version,
					"loadOrder": disc.LoadOrder,
				},
			})
		}
	}

	return results, nil
}

func (d *DiscoveryService) discoverOne(dirName string) (*Discovery, error) {
	path := filepath.Join(d.baseDir, dirName)
	manifestPath := filepath.Join(path, manifestFileName)

	cacheKey := manifestKey(dirName, "")
	if cached, ok := d.cache.Get(cacheKey); ok {
		m := cached.(*PluginManifest)
		return &Discovery{Name: m.Name, Path: path, Manifest: m, DependsOn: m.Dependencies, LoadOrder: m.LoadOrder}, nil
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}

	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}

	if err := verifyChecksum(manifest, raw); err != nil {
		return nil, err
	}

	d.cache.Set(cacheKey, manifest, d.manifestTTL)

	return &Discovery{
		Name:      manifest.Name,
		Path:      path,
		Manifest:  manifest,
		DependsOn: manifest.Dependencies,
		LoadOrder: manifest.LoadOrder,
	}, nil
}

// verifyChecksum checks a manifest's declared security.checksum, when
// present, against a blake2b-256 digest of the raw manifest bytes. A
// mismatch means the manifest was altered after the checksum was
// recorded in the registry and the plugin is refused.
func verifyChecksum(m *PluginManifest, raw []byte) error {
	if m.Security == nil || m.Security.Checksum == "" {
		return nil
	}
	sum := blake2b.Sum256(raw)
	if hex.EncodeToString(sum[:]) != m.Security.Checksum {
		return pherrors.ForPlugin(pherrors.ManifestInvalid, m.Name, "manifest checksum mismatch")
	}
	return nil
}

// BinaryPath returns the on-disk path to a discovered plugin's code bundle.
func (disc *Discovery) BinaryPath() string {
	return filepath.Join(disc.Path, defaultBinaryPath)
}
