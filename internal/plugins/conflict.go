package plugins

import (
	"sync"
)

// ConflictType enumerates the scan categories from spec §4.10.
type ConflictType string

const (
	ConflictServiceToken      ConflictType = "service-token"
	ConflictVersionIncompat   ConflictType = "version-incompatible"
	ConflictDependencyCircular ConflictType = "dependency-circular"
	ConflictDependencyMissing ConflictType = "dependency-missing"
	ConflictCapabilityDup     ConflictType = "capability-duplicate"
	ConflictGuardConflict     ConflictType = "guard-conflict"
	ConflictExportCollision   ConflictType = "export-collision"
	ConflictNamespacePollution ConflictType = "namespace-pollution"
)

// Severity is how serious a detected conflict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ResolutionStrategy is a suggested fix for a conflict.
type ResolutionStrategy string

const (
	StrategyServiceAliasing    ResolutionStrategy = "service-aliasing"
	StrategyNamespaceIsolation ResolutionStrategy = "namespace-isolation"
	StrategyVersionPinning     ResolutionStrategy = "version-pinning"
	StrategyPrioritization     ResolutionStrategy = "plugin-prioritization"
	StrategyGracefulDegradation ResolutionStrategy = "graceful-degradation"
	StrategyManualReview       ResolutionStrategy = "manual-review"
)

// exclusiveCapabilities lists capability names only one plugin may claim.
var exclusiveCapabilities = []string{"authentication-provider", "db-migrator", "system-config"}

const namespacePollutionThreshold = 10

// Conflict is one detected issue from a scan.
type Conflict struct {
	Type                ConflictType
	Severity            Severity
	ConflictingPlugins  []string
	Resource            string
	SuggestedStrategies []ResolutionStrategy
	AutoResolvable      bool
}

// ConflictDetector scans the loaded-plugin surface for cross-plugin
// conflicts, on-demand or on a periodic cron-driven tick.
type ConflictDetector struct {
	mu         sync.Mutex
	loader     *Loader
	bus        *EventBus
	cycleNames []string
}

// NewConflictDetector creates a detector bound to a loader's live state.
func NewConflictDetector(loader *Loader, bus *EventBus) *ConflictDetector {
	return &ConflictDetector{loader: loader, bus: bus}
}

// SetCycleNames records the plugins the resolver's last PlanBatches call
// excluded for participating in a dependency cycle, so the next Scan
// can report ConflictDependencyCircular for them. PlanBatches itself
// never transitions a cyclic plugin to FAILED — it simply never
// schedules it — so this is the only path that surfaces the cycle as a
// conflict.
func (cd *ConflictDetector) SetCycleNames(names []string) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.cycleNames = append([]string(nil), names...)
}

// Scan runs every detection rule across currently loaded plugins.
func (cd *ConflictDetector) Scan() []Conflict {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	var conflicts []Conflict
	conflicts = append(conflicts, cd.scanServiceTokens()...)
	conflicts = append(conflicts, cd.scanVersionIncompatibility()...)
	conflicts = append(conflicts, cd.scanDependencyGraph()...)
	conflicts = append(conflicts, cd.scanCapabilityDuplicates()...)
	conflicts = append(conflicts, cd.scanGuardConflicts()...)
	conflicts = append(conflicts, cd.scanExportCollisions()...)
	conflicts = append(conflicts, cd.scanNamespacePollution()...)

	for _, c := range conflicts {
		cd.bus.EmitAsync(Event{
			Type:   EventConflictDetected,
			Source: "conflict-detector",
			Data: map[string]interface{}{
				"conflictType": c.Type,
				"severity":     c.Severity,
				"plugins":      c.ConflictingPlugins,
				"resource":     c.Resource,
			},
		})
	}
	return conflicts
}

func (cd *ConflictDetector) scanServiceTokens() []Conflict {
	byToken := make(map[string][]string)
	cd.loader.services.mu.RLock()
	for token, p := range cd.loader.services.byToken {
		byToken[token] = append(byToken[token], p.OwningPlugin)
	}
	cd.loader.services.mu.RUnlock()

	var conflicts []Conflict
	for token, plugins := range byToken {
		if len(plugins) > 1 {
			conflicts = append(conflicts, Conflict{
				Type:                ConflictServiceToken,
				Severity:            SeverityHigh,
				ConflictingPlugins:  plugins,
				Resource:            token,
				SuggestedStrategies: []ResolutionStrategy{StrategyServiceAliasing, StrategyNamespaceIsolation},
				AutoResolvable:      false,
			})
		}
	}
	return conflicts
}

func (cd *ConflictDetector) scanVersionIncompatibility() []Conflict {
	byService := make(map[string]map[string][]string) // service -> version -> plugins
	cd.loader.services.mu.RLock()
	for _, p := range cd.loader.services.byToken {
		if p.Version == "" {
			continue
		}
		if byService[p.ServiceName] == nil {
			byService[p.ServiceName] = make(map[string][]string)
		}
		byService[p.ServiceName][p.Version] = append(byService[p.ServiceName][p.Version], p.OwningPlugin)
	}
	cd.loader.services.mu.RUnlock()

	var conflicts []Conflict
	for service, versions := range byService {
		if len(versions) <= 1 {
			continue
		}
		var plugins []string
		for _, ps := range versions {
			plugins = append(plugins, ps...)
		}
		if !semverCompatibleSet(versions) {
			conflicts = append(conflicts, Conflict{
				Type:                ConflictVersionIncompat,
				Severity:            SeverityMedium,
				ConflictingPlugins:  plugins,
				Resource:            service,
				SuggestedStrategies: []ResolutionStrategy{StrategyVersionPinning},
				AutoResolvable:      false,
			})
		}
	}
	return conflicts
}

func (cd *ConflictDetector) scanDependencyGraph() []Conflict {
	var conflicts []Conflict
	for _, name := range cd.loader.state.ListByState(StateFailed) {
		reason, _ := cd.loader.failureReason(name)
		if reason == "dependency-cascade" {
			conflicts = append(conflicts, Conflict{
				Type:                ConflictDependencyMissing,
				Severity:            SeverityMedium,
				ConflictingPlugins:  []string{name},
				Resource:            name,
				SuggestedStrategies: []ResolutionStrategy{StrategyManualReview},
				AutoResolvable:      false,
			})
		}
	}

	if len(cd.cycleNames) > 0 {
		conflicts = append(conflicts, Conflict{
			Type:                ConflictDependencyCircular,
			Severity:            SeverityCritical,
			ConflictingPlugins:  append([]string(nil), cd.cycleNames...),
			Resource:            "dependency-graph",
			SuggestedStrategies: []ResolutionStrategy{StrategyManualReview},
			AutoResolvable:      false,
		})
	}
	return conflicts
}

func (cd *ConflictDetector) scanCapabilityDuplicates() []Conflict {
	byCapability := make(map[string][]string)
	cd.loader.mu.RLock()
	for name, lp := range cd.loader.loaded {
		for _, cap := range lp.manifest.Permissions {
			for _, exclusive := range exclusiveCapabilities {
				if cap == exclusive {
					byCapability[cap] = append(byCapability[cap], name)
				}
			}
		}
	}
	cd.loader.mu.RUnlock()

	var conflicts []Conflict
	for cap, plugins := range byCapability {
		if len(plugins) > 1 {
			conflicts = append(conflicts, Conflict{
				Type:                ConflictCapabilityDup,
				Severity:            SeverityCritical,
				ConflictingPlugins:  plugins,
				Resource:            cap,
				SuggestedStrategies: []ResolutionStrategy{StrategyPrioritization, StrategyManualReview},
				AutoResolvable:      false,
			})
		}
	}
	return conflicts
}

func (cd *ConflictDetector) scanGuardConflicts() []Conflict {
	byGuardName := make(map[string][]string)
	cd.loader.guards.storeMu.Lock()
	for _, g := range cd.loader.guards.guards {
		byGuardName[g.Entry.Name] = append(byGuardName[g.Entry.Name], g.OwningPlugin)
	}
	cd.loader.guards.storeMu.Unlock()

	var conflicts []Conflict
	for name, plugins := range byGuardName {
		unique := uniqueStrings(plugins)
		if len(unique) > 1 {
			conflicts = append(conflicts, Conflict{
				Type:                ConflictGuardConflict,
				Severity:            SeverityMedium,
				ConflictingPlugins:  unique,
				Resource:            name,
				SuggestedStrategies: []ResolutionStrategy{StrategyNamespaceIsolation},
				AutoResolvable:      true,
			})
		}
	}
	return conflicts
}

func (cd *ConflictDetector) scanExportCollisions() []Conflict {
	byExport := make(map[string][]string)
	cd.loader.mu.RLock()
	for name, lp := range cd.loader.loaded {
		for _, export := range lp.manifest.Module.Exports {
			byExport[export] = append(byExport[export], name)
		}
	}
	cd.loader.mu.RUnlock()

	var conflicts []Conflict
	for export, plugins := range byExport {
		if len(plugins) > 1 {
			conflicts = append(conflicts, Conflict{
				Type:                ConflictExportCollision,
				Severity:            SeverityHigh,
				ConflictingPlugins:  plugins,
				Resource:            export,
				SuggestedStrategies: []ResolutionStrategy{StrategyNamespaceIsolation, StrategyServiceAliasing},
				AutoResolvable:      false,
			})
		}
	}
	return conflicts
}

func (cd *ConflictDetector) scanNamespacePollution() []Conflict {
	globalCountByPlugin := make(map[string]int)
	cd.loader.services.mu.RLock()
	for token := range cd.loader.services.globalSet {
		if p, ok := cd.loader.services.byToken[token]; ok {
			globalCountByPlugin[p.OwningPlugin]++
		}
	}
	cd.loader.services.mu.RUnlock()

	var conflicts []Conflict
	for plugin, count := range globalCountByPlugin {
		if count > namespacePollutionThreshold {
			conflicts = append(conflicts, Conflict{
				Type:                ConflictNamespacePollution,
				Severity:            SeverityLow,
				ConflictingPlugins:  []string{plugin},
				Resource:            plugin,
				SuggestedStrategies: []ResolutionStrategy{StrategyNamespaceIsolation},
				AutoResolvable:      false,
			})
		}
	}
	return conflicts
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// semverCompatibleSet reports whether every version in the set shares
// the same major component — a minimal proper SemVer compatibility
// check, replacing the "any two distinct version strings differ"
// bare-equality check the spec's design notes flag as too coarse.
func semverCompatibleSet(versions map[string][]string) bool {
	var major string
	for v := range versions {
		m := majorOf(v)
		if major == "" {
			major = m
		} else if m != major {
			return false
		}
	}
	return true
}

func majorOf(version string) string {
	for i, c := range version {
		if c == '.' {
			return version[:i]
		}
	}
	return version
}
