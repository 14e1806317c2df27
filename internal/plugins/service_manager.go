package plugins

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/streamspace/pluginhost/internal/logger"
)

const (
	maxTokenCollisionAttempts = 10
	tokenSuffixHexBytes       = 4 // 8 hex chars, 32 bits of entropy
)

// ServiceProvider is one cross-plugin service registration.
type ServiceProvider struct {
	Token        string
	ServiceName  string
	SymbolName   string
	OwningPlugin string
	Global       bool
	Version      string
	Deprecated   bool
}

// TokenValidation is the result of validateToken.
type TokenValidation struct {
	Valid           bool
	SecurityLevel   string // high | medium | low
	Issues          []string
	Recommendations []string
}

// ServiceStats summarizes the service index for the metrics surface.
type ServiceStats struct {
	Total            int
	Global           int
	ByPlugin         map[string]int
	AverageTokenLen  float64
}

// ServiceManager registers every cross-plugin service a plugin exports
// under a globally unique token and resolves lookups by token.
type ServiceManager struct {
	mu          sync.RWMutex
	byToken     map[string]*ServiceProvider
	globalSet   map[string]bool
	byPlugin    map[string][]string // plugin -> tokens it owns
	bus         *EventBus
}

// NewServiceManager creates an empty service index.
func NewServiceManager(bus *EventBus) *ServiceManager {
	return &ServiceManager{
		byToken:   make(map[string]*ServiceProvider),
		globalSet: make(map[string]bool),
		byPlugin:  make(map[string][]string),
		bus:       bus,
	}
}

// CreateProviders registers a provider for each declared cross-plugin
// service whose symbol is present in symbolTable. A missing or
// non-callable symbol is skipped with a warning, not a failure.
func (sm *ServiceManager) CreateProviders(pluginName string, services []CrossPluginServiceConfig, symbolTable map[string]bool) []*ServiceProvider {
	var providers []*ServiceProvider
	for _, svc := range services {
		if !symbolTable[svc.ServiceName] {
			logger.Service().Warn().Str("plugin", pluginName).Str("service", svc.ServiceName).
				Msg("declared cross-plugin service has no matching symbol, skipping")
			continue
		}
		providers = append(providers, sm.register(pluginName, svc))
	}
	return providers
}

func (sm *ServiceManager) register(pluginName string, svc CrossPluginServiceConfig) *ServiceProvider {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	token := svc.Token
	if token == "" {
		token = sm.generateToken(pluginName, svc.ServiceName)
	}

	if _, collides := sm.byToken[token]; collides {
		collisionToken := sm.resolveCollision(pluginName, svc.ServiceName)
		if sm.bus != nil {
			sm.bus.EmitAsync(Event{
				Type:       EventServiceCollision,
				PluginName: pluginName,
				Source:     "service-manager",
				Data:       map[string]interface{}{"originalToken": token, "assignedToken": collisionToken},
			})
		}
		token = collisionToken
	}

	provider := &ServiceProvider{
		Token:        token,
		ServiceName:  svc.ServiceName,
		SymbolName:   svc.ServiceName,
		OwningPlugin: pluginName,
		Global:       svc.Global,
		Version:      svc.Version,
		Deprecated:   svc.Deprecated,
	}

	sm.byToken[token] = provider
	sm.byPlugin[pluginName] = append(sm.byPlugin[pluginName], token)
	if svc.Global {
		sm.globalSet[token] = true
	}

	return provider
}

// generateToken must be called with sm.mu held.
func (sm *ServiceManager) generateToken(pluginName, serviceName string) string {
	return fmt.Sprintf("%s_%s_%s", strings.ToUpper(pluginName), strings.ToUpper(serviceName), randomHexSuffix())
}

// resolveCollision must be called with sm.mu held. It retries a fresh
// random suffix up to maxTokenCollisionAttempts times; after that it
// falls back to a base36-timestamp suffix and logs a warning. The
// colliding slot is never reused — a fresh token is always produced.
func (sm *ServiceManager) resolveCollision(pluginName, serviceName string) string {
	for attempt := 0; attempt < maxTokenCollisionAttempts; attempt++ {
		candidate := sm.generateToken(pluginName, serviceName)
		if _, exists := sm.byToken[candidate]; !exists {
			return candidate
		}
	}

	fallback := fmt.Sprintf("%s_%s_%s", strings.ToLower(pluginName), strings.ToLower(serviceName), timestampBase36())
	logger.Service().Warn().Str("plugin", pluginName).Str("service", serviceName).
		Str("token", fallback).Msg("exhausted collision retries, using timestamp fallback token")
	return fallback
}

func randomHexSuffix() string {
	buf := make([]byte, tokenSuffixHexBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing indicates a broken host; fall back to a
		// zero suffix rather than panic. Collision-resolution will
		// still kick in if this ever collides.
		return "00000000"
	}
	return hex.EncodeToString(buf)
}

func timestampBase36() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

// GetProvider looks up a provider by token in O(1).
func (sm *ServiceManager) GetProvider(token string) (*ServiceProvider, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	p, ok := sm.byToken[token]
	return p, ok
}

// RemovePluginServices drops every provider owned by pluginName and
// removes its tokens from the global set.
func (sm *ServiceManager) RemovePluginServices(pluginName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, token := range sm.byPlugin[pluginName] {
		delete(sm.byToken, token)
		delete(sm.globalSet, token)
	}
	delete(sm.byPlugin, pluginName)
}

// ValidateToken checks a token's format, length, and suffix shape.
func (sm *ServiceManager) ValidateToken(token string) TokenValidation {
	var issues []string
	var recs []string

	if len(token) < 8 {
		issues = append(issues, "token shorter than 8 characters")
	}
	if len(token) > 128 {
		issues = append(issues, "token longer than 128 characters")
	}

	parts := strings.Split(token, "_")
	hasHexSuffix := false
	if len(parts) >= 3 {
		suffix := parts[len(parts)-1]
		if len(suffix) == tokenSuffixHexBytes*2 {
			if _, err := hex.DecodeString(suffix); err == nil {
				hasHexSuffix = true
			}
		}
	}
	if !hasHexSuffix {
		recs = append(recs, "use the <PLUGIN>_<SERVICE>_<8-hex> token format for collision resistance")
	}

	level := "low"
	switch {
	case hasHexSuffix && len(issues) == 0:
		level = "high"
	case len(issues) == 0:
		level = "medium"
	}

	return TokenValidation{
		Valid:           len(issues) == 0,
		SecurityLevel:   level,
		Issues:          issues,
		Recommendations: recs,
	}
}

// Statistics summarizes the service index.
func (sm *ServiceManager) Statistics() ServiceStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	stats := ServiceStats{
		Total:    len(sm.byToken),
		Global:   len(sm.globalSet),
		ByPlugin: make(map[string]int, len(sm.byPlugin)),
	}
	var totalLen int
	for plugin, tokens := range sm.byPlugin {
		stats.ByPlugin[plugin] = len(tokens)
		for _, t := range tokens {
			totalLen += len(t)
		}
	}
	if stats.Total > 0 {
		stats.AverageTokenLen = float64(totalLen) / float64(stats.Total)
	}
	return stats
}
