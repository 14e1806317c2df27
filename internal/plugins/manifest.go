package plugins

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/microcosm-cc/bluemonday"

	"github.com/streamspace/pluginhost/internal/pherrors"
)

var (
	nameRegex      = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	versionRegex   = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
	guardNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	classNameRegex = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
)

// sanitizer strips any HTML from manifest free-text fields before they
// are cached or served over the control plane, so a malicious plugin
// package can't stored-XSS a dashboard that renders manifest metadata.
var sanitizer = bluemonday.StrictPolicy()

// GuardEntry is a tagged union flattened into one struct, discriminated
// by Kind: local entries use the local fields, external entries use
// SourcePlugin; Name is shared.
type GuardEntry struct {
	Kind GuardKind `json:"kind"`

	// Local fields.
	Name         string   `json:"name"`
	ClassName    string   `json:"className,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Exported     bool     `json:"exported,omitempty"`

	// External fields.
	SourcePlugin string `json:"sourcePlugin,omitempty"`
}

// GuardKind discriminates a GuardEntry's variant.
type GuardKind string

const (
	GuardLocal    GuardKind = "local"
	GuardExternal GuardKind = "external"
)

// CrossPluginServiceConfig declares one service a plugin exports for
// other plugins to consume via the service manager.
type CrossPluginServiceConfig struct {
	ServiceName string `json:"serviceName"`
	Token       string `json:"token,omitempty"`
	Global      bool   `json:"global,omitempty"`
	Version     string `json:"version,omitempty"`
	Deprecated  bool   `json:"deprecated,omitempty"`
}

// ModuleDeclaration lists the symbol names a plugin's module composition
// resolves from its binary's symbol table.
type ModuleDeclaration struct {
	Controllers         []string                   `json:"controllers,omitempty"`
	Providers           []string                   `json:"providers,omitempty"`
	Exports             []string                   `json:"exports,omitempty"`
	Imports             []string                   `json:"imports,omitempty"`
	Guards              []GuardEntry               `json:"guards,omitempty"`
	CrossPluginServices []CrossPluginServiceConfig  `json:"crossPluginServices,omitempty"`
}

// SecurityDeclaration is optional manifest metadata describing trust
// and integrity requirements, enforced by an external policy layer.
type SecurityDeclaration struct {
	TrustLevel string `json:"trustLevel,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Isolation  string `json:"isolation,omitempty"`
}

// CompatibilityDeclaration bounds the host versions a plugin supports.
type CompatibilityDeclaration struct {
	MinHostVersion string `json:"minHostVersion,omitempty"`
	MaxHostVersion string `json:"maxHostVersion,omitempty"`
}

// PluginManifest is the declarative metadata every plugin directory
// carries in plugin.manifest.json.
type PluginManifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Author       string   `json:"author,omitempty"`
	License      string   `json:"license,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	LoadOrder    int      `json:"loadOrder,omitempty"`
	Critical     bool     `json:"critical,omitempty"`

	Module ModuleDeclaration `json:"module"`

	Security      *SecurityDeclaration      `json:"security,omitempty"`
	Compatibility *CompatibilityDeclaration `json:"compatibility,omitempty"`
	Permissions   []string                  `json:"permissions,omitempty"`
}

// ParseManifest decodes and validates raw JSON manifest bytes.
func ParseManifest(raw []byte) (*PluginManifest, error) {
	var m PluginManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, newManifestInvalidError("", fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := validateManifest(&m); err != nil {
		return nil, err
	}
	sanitizeManifest(&m)
	return &m, nil
}

func sanitizeManifest(m *PluginManifest) {
	m.Description = sanitizer.Sanitize(m.Description)
	m.Author = sanitizer.Sanitize(m.Author)
}

func validateManifest(m *PluginManifest) error {
	if m.Name == "" {
		return newManifestInvalidError(m.Name, "name is required")
	}
	if !nameRegex.MatchString(m.Name) {
		return newManifestInvalidError(m.Name, "name must match ^[a-z][a-z0-9-]*$")
	}
	if m.Version == "" {
		return newManifestInvalidError(m.Name, "version is required")
	}
	if !versionRegex.MatchString(m.Version) {
		return newManifestInvalidError(m.Name, "version must be a valid SemVer string")
	}
	if m.LoadOrder < 0 {
		return newManifestInvalidError(m.Name, "loadOrder must be non-negative")
	}
	for i, dep := range m.Dependencies {
		if dep == "" {
			return newManifestInvalidError(m.Name, fmt.Sprintf("dependencies[%d] must be a non-empty string", i))
		}
	}
	for _, arr := range [][]string{m.Module.Controllers, m.Module.Providers, m.Module.Exports, m.Module.Imports, m.Permissions} {
		for i, s := range arr {
			if s == "" {
				return newManifestInvalidError(m.Name, fmt.Sprintf("array field contains empty string at index %d", i))
			}
		}
	}
	for _, g := range m.Module.Guards {
		if err := validateGuardEntry(m.Name, g); err != nil {
			return err
		}
	}
	for _, svc := range m.Module.CrossPluginServices {
		if svc.ServiceName == "" {
			return newManifestInvalidError(m.Name, "crossPluginServices entry missing serviceName")
		}
	}
	return nil
}

func validateGuardEntry(pluginName string, g GuardEntry) error {
	if !guardNameRegex.MatchString(g.Name) {
		return newManifestInvalidError(pluginName, fmt.Sprintf("guard name %q must match ^[A-Za-z][A-Za-z0-9_-]*$", g.Name))
	}
	switch g.Kind {
	case GuardLocal:
		if g.ClassName != "" && !classNameRegex.MatchString(g.ClassName) {
			return newManifestInvalidError(pluginName, fmt.Sprintf("guard class name %q must match ^[A-Z][A-Za-z0-9]*$", g.ClassName))
		}
	case GuardExternal:
		if g.SourcePlugin == "" {
			return newManifestInvalidError(pluginName, fmt.Sprintf("external guard %q missing sourcePlugin", g.Name))
		}
	default:
		return newManifestInvalidError(pluginName, fmt.Sprintf("guard %q has unknown kind %q", g.Name, g.Kind))
	}
	return nil
}

func newManifestInvalidError(pluginName, msg string) error {
	if pluginName == "" {
		return pherrors.New(pherrors.ManifestInvalid, msg)
	}
	return pherrors.ForPlugin(pherrors.ManifestInvalid, pluginName, msg)
}
