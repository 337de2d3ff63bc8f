// Package manifest defines the declared identity and capability surface of a
// plugin and validates it. All other packages consume only the validated,
// typed Manifest produced here; nothing else in the kernel inspects raw
// manifest JSON.
package manifest

import (
	"encoding/json"
	"regexp"
)

// Manifest describes a plugin's identity and the capabilities it declares.
type Manifest struct {
	// Identity
	ID          string `json:"id"`          // Unique identifier, must equal the bundle directory name
	Name        string `json:"name"`        // Human-readable name
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	Author      string `json:"author"`      // Author name or org
	Description string `json:"description"` // Short description

	// Declared surface
	Capabilities []Capability `json:"capabilities"` // Ordered, non-empty
	Dependencies []string     `json:"dependencies"` // Plugin ids that must already be enabled

	// Sandbox limits
	Sandbox SandboxConfig `json:"sandbox_config"`
}

// Capability is a named, schema-typed operation a plugin exposes.
type Capability struct {
	ID          string `json:"id"`   // Must be prefixed with "<manifest id>."
	Name        string `json:"name"` // Display name
	Description string `json:"description"`
	Kind        Kind   `json:"kind"`

	InputSchema  *Schema `json:"input_schema,omitempty"`
	OutputSchema *Schema `json:"output_schema,omitempty"`

	RequiresAuth   bool        `json:"requires_auth"`
	RateLimit      int         `json:"rate_limit,omitempty"` // Requests per minute, 0 = unlimited
	TimeoutSeconds int         `json:"timeout_seconds"`      // 1-300, default 30
	Concurrency    Concurrency `json:"concurrency,omitempty"`
}

// Kind classifies a capability's operation shape.
type Kind string

// Capability kinds.
const (
	KindAction    Kind = "action"
	KindQuery     Kind = "query"
	KindStream    Kind = "stream"
	KindTransform Kind = "transform"
	KindValidate  Kind = "validate"
)

// validKinds are the accepted capability kinds.
var validKinds = map[Kind]bool{
	KindAction:    true,
	KindQuery:     true,
	KindStream:    true,
	KindTransform: true,
	KindValidate:  true,
}

// Concurrency declares how a capability tolerates concurrent invocation.
type Concurrency string

// Concurrency modes.
const (
	// ConcurrencyConcurrent means the handler is safe under concurrent
	// calls. This is the default.
	ConcurrencyConcurrent Concurrency = "concurrent"

	// ConcurrencyExclusive means invocations of this capability are
	// serialized by the execution engine.
	ConcurrencyExclusive Concurrency = "exclusive"
)

// SandboxConfig declares resource and allow-list limits for a plugin's
// sandboxed execution.
type SandboxConfig struct {
	MaxMemoryBytes int64    `json:"max_memory_bytes,omitempty"` // 0 = kernel default
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`  // Registration wall-clock bound, 0 = kernel default
	AllowedModules []string `json:"allowed_modules,omitempty"`  // External modules the plugin may require
}

// Timeout bounds for capabilities.
const (
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 300
	DefaultTimeoutSeconds = 30
)

// idPattern validates plugin ids: alphanumeric plus underscore and hyphen.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// Parse parses raw manifest JSON and validates it against the bundle
// identifier the manifest was found under. It is a pure function: no I/O, no
// side effects. All semantic checks run to completion and every violation is
// reported together in a single *ValidationError.
func Parse(raw []byte, bundleID string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		verr := &ValidationError{}
		verr.Add("manifest is not valid JSON: %v", err)
		return nil, verr
	}

	m.applyDefaults()

	if err := m.validate(bundleID); err != nil {
		return nil, err
	}
	return &m, nil
}

// applyDefaults fills in optional fields.
func (m *Manifest) applyDefaults() {
	for i := range m.Capabilities {
		c := &m.Capabilities[i]
		if c.TimeoutSeconds == 0 {
			c.TimeoutSeconds = DefaultTimeoutSeconds
		}
		if c.Concurrency == "" {
			c.Concurrency = ConcurrencyConcurrent
		}
	}
}

// validate runs every semantic check and accumulates all violations.
func (m *Manifest) validate(bundleID string) error {
	errs := &ValidationError{}

	if m.ID == "" {
		errs.Add("id is required")
	} else {
		if !idPattern.MatchString(m.ID) {
			errs.Add("id %q must contain only alphanumerics, underscore, or hyphen", m.ID)
		}
		if bundleID != "" && m.ID != bundleID {
			errs.Add("id %q does not match bundle identifier %q", m.ID, bundleID)
		}
	}

	if m.Name == "" {
		errs.Add("name is required")
	}

	if m.Version == "" {
		errs.Add("version is required")
	} else if !semverPattern.MatchString(m.Version) {
		errs.Add("version %q is not valid semver", m.Version)
	}

	if len(m.Capabilities) == 0 {
		errs.Add("at least one capability is required")
	}

	prefix := m.ID + "."
	seen := make(map[string]bool, len(m.Capabilities))
	for i, c := range m.Capabilities {
		if c.ID == "" {
			errs.Add("capability %d: id is required", i)
			continue
		}
		if m.ID != "" && (len(c.ID) <= len(prefix) || c.ID[:len(prefix)] != prefix) {
			errs.Add("capability %q: id must be prefixed with %q", c.ID, prefix)
		}
		if seen[c.ID] {
			errs.Add("capability %q: duplicate id", c.ID)
		}
		seen[c.ID] = true

		if c.Kind != "" && !validKinds[c.Kind] {
			errs.Add("capability %q: unknown kind %q", c.ID, c.Kind)
		}
		if c.TimeoutSeconds < MinTimeoutSeconds || c.TimeoutSeconds > MaxTimeoutSeconds {
			errs.Add("capability %q: timeout_seconds %d out of range [%d, %d]",
				c.ID, c.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
		}
		if c.RateLimit < 0 {
			errs.Add("capability %q: rate_limit must not be negative", c.ID)
		}
		if c.Concurrency != ConcurrencyConcurrent && c.Concurrency != ConcurrencyExclusive {
			errs.Add("capability %q: unknown concurrency mode %q", c.ID, c.Concurrency)
		}
	}

	if m.Sandbox.MaxMemoryBytes < 0 {
		errs.Add("sandbox_config: max_memory_bytes must not be negative")
	}
	if m.Sandbox.TimeoutSeconds < 0 {
		errs.Add("sandbox_config: timeout_seconds must not be negative")
	}

	return errs.AsError()
}

// Capability returns the declared capability with the given id.
func (m *Manifest) Capability(id string) (Capability, bool) {
	for _, c := range m.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// CapabilityIDs returns the declared capability ids in manifest order.
func (m *Manifest) CapabilityIDs() []string {
	ids := make([]string, len(m.Capabilities))
	for i, c := range m.Capabilities {
		ids[i] = c.ID
	}
	return ids
}

// String returns a short identity string for logging.
func (m *Manifest) String() string {
	return m.ID + " v" + m.Version
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.Capabilities != nil {
		clone.Capabilities = make([]Capability, len(m.Capabilities))
		copy(clone.Capabilities, m.Capabilities)
	}
	if m.Dependencies != nil {
		clone.Dependencies = make([]string, len(m.Dependencies))
		copy(clone.Dependencies, m.Dependencies)
	}
	if m.Sandbox.AllowedModules != nil {
		clone.Sandbox.AllowedModules = make([]string, len(m.Sandbox.AllowedModules))
		copy(clone.Sandbox.AllowedModules, m.Sandbox.AllowedModules)
	}

	return &clone
}
