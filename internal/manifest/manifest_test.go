package manifest

import (
	"errors"
	"strings"
	"testing"
)

func validManifestJSON() string {
	return `{
		"id": "mail",
		"name": "Mail",
		"version": "1.2.0",
		"author": "Test",
		"description": "Mail operations",
		"capabilities": [
			{
				"id": "mail.send",
				"name": "Send Mail",
				"kind": "action",
				"timeout_seconds": 10
			},
			{
				"id": "mail.search",
				"name": "Search Mail",
				"kind": "query"
			}
		],
		"dependencies": ["contacts"]
	}`
}

func TestParseValid(t *testing.T) {
	m, err := Parse([]byte(validManifestJSON()), "mail")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if m.ID != "mail" {
		t.Errorf("ID = %q, want %q", m.ID, "mail")
	}
	if len(m.Capabilities) != 2 {
		t.Fatalf("len(Capabilities) = %d, want 2", len(m.Capabilities))
	}
	if m.Capabilities[0].TimeoutSeconds != 10 {
		t.Errorf("TimeoutSeconds = %d, want 10", m.Capabilities[0].TimeoutSeconds)
	}
}

func TestParseDefaults(t *testing.T) {
	raw := `{
		"id": "p",
		"name": "P",
		"version": "0.1.0",
		"capabilities": [{"id": "p.run", "name": "Run", "kind": "action"}]
	}`

	m, err := Parse([]byte(raw), "p")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	c := m.Capabilities[0]
	if c.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("TimeoutSeconds = %d, want default %d", c.TimeoutSeconds, DefaultTimeoutSeconds)
	}
	if c.Concurrency != ConcurrencyConcurrent {
		t.Errorf("Concurrency = %q, want %q", c.Concurrency, ConcurrencyConcurrent)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte("{not json"), "p")
	if err == nil {
		t.Fatal("Parse() expected error for invalid JSON")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}

func TestParseBundleIDMismatch(t *testing.T) {
	_, err := Parse([]byte(validManifestJSON()), "billing")
	if err == nil {
		t.Fatal("Parse() expected error for bundle id mismatch")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if !containsViolation(verr, "does not match bundle identifier") {
		t.Errorf("violations missing mismatch report: %v", verr.Violations)
	}
}

func TestParseWrongCapabilityPrefix(t *testing.T) {
	raw := `{
		"id": "billing",
		"name": "Billing",
		"version": "1.0.0",
		"capabilities": [{"id": "payments.charge", "name": "Charge", "kind": "action"}]
	}`

	_, err := Parse([]byte(raw), "billing")
	if err == nil {
		t.Fatal("Parse() expected error for wrong capability prefix")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if !containsViolation(verr, `must be prefixed with "billing."`) {
		t.Errorf("violations missing prefix report: %v", verr.Violations)
	}
}

func TestParseAccumulatesAllViolations(t *testing.T) {
	raw := `{
		"id": "bad id!",
		"version": "not-semver",
		"capabilities": [
			{"id": "other.x", "name": "X", "kind": "bogus", "timeout_seconds": 9999},
			{"id": "other.x", "name": "X", "kind": "action"}
		]
	}`

	_, err := Parse([]byte(raw), "plug")
	if err == nil {
		t.Fatal("Parse() expected error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}

	// id format, bundle mismatch, missing name, bad semver, prefix (x2),
	// bad kind, timeout out of range, duplicate id.
	if len(verr.Violations) < 7 {
		t.Errorf("len(Violations) = %d, want >= 7: %v", len(verr.Violations), verr.Violations)
	}

	for _, want := range []string{
		"alphanumerics",
		"name is required",
		"not valid semver",
		"duplicate id",
		"unknown kind",
		"out of range",
	} {
		if !containsViolation(verr, want) {
			t.Errorf("violations missing %q: %v", want, verr.Violations)
		}
	}
}

func TestParseEmptyCapabilities(t *testing.T) {
	raw := `{"id": "p", "name": "P", "version": "1.0.0", "capabilities": []}`

	_, err := Parse([]byte(raw), "p")
	if err == nil {
		t.Fatal("Parse() expected error for empty capabilities")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if !containsViolation(verr, "at least one capability") {
		t.Errorf("violations missing capability report: %v", verr.Violations)
	}
}

func TestManifestCapabilityLookup(t *testing.T) {
	m, err := Parse([]byte(validManifestJSON()), "mail")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if _, ok := m.Capability("mail.send"); !ok {
		t.Error("Capability(mail.send) not found")
	}
	if _, ok := m.Capability("mail.nope"); ok {
		t.Error("Capability(mail.nope) unexpectedly found")
	}

	ids := m.CapabilityIDs()
	if len(ids) != 2 || ids[0] != "mail.send" || ids[1] != "mail.search" {
		t.Errorf("CapabilityIDs() = %v", ids)
	}
}

func TestManifestClone(t *testing.T) {
	m, err := Parse([]byte(validManifestJSON()), "mail")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	clone := m.Clone()
	clone.Capabilities[0].ID = "mail.changed"
	clone.Dependencies[0] = "changed"

	if m.Capabilities[0].ID != "mail.send" {
		t.Error("Clone() shares capability slice with original")
	}
	if m.Dependencies[0] != "contacts" {
		t.Error("Clone() shares dependency slice with original")
	}
}

func containsViolation(e *ValidationError, substr string) bool {
	for _, v := range e.Violations {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}
