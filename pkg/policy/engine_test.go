package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func validConfig() engine.Configuration {
	return engine.Configuration{
		Name:         "WebServer",
		Environments: []string{"ubuntu-22.04", "windows-2022"},
		Imports:      []string{"nginx"},
		Parameters:   map[string]interface{}{"port": 443, "site_name": "example"},
	}
}

func validModules() []engine.RequiredModule {
	return []engine.RequiredModule{{Name: "nginx", Version: "1.4.2"}}
}

func findViolation(result *engine.LintResult, rule, fragment string) *engine.LintViolation {
	for i := range result.Violations {
		v := &result.Violations[i]
		if v.Rule == rule && strings.Contains(v.Message, fragment) {
			return v
		}
	}
	return nil
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"configuration-naming", "environments", "module-pinning", "parameter-secrets"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Expected %s to be marked built-in", name)
		}
	}
}

func TestLintValidConfiguration(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Lint(context.Background(), []engine.Configuration{validConfig()}, validModules())
	if err != nil {
		t.Fatalf("Lint failed: %v", err)
	}
	if !result.Passed {
		t.Errorf("Expected lint to pass, got violations: %+v", result.Violations)
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations, got %+v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", result.Warnings)
	}
}

func TestLintBuiltinRules(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		modify     func(*engine.Configuration, *[]engine.RequiredModule)
		extra      []engine.Configuration
		rule       string
		fragment   string
		severity   Severity
		wantPassed bool
	}{
		{
			name: "name too long",
			modify: func(c *engine.Configuration, _ *[]engine.RequiredModule) {
				c.Name = "A" + strings.Repeat("b", MaxConfigurationNameLength)
			},
			rule:     "configuration-naming",
			fragment: "exceeds 64 characters",
			severity: SeverityError,
		},
		{
			name: "name with invalid characters",
			modify: func(c *engine.Configuration, _ *[]engine.RequiredModule) {
				c.Name = "web server"
			},
			rule:     "configuration-naming",
			fragment: "must start with a letter",
			severity: SeverityError,
		},
		{
			name:     "duplicate configuration name",
			modify:   func(c *engine.Configuration, _ *[]engine.RequiredModule) {},
			extra:    []engine.Configuration{{Name: "webserver", Environments: []string{"ubuntu-22.04"}}},
			rule:     "configuration-naming",
			fragment: "declared more than once",
			severity: SeverityError,
		},
		{
			name: "no environments",
			modify: func(c *engine.Configuration, _ *[]engine.RequiredModule) {
				c.Environments = nil
			},
			rule:     "environments",
			fragment: "targets no environments",
			severity: SeverityError,
		},
		{
			name: "empty environment",
			modify: func(c *engine.Configuration, _ *[]engine.RequiredModule) {
				c.Environments = []string{"ubuntu-22.04", " "}
			},
			rule:     "environments",
			fragment: "empty environment identifier",
			severity: SeverityError,
		},
		{
			name: "duplicate environment",
			modify: func(c *engine.Configuration, _ *[]engine.RequiredModule) {
				c.Environments = []string{"ubuntu-22.04", "ubuntu-22.04"}
			},
			rule:       "environments",
			fragment:   "more than once",
			severity:   SeverityWarning,
			wantPassed: true,
		},
		{
			name: "literal secret parameter",
			modify: func(c *engine.Configuration, _ *[]engine.RequiredModule) {
				c.Parameters["AdminPassword"] = "hunter2"
			},
			rule:     "parameter-secrets",
			fragment: "AdminPassword",
			severity: SeverityError,
		},
		{
			name: "undeclared import",
			modify: func(c *engine.Configuration, _ *[]engine.RequiredModule) {
				c.Imports = append(c.Imports, "iis")
			},
			rule:     "module-pinning",
			fragment: "imports module 'iis'",
			severity: SeverityError,
		},
		{
			name: "unpinned module version",
			modify: func(_ *engine.Configuration, m *[]engine.RequiredModule) {
				(*m)[0].Version = ">=1.4"
			},
			rule:       "module-pinning",
			fragment:   "not pinned",
			severity:   SeverityWarning,
			wantPassed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			modules := validModules()
			tt.modify(&cfg, &modules)
			configs := append([]engine.Configuration{cfg}, tt.extra...)

			result, err := eng.Lint(context.Background(), configs, modules)
			if err != nil {
				t.Fatalf("Lint failed: %v", err)
			}

			v := findViolation(result, tt.rule, tt.fragment)
			if v == nil {
				t.Fatalf("Expected %s violation containing %q, got %+v", tt.rule, tt.fragment, result.Violations)
			}
			if v.Severity != string(tt.severity) {
				t.Errorf("Expected severity %s, got %s", tt.severity, v.Severity)
			}
			if result.Passed != tt.wantPassed {
				t.Errorf("Expected passed=%v, got %v", tt.wantPassed, result.Passed)
			}
		})
	}
}

func TestLintSecretParameterAllowsReferences(t *testing.T) {
	eng := newTestEngine(t)

	cfg := validConfig()
	cfg.Parameters["AdminPassword"] = map[string]interface{}{"credential": "admin"}
	cfg.Parameters["token_ttl"] = 3600

	result, err := eng.Lint(context.Background(), []engine.Configuration{cfg}, validModules())
	if err != nil {
		t.Fatalf("Lint failed: %v", err)
	}
	if v := findViolation(result, "parameter-secrets", ""); v != nil {
		t.Errorf("Expected no secret violation for non-string values, got %+v", v)
	}
}

func TestLintViolationsAreOrdered(t *testing.T) {
	eng := newTestEngine(t)

	configs := []engine.Configuration{
		{Name: "zeta", Environments: nil},
		{Name: "alpha", Environments: nil},
	}

	result, err := eng.Lint(context.Background(), configs, nil)
	if err != nil {
		t.Fatalf("Lint failed: %v", err)
	}
	if len(result.Violations) < 2 {
		t.Fatalf("Expected at least 2 violations, got %d", len(result.Violations))
	}
	if result.Violations[0].Configuration != "alpha" {
		t.Errorf("Expected violations for alpha first, got %s", result.Violations[0].Configuration)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	cfg := validConfig()
	cfg.Parameters["api_key"] = "abc123"

	if err := eng.DisablePolicy("parameter-secrets"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := eng.Lint(context.Background(), []engine.Configuration{cfg}, validModules())
	if err != nil {
		t.Fatalf("Lint failed: %v", err)
	}
	if !result.Passed {
		t.Errorf("Expected lint to pass with policy disabled, got %+v", result.Violations)
	}

	if err := eng.EnablePolicy("parameter-secrets"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.Lint(context.Background(), []engine.Configuration{cfg}, validModules())
	if err != nil {
		t.Fatalf("Lint failed: %v", err)
	}
	if result.Passed {
		t.Error("Expected lint to fail with policy enabled")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	custom := `# Configurations must declare an owner parameter.
# severity: error
package custom.owner

import rego.v1

deny contains violation if {
	some cfg in input.configurations
	not cfg.parameters.owner
	violation := {"message": sprintf("configuration '%s' has no owner", [cfg.name]), "configuration": cfg.name}
}
`
	if err := os.WriteFile(filepath.Join(dir, "owner.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("owner")
	if err != nil {
		t.Fatalf("Expected owner policy to be loaded: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected severity error from annotation, got %s", p.Severity)
	}

	result, err := eng.Lint(context.Background(), []engine.Configuration{validConfig()}, validModules())
	if err != nil {
		t.Fatalf("Lint failed: %v", err)
	}
	v := findViolation(result, "owner", "has no owner")
	if v == nil {
		t.Fatalf("Expected owner violation, got %+v", result.Violations)
	}
	if v.Configuration != "WebServer" {
		t.Errorf("Expected configuration WebServer, got %s", v.Configuration)
	}
	if result.Passed {
		t.Error("Expected lint to fail")
	}
}

func TestSetPoliciesReplacesCustomPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	first := Policy{Name: "first", Rego: "package custom.first\n\nimport rego.v1\n\ndeny contains \"first\" if { false }", Enabled: true}
	second := Policy{Name: "second", Rego: "package custom.second\n\nimport rego.v1\n\ndeny contains \"second\" if { true }", Enabled: true}

	if err := eng.SetPolicies(ctx, []Policy{first}); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	if err := eng.SetPolicies(ctx, []Policy{second}); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}

	if _, err := eng.GetPolicy("first"); err == nil {
		t.Error("Expected first policy to be replaced")
	}
	if len(eng.ListPolicies()) != len(GetBuiltinPolicies())+1 {
		t.Errorf("Expected built-ins plus one custom policy, got %d", len(eng.ListPolicies()))
	}

	result, err := eng.Lint(ctx, []engine.Configuration{validConfig()}, validModules())
	if err != nil {
		t.Fatalf("Lint failed: %v", err)
	}
	v := findViolation(result, "second", "second")
	if v == nil {
		t.Fatalf("Expected string violation from second policy, got %+v", result.Violations)
	}
	if v.Severity != string(SeverityWarning) {
		t.Errorf("Expected default warning severity, got %s", v.Severity)
	}
	if !result.Passed {
		t.Error("Expected warnings not to fail the lint")
	}
}

func TestSetPoliciesRejectsInvalid(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	keep := Policy{Name: "keep", Rego: "package custom.keep\n\nimport rego.v1\n\ndeny contains \"x\" if { false }", Enabled: true}
	if err := eng.SetPolicies(ctx, []Policy{keep}); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}

	tests := []struct {
		name     string
		policies []Policy
	}{
		{"syntax error", []Policy{{Name: "broken", Rego: "package broken\n\ndeny contains"}}},
		{"shadows built-in", []Policy{{Name: "environments", Rego: "package custom.env\n\nimport rego.v1\n\ndeny contains \"x\" if { false }"}}},
		{"duplicate names", []Policy{keep, keep}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.SetPolicies(ctx, tt.policies); err == nil {
				t.Fatal("Expected error, got nil")
			}
			if _, err := eng.GetPolicy("keep"); err != nil {
				t.Errorf("Expected previous custom policy to survive a failed load: %v", err)
			}
		})
	}
}

func TestLintCancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.Lint(ctx, []engine.Configuration{validConfig()}, validModules()); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
