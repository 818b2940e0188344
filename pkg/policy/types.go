package policy

import (
	"github.com/openfroyo/convergence/pkg/engine"
)

// Severity represents the severity level of a lint violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not fail the lint stage.
	SeverityWarning Severity = "warning"

	// SeverityError fails the lint stage.
	SeverityError Severity = "error"

	// SeverityCritical fails the lint stage.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity fails the lint stage.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a lint rule set written in Rego. A policy defines a deny set in
// its package; every element is one violation.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies compiled into the binary.
	Builtin bool `json:"-"`

	// Source is the file a loaded policy came from.
	Source string `json:"source,omitempty"`
}

// LintInput is the document policies are evaluated against. It is available
// to Rego as input.
type LintInput struct {
	Configurations []ConfigurationInput `json:"configurations"`
	Modules        []ModuleInput        `json:"modules"`
}

// ConfigurationInput is the lint view of one configuration.
type ConfigurationInput struct {
	Name         string                 `json:"name"`
	Environments []string               `json:"environments"`
	Imports      []string               `json:"imports"`
	Parameters   map[string]interface{} `json:"parameters"`
	Source       string                 `json:"source,omitempty"`
}

// ModuleInput is the lint view of one required module.
type ModuleInput struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source,omitempty"`
}

// NewLintInput builds the input document for a configuration set.
func NewLintInput(configs []engine.Configuration, modules []engine.RequiredModule) LintInput {
	in := LintInput{
		Configurations: make([]ConfigurationInput, 0, len(configs)),
		Modules:        make([]ModuleInput, 0, len(modules)),
	}
	for _, c := range configs {
		ci := ConfigurationInput{
			Name:         c.Name,
			Environments: c.Environments,
			Imports:      c.Imports,
			Parameters:   c.Parameters,
			Source:       c.Source,
		}
		if ci.Environments == nil {
			ci.Environments = []string{}
		}
		if ci.Imports == nil {
			ci.Imports = []string{}
		}
		if ci.Parameters == nil {
			ci.Parameters = map[string]interface{}{}
		}
		in.Configurations = append(in.Configurations, ci)
	}
	for _, m := range modules {
		in.Modules = append(in.Modules, ModuleInput{Name: m.Name, Version: m.Version, Source: m.Source})
	}
	return in
}
