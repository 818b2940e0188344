// Package policy lints configuration metadata with Open Policy Agent.
//
// Lint rules are Rego policies. Every policy defines a deny set in its
// package; each element is a violation, either a message string or an
// object:
//
//	{"message": "...", "configuration": "web", "severity": "error"}
//
// Policies are evaluated once per lint against a single input document
// holding every configuration and required module:
//
//	input.configurations[_].name
//	input.configurations[_].environments
//	input.configurations[_].imports
//	input.configurations[_].parameters
//	input.modules[_].name
//	input.modules[_].version
//
// Violations with error or critical severity fail the lint stage; warnings
// and info are reported only.
//
// # Built-in Policies
//
//  1. configuration-naming - name charset, length and uniqueness
//  2. environments - at least one non-empty environment, no duplicates
//  3. parameter-secrets - no literal secrets in compile parameters
//  4. module-pinning - imports resolve and module versions are exact
//
// # Custom Policies
//
// Extra policies are loaded from .rego and .json files in the policy
// directory. A .rego file is named after the file; its default severity is
// warning unless the leading comment block carries a severity line:
//
//	# Production configurations must set a maintenance window.
//	# severity: error
//	package custom.maintenance
//
//	import rego.v1
//
//	deny contains violation if {
//	    some cfg in input.configurations
//	    not cfg.parameters.maintenance_window
//	    violation := {"message": "missing maintenance window", "configuration": cfg.name}
//	}
//
// # Hot Reload
//
// The loader watches policy paths and hands freshly loaded policies to a
// callback, which converge lint --watch uses to re-lint on every change:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.SetPolicies(ctx, policies)
//	})
package policy
