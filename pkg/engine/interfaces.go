package engine

import (
	"context"
	"io"
)

// ManifestReader resolves the modules a configuration depends on from module manifests.
type ManifestReader interface {
	// RequiredModules returns the modules, including transitive requirements,
	// that the configuration needs.
	RequiredModules(ctx context.Context, cfg Configuration) ([]RequiredModule, error)
}

// ConfigurationLoader discovers configuration artifacts under the build root.
type ConfigurationLoader interface {
	Load(ctx context.Context, buildRoot string) ([]Configuration, error)
}

// PolicyLinter checks configuration metadata and the required modules they
// import against lint rules.
type PolicyLinter interface {
	Lint(ctx context.Context, configs []Configuration, modules []RequiredModule) (*LintResult, error)
}

// LintViolation is one rule a configuration broke.
type LintViolation struct {
	Rule          string `json:"rule"`
	Configuration string `json:"configuration,omitempty"`
	Message       string `json:"message"`
	Severity      string `json:"severity"`
}

// LintResult is the outcome of linting a configuration set.
type LintResult struct {
	// Passed is false when any violation has error or critical severity.
	Passed     bool            `json:"passed"`
	Violations []LintViolation `json:"violations,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
}

// AutomationService is the remote service configurations are published to.
//
// Publish calls start remote work; the corresponding query methods report whether
// that work has finished. Query methods return (false, state, nil) while the work is
// in progress, a transient error for temporary failures, and a permanent error when
// the remote work itself failed.
type AutomationService interface {
	// EnsureAccount creates the automation account for a run if it does not exist.
	EnsureAccount(ctx context.Context, session *Session, runID string) (accountID string, err error)

	// DeleteAccount removes the automation account and everything published to it.
	DeleteAccount(ctx context.Context, session *Session, accountID string) error

	// PublishModule uploads a module to the account.
	PublishModule(ctx context.Context, session *Session, accountID string, module RequiredModule) error

	// ModuleExtracted reports whether the module has finished extracting.
	ModuleExtracted(ctx context.Context, session *Session, accountID string, module RequiredModule) (bool, string, error)

	// PublishConfiguration uploads a configuration and starts its compilation.
	PublishConfiguration(ctx context.Context, session *Session, accountID string, cfg Configuration) error

	// CompilationFinished reports whether the configuration has finished compiling.
	CompilationFinished(ctx context.Context, session *Session, accountID string, cfg Configuration) (bool, string, error)

	// NodeCompliance reports the convergence state of the node for an instance.
	NodeCompliance(ctx context.Context, session *Session, accountID string, instance string) (ComplianceState, error)
}

// Authenticator exchanges credentials for a session.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Session, error)
}

// InstanceProvisioner creates and bootstraps test compute instances.
type InstanceProvisioner interface {
	// Provision creates the instance for one (configuration, environment) pair and
	// bootstraps it against the automation account. It blocks until done; progress
	// is written to out.
	Provision(ctx context.Context, session *Session, accountID string, req ProvisionRequest, out io.Writer) (*Instance, error)

	// Deprovision deletes an instance.
	Deprovision(ctx context.Context, session *Session, inst Instance) error
}

// TestRunner executes tests matching a tag and writes a JUnit XML report.
type TestRunner interface {
	Run(ctx context.Context, run *PipelineRun, tag string, reportPath string) (*TestSummary, error)
}

// ReportUploader copies a local report to a destination URI.
type ReportUploader interface {
	Upload(ctx context.Context, destination string, localPath string) error
}

// EnvironmentPreparer readies the process environment before any task runs.
type EnvironmentPreparer interface {
	Prepare(ctx context.Context, run *PipelineRun) error
}
