package engine

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
)

// TaskAction is the unit of work a task performs. It receives the run explicitly
// instead of reaching for package state.
type TaskAction func(ctx context.Context, run *PipelineRun) error

// Task is a named, orderable unit of pipeline work with declared dependencies.
type Task struct {
	// Name is the unique task name.
	Name string `json:"name"`

	// Synopsis is a one-line human-readable description.
	Synopsis string `json:"synopsis"`

	// Depends lists the names of tasks that must complete successfully first.
	Depends []string `json:"depends,omitempty"`

	// Action performs the work. A nil action is a no-op grouping task.
	Action TaskAction `json:"-"`
}

// RequiredModule is one external dependency package a configuration needs.
type RequiredModule struct {
	// Name is the module name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is the version constraint, e.g. "1.2.0" or ">=1.0".
	Version string `json:"version" yaml:"version" validate:"required"`

	// Source is where the module package is fetched from.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// String returns name@version.
func (m RequiredModule) String() string {
	return fmt.Sprintf("%s@%s", m.Name, m.Version)
}

// Configuration is one discovered configuration artifact to be validated.
type Configuration struct {
	// Name is the configuration name.
	Name string `json:"name" validate:"required"`

	// Environments are the target-environment identifiers (e.g. OS variants)
	// the configuration is deployed against. Empty identifiers are invalid.
	Environments []string `json:"environments" validate:"required,min=1"`

	// Imports names the modules the configuration requires.
	Imports []string `json:"imports,omitempty"`

	// Parameters are passed through to the automation service at compile time.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Source is the file the configuration was loaded from.
	Source string `json:"source,omitempty"`
}

// LegName returns the job name used for one (configuration, environment) pair.
func (c Configuration) LegName(environment string) string {
	return fmt.Sprintf("%s-%s", c.Name, environment)
}

// Credentials identify the pipeline to the cloud identity provider.
type Credentials struct {
	ApplicationID string `json:"application_id" validate:"required"`
	Secret        string `json:"-" validate:"required"`
	TenantID      string `json:"tenant_id" validate:"required"`
}

// Session is an authenticated context. Sessions are never shared between
// concurrent legs; each leg authenticates on its own.
type Session struct {
	// Client is an HTTP client that attaches the session token to requests.
	Client *http.Client

	// TenantID is the tenant the session was issued for.
	TenantID string

	// ExpiresAt is when the underlying token expires.
	ExpiresAt time.Time
}

// Instance is a provisioned test compute instance.
type Instance struct {
	Name          string `json:"name"`
	ID            string `json:"id"`
	Configuration string `json:"configuration"`
	Environment   string `json:"environment"`
	Address       string `json:"address,omitempty"`
}

// ProvisionRequest describes one fan-out leg.
type ProvisionRequest struct {
	RunID         string
	Configuration Configuration
	Environment   string
}

// InstanceName returns the deterministic instance name for the request.
func (r ProvisionRequest) InstanceName() string {
	short := r.RunID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s", short, r.Configuration.LegName(r.Environment))
}

// TestSummary holds the pass/fail counts of one verification stage.
type TestSummary struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// PipelineRun is the explicit context object shared by every task and leg.
//
// The configuration and module sets are written once by the loading tasks on the
// control goroutine and are read-only afterwards. Fan-out legs only read ID,
// BuildRoot and Credentials.
type PipelineRun struct {
	ID          string
	BuildRoot   string
	Credentials Credentials
	StartedAt   time.Time
	Status      RunStatus

	// AccountID is the automation account created by the backend task.
	AccountID string

	configurations []Configuration
	modules        []RequiredModule
	instances      []Instance
	tally          map[string]TestSummary
	stages         []string
}

// NewPipelineRun creates a run with a fresh ID.
func NewPipelineRun(buildRoot string, creds Credentials) *PipelineRun {
	return &PipelineRun{
		ID:          uuid.New().String(),
		BuildRoot:   buildRoot,
		Credentials: creds,
		StartedAt:   time.Now(),
		Status:      RunStatusPending,
		tally:       make(map[string]TestSummary),
	}
}

// SetConfigurations records the discovered configuration set. It may only be called once.
func (r *PipelineRun) SetConfigurations(configs []Configuration) error {
	if r.configurations != nil {
		return NewStructuralError("configuration set already loaded", nil)
	}
	r.configurations = append(make([]Configuration, 0, len(configs)), configs...)
	return nil
}

// Configurations returns a copy of the discovered configuration set.
func (r *PipelineRun) Configurations() []Configuration {
	return append([]Configuration(nil), r.configurations...)
}

// SetModules records the discovered module set. It may only be called once.
func (r *PipelineRun) SetModules(modules []RequiredModule) error {
	if r.modules != nil {
		return NewStructuralError("module set already loaded", nil)
	}
	r.modules = append(make([]RequiredModule, 0, len(modules)), modules...)
	return nil
}

// Modules returns a copy of the discovered module set.
func (r *PipelineRun) Modules() []RequiredModule {
	return append([]RequiredModule(nil), r.modules...)
}

// AddInstance records a provisioned instance for teardown.
func (r *PipelineRun) AddInstance(inst Instance) {
	r.instances = append(r.instances, inst)
}

// Instances returns the provisioned instances in the order they were recorded.
func (r *PipelineRun) Instances() []Instance {
	return append([]Instance(nil), r.instances...)
}

// RecordVerification stores the summary of a verification stage.
func (r *PipelineRun) RecordVerification(stage string, summary TestSummary) {
	if r.tally == nil {
		r.tally = make(map[string]TestSummary)
	}
	if _, seen := r.tally[stage]; !seen {
		r.stages = append(r.stages, stage)
	}
	r.tally[stage] = summary
}

// Verification returns the summary recorded for a stage.
func (r *PipelineRun) Verification(stage string) (TestSummary, bool) {
	s, ok := r.tally[stage]
	return s, ok
}

// Tally returns the cumulative counts across all verification stages.
func (r *PipelineRun) Tally() TestSummary {
	var total TestSummary
	for _, s := range r.tally {
		total.Total += s.Total
		total.Passed += s.Passed
		total.Failed += s.Failed
		total.Skipped += s.Skipped
		total.Duration += s.Duration
	}
	return total
}

// Stages returns the verification stages in the order they first reported.
func (r *PipelineRun) Stages() []string {
	out := append([]string(nil), r.stages...)
	return out
}

// ModuleNames returns the sorted names of the discovered modules.
func (r *PipelineRun) ModuleNames() []string {
	names := make([]string, 0, len(r.modules))
	for _, m := range r.modules {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}
