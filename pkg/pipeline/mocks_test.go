package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/telemetry"
)

type mockLoader struct {
	configs []engine.Configuration
	err     error
}

func (m *mockLoader) Load(ctx context.Context, buildRoot string) ([]engine.Configuration, error) {
	return m.configs, m.err
}

type mockManifests struct {
	modules map[string][]engine.RequiredModule
}

func (m *mockManifests) RequiredModules(ctx context.Context, cfg engine.Configuration) ([]engine.RequiredModule, error) {
	return m.modules[cfg.Name], nil
}

type mockLinter struct {
	result *engine.LintResult
	err    error
	calls  int
}

func (m *mockLinter) Lint(ctx context.Context, configs []engine.Configuration, modules []engine.RequiredModule) (*engine.LintResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.result == nil {
		return &engine.LintResult{Passed: true}, nil
	}
	return m.result, nil
}

type mockAuthenticator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, creds engine.Credentials) (*engine.Session, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &engine.Session{TenantID: creds.TenantID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type mockAutomation struct {
	mu             sync.Mutex
	accountID      string
	ensureErr      error
	published      []string
	extracted      bool
	compliance     engine.ComplianceState
	deletedAccount string
	complianceHits int
}

func newMockAutomation() *mockAutomation {
	return &mockAutomation{accountID: "acct-1", extracted: true, compliance: engine.ComplianceCompliant}
}

func (m *mockAutomation) EnsureAccount(ctx context.Context, session *engine.Session, runID string) (string, error) {
	if m.ensureErr != nil {
		return "", m.ensureErr
	}
	return m.accountID, nil
}

func (m *mockAutomation) DeleteAccount(ctx context.Context, session *engine.Session, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedAccount = accountID
	return nil
}

func (m *mockAutomation) PublishModule(ctx context.Context, session *engine.Session, accountID string, module engine.RequiredModule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, "module:"+module.Name)
	return nil
}

func (m *mockAutomation) ModuleExtracted(ctx context.Context, session *engine.Session, accountID string, module engine.RequiredModule) (bool, string, error) {
	if m.extracted {
		return true, "Succeeded", nil
	}
	return false, "Extracting", nil
}

func (m *mockAutomation) PublishConfiguration(ctx context.Context, session *engine.Session, accountID string, cfg engine.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, "configuration:"+cfg.Name)
	return nil
}

func (m *mockAutomation) CompilationFinished(ctx context.Context, session *engine.Session, accountID string, cfg engine.Configuration) (bool, string, error) {
	return true, "Completed", nil
}

func (m *mockAutomation) NodeCompliance(ctx context.Context, session *engine.Session, accountID string, instance string) (engine.ComplianceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complianceHits++
	return m.compliance, nil
}

type mockProvisioner struct {
	mu            sync.Mutex
	failLegs      map[string]bool
	deprovisioned []string
}

func (m *mockProvisioner) Provision(ctx context.Context, session *engine.Session, accountID string, req engine.ProvisionRequest, out io.Writer) (*engine.Instance, error) {
	leg := req.Configuration.LegName(req.Environment)
	fmt.Fprintf(out, "provisioning %s\n", leg)
	if m.failLegs[leg] {
		return nil, engine.NewPermanentError("bootstrap failed", nil).WithSubject(leg)
	}
	return &engine.Instance{
		Name:          req.InstanceName(),
		Configuration: req.Configuration.Name,
		Environment:   req.Environment,
	}, nil
}

func (m *mockProvisioner) Deprovision(ctx context.Context, session *engine.Session, inst engine.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deprovisioned = append(m.deprovisioned, inst.Name)
	return nil
}

// mockTests writes a placeholder report and returns the summary configured
// for each tag; unconfigured tags pass with a single test.
type mockTests struct {
	summaries map[string]engine.TestSummary
	tags      []string
}

func (m *mockTests) Run(ctx context.Context, run *engine.PipelineRun, tag, reportPath string) (*engine.TestSummary, error) {
	m.tags = append(m.tags, tag)
	if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(reportPath, []byte("<testsuites/>"), 0o644); err != nil {
		return nil, err
	}
	summary, ok := m.summaries[tag]
	if !ok {
		summary = engine.TestSummary{Total: 1, Passed: 1}
	}
	return &summary, nil
}

type mockUploader struct {
	uploads []string
	err     error
}

func (m *mockUploader) Upload(ctx context.Context, destination, localPath string) error {
	m.uploads = append(m.uploads, localPath)
	return m.err
}

// fixture bundles an orchestrator with its mocks.
type fixture struct {
	settings    *config.Settings
	loader      *mockLoader
	manifests   *mockManifests
	linter      *mockLinter
	auth        *mockAuthenticator
	automation  *mockAutomation
	provisioner *mockProvisioner
	tests       *mockTests
	uploader    *mockUploader
	telemetry   *telemetry.Telemetry
	events      *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (l *eventLog) handle(e telemetry.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) count(eventType string) int {
	n := 0
	for _, t := range l.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func newTestSettings(t *testing.T) *config.Settings {
	t.Helper()
	root := t.TempDir()
	s := config.DefaultSettings()
	s.BuildRoot = root
	s.ReportsDir = filepath.Join(root, "reports")
	s.ModulesDir = filepath.Join(root, "modules")
	s.SuitesDir = filepath.Join(root, "tests")
	s.HistoryPath = ""
	s.ReportDestination = "file:///srv/reports"
	s.Credentials = config.CredentialSettings{ApplicationID: "app", Secret: "secret", TenantID: "tenant"}
	s.Polling = config.PollingSettings{
		ExtractionInterval:   time.Millisecond,
		ExtractionTimeout:    50 * time.Millisecond,
		CompilationInterval:  time.Millisecond,
		CompilationTimeout:   50 * time.Millisecond,
		ProvisioningInterval: time.Millisecond,
		ProvisioningTimeout:  50 * time.Millisecond,
		ConvergenceInterval:  time.Millisecond,
		ConvergenceTimeout:   50 * time.Millisecond,
	}
	return s
}

func newTestTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetryWithLogger(cfg, telemetry.NewLoggerWithWriter(cfg.Logging, io.Discard))
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		settings: newTestSettings(t),
		loader: &mockLoader{configs: []engine.Configuration{
			{Name: "web", Environments: []string{"WinA"}, Imports: []string{"iis"}},
			{Name: "db", Environments: []string{"WinB"}},
		}},
		manifests: &mockManifests{modules: map[string][]engine.RequiredModule{
			"web": {{Name: "iis", Version: "2.1.0"}},
		}},
		linter:      &mockLinter{},
		auth:        &mockAuthenticator{},
		automation:  newMockAutomation(),
		provisioner: &mockProvisioner{failLegs: map[string]bool{}},
		tests:       &mockTests{summaries: map[string]engine.TestSummary{}},
		uploader:    &mockUploader{},
		telemetry:   newTestTelemetry(t),
		events:      &eventLog{},
	}
	f.telemetry.Events.Subscribe(f.events.handle, nil)
	return f
}

func (f *fixture) collaborators() Collaborators {
	return Collaborators{
		Manifests:     f.manifests,
		Loader:        f.loader,
		Linter:        f.linter,
		Automation:    f.automation,
		Authenticator: f.auth,
		Provisioner:   f.provisioner,
		Tests:         f.tests,
		Uploader:      f.uploader,
	}
}

func (f *fixture) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithTelemetry(f.telemetry)}, opts...)
	o, err := New(f.settings, f.collaborators(), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

var errBoom = errors.New("boom")
