package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/telemetry"
)

// SettingsFileName is the optional settings file looked up in the build root.
const SettingsFileName = "converge.yaml"

// EnvPrefix prefixes every environment variable override, e.g.
// CONVERGE_CREDENTIALS_SECRET or CONVERGE_POLLING_COMPILATION_TIMEOUT.
const EnvPrefix = "CONVERGE"

// Settings is the complete pipeline configuration.
type Settings struct {
	// BuildRoot is the directory holding configurations, modules and suites.
	BuildRoot string `mapstructure:"build_root" validate:"required"`

	// ReportsDir receives the JUnit XML reports, relative to the build root unless absolute.
	ReportsDir string `mapstructure:"reports_dir" validate:"required"`

	// ReportDestination is where reports are uploaded (s3://bucket/prefix or file:///dir).
	// Empty disables upload.
	ReportDestination string `mapstructure:"report_destination" validate:"omitempty,uri"`

	// ConfigurationPatterns select configuration files under the build root.
	ConfigurationPatterns []string `mapstructure:"configuration_patterns" validate:"min=1,dive,required"`

	// ExcludePatterns drop matched configuration files.
	ExcludePatterns []string `mapstructure:"exclude_patterns"`

	// ModulesDir holds one directory with a module.yaml per module.
	ModulesDir string `mapstructure:"modules_dir" validate:"required"`

	// PolicyDir holds additional .rego lint policies. Empty uses only built-in policies.
	PolicyDir string `mapstructure:"policy_dir"`

	// SuitesDir holds the Starlark test suites.
	SuitesDir string `mapstructure:"suites_dir" validate:"required"`

	// HistoryPath is the SQLite run-history database. Empty disables history.
	HistoryPath string `mapstructure:"history_path"`

	Credentials CredentialSettings `mapstructure:"credentials"`
	Automation  AutomationSettings `mapstructure:"automation"`
	Compute     ComputeSettings    `mapstructure:"compute"`
	Upload      UploadSettings     `mapstructure:"upload"`
	Polling     PollingSettings    `mapstructure:"polling"`
	Telemetry   telemetry.Config   `mapstructure:"telemetry"`
}

// CredentialSettings are the client credentials used by every session.
type CredentialSettings struct {
	ApplicationID string   `mapstructure:"application_id"`
	Secret        string   `mapstructure:"secret"`
	TenantID      string   `mapstructure:"tenant_id"`
	TokenURL      string   `mapstructure:"token_url" validate:"omitempty,url"`
	Scopes        []string `mapstructure:"scopes"`
}

// Engine returns the credentials in the form carried by a PipelineRun.
func (c CredentialSettings) Engine() engine.Credentials {
	return engine.Credentials{
		ApplicationID: c.ApplicationID,
		Secret:        c.Secret,
		TenantID:      c.TenantID,
	}
}

// AutomationSettings locate the remote automation service.
type AutomationSettings struct {
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
	Location string `mapstructure:"location"`
}

// ComputeSettings configure test instance provisioning and bootstrap.
type ComputeSettings struct {
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	Size            string `mapstructure:"size"`
	SSHUser         string `mapstructure:"ssh_user"`
	SSHKeyPath      string `mapstructure:"ssh_key_path"`
	SSHPort         int    `mapstructure:"ssh_port" validate:"min=1,max=65535"`
	KnownHostsPath  string `mapstructure:"known_hosts_path"`
	BootstrapScript string `mapstructure:"bootstrap_script"`
}

// UploadSettings configure the S3 report uploader.
type UploadSettings struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// PollingSettings are the interval and deadline of every remote poll.
type PollingSettings struct {
	ExtractionInterval   time.Duration `mapstructure:"extraction_interval" validate:"gt=0"`
	ExtractionTimeout    time.Duration `mapstructure:"extraction_timeout" validate:"gtfield=ExtractionInterval"`
	CompilationInterval  time.Duration `mapstructure:"compilation_interval" validate:"gt=0"`
	CompilationTimeout   time.Duration `mapstructure:"compilation_timeout" validate:"gtfield=CompilationInterval"`
	ProvisioningInterval time.Duration `mapstructure:"provisioning_interval" validate:"gt=0"`
	ProvisioningTimeout  time.Duration `mapstructure:"provisioning_timeout" validate:"gtfield=ProvisioningInterval"`
	ConvergenceInterval  time.Duration `mapstructure:"convergence_interval" validate:"gt=0"`
	ConvergenceTimeout   time.Duration `mapstructure:"convergence_timeout" validate:"gtfield=ConvergenceInterval"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() *Settings {
	return &Settings{
		BuildRoot:             ".",
		ReportsDir:            "reports",
		ConfigurationPatterns: []string{"configurations/**/*.cue"},
		ModulesDir:            "modules",
		SuitesDir:             "tests",
		HistoryPath:           ".converge/history.db",
		Compute: ComputeSettings{
			Size:            "Standard_B2s",
			SSHUser:         "converge",
			SSHPort:         22,
			BootstrapScript: "bootstrap/register-node.sh",
		},
		Upload: UploadSettings{
			Region: "us-east-1",
		},
		Polling: PollingSettings{
			ExtractionInterval:   10 * time.Second,
			ExtractionTimeout:    10 * time.Minute,
			CompilationInterval:  15 * time.Second,
			CompilationTimeout:   20 * time.Minute,
			ProvisioningInterval: 15 * time.Second,
			ProvisioningTimeout:  30 * time.Minute,
			ConvergenceInterval:  30 * time.Second,
			ConvergenceTimeout:   45 * time.Minute,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// setDefaults registers every key with v so environment variables can override it.
func setDefaults(v *viper.Viper, d *Settings) {
	v.SetDefault("build_root", d.BuildRoot)
	v.SetDefault("reports_dir", d.ReportsDir)
	v.SetDefault("report_destination", d.ReportDestination)
	v.SetDefault("configuration_patterns", d.ConfigurationPatterns)
	v.SetDefault("exclude_patterns", append([]string{}, d.ExcludePatterns...))
	v.SetDefault("modules_dir", d.ModulesDir)
	v.SetDefault("policy_dir", d.PolicyDir)
	v.SetDefault("suites_dir", d.SuitesDir)
	v.SetDefault("history_path", d.HistoryPath)

	v.SetDefault("credentials.application_id", d.Credentials.ApplicationID)
	v.SetDefault("credentials.secret", d.Credentials.Secret)
	v.SetDefault("credentials.tenant_id", d.Credentials.TenantID)
	v.SetDefault("credentials.token_url", d.Credentials.TokenURL)
	v.SetDefault("credentials.scopes", append([]string{}, d.Credentials.Scopes...))

	v.SetDefault("automation.endpoint", d.Automation.Endpoint)
	v.SetDefault("automation.location", d.Automation.Location)

	v.SetDefault("compute.endpoint", d.Compute.Endpoint)
	v.SetDefault("compute.size", d.Compute.Size)
	v.SetDefault("compute.ssh_user", d.Compute.SSHUser)
	v.SetDefault("compute.ssh_key_path", d.Compute.SSHKeyPath)
	v.SetDefault("compute.ssh_port", d.Compute.SSHPort)
	v.SetDefault("compute.known_hosts_path", d.Compute.KnownHostsPath)
	v.SetDefault("compute.bootstrap_script", d.Compute.BootstrapScript)

	v.SetDefault("upload.region", d.Upload.Region)
	v.SetDefault("upload.endpoint", d.Upload.Endpoint)
	v.SetDefault("upload.profile", d.Upload.Profile)
	v.SetDefault("upload.access_key_id", d.Upload.AccessKeyID)
	v.SetDefault("upload.secret_access_key", d.Upload.SecretAccessKey)
	v.SetDefault("upload.use_path_style", d.Upload.UsePathStyle)

	v.SetDefault("polling.extraction_interval", d.Polling.ExtractionInterval)
	v.SetDefault("polling.extraction_timeout", d.Polling.ExtractionTimeout)
	v.SetDefault("polling.compilation_interval", d.Polling.CompilationInterval)
	v.SetDefault("polling.compilation_timeout", d.Polling.CompilationTimeout)
	v.SetDefault("polling.provisioning_interval", d.Polling.ProvisioningInterval)
	v.SetDefault("polling.provisioning_timeout", d.Polling.ProvisioningTimeout)
	v.SetDefault("polling.convergence_interval", d.Polling.ConvergenceInterval)
	v.SetDefault("polling.convergence_timeout", d.Polling.ConvergenceTimeout)

	v.SetDefault("telemetry.environment", d.Telemetry.Environment)
	v.SetDefault("telemetry.logging.level", d.Telemetry.Logging.Level)
	v.SetDefault("telemetry.logging.format", d.Telemetry.Logging.Format)
	v.SetDefault("telemetry.logging.output", d.Telemetry.Logging.Output)
	v.SetDefault("telemetry.tracing.enabled", d.Telemetry.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", d.Telemetry.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", d.Telemetry.Tracing.Endpoint)
	v.SetDefault("telemetry.metrics.enabled", d.Telemetry.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", d.Telemetry.Metrics.ListenAddress)
}

// LoadSettings reads settings for the given build root.
//
// Precedence, highest first: overrides (usually CLI flags), CONVERGE_*
// environment variables, converge.yaml in the build root, defaults. The
// settings file is optional. Relative paths are resolved against the build root.
func LoadSettings(buildRoot string, overrides map[string]interface{}) (*Settings, error) {
	defaults := DefaultSettings()
	if buildRoot != "" {
		defaults.BuildRoot = buildRoot
	}

	v := viper.New()
	setDefaults(v, defaults)

	v.SetConfigFile(filepath.Join(defaults.BuildRoot, SettingsFileName))
	if err := v.ReadInConfig(); err != nil && !isMissingFile(err) {
		return nil, engine.NewInputError("failed to read settings file", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range overrides {
		v.Set(key, value)
	}

	settings := defaults
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(settings, hook); err != nil {
		return nil, engine.NewInputError("failed to decode settings", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings.resolvePaths()
	return settings, nil
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// Validate checks struct constraints and the embedded telemetry settings.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return engine.NewInputError("invalid settings", err)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return engine.NewInputError("invalid telemetry settings", err)
	}
	return nil
}

func (s *Settings) resolvePaths() {
	root, err := filepath.Abs(s.BuildRoot)
	if err == nil {
		s.BuildRoot = root
	}
	for _, p := range []*string{&s.ReportsDir, &s.ModulesDir, &s.PolicyDir, &s.SuitesDir, &s.HistoryPath, &s.Compute.BootstrapScript} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(s.BuildRoot, *p)
		}
	}
}

// ReportPath returns the report file of a verification stage.
func (s *Settings) ReportPath(tag string) string {
	return filepath.Join(s.ReportsDir, fmt.Sprintf("%s-results.xml", tag))
}
