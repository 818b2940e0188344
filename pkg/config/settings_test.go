package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/convergence/pkg/engine"
)

func TestLoadSettings_Defaults(t *testing.T) {
	root := t.TempDir()

	s, err := LoadSettings(root, nil)
	require.NoError(t, err)

	assert.Equal(t, root, s.BuildRoot)
	assert.Equal(t, filepath.Join(root, "reports"), s.ReportsDir)
	assert.Equal(t, filepath.Join(root, "modules"), s.ModulesDir)
	assert.Equal(t, filepath.Join(root, ".converge", "history.db"), s.HistoryPath)
	assert.Equal(t, []string{"configurations/**/*.cue"}, s.ConfigurationPatterns)
	assert.Equal(t, 20*time.Minute, s.Polling.CompilationTimeout)
	assert.Equal(t, "info", s.Telemetry.Logging.Level)
	assert.Equal(t, filepath.Join(root, "reports", "unit-results.xml"), s.ReportPath("unit"))
}

func TestLoadSettings_FileEnvAndOverrides(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, SettingsFileName, `
reports_dir: out/reports
report_destination: s3://ci-reports/convergence
configuration_patterns:
  - dsc/**/*.cue
credentials:
  application_id: app-1
  tenant_id: tenant-1
polling:
  compilation_interval: 5s
  compilation_timeout: 2m
telemetry:
  logging:
    level: debug
`)
	t.Setenv("CONVERGE_CREDENTIALS_SECRET", "s3cr3t")
	t.Setenv("CONVERGE_POLLING_CONVERGENCE_TIMEOUT", "90m")
	t.Setenv("CONVERGE_EXCLUDE_PATTERNS", "dsc/drafts/**,dsc/legacy/**")

	s, err := LoadSettings(root, map[string]interface{}{
		"telemetry.logging.level": "warn",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "out", "reports"), s.ReportsDir)
	assert.Equal(t, "s3://ci-reports/convergence", s.ReportDestination)
	assert.Equal(t, []string{"dsc/**/*.cue"}, s.ConfigurationPatterns)
	assert.Equal(t, []string{"dsc/drafts/**", "dsc/legacy/**"}, s.ExcludePatterns)
	assert.Equal(t, 5*time.Second, s.Polling.CompilationInterval)
	assert.Equal(t, 2*time.Minute, s.Polling.CompilationTimeout)
	assert.Equal(t, 90*time.Minute, s.Polling.ConvergenceTimeout)
	assert.Equal(t, "warn", s.Telemetry.Logging.Level)

	creds := s.Credentials.Engine()
	assert.Equal(t, "app-1", creds.ApplicationID)
	assert.Equal(t, "s3cr3t", creds.Secret)
	assert.Equal(t, "tenant-1", creds.TenantID)
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"timeout shorter than interval", "polling:\n  extraction_interval: 5m\n  extraction_timeout: 1m\n"},
		{"bad endpoint", "automation:\n  endpoint: not a url\n"},
		{"bad log level", "telemetry:\n  logging:\n    level: chatty\n"},
		{"malformed yaml", "reports_dir: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, root, SettingsFileName, tt.content)

			_, err := LoadSettings(root, nil)
			require.Error(t, err)
			assert.True(t, engine.IsInput(err), "expected input error, got %v", err)
		})
	}
}
