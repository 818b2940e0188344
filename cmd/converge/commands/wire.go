package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/openfroyo/convergence/pkg/automation"
	"github.com/openfroyo/convergence/pkg/cloud"
	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/pipeline"
	"github.com/openfroyo/convergence/pkg/policy"
	"github.com/openfroyo/convergence/pkg/stores"
	"github.com/openfroyo/convergence/pkg/suite"
	"github.com/openfroyo/convergence/pkg/telemetry"
	"github.com/openfroyo/convergence/pkg/transports/ssh"
	"github.com/openfroyo/convergence/pkg/upload"
)

// newLinter creates the policy engine with the policies of the policy dir.
func newLinter(ctx context.Context, settings *config.Settings, logger *telemetry.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return nil, err
	}
	if settings.PolicyDir != "" {
		if err := eng.LoadPolicies(ctx, []string{settings.PolicyDir}); err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", settings.PolicyDir, err)
		}
	}
	return eng, nil
}

// openHistory opens the run history, or returns nil when history is disabled.
func openHistory(ctx context.Context, settings *config.Settings) (*stores.SQLiteStore, error) {
	if settings.HistoryPath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(settings.HistoryPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return stores.Open(ctx, settings.HistoryPath)
}

// buildPipeline wires every collaborator from settings. The returned close
// function releases the history store and flushes telemetry.
func buildPipeline(ctx context.Context, settings *config.Settings, echo io.Writer) (*pipeline.Orchestrator, func(), error) {
	tel, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	logger := tel.Logger

	linter, err := newLinter(ctx, settings, logger)
	if err != nil {
		return nil, nil, err
	}

	automationClient, err := automation.NewClient(settings.Automation.Endpoint,
		automation.WithLocation(settings.Automation.Location))
	if err != nil {
		return nil, nil, err
	}

	sshConfig := ssh.DefaultConfig("", settings.Compute.SSHUser)
	sshConfig.Port = settings.Compute.SSHPort
	sshConfig.PrivateKeyPath = settings.Compute.SSHKeyPath
	if settings.Compute.KnownHostsPath != "" {
		sshConfig.KnownHostsPath = settings.Compute.KnownHostsPath
		sshConfig.StrictHostKeyChecking = true
	}

	provisioner := &cloud.Provisioner{
		Endpoint:           settings.Compute.Endpoint,
		Size:               settings.Compute.Size,
		AutomationEndpoint: settings.Automation.Endpoint,
		BootstrapScript:    settings.Compute.BootstrapScript,
		SSH:                *sshConfig,
		PollInterval:       settings.Polling.ProvisioningInterval,
		PollTimeout:        settings.Polling.ProvisioningTimeout,
		Logger:             logger.NewComponentLogger("cloud").Zerolog(),
	}

	tests := suite.NewRunner(settings.SuitesDir, nil, logger.Zerolog())

	deps := pipeline.Collaborators{
		Manifests:     config.NewManifestReader(settings.ModulesDir),
		Loader:        config.NewCUELoader(settings.ConfigurationPatterns, settings.ExcludePatterns),
		Linter:        linter,
		Automation:    automationClient,
		Authenticator: cloud.NewAuthenticator(settings.Credentials.TokenURL, settings.Credentials.Scopes),
		Provisioner:   provisioner,
		Tests:         tests,
		Uploader: upload.New(upload.S3Config{
			Region:          settings.Upload.Region,
			Endpoint:        settings.Upload.Endpoint,
			Profile:         settings.Upload.Profile,
			AccessKeyID:     settings.Upload.AccessKeyID,
			SecretAccessKey: settings.Upload.SecretAccessKey,
			UsePathStyle:    settings.Upload.UsePathStyle,
		}, logger.NewComponentLogger("upload").Zerolog()),
	}

	opts := []pipeline.Option{pipeline.WithTelemetry(tel)}
	if echo != nil {
		opts = append(opts, pipeline.WithEcho(echo))
	}

	history, err := openHistory(ctx, settings)
	if err != nil {
		return nil, nil, err
	}
	if history != nil {
		opts = append(opts, pipeline.WithHistory(history))
	}

	orch, err := pipeline.New(settings, deps, opts...)
	if err != nil {
		if history != nil {
			_ = history.Close()
		}
		return nil, nil, err
	}
	tests.Compliance = orch.Compliance

	closeFn := func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to shut down telemetry")
		}
		if history != nil {
			if err := history.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close run history")
			}
		}
	}
	return orch, closeFn, nil
}
