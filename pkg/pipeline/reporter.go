package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/telemetry"
)

// Reporter runs a verification stage and turns its counts into a report
// artifact, a tally entry and a pass/fail outcome.
type Reporter struct {
	Tests    engine.TestRunner
	Uploader engine.ReportUploader
	Settings *config.Settings

	// Telemetry may be nil.
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger
}

// RunVerification runs the tests tagged with tag and writes their report to
// the stage's fixed report path.
//
// The report is uploaded to the configured destination when there is one; an
// upload failure is logged and otherwise ignored. The counts are recorded on
// run. A *engine.VerificationFailedError is returned when any test failed,
// after the report has been written and uploaded.
func (r *Reporter) RunVerification(ctx context.Context, run *engine.PipelineRun, tag string) error {
	reportPath := r.Settings.ReportPath(tag)
	logger := r.Logger.With().Str("stage", tag).Logger()

	summary, err := r.Tests.Run(ctx, run, tag, reportPath)
	if err != nil {
		return fmt.Errorf("failed to run %s tests: %w", tag, err)
	}

	if dest := r.Settings.ReportDestination; dest != "" && r.Uploader != nil {
		if err := r.Uploader.Upload(ctx, dest, reportPath); err != nil {
			logger.Warn().Err(err).Str("destination", dest).Msg("Failed to upload test report")
		} else {
			logger.Info().Str("destination", dest).Msg("Uploaded test report")
		}
	}

	run.RecordVerification(tag, *summary)
	if r.Telemetry != nil {
		r.Telemetry.Metrics.RecordVerification(tag, summary.Total, summary.Passed, summary.Failed)
		_ = r.Telemetry.Events.PublishVerification(run.ID, tag, summary.Total, summary.Passed, summary.Failed)
	}

	event := logger.Info()
	if summary.Failed > 0 {
		event = logger.Error()
	}
	event.
		Int("total", summary.Total).
		Int("passed", summary.Passed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Str("report", reportPath).
		Msg("Verification finished")

	if summary.Failed > 0 {
		return &engine.VerificationFailedError{Stage: tag, Summary: *summary}
	}
	return nil
}
