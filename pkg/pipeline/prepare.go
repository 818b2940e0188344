package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/engine"
)

// Preparer readies the workspace before the first task runs. It implements
// engine.EnvironmentPreparer.
type Preparer struct {
	Settings *config.Settings
	Logger   zerolog.Logger
}

// Prepare normalises the build root of run to an absolute, symlink-free
// directory, creates the directories the run writes to and installs the
// modules of the build root.
func (p *Preparer) Prepare(ctx context.Context, run *engine.PipelineRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	root, err := normalizeRoot(run.BuildRoot)
	if err != nil {
		return err
	}
	if root != run.BuildRoot {
		p.Logger.Debug().Str("from", run.BuildRoot).Str("to", root).Msg("Normalised build root")
	}
	run.BuildRoot = root

	dirs := []string{p.Settings.ReportsDir}
	if p.Settings.HistoryPath != "" {
		dirs = append(dirs, filepath.Dir(p.Settings.HistoryPath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return engine.NewPermanentError("failed to create directory", err).WithSubject(dir)
		}
	}

	return p.installModules(ctx)
}

// installModules checks that every module under the modules directory has a
// readable, valid manifest, so a broken module fails the run before anything
// is published. Module content is fetched by the automation service from each
// manifest's source when the module is published.
func (p *Preparer) installModules(ctx context.Context) error {
	dir := p.Settings.ModulesDir
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		p.Logger.Warn().Str("modules_dir", dir).Msg("Modules directory not found; configurations must not import modules")
		return nil
	}

	manifests, err := config.NewManifestReader(dir).Installed(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(manifests))
	for _, m := range manifests {
		names = append(names, m.Name+"@"+m.Version)
	}
	p.Logger.Info().Str("modules_dir", dir).Strs("modules", names).Msg("Installed modules")
	return nil
}

func normalizeRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", engine.NewInputError(fmt.Sprintf("invalid build root %q", root), err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", engine.NewInputError(fmt.Sprintf("build root %q is not accessible", root), err).WithSubject(root)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", engine.NewInputError(fmt.Sprintf("build root %q is not accessible", root), err).WithSubject(root)
	}
	if !info.IsDir() {
		return "", engine.NewInputError(fmt.Sprintf("build root %q is not a directory", root), nil).WithSubject(root)
	}
	return resolved, nil
}

var _ engine.EnvironmentPreparer = (*Preparer)(nil)
