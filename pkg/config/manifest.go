package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/convergence/pkg/engine"
)

// ManifestFileName is the manifest inside every module directory.
const ManifestFileName = "module.yaml"

// ManifestReader resolves required modules from modules/<name>/module.yaml.
//
// Example manifest:
//
//	name: iis
//	version: 2.1.0
//	source: https://gallery.example.com/modules/iis
//	requires:
//	  - name: netsecurity
//	    version: 1.4.0
type ManifestReader struct {
	// ModulesDir holds one directory per module.
	ModulesDir string

	validator *validator.Validate
}

// NewManifestReader creates a reader over modulesDir.
func NewManifestReader(modulesDir string) *ManifestReader {
	return &ManifestReader{ModulesDir: modulesDir, validator: validator.New()}
}

// ReadManifest loads and validates the manifest of one module.
func (r *ManifestReader) ReadManifest(name string) (*ModuleManifest, error) {
	path := filepath.Join(r.ModulesDir, name, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.NewInputError(fmt.Sprintf("module manifest not found: %s", path), err).WithSubject(name)
		}
		return nil, engine.NewInputError("failed to read module manifest", err).WithSubject(name)
	}
	return r.parse(data, name, path)
}

// Installed reads and validates the manifest of every module directory under
// ModulesDir, sorted by name. Hidden directories and plain files are skipped.
// A missing ModulesDir yields no modules.
func (r *ManifestReader) Installed(ctx context.Context) ([]*ModuleManifest, error) {
	entries, err := os.ReadDir(r.ModulesDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewInputError("failed to read modules directory", err).WithSubject(r.ModulesDir)
	}

	var manifests []*ModuleManifest
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := r.ReadManifest(e.Name())
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func (r *ManifestReader) parse(data []byte, name, path string) (*ModuleManifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, engine.NewInputError(fmt.Sprintf("module manifest is empty: %s", path), nil).WithSubject(name)
	}

	var m ModuleManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, engine.NewInputError(fmt.Sprintf("failed to parse %s", path), err).WithSubject(name)
	}
	if err := r.validator.Struct(m); err != nil {
		return nil, engine.NewInputError(fmt.Sprintf("invalid module manifest %s", path), err).WithSubject(name)
	}
	if m.Name != name {
		return nil, engine.NewInputError(
			fmt.Sprintf("manifest %s declares module %q, expected %q", path, m.Name, name), nil).WithSubject(name)
	}
	return &m, nil
}

// RequiredModules implements engine.ManifestReader. It walks the imports of cfg
// breadth-first through each manifest's requires list and returns every module
// once, in discovery order, with the version its manifest provides.
func (r *ManifestReader) RequiredModules(ctx context.Context, cfg engine.Configuration) ([]engine.RequiredModule, error) {
	var (
		modules []engine.RequiredModule
		queue   = append([]string{}, cfg.Imports...)
		seen    = make(map[string]bool)
		wanted  = make(map[string]engine.RequiredModule)
	)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		m, err := r.ReadManifest(name)
		if err != nil {
			return nil, fmt.Errorf("configuration %s: %w", cfg.Name, err)
		}
		if w, ok := wanted[name]; ok && isExactVersion(w.Version) && w.Version != m.Version {
			return nil, engine.NewInputError(
				fmt.Sprintf("module %s is pinned to %s but %s provides %s", name, w.Version, r.ModulesDir, m.Version), nil).
				WithSubject(cfg.Name)
		}
		modules = append(modules, engine.RequiredModule{Name: m.Name, Version: m.Version, Source: m.Source})
		for _, req := range m.Requires {
			if _, ok := wanted[req.Name]; !ok {
				wanted[req.Name] = req
			}
			queue = append(queue, req.Name)
		}
	}
	return modules, nil
}

// isExactVersion reports whether a constraint pins one version.
func isExactVersion(constraint string) bool {
	return constraint != "" && !strings.ContainsAny(constraint, "<>=~^*, ")
}

// ResolveAll collects the required modules of every configuration, each
// module once, in first-seen order. Two different versions of the same module
// are an input error.
func ResolveAll(ctx context.Context, reader engine.ManifestReader, configs []engine.Configuration) ([]engine.RequiredModule, error) {
	var all []engine.RequiredModule
	index := make(map[string]int)
	for _, cfg := range configs {
		mods, err := reader.RequiredModules(ctx, cfg)
		if err != nil {
			return nil, err
		}
		for _, m := range mods {
			i, ok := index[m.Name]
			if !ok {
				index[m.Name] = len(all)
				all = append(all, m)
				continue
			}
			if all[i].Version != m.Version {
				return nil, engine.NewInputError(
					fmt.Sprintf("module %s required at %s and %s", m.Name, all[i].Version, m.Version), nil).
					WithSubject(cfg.Name)
			}
		}
	}
	return all, nil
}
