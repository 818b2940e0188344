package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/convergence/pkg/engine"
)

// CUELoader discovers configuration files under a build root and decodes their
// `configuration` block.
//
// A configuration file is a standalone CUE file:
//
//	configuration: {
//		name:         "webserver"
//		environments: ["WindowsServer2019", "WindowsServer2022"]
//		imports:      ["iis", "firewall"]
//		parameters: siteName: "default"
//	}
//
// Files matched by the include patterns that do not define `configuration` are
// skipped, so shared CUE definitions can live next to configurations.
type CUELoader struct {
	Includes []string
	Excludes []string

	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewCUELoader creates a loader for the given discovery patterns.
func NewCUELoader(includes, excludes []string) *CUELoader {
	ctx := cuecontext.New()
	return &CUELoader{
		Includes:  includes,
		Excludes:  excludes,
		ctx:       ctx,
		schemas:   NewSchemaRegistry(ctx),
		validator: validator.New(),
	}
}

// Load implements engine.ConfigurationLoader. Every file is checked before any
// error is returned, and all problems are reported together as an input error.
func (l *CUELoader) Load(ctx context.Context, buildRoot string) ([]engine.Configuration, error) {
	files, err := Discover(buildRoot, l.Includes, l.Excludes)
	if err != nil {
		return nil, engine.NewInputError("invalid configuration pattern", err)
	}

	var (
		configs []engine.Configuration
		errs    ValidationErrors
		names   = make(map[string]string)
	)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfg, fileErrs := l.LoadFile(file)
		if len(fileErrs) > 0 {
			errs = append(errs, fileErrs...)
			continue
		}
		if cfg == nil {
			continue
		}
		if prev, dup := names[cfg.Name]; dup {
			errs = append(errs, ValidationError{
				File:    file,
				Path:    "configuration.name",
				Message: fmt.Sprintf("configuration %q is already defined in %s", cfg.Name, prev),
			})
			continue
		}
		names[cfg.Name] = file
		configs = append(configs, *cfg)
	}

	if len(errs) > 0 {
		return nil, engine.NewInputError(fmt.Sprintf("%d invalid configuration file(s)", len(errs)), errs)
	}
	if len(configs) == 0 {
		return nil, engine.NewInputError(fmt.Sprintf("no configurations found under %s", buildRoot), nil).
			WithDetail("patterns", l.Includes)
	}
	return configs, nil
}

// LoadFile decodes one configuration file. It returns nil and no errors for a
// file without a configuration block.
func (l *CUELoader) LoadFile(path string) (*engine.Configuration, ValidationErrors) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationErrors{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}
	return l.parse(string(content), path)
}

// ParseInline decodes configuration content that did not come from a file.
func (l *CUELoader) ParseInline(content string) (*engine.Configuration, ValidationErrors) {
	return l.parse(content, "inline")
}

func (l *CUELoader) parse(content, source string) (*engine.Configuration, ValidationErrors) {
	val := l.ctx.CompileString(content, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	block := val.LookupPath(cue.ParsePath("configuration"))
	if !block.Exists() {
		return nil, nil
	}

	unified, err := l.schemas.Validate("configuration", block)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var doc ConfigurationDocument
	if err := unified.Decode(&doc); err != nil {
		return nil, ValidationErrors{{File: source, Path: "configuration", Message: fmt.Sprintf("failed to decode: %v", err)}}
	}
	if err := l.validator.Struct(doc); err != nil {
		return nil, ValidationErrors{{File: source, Path: "configuration", Message: err.Error()}}
	}

	if source != "inline" {
		if abs, err := filepath.Abs(source); err == nil {
			source = abs
		}
	}
	cfg := doc.Configuration(source)
	return &cfg, nil
}

// convertCUEErrors flattens a CUE error list into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	return out
}
