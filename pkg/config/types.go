package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/convergence/pkg/engine"
)

// ConfigurationDocument is the `configuration` block of a configuration file
// as written by authors, before it becomes an engine.Configuration.
type ConfigurationDocument struct {
	// Name is the configuration name.
	Name string `json:"name" validate:"required"`

	// Environments are the target environments. A null entry is kept so the
	// provisioning stage can reject it with the configuration named.
	Environments []*string `json:"environments"`

	// Imports names the modules the configuration requires.
	Imports []string `json:"imports,omitempty" validate:"dive,required"`

	// Parameters are passed through to compilation.
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Configuration converts the document, mapping null environments to "".
func (d ConfigurationDocument) Configuration(source string) engine.Configuration {
	envs := make([]string, 0, len(d.Environments))
	for _, env := range d.Environments {
		if env == nil {
			envs = append(envs, "")
			continue
		}
		envs = append(envs, *env)
	}
	return engine.Configuration{
		Name:         d.Name,
		Environments: envs,
		Imports:      d.Imports,
		Parameters:   d.Parameters,
		Source:       source,
	}
}

// ModuleManifest is the module.yaml of one module directory.
type ModuleManifest struct {
	// Name is the module name. It must match the directory name.
	Name string `yaml:"name" validate:"required"`

	// Version is the version the module directory provides.
	Version string `yaml:"version" validate:"required"`

	// Source is where the module package is published from.
	Source string `yaml:"source,omitempty"`

	// Description is informational.
	Description string `yaml:"description,omitempty"`

	// Requires lists the modules this module depends on.
	Requires []engine.RequiredModule `yaml:"requires,omitempty" validate:"dive"`
}

// ValidationError represents a problem found while loading configuration metadata.
type ValidationError struct {
	// File is the file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "configuration.environments").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var loc string
	switch {
	case e.File != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.File != "":
		loc = e.File + ": "
	}
	if e.Path != "" {
		return fmt.Sprintf("%s%s: %s", loc, e.Path, e.Message)
	}
	return loc + e.Message
}

// ValidationErrors is every problem found in one load.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}
