// Package config loads everything a pipeline run reads from the build root.
//
// # Settings
//
// LoadSettings merges defaults, an optional converge.yaml, CONVERGE_* environment
// variables and caller overrides with viper, then validates the result:
//
//	settings, err := config.LoadSettings(buildRoot, map[string]interface{}{
//	    "report_destination": "s3://ci-reports/convergence",
//	})
//
// Nested keys map to environment variables with underscores, so
// polling.compilation_timeout is CONVERGE_POLLING_COMPILATION_TIMEOUT.
//
// # Configurations
//
// CUELoader implements engine.ConfigurationLoader. Files are discovered with
// doublestar patterns relative to the build root and each file's `configuration`
// block is checked against the built-in #Configuration schema before decoding.
// A null environment survives loading as "" so that provisioning rejects it
// with the configuration named.
//
// # Modules
//
// ManifestReader implements engine.ManifestReader over modules/<name>/module.yaml
// files and follows `requires` transitively. ResolveAll merges the modules of a
// whole configuration set.
package config
