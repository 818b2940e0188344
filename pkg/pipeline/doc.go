// Package pipeline assembles the convergence pipeline from the engine
// primitives and its external collaborators.
//
// The Orchestrator registers the fixed task sequence
//
//	load-dependencies → load-configurations → lint → authenticate →
//	provision-backend → publish-modules → publish-configurations →
//	verify-compilation → provision-instances → wait-convergence →
//	verify-convergence
//
// each task depending on its predecessor, and runs the dependency closure of
// the requested entry points. Verification stages go through the Reporter,
// which writes <reports>/<tag>-results.xml and uploads it when a destination
// is configured.
//
// Run returns the process exit code: 0 on success, the failed-test count of a
// failed verification stage, or ExitStructural for anything else.
package pipeline
