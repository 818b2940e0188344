// Package suite runs tagged Starlark test suites against a pipeline run and
// writes JUnit XML reports.
//
// Suites are plain .star files. Besides the Starlark universe they can use:
//
//	configurations   list of struct(name, environments, imports, parameters, source)
//	modules          list of struct(name, version, source)
//	instances        list of struct(name, id, configuration, environment, address)
//	run              struct(id, build_root, account_id)
//	assert_eq, assert_ne, assert_true, assert_false, assert_contains, fail, skip
//	compliance(configuration, environment)  node compliance state, e.g. "Compliant"
//
// Tests run one at a time, each on its own Starlark thread with a timeout.
// Assertion failures and runtime errors both count as failed tests.
package suite
