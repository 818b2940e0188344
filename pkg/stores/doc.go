// Package stores persists the run history of the pipeline.
//
// Each run, the status of its tasks, the outcome of its provisioning legs and
// its event stream are kept in a SQLite database (WAL mode, migrations
// embedded in the binary). The history is written by a Recorder subscribed to
// the telemetry event publisher and read back by converge history.
package stores
