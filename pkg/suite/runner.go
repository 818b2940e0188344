package suite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Outcome is the result of one test function.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// CaseResult is one executed test function.
type CaseResult struct {
	Suite    string
	Name     string
	Tags     []string
	Outcome  Outcome
	Message  string
	Detail   string
	Output   string
	Duration time.Duration
}

// SuiteResult groups the cases of one suite file.
type SuiteResult struct {
	Name     string
	File     string
	Cases    []CaseResult
	Started  time.Time
	Duration time.Duration
}

// Runner executes tagged Starlark test suites and writes JUnit XML reports.
// It implements engine.TestRunner.
//
// A suite is a .star file under Dir. Every top-level function whose name starts
// with test_ and takes no parameters is a test. The file's `tags` global lists
// the tags of all its tests; a `test_tags` dict overrides them per test:
//
//	tags = ["unit"]
//	test_tags = {"test_nodes_compliant": ["convergence"]}
//
//	def test_every_configuration_has_environments():
//	    for cfg in configurations:
//	        assert_true(len(cfg.environments) > 0, cfg.name)
//
//	def test_nodes_compliant():
//	    for inst in instances:
//	        assert_eq(compliance(inst.configuration, inst.environment), "Compliant")
//
// Suites see the run through the frozen globals configurations, modules,
// instances and run.
type Runner struct {
	// Dir holds the suite files.
	Dir string

	// Compliance backs the compliance() builtin. When nil, calling it is an error.
	Compliance ComplianceFunc

	// Timeout bounds each test function. Zero means 30 seconds.
	Timeout time.Duration

	Logger zerolog.Logger
}

// NewRunner creates a runner over dir.
func NewRunner(dir string, compliance ComplianceFunc, logger zerolog.Logger) *Runner {
	return &Runner{
		Dir:        dir,
		Compliance: compliance,
		Timeout:    30 * time.Second,
		Logger:     logger.With().Str("component", "suite").Logger(),
	}
}

// Run executes every test tagged with tag (all tests when tag is empty),
// writes a JUnit XML report to reportPath and returns the counts.
//
// Test failures are reported in the summary, not as an error. An error is
// returned only when a suite cannot be loaded or the report cannot be written.
func (r *Runner) Run(ctx context.Context, run *engine.PipelineRun, tag, reportPath string) (*engine.TestSummary, error) {
	start := time.Now()
	results, err := r.Execute(ctx, run, tag)
	if err != nil {
		return nil, err
	}

	summary := Summarize(results)
	summary.Duration = time.Since(start)

	if err := WriteReport(reportPath, tag, results); err != nil {
		return nil, err
	}

	r.Logger.Info().
		Str("tag", tag).
		Int("total", summary.Total).
		Int("passed", summary.Passed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Str("report", reportPath).
		Msg("Test suites finished")
	return &summary, nil
}

// Execute runs the matching tests without writing a report. Suites without a
// matching test are omitted from the result.
func (r *Runner) Execute(ctx context.Context, run *engine.PipelineRun, tag string) ([]SuiteResult, error) {
	files, err := r.suiteFiles()
	if err != nil {
		return nil, err
	}

	globals, err := runGlobals(run)
	if err != nil {
		return nil, engine.NewPermanentError("failed to expose run to suites", err)
	}
	for name, fn := range assertBuiltins(r.Compliance) {
		globals[name] = fn
	}

	var results []SuiteResult
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := r.runSuite(ctx, file, tag, globals)
		if err != nil {
			return nil, err
		}
		if len(res.Cases) > 0 {
			results = append(results, *res)
		}
	}
	return results, nil
}

func (r *Runner) suiteFiles() ([]string, error) {
	if _, err := os.Stat(r.Dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.Logger.Warn().Str("dir", r.Dir).Msg("Suite directory does not exist")
			return nil, nil
		}
		return nil, engine.NewPermanentError("failed to read suite directory", err)
	}

	matches, err := doublestar.Glob(os.DirFS(r.Dir), "**/*.star", doublestar.WithFilesOnly())
	if err != nil {
		return nil, engine.NewPermanentError("failed to list suites", err)
	}
	sort.Strings(matches)

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, filepath.Join(r.Dir, filepath.FromSlash(m)))
	}
	return files, nil
}

// testFunc is one discovered test with its tags.
type testFunc struct {
	fn   *starlark.Function
	tags []string
}

func (r *Runner) runSuite(ctx context.Context, file, tag string, predeclared starlark.StringDict) (*SuiteResult, error) {
	name := strings.TrimSuffix(filepath.ToSlash(mustRel(r.Dir, file)), ".star")
	res := &SuiteResult{Name: name, File: file, Started: time.Now()}

	src, err := os.ReadFile(file)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to read suite %s", name), err)
	}

	var out bytes.Buffer
	thread := newThread(ctx, "load "+name, &out)
	globals, err := starlark.ExecFile(thread, file, src, predeclared)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to load suite %s", name), err).WithSubject(file)
	}

	tests, err := discoverTests(globals)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid suite %s", name), err).WithSubject(file)
	}

	for _, t := range tests {
		if tag != "" && !contains(t.tags, tag) {
			continue
		}
		res.Cases = append(res.Cases, r.runCase(ctx, name, t))
	}
	res.Duration = time.Since(res.Started)
	return res, nil
}

func discoverTests(globals starlark.StringDict) ([]testFunc, error) {
	fileTags, err := stringsOf(globals["tags"], "tags")
	if err != nil {
		return nil, err
	}

	overrides := make(map[string][]string)
	if v, ok := globals["test_tags"]; ok {
		dict, ok := v.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("test_tags must be a dict, got %s", v.Type())
		}
		for _, item := range dict.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("test_tags keys must be strings")
			}
			tags, err := stringsOf(item[1], "test_tags["+key+"]")
			if err != nil {
				return nil, err
			}
			overrides[key] = tags
		}
	}

	var tests []testFunc
	for name, v := range globals {
		fn, ok := v.(*starlark.Function)
		if !ok || !strings.HasPrefix(name, "test_") {
			continue
		}
		if fn.NumParams() != 0 {
			return nil, fmt.Errorf("test %s must not take parameters", name)
		}
		tags := fileTags
		if o, ok := overrides[name]; ok {
			tags = o
		}
		tests = append(tests, testFunc{fn: fn, tags: tags})
	}

	// Definition order.
	sort.Slice(tests, func(i, j int) bool {
		return tests[i].fn.Position().Line < tests[j].fn.Position().Line
	})
	return tests, nil
}

func (r *Runner) runCase(ctx context.Context, suite string, t testFunc) CaseResult {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	caseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	thread := newThread(caseCtx, suite+"."+t.fn.Name(), &out)
	stop := context.AfterFunc(caseCtx, func() {
		thread.Cancel(caseCtx.Err().Error())
	})
	defer stop()

	start := time.Now()
	_, err := starlark.Call(thread, t.fn, nil, nil)

	res := CaseResult{
		Suite:    suite,
		Name:     t.fn.Name(),
		Tags:     t.tags,
		Outcome:  OutcomePassed,
		Output:   out.String(),
		Duration: time.Since(start),
	}

	var (
		assertErr *AssertionError
		skipErr   *SkipError
		evalErr   *starlark.EvalError
	)
	switch {
	case err == nil:
	case errors.As(err, &skipErr):
		res.Outcome = OutcomeSkipped
		res.Message = skipErr.Reason
	case errors.As(err, &assertErr):
		res.Outcome = OutcomeFailed
		res.Message = assertErr.Message
	default:
		res.Outcome = OutcomeError
		res.Message = err.Error()
	}
	if err != nil && errors.As(err, &evalErr) {
		res.Detail = evalErr.Backtrace()
	}

	event := r.Logger.Debug()
	if res.Outcome == OutcomeFailed || res.Outcome == OutcomeError {
		event = r.Logger.Warn()
	}
	event.Str("suite", suite).Str("test", res.Name).Str("outcome", string(res.Outcome)).Str("message", res.Message).Msg("Test finished")
	return res
}

func newThread(ctx context.Context, name string, out *bytes.Buffer) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			out.WriteString(msg)
			out.WriteByte('\n')
		},
	}
	thread.SetLocal(contextKey, ctx)
	return thread
}

// Summarize totals the cases. Errored tests count as failed.
func Summarize(results []SuiteResult) engine.TestSummary {
	var s engine.TestSummary
	for _, suite := range results {
		for _, c := range suite.Cases {
			s.Total++
			switch c.Outcome {
			case OutcomePassed:
				s.Passed++
			case OutcomeSkipped:
				s.Skipped++
			default:
				s.Failed++
			}
		}
	}
	return s
}

func stringsOf(v starlark.Value, what string) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings, got %s", what, v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	var out []string
	var x starlark.Value
	for iter.Next(&x) {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, fmt.Errorf("%s must be a list of strings, got element %s", what, x.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func mustRel(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}
