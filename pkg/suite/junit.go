package suite

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// JUnit XML as consumed by CI systems (Jenkins, GitLab, Azure Pipelines).
type junitTestSuites struct {
	XMLName  xml.Name         `xml:"testsuites"`
	Name     string           `xml:"name,attr"`
	Tests    int              `xml:"tests,attr"`
	Failures int              `xml:"failures,attr"`
	Errors   int              `xml:"errors,attr"`
	Skipped  int              `xml:"skipped,attr"`
	Time     string           `xml:"time,attr"`
	Suites   []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      string          `xml:"time,attr"`
	Timestamp string          `xml:"timestamp,attr"`
	File      string          `xml:"file,attr,omitempty"`
	Cases     []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Error     *junitMessage `xml:"error,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Body    string `xml:",chardata"`
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

// buildReport converts results into the JUnit document for one tag.
func buildReport(tag string, results []SuiteResult) junitTestSuites {
	name := tag
	if name == "" {
		name = "all"
	}
	doc := junitTestSuites{Name: name}

	var total time.Duration
	for _, sr := range results {
		suite := junitTestSuite{
			Name:      sr.Name,
			Time:      seconds(sr.Duration),
			Timestamp: sr.Started.UTC().Format(time.RFC3339),
			File:      sr.File,
		}
		for _, c := range sr.Cases {
			tc := junitTestCase{
				Name:      c.Name,
				Classname: strings.ReplaceAll(c.Suite, "/", "."),
				Time:      seconds(c.Duration),
				SystemOut: c.Output,
			}
			switch c.Outcome {
			case OutcomeFailed:
				tc.Failure = &junitMessage{Message: c.Message, Type: "AssertionError", Body: c.Detail}
				suite.Failures++
			case OutcomeError:
				tc.Error = &junitMessage{Message: c.Message, Type: "EvalError", Body: c.Detail}
				suite.Errors++
			case OutcomeSkipped:
				tc.Skipped = &junitMessage{Message: c.Message}
				suite.Skipped++
			}
			suite.Tests++
			suite.Cases = append(suite.Cases, tc)
		}
		doc.Tests += suite.Tests
		doc.Failures += suite.Failures
		doc.Errors += suite.Errors
		doc.Skipped += suite.Skipped
		doc.Suites = append(doc.Suites, suite)
		total += sr.Duration
	}
	doc.Time = seconds(total)
	return doc
}

// WriteReport writes results as JUnit XML to path, creating parent directories.
// The file is written even when there are no results.
func WriteReport(path, tag string, results []SuiteResult) error {
	doc := buildReport(tag, results)

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append([]byte(xml.Header), append(data, '\n')...), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// ReportCounts reads a JUnit report back and returns its totals. Errors count
// as failures, matching Summarize.
func ReportCounts(path string) (total, failed, skipped int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, 0, err
	}
	var doc junitTestSuites
	if err := xml.Unmarshal(data, &doc); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return doc.Tests, doc.Failures + doc.Errors, doc.Skipped, nil
}
