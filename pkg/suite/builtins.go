package suite

import (
	"context"
	"errors"
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/openfroyo/convergence/pkg/engine"
)

// ComplianceFunc reports the node compliance of the instance provisioned for a
// (configuration, environment) pair.
type ComplianceFunc func(ctx context.Context, configuration, environment string) (engine.ComplianceState, error)

// AssertionError is a test failure raised by an assert_* builtin or fail().
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return e.Message
}

// SkipError marks a test that called skip().
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipped: " + e.Reason
}

const contextKey = "context"

// assertBuiltins returns the assertion builtins predeclared in every suite.
func assertBuiltins(compliance ComplianceFunc) starlark.StringDict {
	return starlark.StringDict{
		"assert_eq":       starlark.NewBuiltin("assert_eq", builtinAssertEq),
		"assert_ne":       starlark.NewBuiltin("assert_ne", builtinAssertNe),
		"assert_true":     starlark.NewBuiltin("assert_true", builtinAssertTrue),
		"assert_false":    starlark.NewBuiltin("assert_false", builtinAssertFalse),
		"assert_contains": starlark.NewBuiltin("assert_contains", builtinAssertContains),
		"fail":            starlark.NewBuiltin("fail", builtinFail),
		"skip":            starlark.NewBuiltin("skip", builtinSkip),
		"compliance":      starlark.NewBuiltin("compliance", complianceBuiltin(compliance)),
	}
}

func failure(msg starlark.String, format string, args ...interface{}) error {
	text := fmt.Sprintf(format, args...)
	if msg != "" {
		text = string(msg) + ": " + text
	}
	return &AssertionError{Message: text}
}

// builtinAssertEq implements assert_eq(got, want, msg="").
func builtinAssertEq(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var got, want starlark.Value
	var msg starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "got", &got, "want", &want, "msg?", &msg); err != nil {
		return nil, err
	}
	eq, err := starlark.Equal(got, want)
	if err != nil {
		return nil, err
	}
	if !eq {
		return nil, failure(msg, "got %s, want %s", got, want)
	}
	return starlark.None, nil
}

// builtinAssertNe implements assert_ne(got, unwanted, msg="").
func builtinAssertNe(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var got, unwanted starlark.Value
	var msg starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "got", &got, "unwanted", &unwanted, "msg?", &msg); err != nil {
		return nil, err
	}
	eq, err := starlark.Equal(got, unwanted)
	if err != nil {
		return nil, err
	}
	if eq {
		return nil, failure(msg, "got %s, which is not allowed", got)
	}
	return starlark.None, nil
}

// builtinAssertTrue implements assert_true(cond, msg="").
func builtinAssertTrue(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond starlark.Value
	var msg starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cond", &cond, "msg?", &msg); err != nil {
		return nil, err
	}
	if !cond.Truth() {
		return nil, failure(msg, "expected a true value, got %s", cond)
	}
	return starlark.None, nil
}

// builtinAssertFalse implements assert_false(cond, msg="").
func builtinAssertFalse(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond starlark.Value
	var msg starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cond", &cond, "msg?", &msg); err != nil {
		return nil, err
	}
	if cond.Truth() {
		return nil, failure(msg, "expected a false value, got %s", cond)
	}
	return starlark.None, nil
}

// builtinAssertContains implements assert_contains(container, item, msg="").
func builtinAssertContains(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var container, item starlark.Value
	var msg starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "container", &container, "item", &item, "msg?", &msg); err != nil {
		return nil, err
	}
	found, err := starlark.Binary(syntax.IN, item, container)
	if err != nil {
		return nil, err
	}
	if !found.Truth() {
		return nil, failure(msg, "%s not found in %s", item, container)
	}
	return starlark.None, nil
}

// builtinFail implements fail(msg).
func builtinFail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
		return nil, err
	}
	return nil, &AssertionError{Message: string(msg)}
}

// builtinSkip implements skip(reason).
func builtinSkip(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var reason starlark.String
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason", &reason); err != nil {
		return nil, err
	}
	return nil, &SkipError{Reason: string(reason)}
}

// complianceBuiltin implements compliance(configuration, environment) and
// returns the state name, e.g. "Compliant".
func complianceBuiltin(fn ComplianceFunc) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var configuration, environment string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "configuration", &configuration, "environment", &environment); err != nil {
			return nil, err
		}
		if fn == nil {
			return nil, errors.New("compliance is not available in this stage")
		}

		ctx, _ := thread.Local(contextKey).(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}
		state, err := fn(ctx, configuration, environment)
		if err != nil {
			return nil, fmt.Errorf("%s(%s, %s): %w", b.Name(), configuration, environment, err)
		}
		return starlark.String(string(state)), nil
	}
}
