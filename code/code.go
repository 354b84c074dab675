// Package code exposes a pooled session through a minimal code executor
// interface, for callers that only want to run a snippet and read its output.
package code

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/execpool/core"
)

// Executor defines the interface for executing code snippets.
type Executor interface {
	// Execute runs the given code snippet and returns the output or an error.
	Execute(ctx context.Context, code string) (string, error)
}

// Runner is the part of the pool an Executor needs.
type Runner interface {
	RunInSession(ctx context.Context, key, owner string, work core.Payload) (*core.ExecutionResult, error)
}

// ExitError reports a snippet that ran but exited unsuccessfully.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return fmt.Sprintf("exit code %d: %s", e.Code, strings.TrimSpace(e.Stderr))
}

// Bind returns an Executor that runs every snippet in the pooled session key.
func Bind(r Runner, key, owner string, optFns ...func(o *Options)) Executor {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &sessionExecutor{runner: r, key: key, owner: owner, opts: opts}
}

// Options configure a bound executor.
type Options struct {
	// Language is passed to the backend as a hint.
	Language string
}

type sessionExecutor struct {
	runner Runner
	key    string
	owner  string
	opts   Options
}

// Execute runs code and returns stdout. A non-zero exit is returned as
// *ExitError together with whatever stdout was produced.
func (e *sessionExecutor) Execute(ctx context.Context, code string) (string, error) {
	res, err := e.runner.RunInSession(ctx, e.key, e.owner, core.Payload{Code: code, Language: e.opts.Language})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Stdout, &ExitError{Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res.Stdout, nil
}
