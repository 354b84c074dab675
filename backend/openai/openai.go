// Package openai provides a core.Backend on top of OpenAI code interpreter
// containers. Each pooled session is one container; work is executed through
// the Responses API with the code interpreter tool bound to that container.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/hupe1980/execpool/core"
	"github.com/hupe1980/execpool/internal/util"
)

// Name is the backend identifier recorded on sessions.
const Name = "openai"

const instructions = "Run the user's input verbatim with the code interpreter tool. " +
	"Do not modify the code and do not explain the result."

// noRetry is applied to every call. A create or execute that the client
// retried on its own could provision two containers or run work twice; close
// has its own backoff.
var noRetry = option.WithMaxRetries(0)

// Options configure the OpenAI backend.
type Options struct {
	// Model drives the code interpreter tool.
	Model string
	// ExpiresAfterMinutes lets OpenAI expire containers idle longer than this.
	// It should exceed the pool idle TTL so the pool evicts first.
	ExpiresAfterMinutes int64
	// NamePrefix is prepended to container names.
	NamePrefix string
	// APIKey overrides the OPENAI_API_KEY environment variable.
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// CloseRetryMaxElapsed bounds retries of a failed container deletion.
	CloseRetryMaxElapsed time.Duration
}

// Backend creates OpenAI containers.
type Backend struct {
	client *openai.Client
	opts   Options
	hasKey bool
}

var _ core.Backend = (*Backend)(nil)

// New creates a backend using the official client. A missing API key is not
// an error here; Create reports core.ErrMissingCredentials instead.
func New(optFns ...func(o *Options)) *Backend {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	reqOpts := []option.RequestOption{noRetry}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)

	b := newBackend(&client, opts)
	b.hasKey = opts.APIKey != "" || os.Getenv("OPENAI_API_KEY") != ""
	return b
}

// NewFromClient creates a backend from an existing client, which is assumed
// to be configured with credentials. The client's retry policy is overridden
// per call; the backend never lets the client retry a request.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Backend {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	b := newBackend(client, opts)
	b.hasKey = true
	return b
}

func defaultOptions() Options {
	return Options{
		Model:                openai.ChatModelGPT4_1Mini,
		ExpiresAfterMinutes:  60,
		NamePrefix:           "execpool",
		CloseRetryMaxElapsed: 10 * time.Second,
	}
}

func newBackend(client *openai.Client, opts Options) *Backend {
	return &Backend{client: client, opts: opts}
}

// Name implements core.Backend.
func (b *Backend) Name() string { return Name }

// Create implements core.Backend by creating a container.
func (b *Backend) Create(ctx context.Context, req core.CreateRequest) (core.Handle, error) {
	if !b.hasKey {
		return nil, core.ErrMissingCredentials
	}

	params := openai.ContainerNewParams{
		Name: util.NewPrefixedID(b.opts.NamePrefix),
	}
	if b.opts.ExpiresAfterMinutes > 0 {
		params.ExpiresAfter = openai.ContainerNewParamsExpiresAfter{
			Anchor:  "last_active_at",
			Minutes: b.opts.ExpiresAfterMinutes,
		}
	}

	c, err := b.client.Containers.New(ctx, params, noRetry)
	if err != nil {
		return nil, fmt.Errorf("openai: create container: %w", err)
	}
	return &Session{backend: b, id: c.ID}, nil
}

// Session is one OpenAI container.
type Session struct {
	backend *Backend
	id      string
}

var _ core.Handle = (*Session)(nil)

// ID implements core.Handle.
func (s *Session) ID() string { return s.id }

// Ping implements core.Handle. It reads the container metadata; a container
// that OpenAI expired or deleted is reported dead.
func (s *Session) Ping(ctx context.Context) error {
	c, err := s.backend.client.Containers.Get(ctx, s.id, noRetry)
	if err != nil {
		return fmt.Errorf("openai: get container: %w", err)
	}
	switch c.Status {
	case "expired", "deleted":
		return fmt.Errorf("openai: container %s is %s", s.id, c.Status)
	}
	return nil
}

// Execute implements core.Handle.
func (s *Session) Execute(ctx context.Context, work core.Payload) (*core.ExecutionResult, error) {
	params := responses.ResponseNewParams{
		Model:        s.backend.opts.Model,
		Instructions: openai.String(instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(work.Code),
		},
		Tools: []responses.ToolUnionParam{{
			OfCodeInterpreter: &responses.ToolCodeInterpreterParam{
				Container: responses.ToolCodeInterpreterContainerUnionParam{
					OfString: openai.String(s.id),
				},
			},
		}},
	}

	start := time.Now()
	resp, err := s.backend.client.Responses.New(ctx, params, noRetry)
	if err != nil {
		return nil, fmt.Errorf("openai: create response: %w", err)
	}
	if resp.Status == responses.ResponseStatusFailed {
		return nil, fmt.Errorf("openai: response failed: %s", resp.Error.Message)
	}

	res := &core.ExecutionResult{Duration: time.Since(start)}
	var logs []string
	calls := 0
	for _, item := range resp.Output {
		if item.Type != "code_interpreter_call" {
			continue
		}
		calls++
		call := item.AsCodeInterpreterCall()
		if call.Status == "failed" {
			res.ExitCode = 1
		}
		for _, out := range call.Outputs {
			if out.Type == "logs" {
				logs = append(logs, out.Logs)
			}
		}
	}
	if calls == 0 {
		// The model answered without running the tool; surface its text.
		res.Stderr = resp.OutputText()
		res.ExitCode = 1
		return res, nil
	}
	res.Stdout = strings.Join(logs, "")
	return res, nil
}

// Close implements core.Handle by deleting the container. Transient failures
// (rate limits, server errors) are retried with exponential backoff; a
// container that is already gone counts as closed.
func (s *Session) Close(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.backend.opts.CloseRetryMaxElapsed

	op := func() error {
		err := s.backend.client.Containers.Delete(ctx, s.id, noRetry)
		if err == nil {
			return nil
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.StatusCode == http.StatusNotFound:
				return nil
			case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
				return err
			}
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("openai: delete container %s: %w", s.id, err)
	}
	return nil
}
