// Package anthropic provides a core.Backend on top of Anthropic's code
// execution tool. A session is one code execution container: the first
// message creates it, and every later message names it explicitly so that
// files and variables persist between calls.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/execpool/core"
)

// Name is the backend identifier recorded on sessions.
const Name = "anthropic"

const (
	system = "You are a code runner. Execute the user's input verbatim with the " +
		"code execution tool exactly once. Do not modify it and do not comment on the result."
	bootstrapCode = "print('ready')"
	pingCode      = "pass"
)

// noRetry is applied to every message. Each message runs code, so a request
// the client retried on its own could execute the same work twice.
var noRetry = option.WithMaxRetries(0)

// ErrContainerExpired is returned by Ping once the container passed the
// expiry reported by the API.
var ErrContainerExpired = errors.New("anthropic: container expired")

// Options configures the Anthropic backend.
type Options struct {
	Model     anthropic.Model
	MaxTokens int64
	APIKey    string
	BaseURL   string
	// ExpiryMargin treats a container as expired this long before the
	// reported expiry, so work is never sent to a container about to vanish.
	ExpiryMargin time.Duration
	// RemotePing makes Ping run a no-op statement in the container instead of
	// only checking the tracked expiry. Each such ping is a full model turn
	// taking several seconds, so pair it with a pool ProbeTimeout of at least
	// 30 seconds.
	RemotePing bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Backend creates Anthropic code execution containers.
type Backend struct {
	client *anthropic.Client
	opts   Options
	hasKey bool
}

var _ core.Backend = (*Backend)(nil)

// New creates a backend using the official client. A missing API key is
// reported by Create as core.ErrMissingCredentials.
func New(optFns ...func(o *Options)) *Backend {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := []option.RequestOption{noRetry}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Backend{
		client: &client,
		opts:   opts,
		hasKey: opts.APIKey != "" || os.Getenv("ANTHROPIC_API_KEY") != "",
	}
}

// NewFromClient creates a backend from an existing, configured client. The
// client's retry policy is overridden per message; requests are never
// retried.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Backend {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Backend{client: client, opts: opts, hasKey: true}
}

func defaultOptions() Options {
	return Options{
		Model:        anthropic.ModelClaudeHaiku4_5,
		MaxTokens:    2048,
		ExpiryMargin: 30 * time.Second,
		Now:          time.Now,
	}
}

// Name implements core.Backend.
func (b *Backend) Name() string { return Name }

// Create implements core.Backend. The container is provisioned by a bootstrap
// message; its id and expiry are taken from the response.
func (b *Backend) Create(ctx context.Context, req core.CreateRequest) (core.Handle, error) {
	if !b.hasKey {
		return nil, core.ErrMissingCredentials
	}

	msg, err := b.send(ctx, "", bootstrapCode)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create container: %w", err)
	}
	if msg.Container.ID == "" {
		return nil, errors.New("anthropic: create container: response carried no container")
	}
	return &Session{backend: b, id: msg.Container.ID, expiresAt: msg.Container.ExpiresAt}, nil
}

func (b *Backend) send(ctx context.Context, container, code string) (*anthropic.BetaMessage, error) {
	params := anthropic.BetaMessageNewParams{
		Model:     b.opts.Model,
		MaxTokens: b.opts.MaxTokens,
		System:    []anthropic.BetaTextBlockParam{{Text: system}},
		Messages: []anthropic.BetaMessageParam{
			anthropic.NewBetaUserMessage(anthropic.NewBetaTextBlock(code)),
		},
		Tools: []anthropic.BetaToolUnionParam{{
			OfCodeExecutionTool20250522: &anthropic.BetaCodeExecutionTool20250522Param{},
		}},
		Betas: []anthropic.AnthropicBeta{anthropic.AnthropicBetaCodeExecution2025_05_22},
	}
	if container != "" {
		params.Container = anthropic.BetaMessageNewParamsContainerUnion{OfString: anthropic.String(container)}
	}
	return b.client.Beta.Messages.New(ctx, params, noRetry)
}

// Session is one Anthropic code execution container.
type Session struct {
	backend *Backend
	id      string

	mu        sync.Mutex
	expiresAt time.Time
	closed    bool
}

var _ core.Handle = (*Session)(nil)

// ID implements core.Handle.
func (s *Session) ID() string { return s.id }

// ExpiresAt returns the last expiry reported by the API.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Ping implements core.Handle. The API has no cheap container lookup, so by
// default Ping only checks the locally tracked expiry, which every message
// response refreshes. With Options.RemotePing a trivial statement is also
// run in the container; that is a full model turn, so the pool's
// ProbeTimeout must allow for it (30 seconds or more).
func (s *Session) Ping(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.backend.opts.RemotePing {
		return nil
	}
	msg, err := s.backend.send(ctx, s.id, pingCode)
	if err != nil {
		return fmt.Errorf("anthropic: ping container: %w", err)
	}
	s.observe(msg)
	return nil
}

// Execute implements core.Handle.
func (s *Session) Execute(ctx context.Context, work core.Payload) (*core.ExecutionResult, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := s.backend.send(ctx, s.id, work.Code)
	if err != nil {
		return nil, fmt.Errorf("anthropic: execute: %w", err)
	}
	s.observe(msg)

	res := &core.ExecutionResult{Duration: time.Since(start)}
	var stdout, stderr, text []string
	results := 0
	for _, block := range msg.Content {
		switch block.Type {
		case "code_execution_tool_result":
			results++
			out := block.AsCodeExecutionToolResult().Content
			if out.Type == "code_execution_tool_result_error" {
				return nil, fmt.Errorf("anthropic: code execution error: %s", out.ErrorCode)
			}
			stdout = append(stdout, out.Stdout)
			stderr = append(stderr, out.Stderr)
			if out.ReturnCode != 0 {
				res.ExitCode = int(out.ReturnCode)
			}
		case "text":
			text = append(text, block.Text)
		}
	}
	if results == 0 {
		res.Stderr = strings.Join(text, "")
		res.ExitCode = 1
		return res, nil
	}
	res.Stdout = strings.Join(stdout, "")
	res.Stderr = strings.Join(stderr, "")
	return res, nil
}

// Close implements core.Handle. The API has no container deletion; the
// container expires on its own once unused, so Close only retires the handle.
func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrHandleClosed
	}
	if !s.expiresAt.IsZero() && !s.backend.opts.Now().Add(s.backend.opts.ExpiryMargin).Before(s.expiresAt) {
		return fmt.Errorf("%w: %s at %s", ErrContainerExpired, s.id, s.expiresAt.Format(time.RFC3339))
	}
	return nil
}

func (s *Session) observe(msg *anthropic.BetaMessage) {
	if msg.Container.ExpiresAt.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresAt = msg.Container.ExpiresAt
}
