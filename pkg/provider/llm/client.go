// Package llm implements provider.ChatPort for the OpenAI, Anthropic and
// Ollama HTTP APIs plus a scripted mock.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jguan/agent-domain/pkg/capability"
	"github.com/jguan/agent-domain/pkg/provider"
)

// Option customizes a client.
type Option func(*base)

// WithName overrides the registry name of the client.
func WithName(name string) Option {
	return func(b *base) { b.name = name }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) { b.http = c }
}

// WithCapabilities overrides the advertised capabilities.
func WithCapabilities(p capability.Provided) Option {
	return func(b *base) { b.caps = p }
}

// base holds what every HTTP client shares.
type base struct {
	name    string
	baseURL string
	apiKey  string
	caps    capability.Provided
	http    *http.Client
}

func newBase(name, baseURL, apiKey string, caps capability.Provided, opts []Option) base {
	b := base{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		caps:    caps,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) Name() string                      { return b.name }
func (b *base) Capabilities() capability.Provided { return b.caps }

// endpoint returns the per-agent endpoint when set, otherwise the client's
// base URL.
func (b *base) endpoint(override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	return b.baseURL
}

// do sends a request and returns the response when the status is 2xx.
// Other statuses are read and turned into a classified provider.Error.
func (b *base) do(ctx context.Context, method, url string, body any, header http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Provider: b.name, Cause: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, provider.NewError(b.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, provider.FromStatus(b.name, resp, data)
	}
	return resp, nil
}

// healthCheck issues a GET and discards the body.
func (b *base) healthCheck(ctx context.Context, url string, header http.Header) error {
	resp, err := b.do(ctx, http.MethodGet, url, nil, header)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// readErr turns a failure while reading a stream body into a provider
// error. Errors caused by ctx are returned as they are so cancellation is
// not mistaken for a provider fault.
func (b *base) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return provider.NewError(b.name, err)
}
