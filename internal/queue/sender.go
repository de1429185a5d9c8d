package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/templates"
)

// Sender delivers one command. Any error is retryable.
type Sender interface {
	Send(ctx context.Context, cmd Command) error
}

// Prober is implemented by senders that can cheaply check whether a
// destination is reachable again.
type Prober interface {
	Probe(ctx context.Context, destination string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, cmd Command) error

func (f SenderFunc) Send(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// HTTPDoer is the subset of *http.Client the sender uses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DeliveryData is the template context for bodies and headers.
type DeliveryData struct {
	ID          string
	Destination string
	Payload     []byte
	PayloadText string
	Attempts    int
	EnqueuedAt  time.Time
}

type destination struct {
	name    string
	url     string
	method  string
	timeout time.Duration
	body    *templates.Template
	headers map[string]*templates.Template
}

// HTTPSender delivers commands to configured destinations. Without a body
// template the raw payload is sent.
type HTTPSender struct {
	client       HTTPDoer
	destinations map[string]destination
}

func NewHTTPSender(client HTTPDoer, renderer *templates.Renderer, dests map[string]config.DestinationConfig) (*HTTPSender, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	out := &HTTPSender{client: client, destinations: make(map[string]destination, len(dests))}
	for name, cfg := range dests {
		body, err := renderer.CompileInline(name+".body", cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("queue: destination %q: %w", name, err)
		}
		headers, err := renderer.CompileSet(name+".headers", cfg.Headers)
		if err != nil {
			return nil, fmt.Errorf("queue: destination %q: %w", name, err)
		}
		method := strings.ToUpper(strings.TrimSpace(cfg.Method))
		if method == "" {
			method = http.MethodPost
		}
		out.destinations[name] = destination{
			name:    name,
			url:     cfg.URL,
			method:  method,
			timeout: cfg.Timeout,
			body:    body,
			headers: headers,
		}
	}
	return out, nil
}

// Destinations lists the configured names.
func (s *HTTPSender) Destinations() []string {
	out := make([]string, 0, len(s.destinations))
	for name := range s.destinations {
		out = append(out, name)
	}
	return out
}

// Send treats any 2xx as delivered. Every request carries the command ID as
// Idempotency-Key so receivers can collapse redeliveries.
func (s *HTTPSender) Send(ctx context.Context, cmd Command) error {
	dest, ok := s.destinations[cmd.Destination]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDestination, cmd.Destination)
	}
	if dest.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dest.timeout)
		defer cancel()
	}

	data := DeliveryData{
		ID:          cmd.ID.String(),
		Destination: cmd.Destination,
		Payload:     cmd.Payload,
		PayloadText: string(cmd.Payload),
		Attempts:    cmd.Attempts,
		EnqueuedAt:  cmd.EnqueuedAt,
	}
	body := string(cmd.Payload)
	if dest.body != nil {
		rendered, err := dest.body.Render(data)
		if err != nil {
			return err
		}
		body = rendered
	}

	req, err := http.NewRequestWithContext(ctx, dest.method, dest.url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: build request for %q: %w", dest.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", data.ID)
	for name, tmpl := range dest.headers {
		value, err := tmpl.Render(data)
		if err != nil {
			return err
		}
		if strings.TrimSpace(value) != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("queue: deliver to %q: %w", dest.name, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("queue: deliver to %q: unexpected status %d", dest.name, resp.StatusCode)
	}
	return nil
}

// Probe sends a HEAD request. Any HTTP response counts as reachable.
func (s *HTTPSender) Probe(ctx context.Context, name string) error {
	dest, ok := s.destinations[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDestination, name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dest.url, nil)
	if err != nil {
		return fmt.Errorf("queue: build probe for %q: %w", name, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("queue: probe %q: %w", name, err)
	}
	_ = resp.Body.Close()
	return nil
}
