package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/ses-notify/internal/apperror"
	"github.com/shineum/ses-notify/internal/metrics"
)

const managerComponent = "TemplateManager"

// State is the catalog lifecycle of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type compiled struct {
	body   *raymond.Template
	schema *jsonschema.Schema
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for load failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHelpers registers Handlebars helpers on every loaded template.
func WithHelpers(helpers map[string]any) Option {
	return func(m *Manager) {
		m.helpers = helpers
	}
}

// Manager owns the compiled template catalog. Loading starts when the
// Manager is created; every operation waits for it to finish.
type Manager struct {
	provider Provider
	logger   *slog.Logger
	helpers  map[string]any

	done chan struct{}

	mu        sync.RWMutex
	state     State
	err       error
	templates map[string]*compiled
	failures  map[string]error
	ids       []string
}

// New creates a Manager and starts loading the catalog from provider in the
// background. It returns nil when provider is nil, meaning templating is
// disabled. Cancelling ctx does not abort the load.
func New(ctx context.Context, provider Provider, opts ...Option) *Manager {
	if provider == nil {
		return nil
	}

	m := &Manager{
		provider:  provider,
		logger:    slog.Default(),
		done:      make(chan struct{}),
		state:     StateUninitialized,
		templates: make(map[string]*compiled),
		failures:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.state = StateInitializing
	go m.load(context.WithoutCancel(ctx))

	return m
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// HasTemplate reports whether the provider listed id. An id whose load
// failed is still known; RenderTemplate returns its load error.
func (m *Manager) HasTemplate(ctx context.Context, id string) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.templates[id]; ok {
		return true, nil
	}
	_, failed := m.failures[id]
	return failed, nil
}

// TemplateIDs returns the identifiers the provider listed, including ids
// whose load failed.
func (m *Manager) TemplateIDs(ctx context.Context) ([]string, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.ids))
	copy(ids, m.ids)
	return ids, nil
}

// RenderTemplate validates data against the schema of id and renders the
// template body with it.
func (m *Manager) RenderTemplate(ctx context.Context, id string, data any) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}

	m.mu.RLock()
	tpl, ok := m.templates[id]
	loadErr := m.failures[id]
	m.mu.RUnlock()

	if !ok {
		if loadErr != nil {
			return "", loadErr
		}
		return "", apperror.New(apperror.KindNotFound, managerComponent, "Template not found: %s", id)
	}

	start := time.Now()
	defer func() {
		metrics.ObserveTemplateRender(id, time.Since(start).Seconds())
	}()

	instance, err := normalizeData(data)
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindInvalidArgument, managerComponent,
			"Template data for '%s' is not a JSON value", id)
	}

	if err := tpl.schema.Validate(instance); err != nil {
		return "", apperror.New(apperror.KindInvalidArgument, managerComponent,
			"Validation error for '%s': %s", id, formatValidationError(err))
	}

	out, err := execTemplate(tpl.body, renderValue(instance))
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindUnexpectedState, managerComponent,
			"Failed to render template '%s'", id)
	}

	return out, nil
}

func (m *Manager) wait(ctx context.Context) error {
	select {
	case <-m.done:
	case <-ctx.Done():
		return apperror.Wrap(ctx.Err(), apperror.KindUnexpectedState, managerComponent,
			"Interrupted while waiting for template catalog")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Manager) load(ctx context.Context) {
	defer close(m.done)

	ids, err := m.provider.ListIDs(ctx)
	if err == nil && len(ids) == 0 {
		err = errors.New("provider returned no template ids")
	}
	if err != nil {
		m.fail(apperror.Wrap(err, apperror.KindInvalidConfig, managerComponent,
			"Failed to initialize template catalog"))
		return
	}

	var (
		g      errgroup.Group
		loadMu sync.Mutex
		loaded = make(map[string]*compiled, len(ids))
		failed = make(map[string]error)
	)
	for _, id := range ids {
		g.Go(func() error {
			tpl, err := m.loadOne(ctx, id)

			loadMu.Lock()
			defer loadMu.Unlock()
			if err != nil {
				wrapped := apperror.Wrap(err, apperror.KindInvalidData, managerComponent,
					"Failed to load template '%s'", id)
				m.logger.Error("failed to load template", "template_id", id, "error", err)
				failed[id] = wrapped
				return nil
			}
			loaded[id] = tpl
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ids = ids
	m.templates = loaded
	m.failures = failed

	if len(loaded) == 0 {
		m.state = StateFailed
		m.err = apperror.New(apperror.KindInvalidConfig, managerComponent,
			"No templates could be loaded (%d failed)", len(failed))
		m.logger.Error("template catalog failed to load", "error", m.err)
		return
	}

	m.state = StateReady
	m.logger.Info("template catalog loaded", "loaded", len(loaded), "failed", len(failed))
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateFailed
	m.err = err
	m.logger.Error("template catalog failed to load", "error", err)
}

func (m *Manager) loadOne(ctx context.Context, id string) (*compiled, error) {
	files, err := m.provider.GetFiles(ctx, id)
	if err != nil {
		return nil, err
	}

	body, err := raymond.Parse(files.Template)
	if err != nil {
		return nil, fmt.Errorf("template body: %w", err)
	}
	if len(m.helpers) > 0 {
		body.RegisterHelpers(m.helpers)
	}

	schema, err := compileSchema(id, files.Schema)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	return &compiled{body: body, schema: schema}, nil
}

// execTemplate runs tpl, converting any helper panic into an error.
func execTemplate(tpl *raymond.Template, data any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("template panicked: %v", r)
		}
	}()
	return tpl.Exec(data)
}

func compileSchema(id, text string) (*jsonschema.Schema, error) {
	url := "mem://templates/" + id + "/" + SchemaFile

	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	if err := c.AddResource(url, strings.NewReader(text)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalizeData round-trips data through JSON so that Go structs, maps and
// raw JSON all validate and render the same way.
func normalizeData(data any) (any, error) {
	if data == nil {
		return map[string]any{}, nil
	}

	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// renderValue converts json.Number leaves to int64 or float64 so numeric
// zero is falsy in conditional sections.
func renderValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = renderValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = renderValue(e)
		}
		return out
	default:
		return v
	}
}

// formatValidationError flattens the validator's error tree into
// "<path>: <message>" entries, depth first, so the first entry is the first
// failure the validator reported.
func formatValidationError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "(root)"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)

	return strings.Join(parts, ", ")
}
