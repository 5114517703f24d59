package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

const tracerName = "github.com/StricklySoft/nest-gateway/pkg/lifecycle"

// StateChangeHandler observes transitions. Handlers run synchronously under
// the state mutex and must not call lifecycle methods on the same service.
type StateChangeHandler func(old, new State)

// Hook runs during Start or Stop. A hook error moves the service to
// [StateFailed].
type Hook func(ctx context.Context) error

// HealthCheck probes one dependency, such as the credential store.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Info is a point-in-time snapshot of a service.
type Info struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	State     State         `json:"state"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// Service tracks the gateway's lifecycle. It is safe for concurrent use.
type Service struct {
	name    string
	version string

	mu        sync.RWMutex
	state     State
	startedAt *time.Time

	tracer trace.Tracer
	logger *slog.Logger

	onStart  Hook
	onStop   Hook
	checks   []HealthCheck
	handlers []StateChangeHandler
}

func (s *Service) Name() string    { return s.name }
func (s *Service) Version() string { return s.version }

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the service.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{Name: s.name, Version: s.version, State: s.state}
	if s.startedAt != nil && s.state == StateRunning {
		t := *s.startedAt
		info.StartedAt = &t
		info.Uptime = time.Since(t)
	}
	return info
}

// Health returns nil when the service is running and every health check
// passes.
//
// Error codes returned:
//   - [sserr.CodeUnavailable]: the service is not running
//   - [sserr.CodeUnavailableDependency]: a health check failed
func (s *Service) Health(ctx context.Context) error {
	if state := s.State(); state != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable,
			"lifecycle: service is not running, current state is %q", state)
	}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			return sserr.Wrapf(err, sserr.CodeUnavailableDependency,
				"lifecycle: health check %q failed", c.Name)
		}
	}
	return nil
}

// SetState moves the service to next after validating the transition.
//
// Error codes returned:
//   - [sserr.CodeConflict]: the transition is not allowed
func (s *Service) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state
	if !ValidTransition(old, next) {
		return sserr.Newf(sserr.CodeConflict,
			"lifecycle: invalid state transition from %q to %q", old, next)
	}
	s.state = next

	for _, h := range s.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle: state change handler panicked",
						"panic", r,
						"old_state", string(old),
						"new_state", string(next),
					)
				}
			}()
			h(old, next)
		}()
	}
	return nil
}

// Start moves the service through [StateStarting] to [StateRunning],
// running the OnStart hook in between.
//
// Error codes returned:
//   - [sserr.CodeTimeout]: ctx was already done
//   - [sserr.CodeConflict]: the service is already starting or running
//   - [sserr.CodeInternal]: the OnStart hook failed
func (s *Service) Start(ctx context.Context) error {
	return s.transition(ctx, "Start", StateStarting, StateRunning, s.onStart)
}

// Stop moves the service through [StateStopping] to [StateStopped],
// running the OnStop hook in between. Stopping a service in a terminal
// state is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	if s.State().IsTerminal() {
		return nil
	}
	return s.transition(ctx, "Stop", StateStopping, StateStopped, s.onStop)
}

func (s *Service) transition(ctx context.Context, op string, during, after State, hook Hook) (err error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("service.name", s.name)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return sserr.Wrapf(err, sserr.CodeTimeout, "lifecycle: %s canceled before execution", op)
	}
	if err := s.SetState(during); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "lifecycle: "+string(during)+" service",
		"service", s.name, "version", s.version)

	if hook != nil {
		if err := hook(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: hook failed", "op", op, "error", err)
			_ = s.SetState(StateFailed)
			return sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: %s hook failed", op)
		}
	}
	if err := s.SetState(after); err != nil {
		return err
	}

	s.mu.Lock()
	if after == StateRunning {
		now := time.Now().UTC()
		s.startedAt = &now
	} else {
		s.startedAt = nil
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: service "+string(after), "service", s.name)
	return nil
}

// ServiceBuilder assembles a [Service].
type ServiceBuilder struct {
	name     string
	version  string
	logger   *slog.Logger
	onStart  Hook
	onStop   Hook
	checks   []HealthCheck
	handlers []StateChangeHandler
}

// NewServiceBuilder starts a builder for a service called name.
func NewServiceBuilder(name, version string) *ServiceBuilder {
	return &ServiceBuilder{name: name, version: version}
}

func (b *ServiceBuilder) WithLogger(l *slog.Logger) *ServiceBuilder {
	b.logger = l
	return b
}

func (b *ServiceBuilder) WithOnStart(h Hook) *ServiceBuilder {
	b.onStart = h
	return b
}

func (b *ServiceBuilder) WithOnStop(h Hook) *ServiceBuilder {
	b.onStop = h
	return b
}

// WithHealthCheck adds a dependency probe consulted by [Service.Health].
func (b *ServiceBuilder) WithHealthCheck(name string, check func(ctx context.Context) error) *ServiceBuilder {
	b.checks = append(b.checks, HealthCheck{Name: name, Check: check})
	return b
}

func (b *ServiceBuilder) OnStateChange(h StateChangeHandler) *ServiceBuilder {
	b.handlers = append(b.handlers, h)
	return b
}

// Build validates the builder and returns the service in [StateUnknown].
//
// Error codes returned:
//   - [sserr.CodeValidationRequired]: name is empty
//   - [sserr.CodeValidation]: a health check has no name or function
func (b *ServiceBuilder) Build() (*Service, error) {
	if b.name == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: service name is required")
	}
	for i, c := range b.checks {
		if c.Name == "" || c.Check == nil {
			return nil, sserr.Newf(sserr.CodeValidation, "lifecycle: health check %d is incomplete", i)
		}
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		name:     b.name,
		version:  b.version,
		state:    StateUnknown,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
		onStart:  b.onStart,
		onStop:   b.onStop,
		checks:   append([]HealthCheck(nil), b.checks...),
		handlers: append([]StateChangeHandler(nil), b.handlers...),
	}, nil
}
