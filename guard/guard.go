// Package guard runs the request-side control flow: verify the bearer token,
// check the action against policy, and record exactly one audit event.
package guard

import (
	"context"
	"errors"
	"net/http"

	"github.com/PaulFidika/clinicauth/audit"
	"github.com/PaulFidika/clinicauth/core"
	jwtkit "github.com/PaulFidika/clinicauth/jwt"
	"github.com/PaulFidika/clinicauth/rbac"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BucketAuthFailure is the rate-limit bucket counting failed authentications per client IP.
const BucketAuthFailure = "auth_failure"

// ActionAuthenticate is recorded for requests that only need a valid token.
const ActionAuthenticate = "authenticate"

// ErrTooManyFailures is returned instead of the auth error once a client
// exceeds the failure limit.
var ErrTooManyFailures = errors.New("too many failed authentication attempts")

var tracer = otel.Tracer("github.com/PaulFidika/clinicauth/guard")

// Verifier is satisfied by *jwtkit.Verifier.
type Verifier interface {
	Verify(ctx context.Context, header string) (*jwtkit.Claims, error)
}

// Checker is satisfied by *rbac.Checker.
type Checker interface {
	Check(action string, subj rbac.Subject) error
}

// Limiter is satisfied by the memory and redis rate limiters.
type Limiter interface {
	Allow(ctx context.Context, bucket, key string) (bool, error)
}

// Request describes one protected operation.
type Request struct {
	Header   string // Authorization header value
	Action   string // empty: authenticate only
	Resource string
	IP       string
	Details  map[string]any
}

type Guard struct {
	verifier Verifier
	checker  Checker
	sink     core.AuditSink
	limiter  Limiter
	log      *logrus.Entry
	metrics  *Metrics
}

type Option func(*Guard)

// WithFailureLimiter throttles clients that keep presenting bad tokens.
func WithFailureLimiter(l Limiter) Option { return func(g *Guard) { g.limiter = l } }

func WithLogger(l *logrus.Entry) Option { return func(g *Guard) { g.log = l } }

func WithMetrics(m *Metrics) Option { return func(g *Guard) { g.metrics = m } }

// New builds a guard. A nil sink discards audit events.
func New(v Verifier, c Checker, sink core.AuditSink, opts ...Option) *Guard {
	g := &Guard{verifier: v, checker: c, sink: sink}
	for _, opt := range opts {
		opt(g)
	}
	if g.sink == nil {
		g.sink = audit.Discard{}
	}
	if g.log == nil {
		g.log = logrus.NewEntry(logrus.StandardLogger())
	}
	g.log = g.log.WithField("component", "guard")
	return g
}

// Authorize verifies req.Header and, when req.Action is set, checks it against
// policy. One audit event is emitted whatever the result.
func (g *Guard) Authorize(ctx context.Context, req Request) (*jwtkit.Claims, error) {
	action := req.Action
	if action == "" {
		action = ActionAuthenticate
	}
	ctx, span := tracer.Start(ctx, "guard.Authorize")
	defer span.End()
	span.SetAttributes(attribute.String("auth.action", action))

	claims, err := g.verifier.Verify(ctx, req.Header)
	if err != nil {
		g.record(ctx, req, action, nil, core.OutcomeUnauthenticated, err)
		span.SetStatus(codes.Error, core.CategoryOf(err))
		return nil, g.throttle(ctx, req.IP, err)
	}
	if req.Action != "" {
		if err := g.checker.Check(req.Action, claims); err != nil {
			g.record(ctx, req, action, claims, core.OutcomeDenied, err)
			span.SetStatus(codes.Error, core.CategoryOf(err))
			return nil, err
		}
	}
	g.record(ctx, req, action, claims, core.OutcomeSuccess, nil)
	return claims, nil
}

func (g *Guard) throttle(ctx context.Context, ip string, cause error) error {
	if g.limiter == nil || ip == "" {
		return cause
	}
	ok, err := g.limiter.Allow(ctx, BucketAuthFailure, ip)
	if err != nil {
		g.log.WithError(err).Warn("failure limiter unavailable")
		return cause
	}
	if !ok {
		return ErrTooManyFailures
	}
	return cause
}

func (g *Guard) record(ctx context.Context, req Request, action string, claims *jwtkit.Claims, outcome string, cause error) {
	evt := audit.NewEvent(action, outcome)
	evt.Resource = core.StrPtr(req.Resource)
	evt.IP = core.StrPtr(req.IP)
	if claims != nil {
		evt.Actor = core.StrPtr(claims.Subject)
	}
	if len(req.Details) > 0 || cause != nil {
		evt.Details = make(map[string]any, len(req.Details)+2)
		for k, v := range req.Details {
			evt.Details[k] = v
		}
		if cause != nil {
			evt.Details["category"] = core.CategoryOf(cause)
			evt.Details["reason"] = cause.Error()
		}
	}
	if claims != nil && claims.Role != "" {
		if evt.Details == nil {
			evt.Details = map[string]any{}
		}
		evt.Details["role"] = claims.Role
	}
	g.metrics.decision(action, outcome)
	g.sink.Log(ctx, evt)
}

// StatusCode maps a guard error to an HTTP status.
func StatusCode(err error) int {
	if errors.Is(err, ErrTooManyFailures) {
		return http.StatusTooManyRequests
	}
	return core.StatusCode(err)
}

// PublicMessage is the caller-facing error code for err.
func PublicMessage(err error) string {
	if errors.Is(err, ErrTooManyFailures) {
		return "too_many_requests"
	}
	return core.PublicMessage(err)
}

// Metrics counts access decisions. A nil *Metrics records nothing.
type Metrics struct {
	Decisions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicauth_access_decisions_total",
			Help: "Guarded requests by action and outcome",
		}, []string{"action", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions)
	}
	return m
}

func (m *Metrics) decision(action, outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action, outcome).Inc()
}
