// Package refresh keeps credential records usable. [Engine.EnsureReady]
// returns a record whose access token outlives the safety margin,
// refreshing it at the origin's token endpoint when needed.
//
// At most one exchange per session runs at a time: concurrent callers in
// one process share a single flight, and processes sharing a store
// serialize on the store's per-session lease lock. A refresh that has
// started runs to completion on a detached context, so a client that
// disconnects mid-refresh never leaves a consumed refresh token
// uncommitted.
package refresh

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/StricklySoft/nest-gateway/pkg/auth"
	"github.com/StricklySoft/nest-gateway/pkg/credstore"
	sserr "github.com/StricklySoft/nest-gateway/pkg/errors"
)

// unlockTimeout bounds the detached lock release.
const unlockTimeout = 5 * time.Second

// commitAttempts and commitBackoff bound the retries of a rotated-token
// write. If the lease lapses during them, the revision check still decides.
const (
	commitAttempts = 3
	commitBackoff  = 50 * time.Millisecond
)

// Engine resolves session references to ready credential records.
type Engine struct {
	store     credstore.Store
	exchanger Exchanger
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	flights   singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for expiry decisions. Tests only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine returns an engine over store. cfg is validated (and defaulted)
// first.
func NewEngine(store credstore.Store, exchanger Exchanger, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "refresh: invalid configuration")
	}
	e := &Engine{
		store:     store,
		exchanger: exchanger,
		cfg:       cfg,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EnsureReady returns a snapshot of ref's record whose access token is valid
// for at least the safety margin.
//
// Error codes returned:
//   - [sserr.CodeAuthenticationSessionNotFound]: no record, or the origin
//     revoked the refresh token (the record is deleted)
//   - [sserr.CodeUnavailableRefreshContended]: another refresher held the
//     lock for longer than the configured wait
//   - upstream and store codes from the exchange and the store
func (e *Engine) EnsureReady(ctx context.Context, ref auth.SessionRef) (*credstore.Record, error) {
	rec, err := e.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !rec.ExpiresWithin(e.now(), e.cfg.SafetyMargin) {
		e.touch(ctx, ref)
		return rec, nil
	}

	ch := e.flights.DoChan(string(ref), func() (any, error) {
		return e.refresh(context.WithoutCancel(ctx), ref)
	})
	select {
	case <-ctx.Done():
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeTimeout, "refresh: request ended while waiting for refresh")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snapshot := *res.Val.(*credstore.Record)
		return &snapshot, nil
	}
}

// refresh runs once per flight. ctx is already detached from the caller.
func (e *Engine) refresh(ctx context.Context, ref auth.SessionRef) (rec *credstore.Record, err error) {
	ctx, span := e.tracer.Start(ctx, "refresh.Refresh", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("gateway.session", ref.Fingerprint()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	lock, fresh, err := e.acquire(ctx, ref)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		span.SetAttributes(attribute.Bool("gateway.refreshed_elsewhere", true))
		return fresh, nil
	}
	defer e.release(ctx, lock)

	rec, err = e.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !rec.ExpiresWithin(e.now(), e.cfg.SafetyMargin) {
		span.SetAttributes(attribute.Bool("gateway.refreshed_elsewhere", true))
		return rec, nil
	}
	return e.exchange(ctx, rec)
}

// acquire polls for the lease lock until it is held, the record turns out
// to be fresh (returned with a nil lock), or the wait is exhausted.
func (e *Engine) acquire(ctx context.Context, ref auth.SessionRef) (*credstore.Lock, *credstore.Record, error) {
	wait := time.NewTimer(e.cfg.LockWait)
	defer wait.Stop()
	poll := time.NewTicker(e.cfg.LockPollInterval)
	defer poll.Stop()

	for {
		lock, err := e.store.TryLock(ctx, ref, e.cfg.LockLease)
		if err != nil {
			return nil, nil, err
		}
		if lock != nil {
			return lock, nil, nil
		}

		rec, err := e.store.Get(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		if !rec.ExpiresWithin(e.now(), e.cfg.SafetyMargin) {
			return nil, rec, nil
		}

		select {
		case <-wait.C:
			e.logger.WarnContext(ctx, "refresh: lock wait exhausted", "session", ref, "wait", e.cfg.LockWait)
			return nil, nil, sserr.RefreshContended("refresh: another refresh is in progress").
				WithDetail("session", ref.Fingerprint())
		case <-poll.C:
		}
	}
}

func (e *Engine) release(ctx context.Context, lock *credstore.Lock) {
	ctx, cancel := context.WithTimeout(ctx, unlockTimeout)
	defer cancel()
	if err := e.store.Unlock(ctx, lock); err != nil {
		e.logger.WarnContext(ctx, "refresh: failed to release lock; it will lapse with its lease",
			"session", lock.Ref, "error", err)
	}
}

// exchange performs the grant for rec and publishes the result.
func (e *Engine) exchange(ctx context.Context, rec *credstore.Record) (*credstore.Record, error) {
	xctx, cancel := context.WithTimeout(ctx, e.cfg.ExchangeTimeout)
	tok, err := e.exchanger.Refresh(xctx, rec)
	cancel()
	if err != nil {
		if IsInvalidGrant(err) {
			e.logger.InfoContext(ctx, "refresh: origin rejected refresh token, deleting session", "session", rec.Ref)
			if derr := e.store.Delete(ctx, rec.Ref); derr != nil {
				e.logger.WarnContext(ctx, "refresh: failed to delete revoked session", "session", rec.Ref, "error", derr)
			}
			return nil, sserr.SessionNotFound("refresh: session was revoked by the origin").
				WithDetail("session", rec.Ref.Fingerprint())
		}
		e.logger.WarnContext(ctx, "refresh: exchange failed", "session", rec.Ref, "error", err)
		return nil, err
	}

	next, committed, err := e.commit(ctx, rec, e.apply(rec, tok))
	if err != nil || !committed {
		return next, err
	}
	e.logger.DebugContext(ctx, "refresh: session refreshed",
		"session", rec.Ref, "revision", next.Revision, "expires_at", next.ExpiresAt)
	e.touch(ctx, rec.Ref)
	return next, nil
}

// commit stores the successor of rec. The origin has already consumed the
// old refresh token, so transient store failures are retried while the
// lease is still held. On a revision conflict the winner's record is
// returned with committed false.
func (e *Engine) commit(ctx context.Context, rec, next *credstore.Record) (_ *credstore.Record, committed bool, err error) {
retry:
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		candidate := *next
		err = e.store.CompareAndSwap(ctx, &candidate, rec.Revision)
		if err == nil {
			return &candidate, true, nil
		}
		if sserr.HasCode(err, sserr.CodeConflictRevision) {
			// A writer that outlived our view of the lease got there first.
			e.logger.InfoContext(ctx, "refresh: lost revision race, re-reading", "session", rec.Ref)
			winner, err := e.store.Get(ctx, rec.Ref)
			return winner, false, err
		}
		if attempt == commitAttempts {
			break retry
		}
		e.logger.WarnContext(ctx, "refresh: storing rotated tokens failed, retrying",
			"session", rec.Ref, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		case <-time.After(time.Duration(attempt) * commitBackoff):
		}
	}
	e.logger.ErrorContext(ctx, "refresh: rotated tokens were not stored",
		"session", rec.Ref, "attempts", commitAttempts, "error", err)
	return nil, false, err
}

// apply builds the successor snapshot of rec from tok.
func (e *Engine) apply(rec *credstore.Record, tok *oauth2.Token) *credstore.Record {
	next := *rec
	next.AccessToken = auth.Secret(tok.AccessToken)
	if tok.RefreshToken != "" {
		next.RefreshToken = auth.Secret(tok.RefreshToken)
	}
	if tok.TokenType != "" {
		next.TokenType = tok.TokenType
	}
	next.ExpiresAt = tok.Expiry
	if scope, _ := tok.Extra("scope").(string); scope != "" {
		next.Scope = scope
	}
	if sub, _ := tok.Extra("sub").(string); sub != "" && next.Subject == "" {
		next.Subject = sub
	}
	next.UpdatedAt = e.now()
	return &next
}

// touch slides the session TTL. Failure only shortens the session.
func (e *Engine) touch(ctx context.Context, ref auth.SessionRef) {
	if err := e.store.Touch(ctx, ref, e.cfg.SessionTTL); err != nil {
		e.logger.WarnContext(ctx, "refresh: failed to extend session ttl", "session", ref, "error", err)
	}
}
