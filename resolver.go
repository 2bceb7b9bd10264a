package permit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/permit/logger"
	"github.com/oarkflow/permit/utils"
)

// Resolver combines the module hierarchy, the permission index, condition
// evaluation and direct overrides into a single Allow/Deny decision per
// request. Evaluation is request-scoped and total: internal errors fold into
// Deny with a diagnostic reason, never into a panic or an error return. The
// active rule set is held as an immutable snapshot and replaced atomically on
// reload; a failed reload keeps the last-known-good snapshot serving.
type Resolver struct {
	source     ConfigurationSource
	snapshot   atomic.Pointer[Snapshot]
	conditions *ConditionEvaluator
	overrides  DirectOverrideStore
	audit      AuditSink

	log         logger.Logger
	traceIDFunc logger.TraceIDFunc
	now         func() time.Time

	auditCh   chan AuditRecord
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// Option configures a Resolver.
type Option func(*Resolver) error

// WithLogger installs a structured logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) error {
		r.log = l
		return nil
	}
}

// WithTraceIDFunc installs a correlation id generator.
func WithTraceIDFunc(f logger.TraceIDFunc) Option {
	return func(r *Resolver) error {
		r.traceIDFunc = f
		return nil
	}
}

// WithClock fixes the resolver's clock; tests use this to pin "now".
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) error {
		r.now = now
		return nil
	}
}

// WithAuditBuffer sizes the asynchronous audit channel.
func WithAuditBuffer(n int) Option {
	return func(r *Resolver) error {
		if n <= 0 {
			return fmt.Errorf("audit buffer must be positive, got %d", n)
		}
		r.auditCh = make(chan AuditRecord, n)
		return nil
	}
}

// New assembles a resolver. No configuration is loaded yet: call Reload once
// before serving, or every evaluation denies with "no configuration loaded".
func New(source ConfigurationSource, conditions *ConditionEvaluator, overrides DirectOverrideStore, audit AuditSink, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		source:     source,
		conditions: conditions,
		overrides:  overrides,
		audit:      audit,
		log:        logger.Nop{},
		now:        time.Now,
		auditCh:    make(chan AuditRecord, 1024),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	r.traceIDFunc = func() string { return fmt.Sprintf("%d", time.Now().UnixNano()) }
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	go r.auditWorker()
	return r, nil
}

// Reload pulls the full rule set from the configuration source and swaps in
// a freshly compiled snapshot. A load or validation failure leaves the
// previous snapshot serving and is the one error this engine surfaces hard:
// an invalid rule set must block rollout, not silently serve partial rules.
func (r *Resolver) Reload(ctx context.Context) error {
	rs, err := r.source.LoadConfiguration(ctx)
	if err != nil {
		r.log.Error("configuration load failed", "error", err.Error())
		return fmt.Errorf("load configuration: %w", err)
	}
	snap, err := BuildSnapshot(rs)
	if err != nil {
		r.log.Error("configuration rejected, keeping last known good", "error", err.Error())
		return err
	}
	r.snapshot.Store(snap)
	r.log.Info("configuration activated",
		"modules", snap.Hierarchy().Len(),
		"permissions", len(snap.index.byCode),
		"conditions", len(snap.conditions))
	return nil
}

// Snapshot returns the currently active snapshot, or nil before the first
// successful Reload.
func (r *Resolver) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Evaluate computes the Allow/Deny decision for a user, permission code and
// request environment.
func (r *Resolver) Evaluate(ctx context.Context, userID, permissionCode string, env *Environment) *Decision {
	return r.resolve(ctx, userID, permissionCode, env, false)
}

// Explain is Evaluate with the full step-by-step trace populated.
func (r *Resolver) Explain(ctx context.Context, userID, permissionCode string, env *Environment) *Decision {
	return r.resolve(ctx, userID, permissionCode, env, true)
}

// EvalRequest is one entry of a batch evaluation.
type EvalRequest struct {
	UserID         string
	PermissionCode string
	Environment    *Environment
}

// BatchEvaluate resolves multiple requests sequentially.
func (r *Resolver) BatchEvaluate(ctx context.Context, requests []EvalRequest) []*Decision {
	out := make([]*Decision, len(requests))
	for i, req := range requests {
		out[i] = r.Evaluate(ctx, req.UserID, req.PermissionCode, req.Environment)
	}
	return out
}

func (r *Resolver) resolve(ctx context.Context, userID, code string, env *Environment, includeTrace bool) *Decision {
	if env == nil {
		env = &Environment{}
	}
	asOf := env.Time
	if asOf.IsZero() {
		asOf = r.now()
	}
	dec := &Decision{Timestamp: asOf}
	trace := func(format string, args ...any) {
		if includeTrace {
			dec.Trace = append(dec.Trace, fmt.Sprintf(format, args...))
		}
	}

	if ctx.Err() != nil {
		dec.Reason = "evaluation cancelled"
		return dec
	}

	snap := r.snapshot.Load()
	if snap == nil {
		dec.Reason = "no configuration loaded"
		r.logDecision(userID, code, dec)
		return dec
	}

	// 1. Resolve the target permission by code.
	perm := snap.Index().ByCode(code)
	if perm == nil {
		dec.Reason = fmt.Sprintf("unknown permission %q", code)
		trace("1. permission %q not found", code)
		r.finish(ctx, snap, userID, code, env, nil, dec)
		return dec
	}
	if !perm.Active {
		dec.Reason = "permission inactive"
		trace("1. permission %s is inactive", perm.Code)
		r.finish(ctx, snap, userID, code, env, perm, dec)
		return dec
	}
	if !perm.ValidAt(asOf) {
		dec.Reason = "permission expired"
		trace("1. permission %s outside validity window", perm.Code)
		r.finish(ctx, snap, userID, code, env, perm, dec)
		return dec
	}
	trace("1. permission %s resolved (scope=%s priority=%d)", perm.Code, perm.Scope, perm.Priority)

	// 2. Determine the applicable module and pick the deciding candidate.
	moduleID := perm.ModuleID
	if env.ModuleCode != "" {
		m := snap.Hierarchy().ByCode(env.ModuleCode)
		if m == nil {
			dec.Reason = fmt.Sprintf("unknown module %q", env.ModuleCode)
			trace("2. module %q not found", env.ModuleCode)
			r.finish(ctx, snap, userID, code, env, perm, dec)
			return dec
		}
		if !m.Active {
			dec.Reason = fmt.Sprintf("module %q inactive", env.ModuleCode)
			trace("2. module %s is inactive", m.Code)
			r.finish(ctx, snap, userID, code, env, perm, dec)
			return dec
		}
		moduleID = m.ID
	}
	var decider *Permission
	for _, c := range snap.Index().CandidatesFor(moduleID, perm.Scope) {
		if !c.Active || !c.ValidAt(asOf) {
			continue
		}
		if c.Code == code || utils.MatchCode(code, c.Code) {
			decider = c
			break
		}
	}

	// 3-4. AND all attached conditions in their configured order; the first
	// failure short-circuits. Overrides are still consulted below.
	tentativeAllow := false
	if decider == nil {
		dec.Reason = "permission not applicable to module"
		trace("2. no applicable candidate for module %s", env.ModuleCode)
	} else {
		dec.MatchedBy = decider.ID
		trace("2. deciding permission %s (priority=%d)", decider.Code, decider.Priority)
		tentativeAllow = true
		for _, cid := range decider.ConditionIDs {
			if ctx.Err() != nil {
				dec.Allowed = false
				dec.Reason = "evaluation cancelled"
				r.finish(ctx, snap, userID, code, env, perm, dec)
				return dec
			}
			cond := snap.Condition(cid)
			passed, cached, err := r.conditions.evaluate(ctx, cond, env)
			oc := ConditionOutcome{Code: cond.Code, Passed: passed, Cached: cached}
			if err != nil {
				oc.Error = err.Error()
			}
			dec.Conditions = append(dec.Conditions, oc)
			trace("3. condition %s passed=%v cached=%v err=%v", cond.Code, passed, cached, err)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				dec.Allowed = false
				dec.Reason = "evaluation cancelled"
				r.finish(ctx, snap, userID, code, env, perm, dec)
				return dec
			}
			if !passed {
				tentativeAllow = false
				dec.Reason = fmt.Sprintf("condition %s failed", cond.Code)
				break
			}
		}
		if tentativeAllow {
			dec.Allowed = true
			dec.Reason = "all conditions passed"
			if len(decider.ConditionIDs) == 0 {
				dec.Reason = "permission granted"
			}
		}
	}

	// 5. Direct overrides win last: an explicit deny beats any allow, a
	// grant (or in-window temporary) beats any condition failure.
	ov, err := r.overrides.CurrentOverride(ctx, userID, perm.ID, asOf)
	if err != nil {
		r.log.Error("override lookup failed", "user_id", userID, "permission", code, "error", err.Error())
		trace("5. override lookup failed: %v", err)
	} else if ov != nil {
		switch ov.Type {
		case OverrideDeny:
			dec.Allowed = false
			dec.Reason = "direct deny"
			dec.MatchedBy = ov.ID
			trace("5. direct deny %s wins", ov.ID)
		case OverrideGrant, OverrideTemporary:
			dec.Allowed = true
			dec.Reason = "direct grant"
			dec.MatchedBy = ov.ID
			trace("5. direct grant %s wins", ov.ID)
		}
	} else {
		trace("5. no direct override")
	}

	// 6-7. Emit and return.
	r.finish(ctx, snap, userID, code, env, perm, dec)
	return dec
}

// finish logs the decision and, when the permission's type requires it,
// queues the audit record. Audit is observability, not correctness: the
// channel drops on overflow rather than blocking the request.
func (r *Resolver) finish(_ context.Context, snap *Snapshot, userID, code string, env *Environment, perm *Permission, dec *Decision) {
	traceID := r.traceIDFunc()
	r.logDecision(userID, code, dec)

	if perm == nil || r.audit == nil {
		return
	}
	t := snap.Type(perm.TypeID)
	if t == nil || (!t.RequiresAudit && !t.IsCritical) {
		return
	}
	rec := AuditRecord{
		ID:             traceID,
		TraceID:        traceID,
		Timestamp:      dec.Timestamp,
		UserID:         userID,
		PermissionCode: code,
		ModuleCode:     env.ModuleCode,
		OrgID:          env.OrgID,
		Decision:       dec,
	}
	select {
	case r.auditCh <- rec:
	default:
		r.log.Error("audit channel full, dropping record", "permission", code)
	}
}

func (r *Resolver) logDecision(userID, code string, dec *Decision) {
	r.log.Info("decision",
		"user_id", userID,
		"permission", code,
		"allowed", dec.Allowed,
		"reason", dec.Reason,
		"matched_by", dec.MatchedBy)
}

func (r *Resolver) auditWorker() {
	defer close(r.stopped)
	bg := context.Background()
	for {
		select {
		case rec := <-r.auditCh:
			if err := r.audit.Record(bg, &rec); err != nil {
				r.log.Error("audit write failed", "error", err.Error())
			}
		case <-r.done:
			// drain what is already queued
			for {
				select {
				case rec := <-r.auditCh:
					if err := r.audit.Record(bg, &rec); err != nil {
						r.log.Error("audit write failed", "error", err.Error())
					}
				default:
					return
				}
			}
		}
	}
}

// Close stops the audit worker after draining queued records and waits for
// it to finish.
func (r *Resolver) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	<-r.stopped
}
