package permit

import (
	"context"
	"reflect"
	"testing"
	"time"
)

var testNow = time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)

func payrollRules() *RuleSet {
	return &RuleSet{
		Modules: []*Module{
			{ID: "m-payroll", Code: "payroll", Active: true},
			{ID: "m-payslips", Code: "payroll.payslips", ParentID: "m-payroll", Active: true},
			{ID: "m-inventory", Code: "inventory", Active: true},
		},
		Types: []*PermissionType{
			{ID: "t-crud", Code: "crud", Category: CategoryCRUD},
			{ID: "t-audited", Code: "workflow", Category: CategoryWorkflow, RequiresAudit: true},
			{ID: "t-critical", Code: "admin", Category: CategoryAdmin, IsCritical: true},
		},
		Conditions: []*Condition{
			{
				ID: "c-hours", Code: "business-hours", Kind: KindTime, Active: true,
				Config: map[string]any{"start": "08:00", "end": "18:00"},
			},
			{
				ID: "c-finance", Code: "finance-only", Kind: KindJSON, Active: true,
				Config: map[string]any{"path": "attrs.department", "op": "eq", "value": "finance"},
			},
		},
		Permissions: []*Permission{
			{
				ID: "p-view", Code: "payroll.view", ModuleID: "m-payroll", TypeID: "t-crud",
				Scope: ScopeModule, Inheritable: true, Active: true,
			},
			{
				ID: "p-close", Code: "payroll.close", ModuleID: "m-payroll", TypeID: "t-audited",
				Scope: ScopeModule, Inheritable: true, Active: true,
				ConditionIDs: []string{"c-hours"},
			},
		},
	}
}

type swappableSource struct {
	rules *RuleSet
	err   error
}

func (s *swappableSource) LoadConfiguration(ctx context.Context) (*RuleSet, error) {
	return s.rules, s.err
}

func newTestResolver(t *testing.T, rs *RuleSet, stubs ...KindEvaluator) (*Resolver, *MemoryOverrideStore, *MemoryAuditSink) {
	t.Helper()
	opts := make([]EvaluatorOption, 0, len(stubs))
	for _, s := range stubs {
		opts = append(opts, WithKindEvaluator(s))
	}
	ce, err := NewConditionEvaluator(CacheConfig{}, opts...)
	if err != nil {
		t.Fatalf("condition evaluator: %v", err)
	}
	overrides := NewMemoryOverrideStore()
	sink := NewMemoryAuditSink()
	r, err := New(&swappableSource{rules: rs}, ce, overrides, sink)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return r, overrides, sink
}

func payslipsEnv(userID string) *Environment {
	return &Environment{UserID: userID, Time: testNow, ModuleCode: "payroll.payslips"}
}

func TestEvaluateUnconditionedPermission(t *testing.T) {
	r, _, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	dec := r.Evaluate(context.Background(), "u1", "payroll.view", payslipsEnv("u1"))
	if !dec.Allowed {
		t.Fatalf("active unconditioned permission must allow: %s", dec.Reason)
	}
	if dec.MatchedBy != "p-view" {
		t.Fatalf("expected p-view to decide, got %s", dec.MatchedBy)
	}
}

func TestEvaluateInactivePermission(t *testing.T) {
	rs := payrollRules()
	rs.Permissions[0].Active = false
	r, _, _ := newTestResolver(t, rs)
	defer r.Close()

	dec := r.Evaluate(context.Background(), "u1", "payroll.view", payslipsEnv("u1"))
	if dec.Allowed || dec.Reason != "permission inactive" {
		t.Fatalf("inactive permission must deny: %+v", dec)
	}
}

func TestEvaluateExpiredPermission(t *testing.T) {
	rs := payrollRules()
	rs.Permissions[0].ValidUntil = testNow.Add(-time.Hour)
	r, _, _ := newTestResolver(t, rs)
	defer r.Close()

	dec := r.Evaluate(context.Background(), "u1", "payroll.view", payslipsEnv("u1"))
	if dec.Allowed || dec.Reason != "permission expired" {
		t.Fatalf("expired permission must deny: %+v", dec)
	}

	// validity start is inclusive
	rs2 := payrollRules()
	rs2.Permissions[0].ValidFrom = testNow
	r2, _, _ := newTestResolver(t, rs2)
	defer r2.Close()
	if dec := r2.Evaluate(context.Background(), "u1", "payroll.view", payslipsEnv("u1")); !dec.Allowed {
		t.Fatalf("window start is inclusive: %s", dec.Reason)
	}
}

func TestEvaluateUnknownPermission(t *testing.T) {
	r, _, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	dec := r.Evaluate(context.Background(), "u1", "payroll.delete", payslipsEnv("u1"))
	if dec.Allowed {
		t.Fatalf("unknown permission must deny")
	}
}

func TestInheritanceScenario(t *testing.T) {
	r, overrides, _ := newTestResolver(t, payrollRules())
	defer r.Close()
	ctx := context.Background()

	// inherited by the payslips sub-module
	dec := r.Evaluate(ctx, "u1", "payroll.view", payslipsEnv("u1"))
	if !dec.Allowed {
		t.Fatalf("inheritable permission must apply to descendant: %s", dec.Reason)
	}

	// does not apply to a sibling tree
	dec = r.Evaluate(ctx, "u1", "payroll.view", &Environment{UserID: "u1", Time: testNow, ModuleCode: "inventory"})
	if dec.Allowed {
		t.Fatalf("inheritable permission must not apply to a sibling module")
	}

	// adding a direct deny flips the descendant result
	mustGrant(t, overrides, &DirectPermission{
		ID: "d-deny", UserID: "u1", PermissionID: "p-view", Type: OverrideDeny,
		Justification: "offboarding", Active: true, CreatedAt: testNow.Add(-time.Minute),
	})
	dec = r.Evaluate(ctx, "u1", "payroll.view", payslipsEnv("u1"))
	if dec.Allowed || dec.Reason != "direct deny" {
		t.Fatalf("direct deny must win: %+v", dec)
	}
	if dec.MatchedBy != "d-deny" {
		t.Fatalf("decision must name the override, got %s", dec.MatchedBy)
	}
}

func TestNonInheritablePermissionStaysPut(t *testing.T) {
	rs := payrollRules()
	rs.Permissions[0].Inheritable = false
	r, _, _ := newTestResolver(t, rs)
	defer r.Close()

	dec := r.Evaluate(context.Background(), "u1", "payroll.view", payslipsEnv("u1"))
	if dec.Allowed {
		t.Fatalf("non-inheritable permission must not apply to a descendant")
	}
	dec = r.Evaluate(context.Background(), "u1", "payroll.view", &Environment{UserID: "u1", Time: testNow, ModuleCode: "payroll"})
	if !dec.Allowed {
		t.Fatalf("permission still applies to its own module: %s", dec.Reason)
	}
}

func TestConditionFailureDenies(t *testing.T) {
	r, _, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	evening := &Environment{UserID: "u1", Time: time.Date(2026, 5, 20, 20, 0, 0, 0, time.UTC), ModuleCode: "payroll"}
	dec := r.Evaluate(context.Background(), "u1", "payroll.close", evening)
	if dec.Allowed {
		t.Fatalf("20:00 is outside business hours, must deny")
	}
	if dec.Reason != "condition business-hours failed" {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}

	morning := &Environment{UserID: "u1", Time: testNow, ModuleCode: "payroll"}
	if dec := r.Evaluate(context.Background(), "u1", "payroll.close", morning); !dec.Allowed {
		t.Fatalf("10:00 is inside business hours: %s", dec.Reason)
	}
}

func TestConditionOrderShortCircuits(t *testing.T) {
	first := &countingEvaluator{kind: KindCustom, result: false}
	second := &countingEvaluator{kind: KindSQL, result: true}

	rs := payrollRules()
	rs.Conditions = append(rs.Conditions,
		&Condition{ID: "c-first", Code: "gate-one", Kind: KindCustom, Active: true},
		&Condition{ID: "c-second", Code: "gate-two", Kind: KindSQL, Active: true},
	)
	rs.Permissions[0].ConditionIDs = []string{"c-first", "c-second"}

	r, _, _ := newTestResolver(t, rs, first, second)
	defer r.Close()

	dec := r.Evaluate(context.Background(), "u1", "payroll.view", payslipsEnv("u1"))
	if dec.Allowed || dec.Reason != "condition gate-one failed" {
		t.Fatalf("first failing condition decides: %+v", dec)
	}
	if second.calls.Load() != 0 {
		t.Fatalf("failing condition must short-circuit the rest")
	}
	if len(dec.Conditions) != 1 || dec.Conditions[0].Code != "gate-one" {
		t.Fatalf("outcome list must stop at the failure: %+v", dec.Conditions)
	}
}

func TestDirectDenyBeatsPassingConditions(t *testing.T) {
	r, overrides, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	mustGrant(t, overrides, &DirectPermission{
		ID: "d-deny", UserID: "u1", PermissionID: "p-close", Type: OverrideDeny,
		Justification: "under investigation", Active: true, CreatedAt: testNow.Add(-time.Minute),
	})

	// conditions pass (10:00), deny still wins
	dec := r.Evaluate(context.Background(), "u1", "payroll.close", &Environment{UserID: "u1", Time: testNow, ModuleCode: "payroll"})
	if dec.Allowed || dec.Reason != "direct deny" {
		t.Fatalf("explicit deny beats a condition-passing allow: %+v", dec)
	}
}

func TestDirectGrantBeatsFailingConditions(t *testing.T) {
	r, overrides, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	mustGrant(t, overrides, &DirectPermission{
		ID: "d-grant", UserID: "u1", PermissionID: "p-close", Type: OverrideGrant,
		Justification: "emergency payroll run", Active: true, CreatedAt: testNow.Add(-time.Minute),
	})

	evening := &Environment{UserID: "u1", Time: time.Date(2026, 5, 20, 20, 0, 0, 0, time.UTC), ModuleCode: "payroll"}
	dec := r.Evaluate(context.Background(), "u1", "payroll.close", evening)
	if !dec.Allowed || dec.Reason != "direct grant" {
		t.Fatalf("direct grant bypasses failing conditions: %+v", dec)
	}
}

func TestTemporaryOverrideWindow(t *testing.T) {
	r, overrides, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	mustGrant(t, overrides, &DirectPermission{
		ID: "d-temp", UserID: "u1", PermissionID: "p-close", Type: OverrideTemporary,
		Justification: "quarter close", Active: true,
		ValidFrom: testNow.Add(-time.Hour), ValidUntil: testNow.Add(time.Hour),
		CreatedAt: testNow.Add(-time.Hour),
	})

	evening := &Environment{UserID: "u1", Time: time.Date(2026, 5, 20, 20, 0, 0, 0, time.UTC), ModuleCode: "payroll"}
	// outside the override window: falls back to the condition result
	dec := r.Evaluate(context.Background(), "u1", "payroll.close", evening)
	if dec.Allowed {
		t.Fatalf("expired temporary override must have no effect: %+v", dec)
	}

	inWindow := &Environment{UserID: "u1", Time: testNow.Add(30 * time.Minute), ModuleCode: "payroll"}
	dec = r.Evaluate(context.Background(), "u1", "payroll.close", inWindow)
	if !dec.Allowed || dec.Reason != "direct grant" {
		t.Fatalf("in-window temporary override allows: %+v", dec)
	}
}

func TestWildcardGrantCoversCode(t *testing.T) {
	rs := payrollRules()
	// payroll.view is module-scoped to payroll; a global wildcard grant
	// covers the same code on an unrelated module
	rs.Permissions = append(rs.Permissions, &Permission{
		ID: "p-super", Code: "payroll.**", TypeID: "t-crud", Scope: ScopeGlobal, Active: true, Priority: -1,
	})
	r, _, _ := newTestResolver(t, rs)
	defer r.Close()

	dec := r.Evaluate(context.Background(), "u1", "payroll.view", &Environment{UserID: "u1", Time: testNow, ModuleCode: "inventory"})
	if !dec.Allowed {
		t.Fatalf("global wildcard grant must cover the code: %s", dec.Reason)
	}
	if dec.MatchedBy != "p-super" {
		t.Fatalf("wildcard candidate decides, got %s", dec.MatchedBy)
	}
}

func TestEvaluationCancelled(t *testing.T) {
	r, _, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec := r.Evaluate(ctx, "u1", "payroll.view", payslipsEnv("u1"))
	if dec.Allowed || dec.Reason != "evaluation cancelled" {
		t.Fatalf("cancelled context must deny: %+v", dec)
	}
}

func TestIdempotence(t *testing.T) {
	r, _, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	env := payslipsEnv("u1")
	d1 := r.Evaluate(context.Background(), "u1", "payroll.close", env)
	d2 := r.Evaluate(context.Background(), "u1", "payroll.close", env)
	if !reflect.DeepEqual(d1, d2) {
		t.Fatalf("identical inputs must yield identical decisions:\n%+v\n%+v", d1, d2)
	}
}

func TestAuditEmission(t *testing.T) {
	r, _, sink := newTestResolver(t, payrollRules())

	ctx := context.Background()
	// t-crud: neither critical nor audited
	r.Evaluate(ctx, "u1", "payroll.view", payslipsEnv("u1"))
	// t-audited: requires audit
	r.Evaluate(ctx, "u1", "payroll.close", &Environment{UserID: "u1", Time: testNow, ModuleCode: "payroll"})
	r.Close()

	if got := sink.Len(); got != 1 {
		t.Fatalf("expected exactly 1 audit record, got %d", got)
	}
	recs := sink.Query(AuditFilter{UserID: "u1", PermissionCode: "payroll.close"})
	if len(recs) != 1 {
		t.Fatalf("expected the audited decision, got %d", len(recs))
	}
	if !recs[0].Decision.Allowed {
		t.Fatalf("audited decision should be the allow")
	}
}

func TestAuditEmissionForCriticalType(t *testing.T) {
	rs := payrollRules()
	rs.Permissions[0].TypeID = "t-critical"
	r, _, sink := newTestResolver(t, rs)

	r.Evaluate(context.Background(), "u1", "payroll.view", payslipsEnv("u1"))
	r.Close()

	if got := sink.Len(); got != 1 {
		t.Fatalf("critical type must always audit, got %d records", got)
	}
}

func TestReloadKeepsLastKnownGood(t *testing.T) {
	src := &swappableSource{rules: payrollRules()}
	ce, err := NewConditionEvaluator(CacheConfig{})
	if err != nil {
		t.Fatalf("condition evaluator: %v", err)
	}
	r, err := New(src, ce, NewMemoryOverrideStore(), NewMemoryAuditSink())
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	defer r.Close()
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("initial reload: %v", err)
	}

	// swap in a rule set with a module cycle
	bad := payrollRules()
	bad.Modules[0].ParentID = "m-payslips"
	src.rules = bad
	if err := r.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload to reject the cyclic configuration")
	}

	// still serving the last-known-good snapshot
	dec := r.Evaluate(context.Background(), "u1", "payroll.view", payslipsEnv("u1"))
	if !dec.Allowed {
		t.Fatalf("last-known-good snapshot must keep serving: %s", dec.Reason)
	}
}

func TestEvaluateBeforeFirstLoadDenies(t *testing.T) {
	ce, err := NewConditionEvaluator(CacheConfig{})
	if err != nil {
		t.Fatalf("condition evaluator: %v", err)
	}
	r, err := New(&swappableSource{rules: payrollRules()}, ce, NewMemoryOverrideStore(), NewMemoryAuditSink())
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	defer r.Close()

	dec := r.Evaluate(context.Background(), "u1", "payroll.view", payslipsEnv("u1"))
	if dec.Allowed || dec.Reason != "no configuration loaded" {
		t.Fatalf("no snapshot must deny: %+v", dec)
	}
}

func TestExplainCarriesTrace(t *testing.T) {
	r, _, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	dec := r.Explain(context.Background(), "u1", "payroll.close", &Environment{UserID: "u1", Time: testNow, ModuleCode: "payroll"})
	if !dec.Allowed {
		t.Fatalf("expected allow: %s", dec.Reason)
	}
	if len(dec.Trace) == 0 {
		t.Fatalf("explain must carry a trace")
	}
	plain := r.Evaluate(context.Background(), "u1", "payroll.close", &Environment{UserID: "u1", Time: testNow, ModuleCode: "payroll"})
	if len(plain.Trace) != 0 {
		t.Fatalf("plain evaluation carries no trace")
	}
}

func TestBatchEvaluate(t *testing.T) {
	r, _, _ := newTestResolver(t, payrollRules())
	defer r.Close()

	decs := r.BatchEvaluate(context.Background(), []EvalRequest{
		{UserID: "u1", PermissionCode: "payroll.view", Environment: payslipsEnv("u1")},
		{UserID: "u1", PermissionCode: "missing.permission", Environment: payslipsEnv("u1")},
	})
	if len(decs) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decs))
	}
	if !decs[0].Allowed || decs[1].Allowed {
		t.Fatalf("unexpected batch results: %v %v", decs[0].Allowed, decs[1].Allowed)
	}
}
