package permit

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildSnapshotValid(t *testing.T) {
	snap, err := BuildSnapshot(payrollRules())
	if err != nil {
		t.Fatalf("valid rule set rejected: %v", err)
	}
	if snap.Hierarchy().Len() != 3 {
		t.Fatalf("hierarchy size = %d, want 3", snap.Hierarchy().Len())
	}
	if snap.Type("t-audited") == nil || !snap.Type("t-audited").RequiresAudit {
		t.Fatalf("type lookup broken")
	}
	if snap.Condition("c-hours") == nil {
		t.Fatalf("condition lookup broken")
	}
	if snap.Index().ByCode("payroll.view") == nil {
		t.Fatalf("index lookup broken")
	}
	if snap.BuiltAt().IsZero() {
		t.Fatalf("BuiltAt must be set")
	}
}

func TestBuildSnapshotRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(rs *RuleSet)
		problem string
	}{
		{
			name:    "module cycle",
			mutate:  func(rs *RuleSet) { rs.Modules[0].ParentID = "m-payslips" },
			problem: "cycle",
		},
		{
			name:    "unknown parent",
			mutate:  func(rs *RuleSet) { rs.Modules[1].ParentID = "m-ghost" },
			problem: "unknown parent",
		},
		{
			name:    "duplicate module code",
			mutate:  func(rs *RuleSet) { rs.Modules[2].Code = "payroll" },
			problem: `duplicate module code "payroll"`,
		},
		{
			name:    "duplicate permission code",
			mutate:  func(rs *RuleSet) { rs.Permissions[1].Code = "payroll.view" },
			problem: `duplicate permission code "payroll.view"`,
		},
		{
			name:    "duplicate condition code",
			mutate:  func(rs *RuleSet) { rs.Conditions[1].Code = "business-hours" },
			problem: `duplicate condition code "business-hours"`,
		},
		{
			name:    "unknown module reference",
			mutate:  func(rs *RuleSet) { rs.Permissions[0].ModuleID = "m-ghost" },
			problem: `unknown module "m-ghost"`,
		},
		{
			name:    "module scope without module",
			mutate:  func(rs *RuleSet) { rs.Permissions[0].ModuleID = "" },
			problem: "scope module but no module",
		},
		{
			name:    "unknown type reference",
			mutate:  func(rs *RuleSet) { rs.Permissions[0].TypeID = "t-ghost" },
			problem: `unknown type "t-ghost"`,
		},
		{
			name:    "unknown condition reference",
			mutate:  func(rs *RuleSet) { rs.Permissions[1].ConditionIDs = []string{"c-ghost"} },
			problem: `unknown condition "c-ghost"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := payrollRules()
			tc.mutate(rs)
			_, err := BuildSnapshot(rs)
			if err == nil {
				t.Fatalf("expected rejection")
			}
			if !strings.Contains(err.Error(), tc.problem) {
				t.Fatalf("error %q does not mention %q", err, tc.problem)
			}
		})
	}
}

func TestBuildSnapshotCollectsAllProblems(t *testing.T) {
	rs := payrollRules()
	rs.Permissions[0].TypeID = "t-ghost"
	rs.Permissions[1].ConditionIDs = []string{"c-ghost"}
	_, err := BuildSnapshot(rs)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if len(cfgErr.Problems) != 2 {
		t.Fatalf("expected 2 problems, got %v", cfgErr.Problems)
	}
}
