package permit

import (
	"errors"
	"testing"
)

func TestHierarchyAncestorsAndLevels(t *testing.T) {
	h, err := BuildHierarchy([]*Module{
		{ID: "m1", Code: "payroll", Active: true},
		{ID: "m2", Code: "payroll.payslips", ParentID: "m1", Active: true},
		{ID: "m3", Code: "payroll.payslips.archive", ParentID: "m2", Active: true},
		{ID: "m4", Code: "inventory", Active: true},
	})
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}

	chain := h.Ancestors("m3")
	if len(chain) != 3 {
		t.Fatalf("expected chain of 3, got %d", len(chain))
	}
	if chain[0].ID != "m3" || chain[1].ID != "m2" || chain[2].ID != "m1" {
		t.Fatalf("wrong ancestor order: %s %s %s", chain[0].ID, chain[1].ID, chain[2].ID)
	}
	if chain[0].Level != 2 || chain[2].Level != 0 {
		t.Fatalf("levels not recomputed: leaf=%d root=%d", chain[0].Level, chain[2].Level)
	}

	if !h.IsDescendantOf("m3", "m1") {
		t.Fatalf("m3 should descend from m1")
	}
	if h.IsDescendantOf("m1", "m3") {
		t.Fatalf("ancestor is not a descendant")
	}
	if h.IsDescendantOf("m4", "m1") {
		t.Fatalf("sibling tree is not a descendant")
	}
	if !h.IsDescendantOf("m2", "m2") {
		t.Fatalf("a module descends from itself")
	}
}

func TestHierarchyLevelOverridesSourceValue(t *testing.T) {
	// the source claims wrong levels; path length wins
	h, err := BuildHierarchy([]*Module{
		{ID: "a", Code: "a", Level: 7, Active: true},
		{ID: "b", Code: "b", ParentID: "a", Level: 0, Active: true},
	})
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}
	if h.Get("a").Level != 0 || h.Get("b").Level != 1 {
		t.Fatalf("expected levels 0/1, got %d/%d", h.Get("a").Level, h.Get("b").Level)
	}
}

func TestHierarchyCycleDetected(t *testing.T) {
	_, err := BuildHierarchy([]*Module{
		{ID: "a", Code: "a", ParentID: "c", Active: true},
		{ID: "b", Code: "b", ParentID: "a", Active: true},
		{ID: "c", Code: "c", ParentID: "b", Active: true},
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestHierarchyUnknownParent(t *testing.T) {
	_, err := BuildHierarchy([]*Module{
		{ID: "a", Code: "a", ParentID: "ghost", Active: true},
	})
	if !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("expected ErrUnknownParent, got %v", err)
	}
}

func TestHierarchyDuplicateCode(t *testing.T) {
	// codes are unique: a second module with the same code would shadow
	// the first in ByCode lookups
	_, err := BuildHierarchy([]*Module{
		{ID: "a", Code: "payroll", Active: true},
		{ID: "b", Code: "payroll", Active: true},
	})
	if err == nil {
		t.Fatalf("expected duplicate code to be rejected")
	}
}

func TestHierarchyByCode(t *testing.T) {
	h, err := BuildHierarchy([]*Module{{ID: "m1", Code: "payroll", Active: true}})
	if err != nil {
		t.Fatalf("build hierarchy: %v", err)
	}
	if h.ByCode("payroll") == nil {
		t.Fatalf("expected module by code")
	}
	if h.ByCode("nope") != nil {
		t.Fatalf("unknown code should be nil")
	}
}
