package permit

import (
	"context"
	"time"
)

// ConfigurationSource is the read model over the external rule store. The
// engine pulls the full rule set and compiles it into a Snapshot; authoring
// and persistence stay outside this module.
type ConfigurationSource interface {
	LoadConfiguration(ctx context.Context) (*RuleSet, error)
}

// Snapshot is an immutable compiled rule set. The resolver swaps whole
// snapshots atomically; readers never observe a partially built one.
type Snapshot struct {
	hierarchy  *ModuleHierarchy
	index      *PermissionIndex
	types      map[string]*PermissionType
	conditions map[string]*Condition
	builtAt    time.Time
}

// BuildSnapshot validates and compiles a rule set. Any problem (a module
// cycle, a duplicate code, a permission referencing an unknown module, type
// or condition) refuses the snapshot outright; an authorization engine must
// not activate a partially valid rule set.
func BuildSnapshot(rs *RuleSet) (*Snapshot, error) {
	cfgErr := &ConfigError{}

	hierarchy, err := BuildHierarchy(rs.Modules)
	if err != nil {
		cfgErr.add("%v", err)
		return nil, cfgErr
	}

	types := make(map[string]*PermissionType, len(rs.Types))
	for _, t := range rs.Types {
		if _, dup := types[t.ID]; dup {
			cfgErr.add("duplicate permission type id %q", t.ID)
		}
		types[t.ID] = t
	}

	conditions := make(map[string]*Condition, len(rs.Conditions))
	condCodes := make(map[string]struct{}, len(rs.Conditions))
	for _, c := range rs.Conditions {
		if _, dup := conditions[c.ID]; dup {
			cfgErr.add("duplicate condition id %q", c.ID)
		}
		if _, dup := condCodes[c.Code]; dup {
			cfgErr.add("duplicate condition code %q", c.Code)
		}
		conditions[c.ID] = c
		condCodes[c.Code] = struct{}{}
	}

	permCodes := make(map[string]struct{}, len(rs.Permissions))
	for _, p := range rs.Permissions {
		if _, dup := permCodes[p.Code]; dup {
			cfgErr.add("duplicate permission code %q", p.Code)
		}
		permCodes[p.Code] = struct{}{}

		switch p.Scope {
		case ScopeModule:
			if p.ModuleID == "" {
				cfgErr.add("permission %q has scope module but no module", p.Code)
			} else if hierarchy.Get(p.ModuleID) == nil {
				cfgErr.add("permission %q references unknown module %q", p.Code, p.ModuleID)
			}
		case ScopeGlobal:
			// global ignores the module entirely
		default:
			if p.ModuleID != "" && hierarchy.Get(p.ModuleID) == nil {
				cfgErr.add("permission %q references unknown module %q", p.Code, p.ModuleID)
			}
		}
		if p.TypeID != "" {
			if _, ok := types[p.TypeID]; !ok {
				cfgErr.add("permission %q references unknown type %q", p.Code, p.TypeID)
			}
		}
		for _, cid := range p.ConditionIDs {
			if _, ok := conditions[cid]; !ok {
				cfgErr.add("permission %q references unknown condition %q", p.Code, cid)
			}
		}
	}
	if err := cfgErr.orNil(); err != nil {
		return nil, err
	}

	return &Snapshot{
		hierarchy:  hierarchy,
		index:      BuildIndex(hierarchy, rs.Permissions),
		types:      types,
		conditions: conditions,
		builtAt:    time.Now(),
	}, nil
}

// Hierarchy exposes the compiled module tree.
func (s *Snapshot) Hierarchy() *ModuleHierarchy { return s.hierarchy }

// Index exposes the compiled permission index.
func (s *Snapshot) Index() *PermissionIndex { return s.index }

// Type returns the permission type for an id, or nil.
func (s *Snapshot) Type(id string) *PermissionType { return s.types[id] }

// Condition returns the condition for an id, or nil.
func (s *Snapshot) Condition(id string) *Condition { return s.conditions[id] }

// BuiltAt reports when the snapshot was compiled.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }
