package stores

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permit"
)

// SQLConfigSource reads the full rule set from SQL. The admin product owns
// these tables; the engine only ever selects from them.
type SQLConfigSource struct {
	db *squealx.DB
}

func NewSQLConfigSource(db *squealx.DB) *SQLConfigSource {
	return &SQLConfigSource{db: db}
}

func (s *SQLConfigSource) LoadConfiguration(ctx context.Context) (*permit.RuleSet, error) {
	modules, err := s.loadModules(ctx)
	if err != nil {
		return nil, err
	}
	types, err := s.loadTypes(ctx)
	if err != nil {
		return nil, err
	}
	conditions, err := s.loadConditions(ctx)
	if err != nil {
		return nil, err
	}
	permissions, err := s.loadPermissions(ctx)
	if err != nil {
		return nil, err
	}
	return &permit.RuleSet{
		Modules:     modules,
		Types:       types,
		Conditions:  conditions,
		Permissions: permissions,
	}, nil
}

func (s *SQLConfigSource) loadModules(ctx context.Context) ([]*permit.Module, error) {
	q := `SELECT id, code, name, parent_id, level, active, is_system FROM modules`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permit.Module, 0)
	for r.Next() {
		m := &permit.Module{}
		var active, isSystem int
		if err := r.Scan(&m.ID, &m.Code, &m.Name, &m.ParentID, &m.Level, &active, &isSystem); err != nil {
			return nil, err
		}
		m.Active = active != 0
		m.IsSystem = isSystem != 0
		out = append(out, m)
	}
	return out, nil
}

func (s *SQLConfigSource) loadTypes(ctx context.Context) ([]*permit.PermissionType, error) {
	q := `SELECT id, code, name, category, is_critical, requires_audit FROM permission_types`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permit.PermissionType, 0)
	for r.Next() {
		t := &permit.PermissionType{}
		var category string
		var critical, audit int
		if err := r.Scan(&t.ID, &t.Code, &t.Name, &category, &critical, &audit); err != nil {
			return nil, err
		}
		t.Category = permit.Category(category)
		t.IsCritical = critical != 0
		t.RequiresAudit = audit != 0
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLConfigSource) loadConditions(ctx context.Context) ([]*permit.Condition, error) {
	q := `SELECT id, code, kind, payload, config_json, cacheable, cache_ttl_seconds, active FROM conditions`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permit.Condition, 0)
	for r.Next() {
		c := &permit.Condition{}
		var kind, configJSON string
		var cacheable, active int
		if err := r.Scan(&c.ID, &c.Code, &kind, &c.Payload, &configJSON, &cacheable, &c.CacheTTL, &active); err != nil {
			return nil, err
		}
		c.Kind = permit.ConditionKind(kind)
		c.Cacheable = cacheable != 0
		c.Active = active != 0
		_ = json.Unmarshal([]byte(configJSON), &c.Config)
		out = append(out, c)
	}
	return out, nil
}

func (s *SQLConfigSource) loadPermissions(ctx context.Context) ([]*permit.Permission, error) {
	q := `SELECT id, code, module_id, type_id, scope, inheritable, revocable, priority, valid_from, valid_until, active, is_system FROM permissions`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permit.Permission, 0)
	byID := make(map[string]*permit.Permission)
	for r.Next() {
		p := &permit.Permission{}
		var scope string
		var inheritable, revocable, active, isSystem int
		var fromRaw, untilRaw interface{}
		if err := r.Scan(&p.ID, &p.Code, &p.ModuleID, &p.TypeID, &scope, &inheritable, &revocable, &p.Priority, &fromRaw, &untilRaw, &active, &isSystem); err != nil {
			return nil, err
		}
		p.Scope = permit.Scope(scope)
		p.Inheritable = inheritable != 0
		p.Revocable = revocable != 0
		p.Active = active != 0
		p.IsSystem = isSystem != 0
		if fromRaw != nil {
			p.ValidFrom = scanTime(fromRaw)
		}
		if untilRaw != nil {
			p.ValidUntil = scanTime(untilRaw)
		}
		out = append(out, p)
		byID[p.ID] = p
	}
	if err := s.attachConditions(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

// attachConditions loads the permission->condition links ordered by their
// configured position; evaluation honors this order.
func (s *SQLConfigSource) attachConditions(ctx context.Context, perms map[string]*permit.Permission) error {
	q := `SELECT permission_id, condition_id, position FROM permission_conditions`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return err
	}
	defer r.Close()
	type link struct {
		conditionID string
		position    int
	}
	links := make(map[string][]link)
	for r.Next() {
		var permID, condID string
		var pos int
		if err := r.Scan(&permID, &condID, &pos); err != nil {
			return err
		}
		links[permID] = append(links[permID], link{condID, pos})
	}
	for permID, ls := range links {
		p, ok := perms[permID]
		if !ok {
			continue
		}
		sort.Slice(ls, func(i, j int) bool { return ls[i].position < ls[j].position })
		for _, l := range ls {
			p.ConditionIDs = append(p.ConditionIDs, l.conditionID)
		}
	}
	return nil
}
