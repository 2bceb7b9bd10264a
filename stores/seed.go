package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permit"
)

// Seed inserts a file-form config into the SQL read model. Bootstrapping
// only; the admin product owns these tables in production.
func Seed(ctx context.Context, db *squealx.DB, cfg *permit.Config) error {
	for _, m := range cfg.Modules {
		q := `INSERT INTO modules(id, code, name, parent_id, level, active, is_system)
		      VALUES(:id, :code, :name, :parent_id, :level, :active, :is_system)`
		if _, err := db.NamedExecContext(ctx, q, map[string]any{
			"id":        m.ID,
			"code":      m.Code,
			"name":      m.Name,
			"parent_id": m.ParentID,
			"level":     m.Level,
			"active":    boolToInt(m.Active),
			"is_system": boolToInt(m.IsSystem),
		}); err != nil {
			return err
		}
	}
	for _, t := range cfg.Types {
		q := `INSERT INTO permission_types(id, code, name, category, is_critical, requires_audit)
		      VALUES(:id, :code, :name, :category, :is_critical, :requires_audit)`
		if _, err := db.NamedExecContext(ctx, q, map[string]any{
			"id":             t.ID,
			"code":           t.Code,
			"name":           t.Name,
			"category":       string(t.Category),
			"is_critical":    boolToInt(t.IsCritical),
			"requires_audit": boolToInt(t.RequiresAudit),
		}); err != nil {
			return err
		}
	}
	for _, c := range cfg.Conditions {
		configB, _ := json.Marshal(c.Config)
		q := `INSERT INTO conditions(id, code, kind, payload, config_json, cacheable, cache_ttl_seconds, active)
		      VALUES(:id, :code, :kind, :payload, :config_json, :cacheable, :cache_ttl_seconds, :active)`
		if _, err := db.NamedExecContext(ctx, q, map[string]any{
			"id":                c.ID,
			"code":              c.Code,
			"kind":              string(c.Kind),
			"payload":           c.Payload,
			"config_json":       string(configB),
			"cacheable":         boolToInt(c.Cacheable),
			"cache_ttl_seconds": c.CacheTTL,
			"active":            boolToInt(c.Active),
		}); err != nil {
			return err
		}
	}
	for _, p := range cfg.Permissions {
		q := `INSERT INTO permissions(id, code, module_id, type_id, scope, inheritable, revocable, priority, valid_from, valid_until, active, is_system)
		      VALUES(:id, :code, :module_id, :type_id, :scope, :inheritable, :revocable, :priority, :valid_from, :valid_until, :active, :is_system)`
		if _, err := db.NamedExecContext(ctx, q, map[string]any{
			"id":          p.ID,
			"code":        p.Code,
			"module_id":   p.ModuleID,
			"type_id":     p.TypeID,
			"scope":       string(p.Scope),
			"inheritable": boolToInt(p.Inheritable),
			"revocable":   boolToInt(p.Revocable),
			"priority":    p.Priority,
			"valid_from":  sqlNullTimeOrNil(p.ValidFrom),
			"valid_until": sqlNullTimeOrNil(p.ValidUntil),
			"active":      boolToInt(p.Active),
			"is_system":   boolToInt(p.IsSystem),
		}); err != nil {
			return err
		}
		for i, cid := range p.ConditionIDs {
			lq := `INSERT INTO permission_conditions(permission_id, condition_id, position)
			       VALUES(:permission_id, :condition_id, :position)`
			if _, err := db.NamedExecContext(ctx, lq, map[string]any{
				"permission_id": p.ID,
				"condition_id":  cid,
				"position":      i,
			}); err != nil {
				return err
			}
		}
	}
	if len(cfg.Overrides) > 0 {
		store := NewSQLOverrideStore(db)
		for _, d := range cfg.Overrides {
			if err := store.Grant(ctx, d); err != nil {
				return err
			}
		}
	}
	return nil
}
