package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/logger"
)

// SQLOverrideStore serves direct permissions from SQL. Revocation
// deactivates records in place; history stays queryable for audit.
type SQLOverrideStore struct {
	db  *squealx.DB
	log logger.Logger
}

func NewSQLOverrideStore(db *squealx.DB) *SQLOverrideStore {
	return &SQLOverrideStore{db: db, log: logger.Nop{}}
}

// SetLogger installs a logger for override-conflict anomalies.
func (s *SQLOverrideStore) SetLogger(l logger.Logger) { s.log = l }

func (s *SQLOverrideStore) Grant(ctx context.Context, d *permit.DirectPermission) error {
	if d.Justification == "" {
		return permit.ErrJustificationRequired
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	q := `INSERT INTO direct_permissions(id, user_id, permission_id, type, justification, valid_from, valid_until, active, created_at)
	      VALUES(:id, :user_id, :permission_id, :type, :justification, :valid_from, :valid_until, :active, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            d.ID,
		"user_id":       d.UserID,
		"permission_id": d.PermissionID,
		"type":          string(d.Type),
		"justification": d.Justification,
		"valid_from":    sqlNullTimeOrNil(d.ValidFrom),
		"valid_until":   sqlNullTimeOrNil(d.ValidUntil),
		"active":        boolToInt(d.Active),
		"created_at":    d.CreatedAt,
	})
	return err
}

func (s *SQLOverrideStore) Revoke(ctx context.Context, id string) error {
	q := `UPDATE direct_permissions SET active = 0 WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLOverrideStore) CurrentOverride(ctx context.Context, userID, permissionID string, asOf time.Time) (*permit.DirectPermission, error) {
	q := `SELECT id, user_id, permission_id, type, justification, valid_from, valid_until, active, created_at
	      FROM direct_permissions WHERE user_id = :user_id AND permission_id = :permission_id`
	overrides, err := s.query(ctx, q, map[string]any{"user_id": userID, "permission_id": permissionID})
	if err != nil {
		return nil, err
	}
	cur, live := permit.SelectCurrent(overrides, asOf)
	if live > 1 {
		s.log.Error("override conflict",
			"user_id", userID,
			"permission_id", permissionID,
			"active", live,
			"selected", cur.ID)
	}
	return cur, nil
}

func (s *SQLOverrideStore) ListOverrides(ctx context.Context, userID string) ([]*permit.DirectPermission, error) {
	q := `SELECT id, user_id, permission_id, type, justification, valid_from, valid_until, active, created_at
	      FROM direct_permissions WHERE user_id = :user_id`
	return s.query(ctx, q, map[string]any{"user_id": userID})
}

func (s *SQLOverrideStore) query(ctx context.Context, q string, params map[string]any) ([]*permit.DirectPermission, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permit.DirectPermission, 0)
	for r.Next() {
		d := &permit.DirectPermission{}
		var typ string
		var active int
		var fromRaw, untilRaw, createdRaw interface{}
		if err := r.Scan(&d.ID, &d.UserID, &d.PermissionID, &typ, &d.Justification, &fromRaw, &untilRaw, &active, &createdRaw); err != nil {
			return nil, err
		}
		d.Type = permit.OverrideType(typ)
		d.Active = active != 0
		if fromRaw != nil {
			d.ValidFrom = scanTime(fromRaw)
		}
		if untilRaw != nil {
			d.ValidUntil = scanTime(untilRaw)
		}
		d.CreatedAt = scanTime(createdRaw)
		out = append(out, d)
	}
	return out, nil
}
