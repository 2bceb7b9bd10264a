package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permit"
)

// SQLAuditSink persists resolution decisions in SQL.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) Record(ctx context.Context, rec *permit.AuditRecord) error {
	condB, _ := json.Marshal(rec.Decision.Conditions)
	traceB, _ := json.Marshal(rec.Decision.Trace)
	metaB, _ := json.Marshal(rec.Metadata)
	q := `INSERT INTO decision_log(id, trace_id, timestamp, user_id, permission_code, module_code, org_id, allowed, reason, matched_by, conditions_json, trace_json, metadata_json)
	      VALUES(:id, :trace_id, :timestamp, :user_id, :permission_code, :module_code, :org_id, :allowed, :reason, :matched_by, :conditions_json, :trace_json, :metadata_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              rec.ID,
		"trace_id":        rec.TraceID,
		"timestamp":       rec.Timestamp,
		"user_id":         rec.UserID,
		"permission_code": rec.PermissionCode,
		"module_code":     rec.ModuleCode,
		"org_id":          rec.OrgID,
		"allowed":         boolToInt(rec.Decision.Allowed),
		"reason":          rec.Decision.Reason,
		"matched_by":      rec.Decision.MatchedBy,
		"conditions_json": string(condB),
		"trace_json":      string(traceB),
		"metadata_json":   string(metaB),
	})
	return err
}

// Query returns logged decisions matching the filter.
func (s *SQLAuditSink) Query(ctx context.Context, filter permit.AuditFilter) ([]*permit.AuditRecord, error) {
	q := `SELECT id, trace_id, timestamp, user_id, permission_code, module_code, org_id, allowed, reason, matched_by, conditions_json, trace_json, metadata_json FROM decision_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.PermissionCode != "" {
		q += " AND permission_code = :permission_code"
		params["permission_code"] = filter.PermissionCode
	}
	if filter.Allowed != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*filter.Allowed)
	}
	if !filter.Since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = filter.Since
	}
	if !filter.Until.IsZero() {
		q += " AND timestamp <= :until"
		params["until"] = filter.Until
	}
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permit.AuditRecord, 0)
	for r.Next() {
		rec := &permit.AuditRecord{Decision: &permit.Decision{}}
		var tsRaw interface{}
		var allowed int
		var condJSON, traceJSON, metaJSON string
		if err := r.Scan(&rec.ID, &rec.TraceID, &tsRaw, &rec.UserID, &rec.PermissionCode, &rec.ModuleCode, &rec.OrgID, &allowed, &rec.Decision.Reason, &rec.Decision.MatchedBy, &condJSON, &traceJSON, &metaJSON); err != nil {
			return nil, err
		}
		rec.Timestamp = scanTime(tsRaw)
		rec.Decision.Allowed = allowed != 0
		rec.Decision.Timestamp = rec.Timestamp
		_ = json.Unmarshal([]byte(condJSON), &rec.Decision.Conditions)
		_ = json.Unmarshal([]byte(traceJSON), &rec.Decision.Trace)
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		out = append(out, rec)
	}
	return out, nil
}
