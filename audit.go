package permit

import (
	"context"
	"sync"
	"time"
)

// AuditRecord is the structured trail of one resolution decision.
type AuditRecord struct {
	ID             string         `json:"id"`
	TraceID        string         `json:"trace_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	UserID         string         `json:"user_id"`
	PermissionCode string         `json:"permission_code"`
	ModuleCode     string         `json:"module_code,omitempty"`
	OrgID          string         `json:"org_id,omitempty"`
	Decision       *Decision      `json:"decision"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AuditSink receives resolution decisions. Writes are best-effort: a sink
// failure never fails the evaluation that produced the record.
type AuditSink interface {
	Record(ctx context.Context, rec *AuditRecord) error
}

// AuditFilter narrows an audit query.
type AuditFilter struct {
	UserID         string
	PermissionCode string
	Allowed        *bool
	Since          time.Time
	Until          time.Time
	Limit          int
}

// MemoryAuditSink keeps records in memory, for tests and development.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	records []*AuditRecord
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{records: make([]*AuditRecord, 0)}
}

func (s *MemoryAuditSink) Record(ctx context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Query returns records matching the filter, oldest first.
func (s *MemoryAuditSink) Query(filter AuditFilter) []*AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditRecord, 0)
	for _, r := range s.records {
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.PermissionCode != "" && r.PermissionCode != filter.PermissionCode {
			continue
		}
		if filter.Allowed != nil && r.Decision.Allowed != *filter.Allowed {
			continue
		}
		if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && r.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Len reports the number of stored records.
func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
