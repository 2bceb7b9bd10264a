package permit

import (
	"net"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Scope is the breadth at which a Permission applies.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeModule       Scope = "module"
	ScopeOrganization Scope = "organization"
	ScopeResource     Scope = "resource"
	ScopeUser         Scope = "user"
)

// Category classifies a PermissionType.
type Category string

const (
	CategoryCRUD     Category = "crud"
	CategoryWorkflow Category = "workflow"
	CategoryReport   Category = "report"
	CategoryAdmin    Category = "admin"
	CategoryCustom   Category = "custom"
)

// ConditionKind selects the evaluator for a Condition.
type ConditionKind string

const (
	KindPython   ConditionKind = "python"
	KindSQL      ConditionKind = "sql"
	KindJSON     ConditionKind = "json"
	KindTime     ConditionKind = "time"
	KindLocation ConditionKind = "location"
	KindCustom   ConditionKind = "custom"
)

// OverrideType is the effect of a DirectPermission.
type OverrideType string

const (
	OverrideGrant     OverrideType = "grant"
	OverrideDeny      OverrideType = "deny"
	OverrideTemporary OverrideType = "temporary"
)

// Module is a node in the product hierarchy (e.g. "Payroll"). Parent is
// stored as an id, never a pointer; the hierarchy validates acyclicity at
// build time.
type Module struct {
	ID       string `json:"id" yaml:"id"`
	Code     string `json:"code" yaml:"code"`
	Name     string `json:"name" yaml:"name"`
	ParentID string `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Level    int    `json:"level" yaml:"level"`
	Active   bool   `json:"active" yaml:"active"`
	IsSystem bool   `json:"is_system" yaml:"is_system"`
}

// PermissionType is a category tag attached to Permissions. IsCritical and
// RequiresAudit both force decision emission to the audit sink.
type PermissionType struct {
	ID            string   `json:"id" yaml:"id"`
	Code          string   `json:"code" yaml:"code"`
	Name          string   `json:"name" yaml:"name"`
	Category      Category `json:"category" yaml:"category"`
	IsCritical    bool     `json:"is_critical" yaml:"is_critical"`
	RequiresAudit bool     `json:"requires_audit" yaml:"requires_audit"`
}

// Condition is a dynamically evaluable predicate of a declared kind. Payload
// carries kind-specific source text (a python snippet, a SQL statement, a
// JSON predicate); Config is opaque to the engine and handed to the kind
// evaluator as-is. An inactive condition fails closed.
type Condition struct {
	ID        string         `json:"id" yaml:"id"`
	Code      string         `json:"code" yaml:"code"`
	Kind      ConditionKind  `json:"kind" yaml:"kind"`
	Payload   string         `json:"payload,omitempty" yaml:"payload,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Cacheable bool           `json:"cacheable" yaml:"cacheable"`
	CacheTTL  int            `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	Active    bool           `json:"active" yaml:"active"`
}

// TTL returns the cache time-to-live as a duration.
func (c *Condition) TTL() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// Permission is a named capability scoped to a module (or broader). Attached
// conditions are AND-combined in their configured order. A zero ValidFrom or
// ValidUntil leaves that side of the window open; the window is [from, until).
type Permission struct {
	ID           string        `json:"id" yaml:"id"`
	Code         string        `json:"code" yaml:"code"`
	ModuleID     string        `json:"module_id,omitempty" yaml:"module_id,omitempty"`
	TypeID       string        `json:"type_id" yaml:"type_id"`
	Scope        Scope         `json:"scope" yaml:"scope"`
	ConditionIDs []string      `json:"condition_ids,omitempty" yaml:"condition_ids,omitempty"`
	Inheritable  bool          `json:"inheritable" yaml:"inheritable"`
	Revocable    bool          `json:"revocable" yaml:"revocable"`
	Priority     int           `json:"priority" yaml:"priority"`
	ValidFrom    time.Time     `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil   time.Time     `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	Active       bool          `json:"active" yaml:"active"`
	IsSystem     bool          `json:"is_system" yaml:"is_system"`
}

// ValidAt reports whether the permission's validity window contains t.
func (p *Permission) ValidAt(t time.Time) bool {
	if !p.ValidFrom.IsZero() && t.Before(p.ValidFrom) {
		return false
	}
	if !p.ValidUntil.IsZero() && !t.Before(p.ValidUntil) {
		return false
	}
	return true
}

// DirectPermission is a per-user override that supersedes normal resolution.
// Deny always wins; grant and temporary bypass condition evaluation.
type DirectPermission struct {
	ID            string       `json:"id" yaml:"id"`
	UserID        string       `json:"user_id" yaml:"user_id"`
	PermissionID  string       `json:"permission_id" yaml:"permission_id"`
	Type          OverrideType `json:"type" yaml:"type"`
	Justification string       `json:"justification" yaml:"justification"`
	ValidFrom     time.Time    `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil    time.Time    `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	Active        bool         `json:"active" yaml:"active"`
	CreatedAt     time.Time    `json:"created_at" yaml:"created_at"`
}

// ValidAt reports whether the override's validity window contains t.
func (d *DirectPermission) ValidAt(t time.Time) bool {
	if !d.ValidFrom.IsZero() && t.Before(d.ValidFrom) {
		return false
	}
	if !d.ValidUntil.IsZero() && !t.Before(d.ValidUntil) {
		return false
	}
	return true
}

// Environment is the request context an evaluation runs against. It is
// read-only to the engine; condition evaluators must not mutate it.
type Environment struct {
	UserID     string         `json:"user_id"`
	Time       time.Time      `json:"time"`
	IP         net.IP         `json:"ip,omitempty"`
	Location   string         `json:"location,omitempty"`
	ModuleCode string         `json:"module_code,omitempty"`
	OrgID      string         `json:"org_id,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// ConditionOutcome records a single condition evaluation inside a Decision.
type ConditionOutcome struct {
	Code   string `json:"code"`
	Passed bool   `json:"passed"`
	Cached bool   `json:"cached"`
	Error  string `json:"error,omitempty"`
}

// Decision is the result of a resolution. Evaluation is total: every call
// produces either an Allow or a Deny, never an error.
type Decision struct {
	Allowed    bool               `json:"allowed"`
	Reason     string             `json:"reason"`
	MatchedBy  string             `json:"matched_by"` // permission id or override id
	Trace      []string           `json:"trace,omitempty"`
	Conditions []ConditionOutcome `json:"conditions,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// RuleSet is the full configuration pulled from the external store. The
// engine consumes it read-only; authoring and persistence are external.
type RuleSet struct {
	Modules     []*Module         `json:"modules" yaml:"modules"`
	Types       []*PermissionType `json:"types" yaml:"types"`
	Conditions  []*Condition      `json:"conditions" yaml:"conditions"`
	Permissions []*Permission     `json:"permissions" yaml:"permissions"`
}
