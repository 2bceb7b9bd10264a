package permit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/permit/logger"
)

// DirectOverrideStore serves per-user direct permissions. Resolution only
// ever reads the current override for a (user, permission) pair; history is
// retained by the store for audit.
type DirectOverrideStore interface {
	// CurrentOverride returns the active override whose validity window
	// contains asOf, or nil if none applies. When several are active at
	// once (an anomaly, not an expected state) the most recently created
	// wins deterministically.
	CurrentOverride(ctx context.Context, userID, permissionID string, asOf time.Time) (*DirectPermission, error)

	// ListOverrides returns every stored override for a user, current or
	// not.
	ListOverrides(ctx context.Context, userID string) ([]*DirectPermission, error)
}

// ErrJustificationRequired rejects overrides stored without a justification.
var ErrJustificationRequired = errors.New("direct permission: justification is required")

// SelectCurrent applies the shared override selection rule to a candidate
// slice: active, in-window, most recent CreatedAt first. Store
// implementations delegate here so memory, SQL and Redis stores agree.
func SelectCurrent(overrides []*DirectPermission, asOf time.Time) (*DirectPermission, int) {
	live := make([]*DirectPermission, 0, 2)
	for _, o := range overrides {
		if !o.Active || !o.ValidAt(asOf) {
			continue
		}
		live = append(live, o)
	}
	if len(live) == 0 {
		return nil, 0
	}
	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].CreatedAt.After(live[j].CreatedAt)
		}
		return live[i].ID > live[j].ID
	})
	return live[0], len(live)
}

// MemoryOverrideStore is the in-memory DirectOverrideStore used in tests and
// single-process deployments.
type MemoryOverrideStore struct {
	mu   sync.RWMutex
	byID map[string]*DirectPermission
	// user -> permission -> overrides, append order preserved
	pairs map[string]map[string][]*DirectPermission
	log   logger.Logger
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{
		byID:  make(map[string]*DirectPermission),
		pairs: make(map[string]map[string][]*DirectPermission),
		log:   logger.Nop{},
	}
}

// SetLogger installs a logger for override-conflict anomalies.
func (s *MemoryOverrideStore) SetLogger(l logger.Logger) { s.log = l }

// Grant stores an override. Justification is mandatory.
func (s *MemoryOverrideStore) Grant(ctx context.Context, d *DirectPermission) error {
	if d.Justification == "" {
		return ErrJustificationRequired
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[d.ID] = d
	perms, ok := s.pairs[d.UserID]
	if !ok {
		perms = make(map[string][]*DirectPermission)
		s.pairs[d.UserID] = perms
	}
	perms[d.PermissionID] = append(perms[d.PermissionID], d)
	return nil
}

// Revoke deactivates an override. The record is kept for audit.
func (s *MemoryOverrideStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok {
		d.Active = false
	}
	return nil
}

func (s *MemoryOverrideStore) CurrentOverride(ctx context.Context, userID, permissionID string, asOf time.Time) (*DirectPermission, error) {
	// Revoke mutates records in place, so the selection must run under the
	// read lock and the result must be a copy.
	s.mu.RLock()
	cur, live := SelectCurrent(s.pairs[userID][permissionID], asOf)
	var cp *DirectPermission
	if cur != nil {
		c := *cur
		cp = &c
	}
	s.mu.RUnlock()
	if live > 1 {
		s.log.Error("override conflict",
			"user_id", userID,
			"permission_id", permissionID,
			"active", live,
			"selected", cp.ID)
	}
	return cp, nil
}

func (s *MemoryOverrideStore) ListOverrides(ctx context.Context, userID string) ([]*DirectPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DirectPermission, 0)
	for _, list := range s.pairs[userID] {
		for _, d := range list {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}
