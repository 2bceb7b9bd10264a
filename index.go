package permit

import "sort"

// PermissionIndex maps a module to the ordered set of permissions that apply
// to it: its own, any inheritable permission attached to an ancestor, and all
// global-scope permissions. It is built once per snapshot and read-only
// afterwards; the resolver swaps whole snapshots instead of mutating.
type PermissionIndex struct {
	byModule map[string][]*Permission
	global   []*Permission
	byCode   map[string]*Permission
	levels   map[string]int // permission id -> owning module level
}

// BuildIndex precomputes the candidate list for every module. Candidates are
// ordered by priority descending, then owning module level descending (the
// deeper, more specific module wins equal priority), then code. Global
// permissions carry level -1 so they sort after any module-attached
// permission of equal priority.
func BuildIndex(h *ModuleHierarchy, permissions []*Permission) *PermissionIndex {
	idx := &PermissionIndex{
		byModule: make(map[string][]*Permission, h.Len()),
		byCode:   make(map[string]*Permission, len(permissions)),
		levels:   make(map[string]int, len(permissions)),
	}

	direct := make(map[string][]*Permission)
	for _, p := range permissions {
		idx.byCode[p.Code] = p
		if p.Scope == ScopeGlobal || p.ModuleID == "" {
			idx.levels[p.ID] = -1
			idx.global = append(idx.global, p)
			continue
		}
		if m := h.Get(p.ModuleID); m != nil {
			idx.levels[p.ID] = m.Level
		}
		direct[p.ModuleID] = append(direct[p.ModuleID], p)
	}
	idx.sortCandidates(idx.global)

	for id := range directModules(h, direct) {
		candidates := make([]*Permission, 0, len(idx.global))
		for _, anc := range h.Ancestors(id) {
			for _, p := range direct[anc.ID] {
				if anc.ID == id || p.Inheritable {
					candidates = append(candidates, p)
				}
			}
		}
		candidates = append(candidates, idx.global...)
		idx.sortCandidates(candidates)
		idx.byModule[id] = candidates
	}
	return idx
}

// directModules enumerates every module id the index needs a candidate list
// for: all modules in the hierarchy (inherited permissions apply to modules
// with no direct attachments too).
func directModules(h *ModuleHierarchy, direct map[string][]*Permission) map[string]struct{} {
	ids := make(map[string]struct{}, h.Len())
	for id := range h.byID {
		ids[id] = struct{}{}
	}
	for id := range direct {
		ids[id] = struct{}{}
	}
	return ids
}

func (idx *PermissionIndex) sortCandidates(ps []*Permission) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		li, lj := idx.levels[ps[i].ID], idx.levels[ps[j].ID]
		if li != lj {
			return li > lj
		}
		return ps[i].Code < ps[j].Code
	})
}

// scopeRank orders scopes by breadth; broader scopes rank higher.
func scopeRank(s Scope) int {
	switch s {
	case ScopeGlobal:
		return 4
	case ScopeModule:
		return 3
	case ScopeOrganization:
		return 2
	case ScopeResource:
		return 1
	default:
		return 0
	}
}

// CandidatesFor returns the applicable permissions for a module whose scope
// matches or is broader than the requested one, in decided order. An unknown
// module still sees the global candidates.
func (idx *PermissionIndex) CandidatesFor(moduleID string, scope Scope) []*Permission {
	all, ok := idx.byModule[moduleID]
	if !ok {
		all = idx.global
	}
	rank := scopeRank(scope)
	out := make([]*Permission, 0, len(all))
	for _, p := range all {
		if scopeRank(p.Scope) >= rank {
			out = append(out, p)
		}
	}
	return out
}

// ByCode resolves a permission by its unique code, or nil.
func (idx *PermissionIndex) ByCode(code string) *Permission {
	return idx.byCode[code]
}
