package permit

import "fmt"

// ModuleHierarchy is an immutable arena of modules keyed by id. It is built
// once per configuration snapshot and answers the ancestor/descendant queries
// permission inheritance depends on. Parent links are validated eagerly: a
// cycle or a dangling parent id refuses the whole build, so traversal at
// resolution time always terminates.
type ModuleHierarchy struct {
	byID   map[string]*Module
	byCode map[string]*Module
}

// BuildHierarchy validates the parent graph and recomputes levels from the
// actual path lengths, overriding whatever levels the source supplied.
func BuildHierarchy(modules []*Module) (*ModuleHierarchy, error) {
	h := &ModuleHierarchy{
		byID:   make(map[string]*Module, len(modules)),
		byCode: make(map[string]*Module, len(modules)),
	}
	for _, m := range modules {
		if _, dup := h.byID[m.ID]; dup {
			return nil, fmt.Errorf("module hierarchy: duplicate module id %q", m.ID)
		}
		if _, dup := h.byCode[m.Code]; dup {
			return nil, fmt.Errorf("module hierarchy: duplicate module code %q", m.Code)
		}
		h.byID[m.ID] = m
		h.byCode[m.Code] = m
	}

	// Walk each module to its root. A walk longer than the module count
	// can only mean the parent links loop.
	for _, m := range modules {
		depth := 0
		for cur := m; cur.ParentID != ""; {
			parent, ok := h.byID[cur.ParentID]
			if !ok {
				return nil, fmt.Errorf("%w: module %q references parent %q", ErrUnknownParent, cur.Code, cur.ParentID)
			}
			depth++
			if depth > len(modules) {
				return nil, fmt.Errorf("%w: involving module %q", ErrCycleDetected, m.Code)
			}
			cur = parent
		}
		m.Level = depth
	}
	return h, nil
}

// Get returns the module with the given id, or nil.
func (h *ModuleHierarchy) Get(id string) *Module {
	return h.byID[id]
}

// ByCode returns the module with the given code, or nil.
func (h *ModuleHierarchy) ByCode(code string) *Module {
	return h.byCode[code]
}

// Ancestors returns the chain from the given module up to its root, starting
// with the module itself. Unknown ids yield nil.
func (h *ModuleHierarchy) Ancestors(id string) []*Module {
	m, ok := h.byID[id]
	if !ok {
		return nil
	}
	chain := make([]*Module, 0, m.Level+1)
	for cur := m; cur != nil; cur = h.byID[cur.ParentID] {
		chain = append(chain, cur)
		if cur.ParentID == "" {
			break
		}
	}
	return chain
}

// IsDescendantOf reports whether module a is b or lies below b.
func (h *ModuleHierarchy) IsDescendantOf(a, b string) bool {
	cur, ok := h.byID[a]
	if !ok {
		return false
	}
	for {
		if cur.ID == b {
			return true
		}
		if cur.ParentID == "" {
			return false
		}
		cur = h.byID[cur.ParentID]
	}
}

// Len returns the number of modules in the arena.
func (h *ModuleHierarchy) Len() int { return len(h.byID) }
