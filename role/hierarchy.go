// Package role models the platform role hierarchy. A caller role satisfies a
// requirement when the required role is in the caller's closure: the set of
// roles the caller's role covers, including itself.
package role

// Platform role identifiers. The numeric values are shared with the identity
// store and the permission rule tables.
const (
	SuperAdmin         = 1
	SuperAdminReadOnly = 2
	CSM                = 3
	CSMAuditor         = 4
	OrgAdmin           = 5
	OrgMember          = 6
	Auditor            = 7
)

// covers lists the roles each role directly covers, itself excluded.
// CSM is deliberately absent from everyone's list but SuperAdmin's:
// customer-success access to an organization goes through the impersonation
// flow, never through hierarchy.
var covers = map[int][]int{
	SuperAdmin: {SuperAdminReadOnly, CSM, OrgAdmin, OrgMember},
	CSMAuditor: {Auditor},
	OrgAdmin:   {OrgMember},
}

// Hierarchy answers reachability questions over the role graph. The closure of
// every role is computed once at construction; lookups are read-only and safe
// for concurrent use.
type Hierarchy struct {
	closure map[int]map[int]bool
}

// NewHierarchy builds the hierarchy with the platform role graph.
func NewHierarchy() *Hierarchy {
	h := &Hierarchy{closure: make(map[int]map[int]bool, len(covers))}
	for _, id := range []int{SuperAdmin, SuperAdminReadOnly, CSM, CSMAuditor, OrgAdmin, OrgMember, Auditor} {
		set := make(map[int]bool)
		h.expand(id, set)
		h.closure[id] = set
	}
	return h
}

func (h *Hierarchy) expand(id int, set map[int]bool) {
	if set[id] {
		return
	}
	set[id] = true
	for _, child := range covers[id] {
		h.expand(child, set)
	}
}

// Closure returns the set of roles id covers, including itself. Unknown roles
// have an empty closure.
func (h *Hierarchy) Closure(id int) []int {
	set := h.closure[id]
	out := make([]int, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// Covers reports whether caller covers required, directly or transitively.
// Every role covers itself; unknown callers cover nothing.
func (h *Hierarchy) Covers(caller, required int) bool {
	return h.closure[caller][required]
}

// Satisfies reports whether caller appears in the allowed list directly or
// covers at least one of the allowed roles. The direct match is checked
// separately so a role outside the hierarchy table still passes when listed
// verbatim. An empty allowed list means the operation carries no role
// restriction.
func (h *Hierarchy) Satisfies(caller int, allowed []int) bool {
	if len(allowed) == 0 {
		return true
	}
	set := h.closure[caller]
	for _, r := range allowed {
		if r == caller || set[r] {
			return true
		}
	}
	return false
}
