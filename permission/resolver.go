// Package permission implements default-deny request authorization over a
// cached rule table keyed by normalized API path and HTTP method, with
// longest-prefix fallback and role/license gating.
package permission

import (
	"context"

	"github.com/progrc/authcore/role"
)

// Reason explains a Decision for audit logs and metrics.
type Reason string

const (
	// ReasonAllowAll means the matched rule permits every caller.
	ReasonAllowAll Reason = "allow_all"
	// ReasonRoleMatch means the caller's role closure satisfied the rule.
	ReasonRoleMatch Reason = "role_match"
	// ReasonEmptyTable means no rule table was available.
	ReasonEmptyTable Reason = "empty_table"
	// ReasonUnknownPath means no rule matched the path at any prefix length.
	ReasonUnknownPath Reason = "unknown_path"
	// ReasonRoleDenied means the caller's role failed the rule's role list.
	ReasonRoleDenied Reason = "role_denied"
	// ReasonLicenseDenied means the customer's license failed the rule's
	// license list.
	ReasonLicenseDenied Reason = "license_denied"
)

// Config carries the resolver's posture flags. The zero value is fully
// fail-closed; every true flag is an explicit operational relaxation.
type Config struct {
	APIPrefix string

	// EnforcementDisabled degrades role and license denials to soft allows
	// that the caller is expected to log loudly.
	EnforcementDisabled bool
	// AllowEmptyTable permits requests when no rule table could be loaded.
	AllowEmptyTable bool
	// AllowUnknownPaths permits requests that match no rule.
	AllowUnknownPaths bool
}

// Request is one authorization question.
type Request struct {
	Method string
	Path   string

	RoleID int
	// CustomerID is empty for platform-level callers; license gating applies
	// only when it is set.
	CustomerID    string
	LicenseTypeID int
}

// Decision is the authorization outcome. Soft marks an allow granted only
// because a relaxation flag overrode a deny; callers audit those.
type Decision struct {
	Allowed        bool
	Soft           bool
	Reason         Reason
	NormalizedPath string
	Rule           *Rule
}

// Resolver answers authorization requests against the cached rule table.
// Stateless per request and safe for concurrent use.
type Resolver struct {
	config Config
	roles  *role.Hierarchy
	cache  *Cache
}

// NewResolver builds a resolver over the rule cache.
func NewResolver(cfg Config, roles *role.Hierarchy, cache *Cache) *Resolver {
	return &Resolver{config: cfg, roles: roles, cache: cache}
}

// Invalidate marks the rule table stale.
func (r *Resolver) Invalidate() {
	r.cache.Invalidate()
}

// Authorize decides req. The Decision is always authoritative; a non-nil
// error only reports the table-load failure behind an empty-table decision so
// the caller can log the cause.
func (r *Resolver) Authorize(ctx context.Context, req Request) (Decision, error) {
	normalized := NormalizePath(r.config.APIPrefix, req.Path)
	decision := Decision{NormalizedPath: normalized}

	table, err := r.cache.Table(ctx)
	if err != nil || table.Len() == 0 {
		decision.Reason = ReasonEmptyTable
		decision.Allowed = r.config.AllowEmptyTable
		decision.Soft = decision.Allowed
		return decision, err
	}

	rule, ok := table.Lookup(req.Method, normalized)
	if !ok {
		decision.Reason = ReasonUnknownPath
		decision.Allowed = r.config.AllowUnknownPaths
		decision.Soft = decision.Allowed
		return decision, nil
	}
	decision.Rule = &rule

	if rule.AllowAll {
		decision.Allowed = true
		decision.Reason = ReasonAllowAll
		return decision, nil
	}

	if !r.roles.Satisfies(req.RoleID, rule.AllowedRoles) {
		decision.Reason = ReasonRoleDenied
		decision.Allowed = r.config.EnforcementDisabled
		decision.Soft = decision.Allowed
		return decision, nil
	}

	if len(rule.AllowedLicenses) > 0 && req.CustomerID != "" && !containsInt(rule.AllowedLicenses, req.LicenseTypeID) {
		decision.Reason = ReasonLicenseDenied
		decision.Allowed = r.config.EnforcementDisabled
		decision.Soft = decision.Allowed
		return decision, nil
	}

	decision.Allowed = true
	decision.Reason = ReasonRoleMatch
	return decision, nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
