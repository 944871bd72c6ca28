package authcore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/progrc/authcore/jwt"
	"github.com/progrc/authcore/role"
)

// PolicyPriority is the fixed precedence of a policy scope. Narrower scopes
// always beat wider ones.
func PolicyPriority(scope PolicyScope) int {
	switch scope {
	case ScopeUser:
		return 1000
	case ScopeRole:
		return 800
	case ScopeOrganization:
		return 600
	case ScopeGlobal:
		return 400
	default:
		return 0
	}
}

// ResolvePolicy returns the single policy governing the user: the active
// policy with the highest scope priority, newest first on ties. Nil means no
// policy binds the user.
func (e *Engine) ResolvePolicy(ctx context.Context, userID string, roleID int, customerID string) (*SecurityPolicy, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.policies == nil {
		return nil, nil
	}

	policies, err := e.policies.PoliciesForUser(ctx, userID, roleID, customerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var candidates []SecurityPolicy
	for _, p := range policies {
		if p.Active {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := PolicyPriority(candidates[i].Scope), PolicyPriority(candidates[j].Scope)
		if pi != pj {
			return pi > pj
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return &candidates[0], nil
}

// MFACompliance evaluates the user's enrollment against the resolved policy.
// Users with no binding policy, or a non-required one, are compliant.
func (e *Engine) MFACompliance(ctx context.Context, userID string) (*ComplianceReport, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	policy, err := e.ResolvePolicy(ctx, user.UserID, user.RoleID, user.CustomerID)
	if err != nil {
		return nil, err
	}
	if policy == nil || !policy.Required {
		return &ComplianceReport{Required: false, Compliant: true, Policy: policy}, nil
	}

	devices, err := e.devices.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	activeCount := 0
	activeTypes := map[DeviceType]bool{}
	for _, d := range devices {
		if d.Status == DeviceActive {
			activeCount++
			activeTypes[d.Type] = true
		}
	}

	minDevices := policy.MinDevices
	if minDevices < 1 {
		minDevices = 1
	}

	typeSatisfied := len(policy.AllowedTypes) == 0 && activeCount > 0
	var missing []DeviceType
	for _, t := range policy.AllowedTypes {
		if activeTypes[t] {
			typeSatisfied = true
		} else {
			missing = append(missing, t)
		}
	}

	report := &ComplianceReport{
		Required:       true,
		Policy:         policy,
		ActiveDevices:  activeCount,
		GraceRemaining: policyGraceRemaining(*policy, time.Now()),
		Compliant:      user.MFAEnabled && activeCount >= minDevices && typeSatisfied,
	}
	if !typeSatisfied {
		report.MissingTypes = missing
	}
	return report, nil
}

// policyGraceRemaining computes the time left before the policy bites: the
// explicit enforcement date when set, otherwise creation plus the grace
// period, floored at zero.
func policyGraceRemaining(p SecurityPolicy, now time.Time) time.Duration {
	deadline := p.CreatedAt.AddDate(0, 0, p.GracePeriodDays)
	if p.EnforcementDate != nil {
		deadline = *p.EnforcementDate
	}
	remaining := deadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

/*
====================================
POLICY MUTATION
====================================
*/

// CreatePolicy stores a new policy after gating the actor against the scope.
// Priority is derived from the scope, never accepted from the caller.
func (e *Engine) CreatePolicy(ctx context.Context, actor *jwt.Claims, policy SecurityPolicy) (SecurityPolicy, error) {
	if e == nil {
		return SecurityPolicy{}, ErrEngineNotReady
	}
	if e.policies == nil {
		return SecurityPolicy{}, fmt.Errorf("%w: no policy provider configured", ErrBackendUnavailable)
	}
	if err := validatePolicyScope(policy); err != nil {
		return SecurityPolicy{}, err
	}
	if err := e.gatePolicyMutation(ctx, actor, policy.Scope, policy.ScopeID); err != nil {
		return SecurityPolicy{}, err
	}

	if policy.PolicyID == "" {
		policy.PolicyID = uuid.NewString()
	}
	policy.Priority = PolicyPriority(policy.Scope)
	policy.Active = true
	policy.CreatedAt = time.Now()

	if err := e.policies.CreatePolicy(ctx, policy); err != nil {
		return SecurityPolicy{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricPolicyCreated)
	e.emitAudit(ctx, auditEventPolicyCreated, true, actorID(actor), actorCustomer(actor), nil, func() map[string]string {
		return map[string]string{"policy_id": policy.PolicyID, "scope": string(policy.Scope)}
	})
	return policy, nil
}

// UpdatePolicy rewrites an existing policy. The actor must be entitled to
// both the stored scope and the submitted one, so a policy cannot be walked
// into a wider scope than the actor controls.
func (e *Engine) UpdatePolicy(ctx context.Context, actor *jwt.Claims, policy SecurityPolicy) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.policies == nil {
		return fmt.Errorf("%w: no policy provider configured", ErrBackendUnavailable)
	}

	existing, err := e.loadPolicy(ctx, policy.PolicyID)
	if err != nil {
		return err
	}
	if err := validatePolicyScope(policy); err != nil {
		return err
	}
	if err := e.gatePolicyMutation(ctx, actor, existing.Scope, existing.ScopeID); err != nil {
		return err
	}
	if err := e.gatePolicyMutation(ctx, actor, policy.Scope, policy.ScopeID); err != nil {
		return err
	}

	policy.Priority = PolicyPriority(policy.Scope)
	policy.CreatedAt = existing.CreatedAt
	policy.Active = existing.Active

	if err := e.policies.UpdatePolicy(ctx, policy); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricPolicyUpdated)
	e.emitAudit(ctx, auditEventPolicyUpdated, true, actorID(actor), actorCustomer(actor), nil, func() map[string]string {
		return map[string]string{"policy_id": policy.PolicyID, "scope": string(policy.Scope)}
	})
	return nil
}

// DeletePolicy soft-deletes a policy by clearing its active flag.
func (e *Engine) DeletePolicy(ctx context.Context, actor *jwt.Claims, policyID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.policies == nil {
		return fmt.Errorf("%w: no policy provider configured", ErrBackendUnavailable)
	}

	existing, err := e.loadPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if err := e.gatePolicyMutation(ctx, actor, existing.Scope, existing.ScopeID); err != nil {
		return err
	}

	if err := e.policies.DeletePolicy(ctx, policyID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricPolicyDeleted)
	e.emitAudit(ctx, auditEventPolicyDeleted, true, actorID(actor), actorCustomer(actor), nil, func() map[string]string {
		return map[string]string{"policy_id": policyID}
	})
	return nil
}

func (e *Engine) loadPolicy(ctx context.Context, policyID string) (SecurityPolicy, error) {
	existing, err := e.policies.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			return SecurityPolicy{}, ErrPolicyNotFound
		}
		return SecurityPolicy{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return existing, nil
}

// gatePolicyMutation is the role/scope permission matrix. SuperAdmin is
// unrestricted; CSM manages GLOBAL plus organizations they are assigned to;
// OrgAdmin manages scopes inside their own organization.
func (e *Engine) gatePolicyMutation(ctx context.Context, actor *jwt.Claims, scope PolicyScope, scopeID string) error {
	if actor == nil {
		return ErrUnauthorized
	}

	switch actor.RoleID {
	case role.SuperAdmin:
		return nil

	case role.CSM:
		switch scope {
		case ScopeGlobal:
			return nil
		case ScopeOrganization:
			if e.assignments == nil {
				return ErrPolicyPermissionDenied
			}
			assigned, err := e.assignments.CSMAssignedToCustomer(ctx, actor.UserID, scopeID)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			if !assigned {
				return ErrPolicyPermissionDenied
			}
			return nil
		default:
			return ErrPolicyPermissionDenied
		}

	case role.OrgAdmin:
		own := actorCustomer(actor)
		switch scope {
		case ScopeOrganization:
			if scopeID != own || own == "" {
				return ErrPolicyPermissionDenied
			}
			return nil
		case ScopeRole:
			if own == "" {
				return ErrPolicyPermissionDenied
			}
			return nil
		case ScopeUser:
			target, err := e.users.GetUserByID(ctx, scopeID)
			if err != nil {
				if errors.Is(err, ErrUserNotFound) {
					return ErrPolicyPermissionDenied
				}
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			if own == "" || target.CustomerID != own {
				return ErrPolicyPermissionDenied
			}
			return nil
		default:
			return ErrPolicyPermissionDenied
		}

	default:
		return ErrPolicyPermissionDenied
	}
}

func validatePolicyScope(p SecurityPolicy) error {
	switch p.Scope {
	case ScopeGlobal:
		return nil
	case ScopeOrganization, ScopeRole, ScopeUser:
		if p.ScopeID == "" {
			return fmt.Errorf("%w: scope %s requires a scope id", ErrBadRequest, p.Scope)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown policy scope %q", ErrBadRequest, p.Scope)
	}
}

func actorID(actor *jwt.Claims) string {
	if actor == nil {
		return ""
	}
	return actor.UserID
}

func actorCustomer(actor *jwt.Claims) string {
	if actor == nil {
		return ""
	}
	if actor.CustomerID != "" {
		return actor.CustomerID
	}
	return actor.TenantID
}
