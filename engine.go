package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/progrc/authcore/internal"
	"github.com/progrc/authcore/internal/audit"
	"github.com/progrc/authcore/internal/rate"
	"github.com/progrc/authcore/jwt"
	"github.com/progrc/authcore/password"
	"github.com/progrc/authcore/permission"
	"github.com/progrc/authcore/role"
)

// Engine is the authentication, authorization, and MFA core. Build one with
// [Builder]; all methods are safe for concurrent use.
type Engine struct {
	config Config

	codec      *jwt.Codec
	roles      *role.Hierarchy
	resolver   *permission.Resolver
	limiter    *rate.Limiter
	challenges *challengeStore
	audit      *audit.Dispatcher
	metrics    *Metrics
	passwords  *password.Argon2
	totp       *totpManager
	secrets    *internal.SecretBox
	logger     *zap.Logger

	users       UserProvider
	devices     DeviceProvider
	setups      SetupSessionProvider
	backupCodes BackupCodeProvider
	policies    PolicyProvider
	tokens      TokenProvider
	assignments AssignmentProvider
	mailer      Mailer
	passkeys    PasskeyVerifier
}

// Close flushes and stops the audit dispatcher. The engine must not be used
// after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events shed under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// InvalidatePermissions marks the permission rule table stale, for push-style
// cache invalidation when the platform republishes rules.
func (e *Engine) InvalidatePermissions() {
	if e == nil || e.resolver == nil {
		return
	}
	e.resolver.Invalidate()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil {
		return
	}
	e.metrics.Inc(id)
}

/*
====================================
TOKEN VERIFICATION
====================================
*/

// VerifyAccessToken validates a full-session access token and returns its
// claims. Expired tokens surface as ErrTokenExpired, everything else as
// ErrTokenInvalid; both fold into ErrUnauthorized.
func (e *Engine) VerifyAccessToken(token string) (*jwt.Claims, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.verifyToken(token, jwt.KindAccess)
}

// VerifyPreAuthToken validates a pre-auth token issued between password check
// and MFA verification.
func (e *Engine) VerifyPreAuthToken(token string) (*jwt.Claims, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	return e.verifyToken(token, jwt.KindPreAuth)
}

func (e *Engine) verifyToken(token string, kind jwt.TokenKind) (*jwt.Claims, error) {
	claims, err := e.codec.Verify(token, kind)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}

/*
====================================
ROLE AUTHORIZATION
====================================
*/

// AuthorizeRole decides whether the token bearer may call an endpoint
// restricted to the allowed roles. An empty allowed set carries no
// restriction.
//
// A CSM calling an endpoint that allows OrgAdmin but not CSM is the
// impersonation case: the CSM must hold an assignment to the customer in the
// claims, and the impersonateExpTime claim must be present, parseable, and in
// the future. An expired claim tears the impersonation session down
// best-effort and fails as unauthorized; a missing or malformed one fails as
// forbidden.
func (e *Engine) AuthorizeRole(ctx context.Context, claims *jwt.Claims, allowed []int) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if claims == nil {
		return ErrUnauthorized
	}

	callerRole := claims.RoleID
	if e.isImpersonationCase(callerRole, allowed) {
		err := e.authorizeImpersonation(ctx, claims)
		e.emitAudit(ctx, auditEventImpersonation, err == nil, claims.UserID, claims.CustomerID, err, nil)
		if err != nil {
			e.metricInc(MetricImpersonationDenied)
		}
		return err
	}

	if !e.roles.Satisfies(callerRole, allowed) {
		return fmt.Errorf("%w: role %d", ErrRoleDenied, callerRole)
	}
	return nil
}

// isImpersonationCase reports whether allowed excludes CSM but includes a role
// an org admin covers.
func (e *Engine) isImpersonationCase(callerRole int, allowed []int) bool {
	if callerRole != role.CSM || len(allowed) == 0 {
		return false
	}
	includesOrgAdmin := false
	for _, r := range allowed {
		if r == role.CSM {
			return false
		}
		if r == role.OrgAdmin {
			includesOrgAdmin = true
		}
	}
	return includesOrgAdmin
}

func (e *Engine) authorizeImpersonation(ctx context.Context, claims *jwt.Claims) error {
	customerID := claims.CustomerID
	if customerID == "" {
		customerID = claims.TenantID
	}
	if customerID == "" {
		return fmt.Errorf("%w: no customer in claims", ErrCSMNotAssigned)
	}

	if e.assignments == nil {
		return fmt.Errorf("%w: assignments not configured", ErrCSMNotAssigned)
	}
	assigned, err := e.assignments.CSMAssignedToCustomer(ctx, claims.UserID, customerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !assigned {
		return ErrCSMNotAssigned
	}

	if claims.ImpersonateExpTime == "" {
		return fmt.Errorf("%w: missing impersonation expiry", ErrImpersonationMalformed)
	}
	deadline, err := time.Parse(time.RFC3339, claims.ImpersonateExpTime)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImpersonationMalformed, err)
	}
	if time.Now().After(deadline) {
		if err := e.assignments.EndImpersonation(ctx, claims.UserID); err != nil {
			e.logger.Warn("impersonation teardown failed",
				zap.String("user_id", claims.UserID), zap.Error(err))
		}
		return ErrImpersonationExpired
	}
	return nil
}

/*
====================================
REQUEST AUTHORIZATION
====================================
*/

// AuthorizeRequest runs the path-permission check for the token bearer
// against method and path. Denials return ErrRoleDenied, ErrLicenseDenied, or
// ErrPermissionDenied; allows granted only by a relaxation flag are audited
// and logged before returning nil.
func (e *Engine) AuthorizeRequest(ctx context.Context, claims *jwt.Claims, method, path string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if claims == nil {
		return ErrUnauthorized
	}
	if e.resolver == nil {
		return fmt.Errorf("%w: no permission source configured", ErrPermissionDenied)
	}
	if path == "" {
		path = requestPathFromContext(ctx)
	}

	user, err := e.users.GetUserByID(ctx, claims.UserID)
	licenseType := 0
	if err == nil {
		licenseType = user.LicenseTypeID
	}

	decision, loadErr := e.resolver.Authorize(ctx, permission.Request{
		Method:        method,
		Path:          path,
		RoleID:        claims.RoleID,
		CustomerID:    claims.CustomerID,
		LicenseTypeID: licenseType,
	})
	if loadErr != nil {
		e.logger.Warn("permission table unavailable", zap.Error(loadErr))
	}

	if decision.Allowed && !decision.Soft {
		e.metricInc(MetricPermissionAllowed)
		return nil
	}

	if decision.Allowed {
		// Permitted only because a relaxation flag is set. Loud on purpose.
		e.metricInc(MetricPermissionSoftAllowed)
		e.logger.Warn("permission enforcement bypassed",
			zap.String("user_id", claims.UserID),
			zap.String("path", decision.NormalizedPath),
			zap.String("method", method),
			zap.String("reason", string(decision.Reason)))
		e.emitAudit(ctx, auditEventPermissionSoftAllow, true, claims.UserID, claims.CustomerID, nil, func() map[string]string {
			return map[string]string{
				"path":   decision.NormalizedPath,
				"method": method,
				"reason": string(decision.Reason),
			}
		})
		return nil
	}

	e.metricInc(MetricPermissionDenied)
	err = permissionDecisionError(decision)
	e.emitAudit(ctx, auditEventPermissionDenied, false, claims.UserID, claims.CustomerID, err, func() map[string]string {
		return map[string]string{
			"path":   decision.NormalizedPath,
			"method": method,
			"reason": string(decision.Reason),
		}
	})
	return err
}

func permissionDecisionError(d permission.Decision) error {
	switch d.Reason {
	case permission.ReasonRoleDenied:
		return fmt.Errorf("%w: %s", ErrRoleDenied, d.NormalizedPath)
	case permission.ReasonLicenseDenied:
		return fmt.Errorf("%w: %s", ErrLicenseDenied, d.NormalizedPath)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrPermissionDenied, d.NormalizedPath, d.Reason)
	}
}
