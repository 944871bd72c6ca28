package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/progrc/authcore/internal/audit"
)

const (
	auditEventSignup              = "signup"
	auditEventLoginSuccess        = "login_success"
	auditEventLoginFailure        = "login_failure"
	auditEventLoginRateLimited    = "login_rate_limited"
	auditEventMFARequired         = "mfa_required"
	auditEventChallengeIssued     = "mfa_challenge_issued"
	auditEventMFAVerifySuccess    = "mfa_verify_success"
	auditEventMFAVerifyFailure    = "mfa_verify_failure"
	auditEventMFARateLimited      = "mfa_rate_limited"
	auditEventMFAEnabled          = "mfa_enabled"
	auditEventMFADisabled         = "mfa_disabled"
	auditEventSetupInitiated      = "mfa_setup_initiated"
	auditEventSetupConfigured     = "mfa_setup_configured"
	auditEventSetupCompleted      = "mfa_setup_completed"
	auditEventSetupFailed         = "mfa_setup_failed"
	auditEventSetupCancelled      = "mfa_setup_cancelled"
	auditEventDeviceRemoved       = "mfa_device_removed"
	auditEventBackupCodesIssued   = "backup_codes_issued"
	auditEventRefreshSuccess      = "refresh_success"
	auditEventRefreshFailure      = "refresh_failure"
	auditEventLogout              = "logout"
	auditEventImpersonation       = "impersonation_check"
	auditEventPermissionDenied    = "permission_denied"
	auditEventPermissionSoftAllow = "permission_soft_allow"
	auditEventPolicyCreated       = "policy_created"
	auditEventPolicyUpdated       = "policy_updated"
	auditEventPolicyDeleted       = "policy_deleted"
)

// auditErrorCode folds an engine error into a stable, non-leaking code for
// audit records. Codes never carry user input or backend detail.
func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrPasswordResetPending):
		return "password_reset_pending"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrImpersonationExpired):
		return "impersonation_expired"
	case errors.Is(err, ErrImpersonationMalformed):
		return "impersonation_malformed"
	case errors.Is(err, ErrCSMNotAssigned):
		return "csm_not_assigned"
	case errors.Is(err, ErrRoleDenied):
		return "role_denied"
	case errors.Is(err, ErrLicenseDenied):
		return "license_denied"
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrPolicyPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrMFACodeInvalid):
		return "mfa_code_invalid"
	case errors.Is(err, ErrMFANotEnrolled):
		return "mfa_not_enrolled"
	case errors.Is(err, ErrMFARateLimited), errors.Is(err, ErrLoginRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrSetupSessionState), errors.Is(err, ErrSetupSessionExpired),
		errors.Is(err, ErrSetupAttemptsExceeded), errors.Is(err, ErrSetupSessionNotFound):
		return "setup_session"
	case errors.Is(err, ErrChallengeExpired):
		return "challenge_expired"
	case errors.Is(err, ErrNoActiveDevice), errors.Is(err, ErrDeviceNotFound):
		return "device_unavailable"
	case errors.Is(err, ErrDeviceTypeUnavailable):
		return "device_type_unavailable"
	case errors.Is(err, ErrEmailDeviceExists):
		return "duplicate_device"
	case errors.Is(err, ErrLastDevice):
		return "last_device"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrPolicyNotFound):
		return "policy_not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal_error"
	}
}

// emitAudit queues one audit event. metadataBuilder is only invoked when a
// dispatcher is running, so building detail maps costs nothing when auditing
// is off.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	customerID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := audit.Event{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		UserID:     userID,
		CustomerID: customerID,
		IP:         clientIPFromContext(ctx),
		Success:    success,
		Error:      auditErrorCode(err),
		Metadata:   metadata,
	}
	e.audit.Emit(ctx, event)
}
