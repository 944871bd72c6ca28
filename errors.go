package authcore

import "errors"

// Error taxonomy. Every sentinel belongs to exactly one class
// (see [Classify]); handlers map classes to HTTP statuses.

// Unauthorized: the caller could not be authenticated.
var (
	// ErrUnauthorized is the generic authentication failure.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned on unknown email or password mismatch.
	// The two cases are deliberately indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenInvalid covers malformed tokens, wrong signatures, and
	// audience/issuer mismatches.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned when a token's signature is valid but its
	// expiry has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrImpersonationExpired is returned when a CSM impersonation window has
	// lapsed. The engine tears the impersonation down before returning it.
	ErrImpersonationExpired = errors.New("impersonation expired")
	// ErrAccountLocked is returned for locked accounts on login.
	ErrAccountLocked = errors.New("account locked")
)

// Forbidden: the caller is authenticated but not allowed.
var (
	// ErrRoleDenied is returned when the caller's role is outside the
	// endpoint's allowed set and its hierarchy closure.
	ErrRoleDenied = errors.New("role not permitted")
	// ErrLicenseDenied is returned when the customer's license type is
	// outside the matched permission rule's allowed licenses.
	ErrLicenseDenied = errors.New("license not permitted")
	// ErrPermissionDenied is returned when no permission rule matches and
	// unknown paths are not allowed, or when the rule table is unavailable.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrCSMNotAssigned is returned when a CSM attempts to act on a customer
	// without an assignment record.
	ErrCSMNotAssigned = errors.New("csm not assigned to customer")
	// ErrImpersonationMalformed is returned when the impersonation-expiry
	// claim is missing or unparseable.
	ErrImpersonationMalformed = errors.New("impersonation claim malformed")
	// ErrPolicyPermissionDenied is returned when a policy mutation is outside
	// the requester's scope matrix.
	ErrPolicyPermissionDenied = errors.New("policy scope not permitted")
)

// BadRequest: the request is well-authenticated but malformed or misordered.
var (
	// ErrBadRequest is the generic malformed-input failure.
	ErrBadRequest = errors.New("bad request")
	// ErrPasswordResetPending blocks login while a password reset is open.
	ErrPasswordResetPending = errors.New("password reset pending")
	// ErrMFACodeInvalid is returned for a wrong TOTP/OTP/backup code.
	ErrMFACodeInvalid = errors.New("invalid mfa code")
	// ErrMFANotEnrolled is returned when MFA is required but the user has no
	// active device to challenge.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")
	// ErrSetupSessionState is returned when a setup operation is applied to a
	// session in the wrong state.
	ErrSetupSessionState = errors.New("setup session in wrong state")
	// ErrSetupSessionExpired is returned when a setup session has passed its
	// expiry or was superseded.
	ErrSetupSessionExpired = errors.New("setup session expired")
	// ErrSetupAttemptsExceeded is returned once a setup session has failed
	// verification three times; the session is terminal.
	ErrSetupAttemptsExceeded = errors.New("setup verification attempts exceeded")
	// ErrChallengeExpired is returned when an email OTP or passkey challenge
	// is absent, used, or past its TTL.
	ErrChallengeExpired = errors.New("mfa challenge expired")
	// ErrNoActiveDevice is returned when enabling MFA without any active
	// device to promote.
	ErrNoActiveDevice = errors.New("no active mfa device")
	// ErrDeviceTypeUnavailable is returned when a device type's collaborator
	// (mailer, passkey verifier) is not wired.
	ErrDeviceTypeUnavailable = errors.New("device type unavailable")
)

// NotFound.
var (
	// ErrUserNotFound is an internal lookup failure; login flows fold it into
	// ErrInvalidCredentials before returning.
	ErrUserNotFound = errors.New("user not found")
	// ErrDeviceNotFound is returned for an unknown or foreign device id.
	ErrDeviceNotFound = errors.New("mfa device not found")
	// ErrSetupSessionNotFound is returned for an unknown setup session id.
	ErrSetupSessionNotFound = errors.New("setup session not found")
	// ErrPolicyNotFound is returned for an unknown policy id.
	ErrPolicyNotFound = errors.New("security policy not found")
)

// Conflict.
var (
	// ErrEmailDeviceExists blocks enrolling a second active email device.
	ErrEmailDeviceExists = errors.New("active email device already exists")
	// ErrLastDevice blocks removing the only active device while MFA is on.
	ErrLastDevice = errors.New("cannot remove last active mfa device")
)

// Operational.
var (
	// ErrMFARateLimited is returned once a verification action's attempt
	// window is exhausted; the underlying verifier is not consulted.
	ErrMFARateLimited = errors.New("too many verification attempts")
	// ErrLoginRateLimited is returned once the login attempt window for an
	// identifier is exhausted.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrBackendUnavailable wraps Redis/cache failures. It is distinct from
	// not-found so callers never mistake an outage for a miss.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned when a required collaborator was not
	// wired through the builder.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// ErrorClass buckets sentinels for transport-layer mapping.
type ErrorClass int

const (
	// ClassInternal is the fallback for unclassified errors.
	ClassInternal ErrorClass = iota
	// ClassUnauthorized maps to HTTP 401.
	ClassUnauthorized
	// ClassForbidden maps to HTTP 403.
	ClassForbidden
	// ClassBadRequest maps to HTTP 400.
	ClassBadRequest
	// ClassNotFound maps to HTTP 404.
	ClassNotFound
	// ClassConflict maps to HTTP 409.
	ClassConflict
	// ClassRateLimited maps to HTTP 429.
	ClassRateLimited
)

// Classify reports the taxonomy class of err by sentinel identity.
// Wrapped errors are matched with errors.Is.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrImpersonationExpired),
		errors.Is(err, ErrAccountLocked):
		return ClassUnauthorized
	case errors.Is(err, ErrRoleDenied),
		errors.Is(err, ErrLicenseDenied),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrCSMNotAssigned),
		errors.Is(err, ErrImpersonationMalformed),
		errors.Is(err, ErrPolicyPermissionDenied):
		return ClassForbidden
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrPasswordResetPending),
		errors.Is(err, ErrMFACodeInvalid),
		errors.Is(err, ErrMFANotEnrolled),
		errors.Is(err, ErrSetupSessionState),
		errors.Is(err, ErrSetupSessionExpired),
		errors.Is(err, ErrSetupAttemptsExceeded),
		errors.Is(err, ErrChallengeExpired),
		errors.Is(err, ErrNoActiveDevice),
		errors.Is(err, ErrDeviceTypeUnavailable):
		return ClassBadRequest
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrSetupSessionNotFound),
		errors.Is(err, ErrPolicyNotFound):
		return ClassNotFound
	case errors.Is(err, ErrEmailDeviceExists),
		errors.Is(err, ErrLastDevice):
		return ClassConflict
	case errors.Is(err, ErrMFARateLimited),
		errors.Is(err, ErrLoginRateLimited):
		return ClassRateLimited
	default:
		return ClassInternal
	}
}

// HTTPStatus maps an error class to its suggested HTTP status code.
func (c ErrorClass) HTTPStatus() int {
	switch c {
	case ClassUnauthorized:
		return 401
	case ClassForbidden:
		return 403
	case ClassBadRequest:
		return 400
	case ClassNotFound:
		return 404
	case ClassConflict:
		return 409
	case ClassRateLimited:
		return 429
	default:
		return 500
	}
}
