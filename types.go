package authcore

import (
	"context"
	"time"
)

// DeviceType enumerates the MFA device kinds the engine manages.
type DeviceType string

const (
	// DeviceTOTP is an authenticator-app device.
	DeviceTOTP DeviceType = "TOTP"
	// DeviceEmail is an email one-time-password device.
	DeviceEmail DeviceType = "EMAIL"
	// DevicePasskey is a WebAuthn credential.
	DevicePasskey DeviceType = "PASSKEY"
)

// DeviceStatus is the lifecycle state of an MFA device. Devices are never
// hard-deleted; removal disables them.
type DeviceStatus string

const (
	// DevicePending marks a device created but not yet verified in use.
	DevicePending DeviceStatus = "PENDING"
	// DeviceActive marks a usable device.
	DeviceActive DeviceStatus = "ACTIVE"
	// DeviceDisabled marks a removed device.
	DeviceDisabled DeviceStatus = "DISABLED"
)

// SetupStatus is the state of an MFA setup session.
// Terminal states are Completed, Failed, and Expired.
type SetupStatus string

const (
	// SetupInProgress is set on initiation, before a secret or challenge has
	// been generated.
	SetupInProgress SetupStatus = "IN_PROGRESS"
	// SetupPendingVerification is set once the provisioning artifact has been
	// handed to the user.
	SetupPendingVerification SetupStatus = "PENDING_VERIFICATION"
	// SetupCompleted is terminal: the device was created.
	SetupCompleted SetupStatus = "COMPLETED"
	// SetupFailed is terminal: three failed attempts or explicit cancel.
	SetupFailed SetupStatus = "FAILED"
	// SetupExpired is terminal: clock expiry or superseded by a newer session
	// of the same (user, type).
	SetupExpired SetupStatus = "EXPIRED"
)

// PolicyScope is the applicability level of a security policy.
type PolicyScope string

const (
	// ScopeGlobal applies platform-wide.
	ScopeGlobal PolicyScope = "GLOBAL"
	// ScopeOrganization applies to one customer.
	ScopeOrganization PolicyScope = "ORGANIZATION"
	// ScopeRole applies to one role id.
	ScopeRole PolicyScope = "ROLE"
	// ScopeUser applies to one user.
	ScopeUser PolicyScope = "USER"
)

// UserRecord is the account row the engine reads and mutates through
// [UserProvider]. Password hashes use the PHC argon2id format produced by the
// password package.
type UserRecord struct {
	UserID                string
	Email                 string
	PasswordHash          string
	RoleID                int
	CustomerID            string
	LicenseTypeID         int
	MFAEnabled            bool
	PrimaryMFAType        DeviceType
	Locked                bool
	TemporaryPassword     bool
	PasswordResetRequired bool
	PasswordChangedAt     time.Time
}

// MFADevice is one enrolled second factor. EncryptedSecret holds the AES-GCM
// sealed TOTP secret; CredentialID/PublicKey/SignCount are WebAuthn material.
type MFADevice struct {
	DeviceID     string
	UserID       string
	Type         DeviceType
	Name         string
	Status       DeviceStatus
	IsPrimary    bool
	Secret       []byte
	CredentialID []byte
	PublicKey    []byte
	SignCount    uint32
	LastUsedAt   time.Time
	CreatedAt    time.Time
}

// SetupSession tracks one device-enrollment attempt. SetupData carries the
// type-specific ephemeral payload (sealed TOTP secret, passkey challenge).
// At most one non-terminal session exists per (user, device type).
type SetupSession struct {
	SessionID  string
	UserID     string
	Type       DeviceType
	DeviceName string
	Status     SetupStatus
	SetupData  []byte
	Attempts   int
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// BackupCodeRecord stores the SHA-256 hash of a single backup code.
// The plaintext is returned to the user exactly once and never persisted.
type BackupCodeRecord struct {
	Hash [32]byte
}

// SecurityPolicy is an MFA-enforcement rule at one scope. Priority is derived
// from scope at creation; Active false is the soft-delete flag.
type SecurityPolicy struct {
	PolicyID        string
	Scope           PolicyScope
	ScopeID         string
	Required        bool
	AllowedTypes    []DeviceType
	MinDevices      int
	MaxDevices      int
	GracePeriodDays int
	EnforcementDate *time.Time
	BypassRoles     []int
	Priority        int
	Active          bool
	CreatedAt       time.Time
}

// RefreshTokenRecord is the persisted side of a refresh JWT, keyed by the
// token's jti. Revocation is explicit; expiry mirrors the JWT's own.
type RefreshTokenRecord struct {
	TokenID   string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// CreateUserInput is the input for [UserProvider.CreateUser].
type CreateUserInput struct {
	Email             string
	PasswordHash      string
	RoleID            int
	CustomerID        string
	TemporaryPassword bool
}

// UserProvider integrates the caller's user store. GetUserByEmail must match
// case-insensitively; the engine additionally lowercases before calling.
type UserProvider interface {
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	CreateUser(ctx context.Context, input CreateUserInput) (UserRecord, error)
	// SetMFAEnabled flips the user's MFA flag and records the primary device
	// type ("" when disabling).
	SetMFAEnabled(ctx context.Context, userID string, enabled bool, primaryType DeviceType) error
}

// DeviceProvider integrates MFA device storage. SetPrimaryDevice must demote
// every other device of the user in the same write.
type DeviceProvider interface {
	ListDevices(ctx context.Context, userID string) ([]MFADevice, error)
	GetDevice(ctx context.Context, userID, deviceID string) (MFADevice, error)
	CreateDevice(ctx context.Context, device MFADevice) error
	UpdateDeviceStatus(ctx context.Context, userID, deviceID string, status DeviceStatus) error
	SetPrimaryDevice(ctx context.Context, userID, deviceID string) error
	TouchDevice(ctx context.Context, userID, deviceID string, usedAt time.Time) error
	UpdateCredentialCounter(ctx context.Context, userID, deviceID string, signCount uint32) error
}

// SetupSessionProvider integrates setup-session storage. Concurrent initiates
// for the same (user, type) are serialized by the supersede-on-create rule,
// not by in-process locks.
type SetupSessionProvider interface {
	GetSetupSession(ctx context.Context, sessionID string) (SetupSession, error)
	// ActiveSetupSession returns the single non-terminal session for the
	// (user, type) pair, or nil when none exists.
	ActiveSetupSession(ctx context.Context, userID string, deviceType DeviceType) (*SetupSession, error)
	CreateSetupSession(ctx context.Context, session SetupSession) error
	UpdateSetupSession(ctx context.Context, session SetupSession) error
}

// BackupCodeProvider integrates backup-code storage. ConsumeBackupCode must
// atomically mark the matching unused code as used.
type BackupCodeProvider interface {
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error)
	InvalidateBackupCodes(ctx context.Context, userID string) error
}

// PolicyProvider integrates security-policy storage. PoliciesForUser returns
// every active policy whose scope could bind the user: USER(userID),
// ROLE(roleID), ORGANIZATION(customerID), and GLOBAL.
type PolicyProvider interface {
	PoliciesForUser(ctx context.Context, userID string, roleID int, customerID string) ([]SecurityPolicy, error)
	GetPolicy(ctx context.Context, policyID string) (SecurityPolicy, error)
	CreatePolicy(ctx context.Context, policy SecurityPolicy) error
	UpdatePolicy(ctx context.Context, policy SecurityPolicy) error
	// DeletePolicy soft-deletes by clearing the active flag.
	DeletePolicy(ctx context.Context, policyID string) error
}

// TokenProvider integrates refresh-token storage, keyed by jti.
type TokenProvider interface {
	SaveRefreshToken(ctx context.Context, record RefreshTokenRecord) error
	GetRefreshToken(ctx context.Context, tokenID string) (RefreshTokenRecord, error)
	RevokeRefreshToken(ctx context.Context, tokenID string) error
}

// AssignmentProvider integrates CSM-to-customer assignment records, consulted
// during impersonation checks and policy-scope gating.
type AssignmentProvider interface {
	CSMAssignedToCustomer(ctx context.Context, userID, customerID string) (bool, error)
	// EndImpersonation tears down an expired impersonation session.
	// Called best-effort when an expired impersonateExpTime claim is seen.
	EndImpersonation(ctx context.Context, userID string) error
}

// Mailer delivers OTP codes and device-lifecycle notifications.
// SendNotification is always best-effort; SendOTP failures surface as
// ErrDeviceTypeUnavailable because the flow cannot proceed without the code.
type Mailer interface {
	SendOTP(ctx context.Context, email, code string) error
	SendNotification(ctx context.Context, email, subject, body string) error
}

// PasskeyVerifier is the black-box WebAuthn capability. Implementations wrap
// a vetted WebAuthn library; the engine only stores challenges and credential
// material and delegates every cryptographic decision.
type PasskeyVerifier interface {
	// VerifyAttestation checks a registration response against challenge and
	// returns the new credential's id, public key, and initial sign counter.
	VerifyAttestation(ctx context.Context, challenge, attestation []byte) (credentialID, publicKey []byte, signCount uint32, err error)
	// VerifyAssertion checks an authentication response against challenge and
	// the stored credential, returning the advanced sign counter.
	VerifyAssertion(ctx context.Context, challenge, credentialID, publicKey []byte, signCount uint32, assertion []byte) (newSignCount uint32, err error)
}

// Session is a full login session: the dual token pair plus expiries.
type Session struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// DeviceSummary is the client-safe projection of a device offered as an MFA
// alternative.
type DeviceSummary struct {
	DeviceID  string
	Type      DeviceType
	Name      string
	IsPrimary bool
}

// MFAChallenge describes what the client must do to finish authenticating.
type MFAChallenge struct {
	// DeviceID is the challenged device; empty when enrollment is required.
	DeviceID string
	Type     DeviceType
	// Instruction is a short human-readable hint ("enter the code from your
	// authenticator app").
	Instruction string
	// ChallengeID identifies a stored email/passkey challenge.
	ChallengeID string
	// PasskeyChallenge is the raw WebAuthn challenge for PASSKEY devices.
	PasskeyChallenge []byte
	// AlternativeDevices lists the user's other active devices.
	AlternativeDevices []DeviceSummary
	// FallbackOptions names non-device fallbacks ("email_otp", "backup_code").
	FallbackOptions []string
	// EnrollmentRequired is set when policy demands MFA but no active device
	// exists; the client must run device setup before a session can issue.
	EnrollmentRequired bool
}

// LoginResult is returned by [Engine.Login]. Exactly one of Session or
// (PreAuthToken, Challenge) is populated.
type LoginResult struct {
	Session      *Session
	MFARequired  bool
	PreAuthToken string
	Challenge    *MFAChallenge
}

// SignupRequest is the input for [Engine.Signup].
type SignupRequest struct {
	Email             string
	Password          string
	RoleID            int
	CustomerID        string
	TemporaryPassword bool
}

// SetupResponse describes a freshly initiated setup session.
type SetupResponse struct {
	SessionID  string
	DeviceType DeviceType
	DeviceName string
	ExpiresAt  time.Time
}

// TOTPSetup is the provisioning artifact for a TOTP setup session.
type TOTPSetup struct {
	// QRCode is the otpauth:// provisioning URI.
	QRCode string
	// ManualEntryKey is the base32 secret for manual entry.
	ManualEntryKey string
}

// ConfigureResult is returned by [Engine.ConfigureSetup]. TOTP sessions carry
// a TOTPSetup; passkey sessions carry the registration challenge; email
// sessions carry neither (the code went out by mail).
type ConfigureResult struct {
	SessionID        string
	DeviceType       DeviceType
	TOTP             *TOTPSetup
	PasskeyChallenge []byte
	ExpiresAt        time.Time
}

// EnableMFAResult reports the outcome of enabling MFA. BackupCodes holds the
// plaintext codes when generation was requested; this is the only time they
// are visible.
type EnableMFAResult struct {
	PrimaryDeviceID string
	PrimaryType     DeviceType
	BackupCodes     []string
}

// ComplianceReport is the outcome of evaluating the resolved security policy
// against a user's enrollment state.
type ComplianceReport struct {
	Required       bool
	Compliant      bool
	Policy         *SecurityPolicy
	ActiveDevices  int
	MissingTypes   []DeviceType
	GraceRemaining time.Duration
}
