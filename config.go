package authcore

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config defines every tunable of the engine. Instances are configured during
// initialization and treated as immutable afterwards.
type Config struct {
	JWT        JWTConfig
	MFA        MFAConfig
	Permission PermissionConfig
	Password   PasswordConfig
	Login      LoginConfig
	Audit      AuditConfig
	Metrics    MetricsConfig
	Security   SecurityConfig
	Cookie     CookieConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig carries signing material and token lifetimes. Access and pre-auth
// tokens are RS256 over the RSA key pair; refresh tokens are HS256 over
// RefreshSecret.
type JWTConfig struct {
	AccessTTL  time.Duration
	PreAuthTTL time.Duration
	RefreshTTL time.Duration

	Issuer          string
	AccessAudience  string
	PreAuthAudience string
	RefreshAudience string

	SigningKeyPEM []byte
	VerifyKeyPEM  []byte
	RefreshSecret []byte

	Leeway time.Duration
}

/*
====================================
MFA CONFIG
====================================
*/

// VerifyLimitConfig is one verification action's fixed attempt window.
type VerifyLimitConfig struct {
	MaxAttempts int
	Window      time.Duration
}

// MFAConfig tunes device setup, challenge TTLs, and verification limits.
// EncryptionKey seals TOTP secrets at rest (AES-256-GCM, 32 bytes).
type MFAConfig struct {
	TOTPIssuer string
	TOTPPeriod uint
	TOTPSkew   uint

	OTPDigits    int
	ChallengeTTL time.Duration

	SetupSessionTTL  time.Duration
	SetupMaxAttempts int

	BackupCodeCount  int
	BackupCodeLength int

	EncryptionKey []byte

	TOTPLimit    VerifyLimitConfig
	EmailLimit   VerifyLimitConfig
	BackupLimit  VerifyLimitConfig
	PasskeyLimit VerifyLimitConfig
}

/*
====================================
PERMISSION CONFIG
====================================
*/

// PermissionConfig carries the path-rule engine's operator toggles. The
// defaults are the fail-closed posture; every relaxation is an explicit
// operational escape hatch.
type PermissionConfig struct {
	APIPrefix string

	// EnableRestrictions off degrades role/license denials to audited allows.
	EnableRestrictions bool
	// AllowEmptyPermissions permits requests while the rule table is empty
	// or unloadable.
	AllowEmptyPermissions bool
	// AllowUnknownAPIPaths permits requests whose path matches no rule.
	AllowUnknownAPIPaths bool

	CacheTTL time.Duration
}

// PasswordConfig carries argon2id parameters (memory in KB).
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// LoginConfig tunes credential-attempt throttling.
type LoginConfig struct {
	EnableThrottle bool
	MaxAttempts    int
	Cooldown       time.Duration
}

// AuditConfig controls audit dispatcher buffering.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// SecurityConfig carries deployment-environment switches.
type SecurityConfig struct {
	// ProductionMode hardens cookies (Secure, SameSite=Strict) and is
	// reported by audit events.
	ProductionMode bool
}

// CookieConfig tunes the cookies emitted by the cookie helpers.
type CookieConfig struct {
	Domain string
}

// DefaultConfig returns the engine defaults: platform lifetimes (4h access,
// 30m pre-auth, 7d refresh, 30m setup sessions, 5m challenges) and the four
// verification windows.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:       4 * time.Hour,
			PreAuthTTL:      30 * time.Minute,
			RefreshTTL:      7 * 24 * time.Hour,
			Issuer:          "progrc-auth",
			AccessAudience:  "progrc-auth",
			PreAuthAudience: "progrc-mfa",
			RefreshAudience: "progrc-auth-refresh",
			Leeway:          30 * time.Second,
		},
		MFA: MFAConfig{
			TOTPIssuer:       "ProGRC",
			TOTPPeriod:       30,
			TOTPSkew:         1,
			OTPDigits:        6,
			ChallengeTTL:     5 * time.Minute,
			SetupSessionTTL:  30 * time.Minute,
			SetupMaxAttempts: 3,
			BackupCodeCount:  10,
			BackupCodeLength: 8,
			TOTPLimit:        VerifyLimitConfig{MaxAttempts: 5, Window: 15 * time.Minute},
			EmailLimit:       VerifyLimitConfig{MaxAttempts: 3, Window: 10 * time.Minute},
			BackupLimit:      VerifyLimitConfig{MaxAttempts: 3, Window: 30 * time.Minute},
			PasskeyLimit:     VerifyLimitConfig{MaxAttempts: 5, Window: 15 * time.Minute},
		},
		Permission: PermissionConfig{
			APIPrefix:          "/api/v1",
			EnableRestrictions: true,
			CacheTTL:           5 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Login: LoginConfig{
			EnableThrottle: true,
			MaxAttempts:    5,
			Cooldown:       15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Validate checks invariants that would otherwise surface as runtime
// surprises deep inside a flow.
func (c Config) Validate() error {
	if c.JWT.AccessTTL <= 0 || c.JWT.PreAuthTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("jwt TTLs must be positive")
	}
	if c.JWT.PreAuthTTL >= c.JWT.AccessTTL {
		return errors.New("pre-auth TTL must be shorter than access TTL")
	}
	if len(c.JWT.SigningKeyPEM) == 0 || len(c.JWT.VerifyKeyPEM) == 0 {
		return errors.New("jwt signing and verify keys required")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		return errors.New("refresh secret must be at least 32 bytes")
	}
	if c.JWT.Issuer == "" || c.JWT.AccessAudience == "" || c.JWT.PreAuthAudience == "" || c.JWT.RefreshAudience == "" {
		return errors.New("jwt issuer and audiences required")
	}
	if c.JWT.AccessAudience == c.JWT.PreAuthAudience || c.JWT.AccessAudience == c.JWT.RefreshAudience {
		return errors.New("token audiences must be distinct")
	}
	if len(c.MFA.EncryptionKey) != 32 {
		return errors.New("mfa encryption key must be 32 bytes")
	}
	if c.MFA.OTPDigits < 6 || c.MFA.OTPDigits > 10 {
		return errors.New("otp digits must be 6-10")
	}
	if c.MFA.SetupMaxAttempts <= 0 || c.MFA.SetupSessionTTL <= 0 || c.MFA.ChallengeTTL <= 0 {
		return errors.New("mfa setup/challenge tunables must be positive")
	}
	if c.MFA.BackupCodeCount <= 0 || c.MFA.BackupCodeLength < 8 {
		return errors.New("backup code count must be positive and length >= 8")
	}
	for _, l := range []VerifyLimitConfig{c.MFA.TOTPLimit, c.MFA.EmailLimit, c.MFA.BackupLimit, c.MFA.PasskeyLimit} {
		if l.MaxAttempts <= 0 || l.Window <= 0 {
			return errors.New("verification limits must be positive")
		}
	}
	if c.Permission.APIPrefix == "" {
		return errors.New("permission api prefix required")
	}
	if c.Permission.CacheTTL <= 0 {
		return errors.New("permission cache TTL must be positive")
	}
	return nil
}

// Environment variable names for ConfigFromEnv. The permission toggle names
// are part of the platform's operational surface and must not change.
const (
	EnvSigningKey            = "AUTH_SIGNING_PRIVATE_KEY"
	EnvVerifyKey             = "AUTH_SIGNING_PUBLIC_KEY"
	EnvRefreshSecret         = "AUTH_REFRESH_SECRET"
	EnvMFAEncryptionKey      = "MFA_ENCRYPTION_KEY"
	EnvEnableRestrictions    = "ENABLE_PERMISSION_RESTRICTIONS"
	EnvAllowEmptyPermissions = "ALLOW_EMPTY_PERMISSIONS"
	EnvAllowUnknownAPIPaths  = "ALLOW_UNKNOWN_API_PATHS"
	EnvProduction            = "PRODUCTION"
)

// ConfigFromEnv builds a Config from DefaultConfig plus the environment.
// A .env file is loaded when present; real environment variables win.
func ConfigFromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.JWT.SigningKeyPEM = []byte(os.Getenv(EnvSigningKey))
	cfg.JWT.VerifyKeyPEM = []byte(os.Getenv(EnvVerifyKey))
	cfg.JWT.RefreshSecret = []byte(os.Getenv(EnvRefreshSecret))
	cfg.MFA.EncryptionKey = []byte(os.Getenv(EnvMFAEncryptionKey))

	cfg.Permission.EnableRestrictions = envBool(EnvEnableRestrictions, cfg.Permission.EnableRestrictions)
	cfg.Permission.AllowEmptyPermissions = envBool(EnvAllowEmptyPermissions, cfg.Permission.AllowEmptyPermissions)
	cfg.Permission.AllowUnknownAPIPaths = envBool(EnvAllowUnknownAPIPaths, cfg.Permission.AllowUnknownAPIPaths)
	cfg.Security.ProductionMode = envBool(EnvProduction, cfg.Security.ProductionMode)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envBool(name string, fallback bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.SigningKeyPEM = cloneBytes(cfg.JWT.SigningKeyPEM)
	out.JWT.VerifyKeyPEM = cloneBytes(cfg.JWT.VerifyKeyPEM)
	out.JWT.RefreshSecret = cloneBytes(cfg.JWT.RefreshSecret)
	out.MFA.EncryptionKey = cloneBytes(cfg.MFA.EncryptionKey)
	return out
}
