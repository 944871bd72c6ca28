package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/progrc/authcore/internal"
	"github.com/progrc/authcore/internal/audit"
	"github.com/progrc/authcore/internal/rate"
	"github.com/progrc/authcore/jwt"
	"github.com/progrc/authcore/password"
	"github.com/progrc/authcore/permission"
	"github.com/progrc/authcore/role"
)

// Builder assembles an [Engine]. Redis and the user, device, setup-session,
// backup-code, and token providers are required; the policy, assignment,
// mailer, passkey, and permission-source dependencies are optional and the
// features they back fail closed when absent.
type Builder struct {
	config     Config
	hasConfig  bool
	redis      redis.UniversalClient
	permSource permission.Source
	auditSink  audit.Sink
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

	built bool
}

// New starts a builder.
func New() *Builder {
	return &Builder{}
}

// WithConfig sets the engine configuration. Without it, Build fails: there is
// no usable zero configuration because signing keys are mandatory.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.hasConfig = true
	return b
}

// WithRedis sets the shared cache/counter store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithUserProvider sets the account store integration.
func (b *Builder) WithUserProvider(p UserProvider) *Builder {
	b.users = p
	return b
}

// WithDeviceProvider sets the MFA device store integration.
func (b *Builder) WithDeviceProvider(p DeviceProvider) *Builder {
	b.devices = p
	return b
}

// WithSetupSessionProvider sets the setup-session store integration.
func (b *Builder) WithSetupSessionProvider(p SetupSessionProvider) *Builder {
	b.setups = p
	return b
}

// WithBackupCodeProvider sets the backup-code store integration.
func (b *Builder) WithBackupCodeProvider(p BackupCodeProvider) *Builder {
	b.backupCodes = p
	return b
}

// WithPolicyProvider sets the security-policy store integration. Without it,
// no policy ever requires MFA and policy mutation is unavailable.
func (b *Builder) WithPolicyProvider(p PolicyProvider) *Builder {
	b.policies = p
	return b
}

// WithTokenProvider sets the refresh-token store integration.
func (b *Builder) WithTokenProvider(p TokenProvider) *Builder {
	b.tokens = p
	return b
}

// WithAssignmentProvider sets the CSM assignment integration. Without it,
// every impersonation check fails closed.
func (b *Builder) WithAssignmentProvider(p AssignmentProvider) *Builder {
	b.assignments = p
	return b
}

// WithMailer sets OTP and notification delivery. Without it, email devices
// are unavailable and notifications are skipped.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithPasskeyVerifier sets the WebAuthn verifier. Without it, passkey devices
// are unavailable.
func (b *Builder) WithPasskeyVerifier(v PasskeyVerifier) *Builder {
	b.passkeys = v
	return b
}

// WithPermissionSource sets where permission rules load from. Without it,
// AuthorizeRequest denies everything.
func (b *Builder) WithPermissionSource(s permission.Source) *Builder {
	b.permSource = s
	return b
}

// WithAuditSink sets the audit destination. Defaults to a ZapSink over the
// engine logger when auditing is enabled.
func (b *Builder) WithAuditSink(s audit.Sink) *Builder {
	b.auditSink = s
	return b
}

// Build validates the wiring and assembles the engine. A builder builds once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	if !b.hasConfig {
		return nil, errors.New("config required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user provider required")
	}
	if b.devices == nil {
		return nil, errors.New("device provider required")
	}
	if b.setups == nil {
		return nil, errors.New("setup session provider required")
	}
	if b.backupCodes == nil {
		return nil, errors.New("backup code provider required")
	}
	if b.tokens == nil {
		return nil, errors.New("token provider required")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	codec, err := jwt.NewCodec(jwt.Config{
		AccessTTL:       b.config.JWT.AccessTTL,
		PreAuthTTL:      b.config.JWT.PreAuthTTL,
		RefreshTTL:      b.config.JWT.RefreshTTL,
		Issuer:          b.config.JWT.Issuer,
		AccessAudience:  b.config.JWT.AccessAudience,
		PreAuthAudience: b.config.JWT.PreAuthAudience,
		RefreshAudience: b.config.JWT.RefreshAudience,
		SigningKeyPEM:   b.config.JWT.SigningKeyPEM,
		VerifyKeyPEM:    b.config.JWT.VerifyKeyPEM,
		RefreshSecret:   b.config.JWT.RefreshSecret,
		Leeway:          b.config.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      b.config.Password.Memory,
		Time:        b.config.Password.Time,
		Parallelism: b.config.Password.Parallelism,
		SaltLength:  b.config.Password.SaltLength,
		KeyLength:   b.config.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	secrets, err := internal.NewSecretBox(b.config.MFA.EncryptionKey)
	if err != nil {
		return nil, err
	}

	roles := role.NewHierarchy()

	var resolver *permission.Resolver
	if b.permSource != nil {
		cache := permission.NewCache(b.permSource, b.config.Permission.APIPrefix, b.config.Permission.CacheTTL)
		resolver = permission.NewResolver(permission.Config{
			APIPrefix:           b.config.Permission.APIPrefix,
			EnforcementDisabled: !b.config.Permission.EnableRestrictions,
			AllowEmptyTable:     b.config.Permission.AllowEmptyPermissions,
			AllowUnknownPaths:   b.config.Permission.AllowUnknownAPIPaths,
		}, roles, cache)
	}

	sink := b.auditSink
	if sink == nil && b.config.Audit.Enabled {
		sink = audit.NewZapSink(logger)
	}

	return &Engine{
		config:     cloneConfig(b.config),
		codec:      codec,
		roles:      roles,
		resolver:   resolver,
		limiter:    rate.New(b.redis),
		challenges: newChallengeStore(b.redis),
		audit: audit.NewDispatcher(audit.Config{
			Enabled:    b.config.Audit.Enabled,
			BufferSize: b.config.Audit.BufferSize,
			DropIfFull: b.config.Audit.DropIfFull,
		}, sink),
		metrics:     NewMetrics(b.config.Metrics),
		passwords:   hasher,
		totp:        newTOTPManager(b.config.MFA),
		secrets:     secrets,
		logger:      logger,
		users:       b.users,
		devices:     b.devices,
		setups:      b.setups,
		backupCodes: b.backupCodes,
		policies:    b.policies,
		tokens:      b.tokens,
		assignments: b.assignments,
		mailer:      b.mailer,
		passkeys:    b.passkeys,
	}, nil
}
