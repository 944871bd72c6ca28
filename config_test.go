package authcore

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.JWT.AccessTTL != 4*time.Hour {
		t.Fatalf("access TTL = %v", cfg.JWT.AccessTTL)
	}
	if cfg.JWT.PreAuthTTL != 30*time.Minute {
		t.Fatalf("pre-auth TTL = %v", cfg.JWT.PreAuthTTL)
	}
	if cfg.JWT.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("refresh TTL = %v", cfg.JWT.RefreshTTL)
	}
	if cfg.JWT.AccessAudience == cfg.JWT.PreAuthAudience {
		t.Fatal("access and pre-auth audiences must differ")
	}
	if cfg.MFA.SetupSessionTTL != 30*time.Minute || cfg.MFA.SetupMaxAttempts != 3 {
		t.Fatalf("setup tunables = %v/%d", cfg.MFA.SetupSessionTTL, cfg.MFA.SetupMaxAttempts)
	}
	if cfg.MFA.BackupCodeCount != 10 || cfg.MFA.BackupCodeLength != 8 {
		t.Fatalf("backup codes = %d x %d", cfg.MFA.BackupCodeCount, cfg.MFA.BackupCodeLength)
	}
	if !cfg.Permission.EnableRestrictions {
		t.Fatal("restrictions must default on")
	}
	if cfg.Permission.AllowEmptyPermissions || cfg.Permission.AllowUnknownAPIPaths {
		t.Fatal("escape hatches must default off")
	}
	if !cfg.Login.EnableThrottle || cfg.Login.MaxAttempts != 5 || cfg.Login.Cooldown != 15*time.Minute {
		t.Fatalf("login throttle = %+v", cfg.Login)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := testConfig(t).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*Config){
		"zero access TTL":          func(c *Config) { c.JWT.AccessTTL = 0 },
		"pre-auth outlives access": func(c *Config) { c.JWT.PreAuthTTL = c.JWT.AccessTTL },
		"missing signing key":      func(c *Config) { c.JWT.SigningKeyPEM = nil },
		"missing verify key":       func(c *Config) { c.JWT.VerifyKeyPEM = nil },
		"short refresh secret":     func(c *Config) { c.JWT.RefreshSecret = []byte("short") },
		"missing issuer":           func(c *Config) { c.JWT.Issuer = "" },
		"colliding audiences":      func(c *Config) { c.JWT.PreAuthAudience = c.JWT.AccessAudience },
		"bad encryption key":       func(c *Config) { c.MFA.EncryptionKey = []byte("too short") },
		"otp digits too few":       func(c *Config) { c.MFA.OTPDigits = 5 },
		"otp digits too many":      func(c *Config) { c.MFA.OTPDigits = 11 },
		"zero setup attempts":      func(c *Config) { c.MFA.SetupMaxAttempts = 0 },
		"short backup codes":       func(c *Config) { c.MFA.BackupCodeLength = 4 },
		"zero verify window":       func(c *Config) { c.MFA.TOTPLimit.Window = 0 },
		"missing api prefix":       func(c *Config) { c.Permission.APIPrefix = "" },
		"zero cache TTL":           func(c *Config) { c.Permission.CacheTTL = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	priv, pub := testKeyPair(t)
	t.Setenv(EnvSigningKey, string(priv))
	t.Setenv(EnvVerifyKey, string(pub))
	t.Setenv(EnvRefreshSecret, "0123456789abcdef0123456789abcdef")
	t.Setenv(EnvMFAEncryptionKey, "an-encryption-key-of-32-bytes!!!")
	t.Setenv(EnvEnableRestrictions, "false")
	t.Setenv(EnvAllowUnknownAPIPaths, "true")
	t.Setenv(EnvProduction, "true")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config from env: %v", err)
	}
	if cfg.Permission.EnableRestrictions {
		t.Fatal("restrictions toggle not applied")
	}
	if !cfg.Permission.AllowUnknownAPIPaths {
		t.Fatal("unknown-path toggle not applied")
	}
	if cfg.Permission.AllowEmptyPermissions {
		t.Fatal("untouched toggle must keep its default")
	}
	if !cfg.Security.ProductionMode {
		t.Fatal("production toggle not applied")
	}

	// Unparseable booleans fall back to the default.
	t.Setenv(EnvEnableRestrictions, "definitely")
	cfg, err = ConfigFromEnv()
	if err != nil {
		t.Fatalf("config from env: %v", err)
	}
	if !cfg.Permission.EnableRestrictions {
		t.Fatal("garbage boolean must fall back to the default")
	}
}

func TestConfigFromEnvRejectsMissingSecrets(t *testing.T) {
	t.Setenv(EnvSigningKey, "")
	t.Setenv(EnvVerifyKey, "")
	t.Setenv(EnvRefreshSecret, "")
	t.Setenv(EnvMFAEncryptionKey, "")

	if _, err := ConfigFromEnv(); err == nil {
		t.Fatal("expected an error without signing material")
	}
}

func TestCloneConfigIsolatesKeyMaterial(t *testing.T) {
	cfg := testConfig(t)
	clone := cloneConfig(cfg)

	cfg.JWT.RefreshSecret[0] ^= 0xff
	cfg.MFA.EncryptionKey[0] ^= 0xff

	if clone.JWT.RefreshSecret[0] == cfg.JWT.RefreshSecret[0] {
		t.Fatal("refresh secret shared with the original")
	}
	if clone.MFA.EncryptionKey[0] == cfg.MFA.EncryptionKey[0] {
		t.Fatal("encryption key shared with the original")
	}
}
