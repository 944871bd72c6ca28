package authcore

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpManager wraps TOTP generation and validation around the configured
// issuer, period, and clock-skew tolerance.
type totpManager struct {
	issuer string
	period uint
	skew   uint
}

func newTOTPManager(cfg MFAConfig) *totpManager {
	return &totpManager{
		issuer: cfg.TOTPIssuer,
		period: cfg.TOTPPeriod,
		skew:   cfg.TOTPSkew,
	}
}

// Generate creates a fresh secret for account and returns the otpauth://
// provisioning URI plus the base32 secret for manual entry.
func (m *totpManager) Generate(account string) (uri, secret string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account,
		Period:      m.period,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}
	return key.URL(), key.Secret(), nil
}

// Verify checks code against secret at now, accepting the configured number
// of adjacent time steps on either side.
func (m *totpManager) Verify(code, secret string, now time.Time) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, now, totp.ValidateOpts{
		Period:    m.period,
		Skew:      m.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
