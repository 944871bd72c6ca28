package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/progrc/authcore/internal"
	"github.com/progrc/authcore/internal/rate"
)

// Verification limiter actions. Each has its own window (§Config); counters
// live in the shared store so the limits hold across replicas.
const (
	actionTOTP    = "totp"
	actionEmail   = "email-otp"
	actionBackup  = "backup-code"
	actionPasskey = "passkey"
)

const (
	fallbackEmailOTP   = "email_otp"
	fallbackBackupCode = "backup_code"
)

// GenerateChallenge issues an MFA challenge under a pre-auth token. With a
// device id the challenge targets that device; without one it targets the
// primary device and lists the alternatives and fallbacks.
func (e *Engine) GenerateChallenge(ctx context.Context, preAuthToken, deviceID string) (*MFAChallenge, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	claims, err := e.VerifyPreAuthToken(preAuthToken)
	if err != nil {
		return nil, err
	}
	user, err := e.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return e.buildChallenge(ctx, user, deviceID)
}

func (e *Engine) buildChallenge(ctx context.Context, user UserRecord, deviceID string) (*MFAChallenge, error) {
	devices, err := e.devices.ListDevices(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var active []MFADevice
	for _, d := range devices {
		if d.Status == DeviceActive {
			active = append(active, d)
		}
	}
	if len(active) == 0 {
		return &MFAChallenge{EnrollmentRequired: true}, nil
	}

	target, err := pickChallengeDevice(active, deviceID)
	if err != nil {
		return nil, err
	}

	challenge := &MFAChallenge{
		DeviceID:        target.DeviceID,
		Type:            target.Type,
		FallbackOptions: []string{fallbackEmailOTP, fallbackBackupCode},
	}
	for _, d := range active {
		if d.DeviceID == target.DeviceID {
			continue
		}
		challenge.AlternativeDevices = append(challenge.AlternativeDevices, DeviceSummary{
			DeviceID:  d.DeviceID,
			Type:      d.Type,
			Name:      d.Name,
			IsPrimary: d.IsPrimary,
		})
	}

	switch target.Type {
	case DeviceTOTP:
		challenge.Instruction = "Enter the code from your authenticator app."

	case DeviceEmail:
		code, err := internal.NewOTP(e.config.MFA.OTPDigits)
		if err != nil {
			return nil, err
		}
		hash := internal.HashCode(code)
		challengeID := uuid.NewString()
		if err := e.challenges.Save(ctx, challengeEmailLogin, user.UserID, pendingChallenge{
			ChallengeID: challengeID,
			DeviceID:    target.DeviceID,
			CodeHash:    hash[:],
		}, e.config.MFA.ChallengeTTL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if err := e.mailer.SendOTP(ctx, user.Email, code); err != nil {
			return nil, fmt.Errorf("%w: otp delivery failed: %v", ErrDeviceTypeUnavailable, err)
		}
		challenge.ChallengeID = challengeID
		challenge.Instruction = "Enter the code we sent to your email address."

	case DevicePasskey:
		raw, err := internal.NewChallenge()
		if err != nil {
			return nil, err
		}
		challengeID := uuid.NewString()
		if err := e.challenges.Save(ctx, challengePasskeyLogin, user.UserID, pendingChallenge{
			ChallengeID: challengeID,
			DeviceID:    target.DeviceID,
			Raw:         raw,
		}, e.config.MFA.ChallengeTTL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		challenge.ChallengeID = challengeID
		challenge.PasskeyChallenge = raw
		challenge.Instruction = "Approve the sign-in with your passkey."
	}

	e.metricInc(MetricChallengeIssued)
	e.emitAudit(ctx, auditEventChallengeIssued, true, user.UserID, user.CustomerID, nil, func() map[string]string {
		return map[string]string{"device_type": string(target.Type), "device_id": target.DeviceID}
	})
	return challenge, nil
}

// pickChallengeDevice selects the requested device, or falls back to the
// primary, or the first active device.
func pickChallengeDevice(active []MFADevice, deviceID string) (MFADevice, error) {
	if deviceID != "" {
		for _, d := range active {
			if d.DeviceID == deviceID {
				return d, nil
			}
		}
		return MFADevice{}, ErrDeviceNotFound
	}
	for _, d := range active {
		if d.IsPrimary {
			return d, nil
		}
	}
	return active[0], nil
}

/*
====================================
VERIFICATION (SESSION-ISSUING)
====================================
*/

// VerifyTOTP completes login with an authenticator code and issues the full
// session.
func (e *Engine) VerifyTOTP(ctx context.Context, preAuthToken, code string) (*Session, error) {
	return e.verifyAndIssue(ctx, preAuthToken, MetricTOTPSuccess, MetricTOTPFailure, string(DeviceTOTP),
		func(userID string) error { return e.verifyTOTPCode(ctx, userID, code) })
}

// VerifyEmailOTP completes login with the emailed one-time code.
func (e *Engine) VerifyEmailOTP(ctx context.Context, preAuthToken, code string) (*Session, error) {
	return e.verifyAndIssue(ctx, preAuthToken, MetricEmailOTPSuccess, MetricEmailOTPFailure, string(DeviceEmail),
		func(userID string) error { return e.verifyEmailOTPCode(ctx, userID, code) })
}

// VerifyBackupCode completes login by consuming a single-use backup code.
func (e *Engine) VerifyBackupCode(ctx context.Context, preAuthToken, code string) (*Session, error) {
	return e.verifyAndIssue(ctx, preAuthToken, MetricBackupCodeSuccess, MetricBackupCodeFailure, "BACKUP",
		func(userID string) error { return e.consumeBackupCode(ctx, userID, code) })
}

// VerifyPasskey completes login with a WebAuthn assertion.
func (e *Engine) VerifyPasskey(ctx context.Context, preAuthToken string, assertion []byte) (*Session, error) {
	return e.verifyAndIssue(ctx, preAuthToken, MetricPasskeySuccess, MetricPasskeyFailure, string(DevicePasskey),
		func(userID string) error { return e.verifyPasskeyAssertion(ctx, userID, assertion) })
}

func (e *Engine) verifyAndIssue(
	ctx context.Context,
	preAuthToken string,
	successMetric, failureMetric MetricID,
	factor string,
	verify func(userID string) error,
) (*Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	claims, err := e.VerifyPreAuthToken(preAuthToken)
	if err != nil {
		return nil, err
	}

	if err := verify(claims.UserID); err != nil {
		if errors.Is(err, ErrMFARateLimited) {
			e.metricInc(MetricVerifyRateLimited)
			e.emitAudit(ctx, auditEventMFARateLimited, false, claims.UserID, claims.CustomerID, err, func() map[string]string {
				return map[string]string{"factor": factor}
			})
		} else {
			e.metricInc(failureMetric)
			e.emitAudit(ctx, auditEventMFAVerifyFailure, false, claims.UserID, claims.CustomerID, err, func() map[string]string {
				return map[string]string{"factor": factor}
			})
		}
		return nil, err
	}

	e.metricInc(successMetric)
	e.emitAudit(ctx, auditEventMFAVerifySuccess, true, claims.UserID, claims.CustomerID, nil, func() map[string]string {
		return map[string]string{"factor": factor}
	})
	return e.completeMFASession(ctx, claims)
}

/*
====================================
VERIFICATION (MECHANISMS)
====================================
*/

// verifyTOTPCode checks code against the user's TOTP devices. The limiter is
// consulted first: an exhausted budget fails fast without touching a secret.
// First successful use of a PENDING device promotes it to ACTIVE.
func (e *Engine) verifyTOTPCode(ctx context.Context, userID, code string) error {
	if err := e.checkVerifyLimit(ctx, actionTOTP, userID, e.config.MFA.TOTPLimit); err != nil {
		return err
	}

	devices, err := e.devices.ListDevices(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	now := time.Now()
	tried := false
	for _, d := range devices {
		if d.Type != DeviceTOTP || d.Status == DeviceDisabled {
			continue
		}
		tried = true

		secret, err := e.secrets.Open(d.Secret)
		if err != nil {
			e.logger.Warn("unreadable totp secret",
				zap.String("user_id", userID), zap.String("device_id", d.DeviceID))
			continue
		}
		if !e.totp.Verify(code, string(secret), now) {
			continue
		}

		if d.Status == DevicePending {
			if err := e.devices.UpdateDeviceStatus(ctx, userID, d.DeviceID, DeviceActive); err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
		}
		e.touchDevice(ctx, userID, d.DeviceID, now)
		return e.resetVerifyLimit(ctx, actionTOTP, userID)
	}
	if !tried {
		return ErrNoActiveDevice
	}
	return e.recordVerifyFailure(ctx, actionTOTP, userID, e.config.MFA.TOTPLimit)
}

// verifyEmailOTPCode checks code against the pending email challenge. An
// expired or missing challenge is reported as such and does not consume an
// attempt; a wrong code does.
func (e *Engine) verifyEmailOTPCode(ctx context.Context, userID, code string) error {
	if err := e.checkVerifyLimit(ctx, actionEmail, userID, e.config.MFA.EmailLimit); err != nil {
		return err
	}

	rec, err := e.challenges.Get(ctx, challengeEmailLogin, userID)
	if err != nil {
		switch {
		case errors.Is(err, errChallengeNotFound), errors.Is(err, errChallengeExpired):
			return fmt.Errorf("%w: request a new code", ErrChallengeExpired)
		default:
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	hash := internal.HashCode(strings.TrimSpace(code))
	if subtle.ConstantTimeCompare(hash[:], rec.CodeHash) != 1 {
		return e.recordVerifyFailure(ctx, actionEmail, userID, e.config.MFA.EmailLimit)
	}

	// Single use: the challenge dies with its first successful match.
	_ = e.challenges.Delete(ctx, challengeEmailLogin, userID)
	if rec.DeviceID != "" {
		e.touchDevice(ctx, userID, rec.DeviceID, time.Now())
	}
	return e.resetVerifyLimit(ctx, actionEmail, userID)
}

// consumeBackupCode atomically spends one unused backup code.
func (e *Engine) consumeBackupCode(ctx context.Context, userID, code string) error {
	if err := e.checkVerifyLimit(ctx, actionBackup, userID, e.config.MFA.BackupLimit); err != nil {
		return err
	}

	hash := internal.HashCode(strings.ToUpper(strings.TrimSpace(code)))
	used, err := e.backupCodes.ConsumeBackupCode(ctx, userID, hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !used {
		return e.recordVerifyFailure(ctx, actionBackup, userID, e.config.MFA.BackupLimit)
	}
	return e.resetVerifyLimit(ctx, actionBackup, userID)
}

// verifyPasskeyAssertion checks a WebAuthn assertion against the pending
// challenge and each active passkey credential; the verifier owns all
// cryptographic judgment. A replayed-counter rejection surfaces as a failed
// attempt like any other.
func (e *Engine) verifyPasskeyAssertion(ctx context.Context, userID string, assertion []byte) error {
	if e.passkeys == nil {
		return fmt.Errorf("%w: no passkey verifier configured", ErrDeviceTypeUnavailable)
	}
	if err := e.checkVerifyLimit(ctx, actionPasskey, userID, e.config.MFA.PasskeyLimit); err != nil {
		return err
	}

	rec, err := e.challenges.Get(ctx, challengePasskeyLogin, userID)
	if err != nil {
		switch {
		case errors.Is(err, errChallengeNotFound), errors.Is(err, errChallengeExpired):
			return fmt.Errorf("%w: request a new challenge", ErrChallengeExpired)
		default:
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	devices, err := e.devices.ListDevices(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	tried := false
	for _, d := range devices {
		if d.Type != DevicePasskey || d.Status != DeviceActive {
			continue
		}
		tried = true

		newCount, err := e.passkeys.VerifyAssertion(ctx, rec.Raw, d.CredentialID, d.PublicKey, d.SignCount, assertion)
		if err != nil {
			continue
		}

		if err := e.devices.UpdateCredentialCounter(ctx, userID, d.DeviceID, newCount); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		_ = e.challenges.Delete(ctx, challengePasskeyLogin, userID)
		e.touchDevice(ctx, userID, d.DeviceID, time.Now())
		return e.resetVerifyLimit(ctx, actionPasskey, userID)
	}
	if !tried {
		return ErrNoActiveDevice
	}
	return e.recordVerifyFailure(ctx, actionPasskey, userID, e.config.MFA.PasskeyLimit)
}

/*
====================================
LIMITER PLUMBING
====================================
*/

func (e *Engine) checkVerifyLimit(ctx context.Context, action, userID string, w VerifyLimitConfig) error {
	err := e.limiter.Check(ctx, action, userID, rate.Window{MaxAttempts: w.MaxAttempts, Period: w.Window})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrLimited):
		return ErrMFARateLimited
	default:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
}

func (e *Engine) recordVerifyFailure(ctx context.Context, action, userID string, w VerifyLimitConfig) error {
	exceeded, err := e.limiter.RecordFailure(ctx, action, userID, rate.Window{MaxAttempts: w.MaxAttempts, Period: w.Window})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if exceeded {
		return ErrMFARateLimited
	}
	return ErrMFACodeInvalid
}

func (e *Engine) resetVerifyLimit(ctx context.Context, action, userID string) error {
	if err := e.limiter.Reset(ctx, action, userID); err != nil {
		e.logger.Warn("verification limiter reset failed",
			zap.String("action", action), zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

func (e *Engine) touchDevice(ctx context.Context, userID, deviceID string, usedAt time.Time) {
	if err := e.devices.TouchDevice(ctx, userID, deviceID, usedAt); err != nil {
		e.logger.Warn("touching device failed",
			zap.String("device_id", deviceID), zap.Error(err))
	}
}
