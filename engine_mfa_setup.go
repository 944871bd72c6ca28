package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/progrc/authcore/internal"
)

// InitiateSetup opens a device-enrollment session for the user. Any
// non-terminal session of the same type is expired first, so the newest
// initiation always wins; this supersede rule is also what serializes
// concurrent initiations across replicas.
//
// EMAIL setup is refused while an ACTIVE email device exists: a user has one
// email factor.
func (e *Engine) InitiateSetup(ctx context.Context, userID string, deviceType DeviceType, name string) (*SetupResponse, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if err := e.checkDeviceTypeAvailable(deviceType); err != nil {
		return nil, err
	}

	if deviceType == DeviceEmail {
		devices, err := e.devices.ListDevices(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		for _, d := range devices {
			if d.Type == DeviceEmail && d.Status == DeviceActive {
				return nil, ErrEmailDeviceExists
			}
		}
	}

	prior, err := e.setups.ActiveSetupSession(ctx, userID, deviceType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if prior != nil {
		prior.Status = SetupExpired
		if err := e.setups.UpdateSetupSession(ctx, *prior); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		e.metricInc(MetricSetupExpired)
	}

	now := time.Now()
	session := SetupSession{
		SessionID:  uuid.NewString(),
		UserID:     userID,
		Type:       deviceType,
		DeviceName: deviceName(deviceType, name),
		Status:     SetupInProgress,
		ExpiresAt:  now.Add(e.config.MFA.SetupSessionTTL),
		CreatedAt:  now,
	}
	if err := e.setups.CreateSetupSession(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricSetupInitiated)
	e.emitAudit(ctx, auditEventSetupInitiated, true, userID, "", nil, func() map[string]string {
		return map[string]string{"device_type": string(deviceType)}
	})

	return &SetupResponse{
		SessionID:  session.SessionID,
		DeviceType: session.Type,
		DeviceName: session.DeviceName,
		ExpiresAt:  session.ExpiresAt,
	}, nil
}

// ConfigureSetup generates the provisioning artifact for an IN_PROGRESS
// session and moves it to PENDING_VERIFICATION. TOTP sessions get a secret
// and provisioning URI; email sessions get an OTP mailed out; passkey
// sessions get a registration challenge.
func (e *Engine) ConfigureSetup(ctx context.Context, userID, sessionID string) (*ConfigureResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	session, err := e.loadSetupSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SetupInProgress {
		return nil, fmt.Errorf("%w: session is %s", ErrSetupSessionState, session.Status)
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	result := &ConfigureResult{
		SessionID:  session.SessionID,
		DeviceType: session.Type,
		ExpiresAt:  session.ExpiresAt,
	}

	switch session.Type {
	case DeviceTOTP:
		uri, secret, err := e.totp.Generate(user.Email)
		if err != nil {
			return nil, err
		}
		sealed, err := e.secrets.Seal([]byte(secret))
		if err != nil {
			return nil, err
		}
		session.SetupData = sealed
		result.TOTP = &TOTPSetup{QRCode: uri, ManualEntryKey: secret}

	case DeviceEmail:
		code, err := internal.NewOTP(e.config.MFA.OTPDigits)
		if err != nil {
			return nil, err
		}
		hash := internal.HashCode(code)
		if err := e.challenges.Save(ctx, challengeEmailSetup, userID, pendingChallenge{
			ChallengeID: uuid.NewString(),
			CodeHash:    hash[:],
		}, e.config.MFA.ChallengeTTL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if err := e.mailer.SendOTP(ctx, user.Email, code); err != nil {
			return nil, fmt.Errorf("%w: otp delivery failed: %v", ErrDeviceTypeUnavailable, err)
		}

	case DevicePasskey:
		raw, err := internal.NewChallenge()
		if err != nil {
			return nil, err
		}
		if err := e.challenges.Save(ctx, challengePasskeySetup, userID, pendingChallenge{
			ChallengeID: uuid.NewString(),
			Raw:         raw,
		}, e.config.MFA.ChallengeTTL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		result.PasskeyChallenge = raw

	default:
		return nil, fmt.Errorf("%w: unknown device type %q", ErrBadRequest, session.Type)
	}

	session.Status = SetupPendingVerification
	if err := e.setups.UpdateSetupSession(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.emitAudit(ctx, auditEventSetupConfigured, true, userID, "", nil, func() map[string]string {
		return map[string]string{"device_type": string(session.Type)}
	})
	return result, nil
}

// CompleteSetup verifies the user's proof of possession for a TOTP or email
// session and creates the device. Three failed attempts fail the session for
// good; the user starts over with InitiateSetup.
func (e *Engine) CompleteSetup(ctx context.Context, userID, sessionID, code string) (*MFADevice, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	session, err := e.loadSetupSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SetupPendingVerification {
		return nil, fmt.Errorf("%w: session is %s", ErrSetupSessionState, session.Status)
	}

	var device MFADevice
	switch session.Type {
	case DeviceTOTP:
		secret, err := e.secrets.Open(session.SetupData)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSetupSessionState, err)
		}
		if !e.totp.Verify(code, string(secret), time.Now()) {
			return nil, e.failSetupAttempt(ctx, session)
		}
		device = MFADevice{Type: DeviceTOTP, Secret: session.SetupData}

	case DeviceEmail:
		rec, err := e.challenges.Get(ctx, challengeEmailSetup, userID)
		if err != nil {
			return nil, setupChallengeError(err)
		}
		hash := internal.HashCode(code)
		if subtle.ConstantTimeCompare(hash[:], rec.CodeHash) != 1 {
			return nil, e.failSetupAttempt(ctx, session)
		}
		_ = e.challenges.Delete(ctx, challengeEmailSetup, userID)
		device = MFADevice{Type: DeviceEmail}

	default:
		return nil, fmt.Errorf("%w: use CompleteSetupPasskey for %q", ErrBadRequest, session.Type)
	}

	return e.finishSetup(ctx, session, device)
}

// CompleteSetupPasskey verifies a WebAuthn registration response against the
// stored challenge and creates the passkey device.
func (e *Engine) CompleteSetupPasskey(ctx context.Context, userID, sessionID string, attestation []byte) (*MFADevice, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.passkeys == nil {
		return nil, fmt.Errorf("%w: no passkey verifier configured", ErrDeviceTypeUnavailable)
	}

	session, err := e.loadSetupSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SetupPendingVerification {
		return nil, fmt.Errorf("%w: session is %s", ErrSetupSessionState, session.Status)
	}
	if session.Type != DevicePasskey {
		return nil, fmt.Errorf("%w: session is for %q", ErrBadRequest, session.Type)
	}

	rec, err := e.challenges.Get(ctx, challengePasskeySetup, userID)
	if err != nil {
		return nil, setupChallengeError(err)
	}

	credentialID, publicKey, signCount, err := e.passkeys.VerifyAttestation(ctx, rec.Raw, attestation)
	if err != nil {
		return nil, e.failSetupAttempt(ctx, session)
	}
	_ = e.challenges.Delete(ctx, challengePasskeySetup, userID)

	return e.finishSetup(ctx, session, MFADevice{
		Type:         DevicePasskey,
		CredentialID: credentialID,
		PublicKey:    publicKey,
		SignCount:    signCount,
	})
}

// CancelSetup fails a non-terminal session at the user's request.
func (e *Engine) CancelSetup(ctx context.Context, userID, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	session, err := e.loadSetupSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	session.Status = SetupFailed
	if err := e.setups.UpdateSetupSession(ctx, session); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.emitAudit(ctx, auditEventSetupCancelled, true, userID, "", nil, nil)
	return nil
}

/*
====================================
SETUP INTERNALS
====================================
*/

// loadSetupSession fetches the session, enforces ownership, and applies lazy
// expiry: any reader observing a past deadline marks the session EXPIRED.
func (e *Engine) loadSetupSession(ctx context.Context, userID, sessionID string) (SetupSession, error) {
	session, err := e.setups.GetSetupSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSetupSessionNotFound) {
			return SetupSession{}, ErrSetupSessionNotFound
		}
		return SetupSession{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if session.UserID != userID {
		return SetupSession{}, ErrSetupSessionNotFound
	}
	if session.Status == SetupCompleted || session.Status == SetupFailed || session.Status == SetupExpired {
		return SetupSession{}, fmt.Errorf("%w: session is %s", ErrSetupSessionState, session.Status)
	}
	if time.Now().After(session.ExpiresAt) {
		session.Status = SetupExpired
		if err := e.setups.UpdateSetupSession(ctx, session); err != nil {
			e.logger.Warn("expiring setup session failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		e.metricInc(MetricSetupExpired)
		return SetupSession{}, ErrSetupSessionExpired
	}
	return session, nil
}

// failSetupAttempt counts one failed verification. The third failure is
// terminal.
func (e *Engine) failSetupAttempt(ctx context.Context, session SetupSession) error {
	session.Attempts++
	exhausted := session.Attempts >= e.config.MFA.SetupMaxAttempts
	if exhausted {
		session.Status = SetupFailed
	}
	if err := e.setups.UpdateSetupSession(ctx, session); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if exhausted {
		e.metricInc(MetricSetupFailed)
		e.emitAudit(ctx, auditEventSetupFailed, false, session.UserID, "", ErrSetupAttemptsExceeded, nil)
		return ErrSetupAttemptsExceeded
	}
	e.emitAudit(ctx, auditEventSetupFailed, false, session.UserID, "", ErrMFACodeInvalid, nil)
	return ErrMFACodeInvalid
}

// setupChallengeError maps a challenge-store miss during setup. An expired or
// vanished challenge is not a wrong code, so it does not consume an attempt.
func setupChallengeError(err error) error {
	switch {
	case errors.Is(err, errChallengeExpired), errors.Is(err, errChallengeNotFound):
		return fmt.Errorf("%w: configure the session again", ErrChallengeExpired)
	default:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
}

func (e *Engine) finishSetup(ctx context.Context, session SetupSession, device MFADevice) (*MFADevice, error) {
	devices, err := e.devices.ListDevices(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	hasActive := false
	for _, d := range devices {
		if d.Status == DeviceActive {
			hasActive = true
			break
		}
	}

	now := time.Now()
	device.DeviceID = uuid.NewString()
	device.UserID = session.UserID
	device.Name = session.DeviceName
	device.Status = DeviceActive
	device.IsPrimary = !hasActive
	device.CreatedAt = now

	if err := e.devices.CreateDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	session.Status = SetupCompleted
	if err := e.setups.UpdateSetupSession(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricSetupCompleted)
	e.emitAudit(ctx, auditEventSetupCompleted, true, session.UserID, "", nil, func() map[string]string {
		return map[string]string{"device_type": string(device.Type), "device_id": device.DeviceID}
	})
	e.notify(ctx, session.UserID, "Security device added",
		fmt.Sprintf("A new %s device %q was added to your account.", device.Type, device.Name))

	return &device, nil
}

func (e *Engine) checkDeviceTypeAvailable(t DeviceType) error {
	switch t {
	case DeviceTOTP:
		return nil
	case DeviceEmail:
		if e.mailer == nil {
			return fmt.Errorf("%w: no mailer configured", ErrDeviceTypeUnavailable)
		}
		return nil
	case DevicePasskey:
		if e.passkeys == nil {
			return fmt.Errorf("%w: no passkey verifier configured", ErrDeviceTypeUnavailable)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown device type %q", ErrBadRequest, t)
	}
}

// notify sends a best-effort account notification.
func (e *Engine) notify(ctx context.Context, userID, subject, body string) {
	if e.mailer == nil {
		return
	}
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return
	}
	if err := e.mailer.SendNotification(ctx, user.Email, subject, body); err != nil {
		e.logger.Warn("notification delivery failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func deviceName(t DeviceType, name string) string {
	if name != "" {
		return name
	}
	switch t {
	case DeviceTOTP:
		return "Authenticator app"
	case DeviceEmail:
		return "Email"
	case DevicePasskey:
		return "Passkey"
	default:
		return string(t)
	}
}
