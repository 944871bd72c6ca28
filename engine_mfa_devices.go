package authcore

import (
	"context"
	"errors"
	"fmt"
)

// Devices lists the user's non-disabled devices as client-safe summaries.
func (e *Engine) Devices(ctx context.Context, userID string) ([]DeviceSummary, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	devices, err := e.devices.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var out []DeviceSummary
	for _, d := range devices {
		if d.Status == DeviceDisabled {
			continue
		}
		out = append(out, DeviceSummary{
			DeviceID:  d.DeviceID,
			Type:      d.Type,
			Name:      d.Name,
			IsPrimary: d.IsPrimary,
		})
	}
	return out, nil
}

// EnableMFA turns MFA on for the user. The primary device is the explicit id
// when given, otherwise the device already flagged primary, otherwise the
// user's only active device. Other devices are demoted in the same write.
// When requested, a fresh batch of backup codes is generated; the plaintext
// codes in the result are shown exactly once.
func (e *Engine) EnableMFA(ctx context.Context, userID, primaryDeviceID string, generateBackupCodes bool) (*EnableMFAResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	devices, err := e.devices.ListDevices(ctx, userID)
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
		return nil, ErrNoActiveDevice
	}

	primary, err := choosePrimary(active, primaryDeviceID)
	if err != nil {
		return nil, err
	}

	if err := e.devices.SetPrimaryDevice(ctx, userID, primary.DeviceID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := e.users.SetMFAEnabled(ctx, userID, true, primary.Type); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	result := &EnableMFAResult{
		PrimaryDeviceID: primary.DeviceID,
		PrimaryType:     primary.Type,
	}
	if generateBackupCodes {
		codes, err := e.issueBackupCodes(ctx, userID)
		if err != nil {
			return nil, err
		}
		result.BackupCodes = codes
	}

	e.metricInc(MetricMFAEnabled)
	e.emitAudit(ctx, auditEventMFAEnabled, true, userID, "", nil, func() map[string]string {
		return map[string]string{"primary_type": string(primary.Type)}
	})
	e.notify(ctx, userID, "Multi-factor authentication enabled",
		"Multi-factor authentication is now required when signing in to your account.")
	return result, nil
}

func choosePrimary(active []MFADevice, deviceID string) (MFADevice, error) {
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
	if len(active) == 1 {
		return active[0], nil
	}
	return MFADevice{}, fmt.Errorf("%w: no primary device chosen", ErrBadRequest)
}

// DisableMFA turns MFA off after re-verifying the user with any factor they
// still control: an authenticator code, a backup code, or the pending email
// OTP, tried in that order with the first success winning. Unused backup
// codes are invalidated; devices stay ACTIVE so MFA can be re-enabled without
// re-enrollment.
func (e *Engine) DisableMFA(ctx context.Context, userID, confirmationCode string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !user.MFAEnabled {
		return ErrMFANotEnrolled
	}

	if err := e.reverify(ctx, userID, confirmationCode); err != nil {
		e.emitAudit(ctx, auditEventMFADisabled, false, userID, user.CustomerID, err, nil)
		return err
	}

	if err := e.backupCodes.InvalidateBackupCodes(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := e.users.SetMFAEnabled(ctx, userID, false, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, true, userID, user.CustomerID, nil, nil)
	e.notify(ctx, userID, "Multi-factor authentication disabled",
		"Multi-factor authentication was turned off for your account. If this was not you, contact support immediately.")
	return nil
}

// reverify tries the confirmation code against each factor in order. A
// rate-limited factor is skipped rather than aborting the chain; the chain
// only reports rate limiting when every factor was limited.
func (e *Engine) reverify(ctx context.Context, userID, code string) error {
	checks := []func() error{
		func() error { return e.verifyTOTPCode(ctx, userID, code) },
		func() error { return e.consumeBackupCode(ctx, userID, code) },
		func() error { return e.verifyEmailOTPCode(ctx, userID, code) },
	}

	sawInvalid := false
	sawLimited := false
	for _, check := range checks {
		err := check()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrMFARateLimited):
			sawLimited = true
		case errors.Is(err, ErrBackendUnavailable):
			return err
		default:
			sawInvalid = true
		}
	}
	if sawLimited && !sawInvalid {
		return ErrMFARateLimited
	}
	return ErrMFACodeInvalid
}

// RemoveDevice disables a device. While MFA is enabled, the last active
// device cannot be removed. Removing the primary device promotes the oldest
// remaining active device.
func (e *Engine) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	device, err := e.devices.GetDevice(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	devices, err := e.devices.ListDevices(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var remaining []MFADevice
	for _, d := range devices {
		if d.Status == DeviceActive && d.DeviceID != deviceID {
			remaining = append(remaining, d)
		}
	}

	if user.MFAEnabled && device.Status == DeviceActive && len(remaining) == 0 {
		return ErrLastDevice
	}

	if err := e.devices.UpdateDeviceStatus(ctx, userID, deviceID, DeviceDisabled); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if device.IsPrimary && len(remaining) > 0 {
		oldest := remaining[0]
		for _, d := range remaining[1:] {
			if d.CreatedAt.Before(oldest.CreatedAt) {
				oldest = d
			}
		}
		if err := e.devices.SetPrimaryDevice(ctx, userID, oldest.DeviceID); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	e.metricInc(MetricDeviceRemoved)
	e.emitAudit(ctx, auditEventDeviceRemoved, true, userID, user.CustomerID, nil, func() map[string]string {
		return map[string]string{"device_type": string(device.Type), "device_id": deviceID}
	})
	e.notify(ctx, userID, "Security device removed",
		fmt.Sprintf("The %s device %q was removed from your account.", device.Type, device.Name))
	return nil
}
