package authcore

import (
	"context"
	"fmt"

	"github.com/progrc/authcore/internal"
)

// RegenerateBackupCodes replaces the user's backup codes with a fresh batch.
// Previous codes, used or not, stop working. The plaintext codes are returned
// exactly once and never stored.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !user.MFAEnabled {
		return nil, ErrMFANotEnrolled
	}

	codes, err := e.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricBackupCodesRegenerated)
	return codes, nil
}

// issueBackupCodes generates the configured batch, stores only the hashes,
// and returns the plaintexts.
func (e *Engine) issueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	count := e.config.MFA.BackupCodeCount
	codes := make([]string, 0, count)
	records := make([]BackupCodeRecord, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		records = append(records, BackupCodeRecord{Hash: internal.HashCode(code)})
	}

	if err := e.backupCodes.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.emitAudit(ctx, auditEventBackupCodesIssued, true, userID, "", nil, func() map[string]string {
		return map[string]string{"count": fmt.Sprintf("%d", count)}
	})
	return codes, nil
}
