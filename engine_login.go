package authcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/progrc/authcore/internal/rate"
	"github.com/progrc/authcore/jwt"
)

const actionLogin = "login"

// Signup creates an account and issues a session. New accounts have no MFA
// enrollment; policy enforcement picks them up on their next login once a
// policy binds them.
func (e *Engine) Signup(ctx context.Context, req SignupRequest) (UserRecord, *Session, error) {
	if e == nil {
		return UserRecord{}, nil, ErrEngineNotReady
	}

	email := normalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return UserRecord{}, nil, fmt.Errorf("%w: invalid email", ErrBadRequest)
	}

	hash, err := e.passwords.Hash(req.Password)
	if err != nil {
		return UserRecord{}, nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	user, err := e.users.CreateUser(ctx, CreateUserInput{
		Email:             email,
		PasswordHash:      hash,
		RoleID:            req.RoleID,
		CustomerID:        req.CustomerID,
		TemporaryPassword: req.TemporaryPassword,
	})
	if err != nil {
		e.emitAudit(ctx, auditEventSignup, false, "", req.CustomerID, err, nil)
		return UserRecord{}, nil, err
	}
	e.emitAudit(ctx, auditEventSignup, true, user.UserID, user.CustomerID, nil, nil)

	if user.TemporaryPassword {
		// Temporary-password accounts authenticate through Login, which routes
		// them into the MFA/pre-auth path.
		return user, nil, nil
	}

	session, err := e.issueSession(ctx, user, "")
	if err != nil {
		return UserRecord{}, nil, err
	}
	return user, session, nil
}

// Login authenticates credentials and either issues a full session or, when a
// second factor is needed, a pre-auth token plus an MFA challenge.
//
// MFA is needed when the account uses a temporary password, has MFA enabled,
// or the resolved security policy demands it. A policy demand against a user
// with no active device sets EnrollmentRequired on the challenge; the client
// must run device setup under the pre-auth token before a session can issue.
func (e *Engine) Login(ctx context.Context, email, pass string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if err := e.checkLoginThrottle(ctx, email); err != nil {
		return nil, err
	}

	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.recordLoginFailure(ctx, email, "")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	ok, err := e.passwords.Verify(pass, user.PasswordHash)
	if err != nil || !ok {
		e.recordLoginFailure(ctx, email, user.UserID)
		return nil, ErrInvalidCredentials
	}

	if user.Locked {
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, user.CustomerID, ErrAccountLocked, nil)
		e.metricInc(MetricLoginFailure)
		return nil, ErrAccountLocked
	}
	if user.PasswordResetRequired {
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, user.CustomerID, ErrPasswordResetPending, nil)
		e.metricInc(MetricLoginFailure)
		return nil, ErrPasswordResetPending
	}

	if e.config.Login.EnableThrottle {
		_ = e.limiter.Reset(ctx, actionLogin, email)
	}

	if user.TemporaryPassword || user.MFAEnabled || e.policyDemandsMFA(ctx, user) {
		return e.loginWithMFA(ctx, user)
	}

	session, err := e.issueSession(ctx, user, "")
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, user.CustomerID, nil, nil)
	return &LoginResult{Session: session}, nil
}

func (e *Engine) loginWithMFA(ctx context.Context, user UserRecord) (*LoginResult, error) {
	preAuth, _, err := e.codec.IssuePreAuth(e.identityFor(user, ""))
	if err != nil {
		return nil, err
	}

	challenge, err := e.buildChallenge(ctx, user, "")
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMFARequired)
	if challenge.EnrollmentRequired {
		e.metricInc(MetricEnrollmentRequired)
	}
	e.emitAudit(ctx, auditEventMFARequired, true, user.UserID, user.CustomerID, nil, func() map[string]string {
		return map[string]string{"device_type": string(challenge.Type)}
	})

	return &LoginResult{
		MFARequired:  true,
		PreAuthToken: preAuth,
		Challenge:    challenge,
	}, nil
}

// policyDemandsMFA reports whether the resolved security policy forces a
// second factor at login: required, the role is not bypassed, and any grace
// period has lapsed.
func (e *Engine) policyDemandsMFA(ctx context.Context, user UserRecord) bool {
	if e.policies == nil {
		return false
	}
	policy, err := e.ResolvePolicy(ctx, user.UserID, user.RoleID, user.CustomerID)
	if err != nil || policy == nil || !policy.Required {
		return false
	}
	for _, r := range policy.BypassRoles {
		if r == user.RoleID {
			return false
		}
	}
	return policyGraceRemaining(*policy, time.Now()) == 0
}

// Refresh rotates a refresh token into a new access+refresh pair. The tenant
// and impersonation context come from the incoming claims, not the user row,
// so an impersonation session survives its refreshes until its own deadline.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.verifyToken(refreshToken, jwt.KindRefresh)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, false, "", "", err, nil)
		return nil, err
	}

	record, err := e.tokens.GetRefreshToken(ctx, claims.ID)
	if err != nil {
		// A store timeout reads as revoked: fail closed.
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, false, claims.UserID, claims.CustomerID, ErrTokenInvalid, nil)
		return nil, fmt.Errorf("%w: unknown refresh token", ErrTokenInvalid)
	}
	if record.RevokedAt != nil || time.Now().After(record.ExpiresAt) {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, false, claims.UserID, claims.CustomerID, ErrTokenInvalid, nil)
		return nil, fmt.Errorf("%w: refresh token revoked or expired", ErrTokenInvalid)
	}

	user, err := e.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if user.Locked {
		return nil, ErrAccountLocked
	}

	if claims.ImpersonateExpTime != "" {
		deadline, err := time.Parse(time.RFC3339, claims.ImpersonateExpTime)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrImpersonationMalformed, err)
		}
		if time.Now().After(deadline) {
			return nil, ErrImpersonationExpired
		}
	}

	// Current role and license come from the row; the customer binding stays
	// whatever the claims say.
	user.CustomerID = claims.Identity().CustomerID

	if err := e.tokens.RevokeRefreshToken(ctx, claims.ID); err != nil {
		e.logger.Warn("refresh rotation: revoking old token failed",
			zap.String("user_id", claims.UserID), zap.Error(err))
	}

	session, err := e.issueSession(ctx, user, claims.ImpersonateExpTime)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, user.UserID, user.CustomerID, nil, nil)
	return session, nil
}

// Logout revokes the session's refresh token. Revocation is best-effort: a
// failure is logged and Logout still succeeds, so a flaky store never traps a
// user in a session.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	claims, err := e.codec.Verify(refreshToken, jwt.KindRefresh)
	if err != nil || claims.ID == "" {
		e.metricInc(MetricLogout)
		return nil
	}

	if err := e.tokens.RevokeRefreshToken(ctx, claims.ID); err != nil {
		e.logger.Warn("logout: revoking refresh token failed",
			zap.String("user_id", claims.UserID), zap.Error(err))
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, claims.UserID, claims.CustomerID, nil, nil)
	return nil
}

/*
====================================
SESSION ISSUANCE
====================================
*/

// completeMFASession turns a verified pre-auth context into a full session,
// exactly as a direct login would have.
func (e *Engine) completeMFASession(ctx context.Context, preAuth *jwt.Claims) (*Session, error) {
	user, err := e.users.GetUserByID(ctx, preAuth.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if user.Locked {
		return nil, ErrAccountLocked
	}
	user.CustomerID = preAuth.Identity().CustomerID

	session, err := e.issueSession(ctx, user, preAuth.ImpersonateExpTime)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, user.CustomerID, nil, func() map[string]string {
		return map[string]string{"mfa": "true"}
	})
	return session, nil
}

func (e *Engine) issueSession(ctx context.Context, user UserRecord, impersonateExp string) (*Session, error) {
	identity := e.identityFor(user, impersonateExp)

	access, accessExp, err := e.codec.IssueAccess(identity)
	if err != nil {
		return nil, err
	}

	tokenID := uuid.NewString()
	refresh, refreshExp, err := e.codec.IssueRefresh(identity, tokenID)
	if err != nil {
		return nil, err
	}
	if err := e.tokens.SaveRefreshToken(ctx, RefreshTokenRecord{
		TokenID:   tokenID,
		UserID:    user.UserID,
		ExpiresAt: refreshExp,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return &Session{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (e *Engine) identityFor(user UserRecord, impersonateExp string) jwt.Identity {
	return jwt.Identity{
		UserID:             user.UserID,
		Email:              user.Email,
		RoleID:             user.RoleID,
		CustomerID:         user.CustomerID,
		MFAEnabled:         user.MFAEnabled,
		ImpersonateExpTime: impersonateExp,
	}
}

/*
====================================
LOGIN THROTTLE
====================================
*/

func (e *Engine) checkLoginThrottle(ctx context.Context, email string) error {
	if !e.config.Login.EnableThrottle {
		return nil
	}
	err := e.limiter.Check(ctx, actionLogin, email, rate.Window{
		MaxAttempts: e.config.Login.MaxAttempts,
		Period:      e.config.Login.Cooldown,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrLimited):
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, "", "", ErrLoginRateLimited, nil)
		return ErrLoginRateLimited
	default:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
}

func (e *Engine) recordLoginFailure(ctx context.Context, email, userID string) {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", ErrInvalidCredentials, nil)
	if !e.config.Login.EnableThrottle {
		return
	}
	if _, err := e.limiter.RecordFailure(ctx, actionLogin, email, rate.Window{
		MaxAttempts: e.config.Login.MaxAttempts,
		Period:      e.config.Login.Cooldown,
	}); err != nil {
		e.logger.Warn("login throttle unavailable", zap.Error(err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
