// Package jwt issues and verifies the three token kinds of the platform:
// RS256 access tokens, RS256 pre-auth tokens bridging login and MFA
// verification, and HS256 refresh tokens.
package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Package sentinels. Callers classify verification failures with errors.Is;
// anything that is not ErrExpired folds into ErrInvalid.
var (
	ErrExpired = errors.New("token expired")
	ErrInvalid = errors.New("token invalid")
)

// TokenKind selects the verification profile: algorithm, audience, and TTL.
type TokenKind string

const (
	// KindAccess is the full-session bearer token.
	KindAccess TokenKind = "access"
	// KindPreAuth is the limited token issued between password check and MFA
	// verification. It is never accepted where an access token is required.
	KindPreAuth TokenKind = "preauth"
	// KindRefresh is the long-lived rotation token.
	KindRefresh TokenKind = "refresh"
)

// Config carries the signing material and per-kind issuance parameters.
type Config struct {
	AccessTTL  time.Duration
	PreAuthTTL time.Duration
	RefreshTTL time.Duration

	Issuer          string
	AccessAudience  string
	PreAuthAudience string
	RefreshAudience string

	// SigningKeyPEM/VerifyKeyPEM are the RSA pair for access and pre-auth
	// tokens. RefreshSecret is the HMAC key for refresh tokens.
	SigningKeyPEM []byte
	VerifyKeyPEM  []byte
	RefreshSecret []byte

	Leeway time.Duration
}

// Identity is the claim payload shared by all three kinds.
type Identity struct {
	UserID     string
	Email      string
	RoleID     int
	CustomerID string
	MFAEnabled bool
	// ImpersonateExpTime is the RFC 3339 impersonation deadline, present only
	// on impersonation sessions.
	ImpersonateExpTime string
}

// Claims is the wire shape of a platform token. CustomerID and TenantID carry
// the same value under both historical names; consumers read either.
type Claims struct {
	Email              string `json:"email,omitempty"`
	RoleID             int    `json:"role_id,omitempty"`
	CustomerID         string `json:"customerId,omitempty"`
	TenantID           string `json:"tenant_id,omitempty"`
	UserID             string `json:"userId,omitempty"`
	MFAEnabled         bool   `json:"mfa_enabled,omitempty"`
	MFARequired        bool   `json:"mfa_required,omitempty"`
	ImpersonateExpTime string `json:"impersonateExpTime,omitempty"`
	jwt.RegisteredClaims
}

// Identity projects the claims back into an Identity for re-issuance.
func (c *Claims) Identity() Identity {
	customer := c.CustomerID
	if customer == "" {
		customer = c.TenantID
	}
	return Identity{
		UserID:             c.UserID,
		Email:              c.Email,
		RoleID:             c.RoleID,
		CustomerID:         customer,
		MFAEnabled:         c.MFAEnabled,
		ImpersonateExpTime: c.ImpersonateExpTime,
	}
}

// Codec signs and verifies platform tokens. Safe for concurrent use.
type Codec struct {
	config    Config
	signKey   *rsa.PrivateKey
	verifyKey *rsa.PublicKey
}

// NewCodec parses the key material and validates issuance parameters.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.AccessTTL <= 0 || cfg.PreAuthTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Issuer == "" || cfg.AccessAudience == "" || cfg.PreAuthAudience == "" || cfg.RefreshAudience == "" {
		return nil, errors.New("issuer and audiences required")
	}
	if len(cfg.RefreshSecret) < 32 {
		return nil, errors.New("refresh secret must be at least 32 bytes")
	}

	signKey, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.SigningKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid rsa signing key: %w", err)
	}
	verifyKey, err := jwt.ParseRSAPublicKeyFromPEM(cfg.VerifyKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid rsa verify key: %w", err)
	}

	return &Codec{config: cfg, signKey: signKey, verifyKey: verifyKey}, nil
}

// IssueAccess signs a full-session access token for id.
func (c *Codec) IssueAccess(id Identity) (string, time.Time, error) {
	return c.issueRSA(id, c.config.AccessAudience, c.config.AccessTTL, false)
}

// IssuePreAuth signs a pre-auth token for id. The mfa_required claim marks it
// unusable as an access token even before audience checks.
func (c *Codec) IssuePreAuth(id Identity) (string, time.Time, error) {
	return c.issueRSA(id, c.config.PreAuthAudience, c.config.PreAuthTTL, true)
}

// IssueRefresh signs a refresh token carrying tokenID as jti. The caller
// persists the jti so the token can be revoked independently of its expiry.
func (c *Codec) IssueRefresh(id Identity, tokenID string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(c.config.RefreshTTL)

	claims := c.newClaims(id, c.config.RefreshAudience, now, exp)
	claims.ID = tokenID

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.config.RefreshSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses and validates token as the given kind. Tokens of one kind
// never verify as another: the audiences are disjoint and the refresh kind
// uses a different algorithm and key.
func (c *Codec) Verify(token string, kind TokenKind) (*Claims, error) {
	var (
		audience string
		alg      string
		key      interface{}
	)
	switch kind {
	case KindAccess:
		audience, alg, key = c.config.AccessAudience, jwt.SigningMethodRS256.Alg(), c.verifyKey
	case KindPreAuth:
		audience, alg, key = c.config.PreAuthAudience, jwt.SigningMethodRS256.Alg(), c.verifyKey
	case KindRefresh:
		audience, alg, key = c.config.RefreshAudience, jwt.SigningMethodHS256.Alg(), []byte(c.config.RefreshSecret)
	default:
		return nil, fmt.Errorf("%w: unknown token kind %q", ErrInvalid, kind)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(c.config.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}

	parsed, err := jwt.NewParser(options...).ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	if kind == KindPreAuth && !claims.MFARequired {
		return nil, fmt.Errorf("%w: missing mfa_required claim", ErrInvalid)
	}
	return claims, nil
}

func (c *Codec) issueRSA(id Identity, audience string, ttl time.Duration, mfaRequired bool) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)

	claims := c.newClaims(id, audience, now, exp)
	claims.MFARequired = mfaRequired

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (c *Codec) newClaims(id Identity, audience string, now, exp time.Time) *Claims {
	return &Claims{
		Email:              id.Email,
		RoleID:             id.RoleID,
		CustomerID:         id.CustomerID,
		TenantID:           id.CustomerID,
		UserID:             id.UserID,
		MFAEnabled:         id.MFAEnabled,
		ImpersonateExpTime: id.ImpersonateExpTime,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    c.config.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}
