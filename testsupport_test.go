package authcore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/progrc/authcore/permission"
)

func testKeyPair(t *testing.T) (privPEM, pubPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})
	return privPEM, pubPEM
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JWT.SigningKeyPEM, cfg.JWT.VerifyKeyPEM = testKeyPair(t)
	cfg.JWT.RefreshSecret = []byte("0123456789abcdef0123456789abcdef")
	cfg.MFA.EncryptionKey = []byte("an-encryption-key-of-32-bytes!!!")
	cfg.Audit.Enabled = false
	return cfg
}

/*
====================================
MOCK PROVIDERS
====================================
*/

type memUsers struct {
	mu   sync.Mutex
	byID map[string]UserRecord
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]UserRecord{}}
}

func (m *memUsers) add(u UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[u.UserID] = u
}

func (m *memUsers) get(id string) UserRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *memUsers) GetUserByEmail(ctx context.Context, email string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (m *memUsers) GetUserByID(ctx context.Context, userID string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return u, nil
}

func (m *memUsers) CreateUser(ctx context.Context, input CreateUserInput) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if strings.EqualFold(u.Email, input.Email) {
			return UserRecord{}, errors.New("email taken")
		}
	}
	u := UserRecord{
		UserID:            uuid.NewString(),
		Email:             input.Email,
		PasswordHash:      input.PasswordHash,
		RoleID:            input.RoleID,
		CustomerID:        input.CustomerID,
		TemporaryPassword: input.TemporaryPassword,
	}
	m.byID[u.UserID] = u
	return u, nil
}

func (m *memUsers) SetMFAEnabled(ctx context.Context, userID string, enabled bool, primaryType DeviceType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.MFAEnabled = enabled
	u.PrimaryMFAType = primaryType
	m.byID[userID] = u
	return nil
}

type memDevices struct {
	mu      sync.Mutex
	byUser  map[string][]MFADevice
}

func newMemDevices() *memDevices {
	return &memDevices{byUser: map[string][]MFADevice{}}
}

func (m *memDevices) add(d MFADevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[d.UserID] = append(m.byUser[d.UserID], d)
}

func (m *memDevices) ListDevices(ctx context.Context, userID string) ([]MFADevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MFADevice, len(m.byUser[userID]))
	copy(out, m.byUser[userID])
	return out, nil
}

func (m *memDevices) GetDevice(ctx context.Context, userID, deviceID string) (MFADevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.byUser[userID] {
		if d.DeviceID == deviceID {
			return d, nil
		}
	}
	return MFADevice{}, ErrDeviceNotFound
}

func (m *memDevices) CreateDevice(ctx context.Context, device MFADevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[device.UserID] = append(m.byUser[device.UserID], device)
	return nil
}

func (m *memDevices) UpdateDeviceStatus(ctx context.Context, userID, deviceID string, status DeviceStatus) error {
	return m.update(userID, deviceID, func(d *MFADevice) { d.Status = status })
}

func (m *memDevices) SetPrimaryDevice(ctx context.Context, userID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for i := range m.byUser[userID] {
		d := &m.byUser[userID][i]
		d.IsPrimary = d.DeviceID == deviceID
		if d.IsPrimary {
			found = true
		}
	}
	if !found {
		return ErrDeviceNotFound
	}
	return nil
}

func (m *memDevices) TouchDevice(ctx context.Context, userID, deviceID string, usedAt time.Time) error {
	return m.update(userID, deviceID, func(d *MFADevice) { d.LastUsedAt = usedAt })
}

func (m *memDevices) UpdateCredentialCounter(ctx context.Context, userID, deviceID string, signCount uint32) error {
	return m.update(userID, deviceID, func(d *MFADevice) { d.SignCount = signCount })
}

func (m *memDevices) update(userID, deviceID string, fn func(*MFADevice)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.byUser[userID] {
		if m.byUser[userID][i].DeviceID == deviceID {
			fn(&m.byUser[userID][i])
			return nil
		}
	}
	return ErrDeviceNotFound
}

type memSetups struct {
	mu   sync.Mutex
	byID map[string]SetupSession
}

func newMemSetups() *memSetups {
	return &memSetups{byID: map[string]SetupSession{}}
}

func (m *memSetups) get(id string) SetupSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

func (m *memSetups) put(s SetupSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.SessionID] = s
}

func (m *memSetups) GetSetupSession(ctx context.Context, sessionID string) (SetupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return SetupSession{}, ErrSetupSessionNotFound
	}
	return s, nil
}

func (m *memSetups) ActiveSetupSession(ctx context.Context, userID string, deviceType DeviceType) (*SetupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.UserID == userID && s.Type == deviceType &&
			s.Status != SetupCompleted && s.Status != SetupFailed && s.Status != SetupExpired {
			copied := s
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memSetups) CreateSetupSession(ctx context.Context, session SetupSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[session.SessionID] = session
	return nil
}

func (m *memSetups) UpdateSetupSession(ctx context.Context, session SetupSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[session.SessionID]; !ok {
		return ErrSetupSessionNotFound
	}
	m.byID[session.SessionID] = session
	return nil
}

type backupEntry struct {
	hash [32]byte
	used bool
}

type memBackupCodes struct {
	mu     sync.Mutex
	byUser map[string][]backupEntry
}

func newMemBackupCodes() *memBackupCodes {
	return &memBackupCodes{byUser: map[string][]backupEntry{}}
}

func (m *memBackupCodes) unusedCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.byUser[userID] {
		if !e.used {
			n++
		}
	}
	return n
}

func (m *memBackupCodes) ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]backupEntry, 0, len(codes))
	for _, c := range codes {
		entries = append(entries, backupEntry{hash: c.Hash})
	}
	m.byUser[userID] = entries
	return nil
}

func (m *memBackupCodes) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.byUser[userID] {
		e := &m.byUser[userID][i]
		if !e.used && e.hash == hash {
			e.used = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memBackupCodes) InvalidateBackupCodes(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byUser, userID)
	return nil
}

type memPolicies struct {
	mu   sync.Mutex
	byID map[string]SecurityPolicy
}

func newMemPolicies() *memPolicies {
	return &memPolicies{byID: map[string]SecurityPolicy{}}
}

func (m *memPolicies) PoliciesForUser(ctx context.Context, userID string, roleID int, customerID string) ([]SecurityPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SecurityPolicy
	for _, p := range m.byID {
		switch p.Scope {
		case ScopeGlobal:
			out = append(out, p)
		case ScopeOrganization:
			if p.ScopeID == customerID {
				out = append(out, p)
			}
		case ScopeRole:
			if p.ScopeID == roleIDString(roleID) {
				out = append(out, p)
			}
		case ScopeUser:
			if p.ScopeID == userID {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func roleIDString(roleID int) string {
	return strconv.Itoa(roleID)
}

func (m *memPolicies) GetPolicy(ctx context.Context, policyID string) (SecurityPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[policyID]
	if !ok {
		return SecurityPolicy{}, ErrPolicyNotFound
	}
	return p, nil
}

func (m *memPolicies) CreatePolicy(ctx context.Context, policy SecurityPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[policy.PolicyID] = policy
	return nil
}

func (m *memPolicies) UpdatePolicy(ctx context.Context, policy SecurityPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[policy.PolicyID]; !ok {
		return ErrPolicyNotFound
	}
	m.byID[policy.PolicyID] = policy
	return nil
}

func (m *memPolicies) DeletePolicy(ctx context.Context, policyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[policyID]
	if !ok {
		return ErrPolicyNotFound
	}
	p.Active = false
	m.byID[policyID] = p
	return nil
}

type memTokens struct {
	mu   sync.Mutex
	byID map[string]RefreshTokenRecord
}

func newMemTokens() *memTokens {
	return &memTokens{byID: map[string]RefreshTokenRecord{}}
}

func (m *memTokens) get(id string) (RefreshTokenRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	return r, ok
}

func (m *memTokens) SaveRefreshToken(ctx context.Context, record RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[record.TokenID] = record
	return nil
}

func (m *memTokens) GetRefreshToken(ctx context.Context, tokenID string) (RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[tokenID]
	if !ok {
		return RefreshTokenRecord{}, errors.New("refresh token not found")
	}
	return r, nil
}

func (m *memTokens) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[tokenID]
	if !ok {
		return errors.New("refresh token not found")
	}
	now := time.Now()
	r.RevokedAt = &now
	m.byID[tokenID] = r
	return nil
}

type memAssignments struct {
	mu       sync.Mutex
	assigned map[string]bool
	ended    []string
}

func newMemAssignments() *memAssignments {
	return &memAssignments{assigned: map[string]bool{}}
}

func (m *memAssignments) assign(userID, customerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned[userID+"/"+customerID] = true
}

func (m *memAssignments) CSMAssignedToCustomer(ctx context.Context, userID, customerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assigned[userID+"/"+customerID], nil
}

func (m *memAssignments) EndImpersonation(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, userID)
	return nil
}

type memMailer struct {
	mu            sync.Mutex
	lastOTP       map[string]string
	notifications []string
	failOTP       bool
}

func newMemMailer() *memMailer {
	return &memMailer{lastOTP: map[string]string{}}
}

func (m *memMailer) otpFor(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOTP[email]
}

func (m *memMailer) SendOTP(ctx context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOTP {
		return errors.New("smtp down")
	}
	m.lastOTP[email] = code
	return nil
}

func (m *memMailer) SendNotification(ctx context.Context, email, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, subject)
	return nil
}

type fakePasskeys struct{}

func (fakePasskeys) VerifyAttestation(ctx context.Context, challenge, attestation []byte) ([]byte, []byte, uint32, error) {
	if string(attestation) != "good-attestation" {
		return nil, nil, 0, errors.New("attestation rejected")
	}
	return []byte("cred-1"), []byte("pubkey-1"), 1, nil
}

func (fakePasskeys) VerifyAssertion(ctx context.Context, challenge, credentialID, publicKey []byte, signCount uint32, assertion []byte) (uint32, error) {
	if string(assertion) != "good-assertion" {
		return 0, errors.New("assertion rejected")
	}
	return signCount + 1, nil
}

/*
====================================
ENGINE FIXTURE
====================================
*/

type testEnv struct {
	mr          *miniredis.Miniredis
	users       *memUsers
	devices     *memDevices
	setups      *memSetups
	backupCodes *memBackupCodes
	policies    *memPolicies
	tokens      *memTokens
	assignments *memAssignments
	mailer      *memMailer
	rules       permission.StaticSource
}

func newTestEngine(t *testing.T, mutate ...func(*Config, *testEnv)) (*Engine, *testEnv) {
	t.Helper()

	env := &testEnv{
		mr:          miniredis.RunT(t),
		users:       newMemUsers(),
		devices:     newMemDevices(),
		setups:      newMemSetups(),
		backupCodes: newMemBackupCodes(),
		policies:    newMemPolicies(),
		tokens:      newMemTokens(),
		assignments: newMemAssignments(),
		mailer:      newMemMailer(),
	}

	cfg := testConfig(t)
	for _, fn := range mutate {
		fn(&cfg, env)
	}

	client := redis.NewClient(&redis.Options{Addr: env.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserProvider(env.users).
		WithDeviceProvider(env.devices).
		WithSetupSessionProvider(env.setups).
		WithBackupCodeProvider(env.backupCodes).
		WithPolicyProvider(env.policies).
		WithTokenProvider(env.tokens).
		WithAssignmentProvider(env.assignments).
		WithMailer(env.mailer).
		WithPasskeyVerifier(fakePasskeys{})
	if env.rules != nil {
		b = b.WithPermissionSource(env.rules)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, env
}

// seedUser hashes the password and stores a ready-to-login account.
func seedUser(t *testing.T, engine *Engine, env *testEnv, u UserRecord, pass string) UserRecord {
	t.Helper()
	if u.UserID == "" {
		u.UserID = uuid.NewString()
	}
	hash, err := engine.passwords.Hash(pass)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u.PasswordHash = hash
	env.users.add(u)
	return u
}
