package auth

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store. It backs tests and single-node development
// setups; production deployments use PGStore. Transactions serialize on a
// store-wide lock, mirroring the row lock PGStore takes, but partial writes
// are not rolled back.
type MemStore struct {
	txMu       sync.Mutex
	mu         sync.Mutex
	identities map[string]*Identity
	creds      map[string]*Credential
	secrets    map[string]*SessionSecret
	lockouts   map[string]*Lockout
	access     map[string]*AccessFingerprint
	profiles   map[string]*Profile
	resets     map[string]*ResetToken
}

func NewMemStore() *MemStore {
	return &MemStore{
		identities: make(map[string]*Identity),
		creds:      make(map[string]*Credential),
		secrets:    make(map[string]*SessionSecret),
		lockouts:   make(map[string]*Lockout),
		access:     make(map[string]*AccessFingerprint),
		profiles:   make(map[string]*Profile),
		resets:     make(map[string]*ResetToken),
	}
}

func (m *MemStore) Identities() IdentityStore { return memIdentities{m} }
func (m *MemStore) Credentials() CredentialStore { return memCredentials{m} }
func (m *MemStore) Secrets() SecretStore { return memSecrets{m} }
func (m *MemStore) Lockouts() LockoutStore { return memLockouts{m} }
func (m *MemStore) Access() AccessStore { return memAccess{m} }
func (m *MemStore) Profiles() ProfileStore { return memProfiles{m} }
func (m *MemStore) Resets() ResetStore { return memResets{m} }

// InTx runs fn with the transaction lock held so read-modify-write sequences
// (the lockout counter above all) cannot interleave.
func (m *MemStore) InTx(_ context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

type memIdentities struct{ m *MemStore }

func (s memIdentities) Create(_ context.Context, id *Identity) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.identities {
		if existing.HashEmail == id.HashEmail {
			return ErrDuplicateEmail
		}
	}
	now := time.Now().UTC()
	cp := *id
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.m.identities[id.ID] = &cp
	return nil
}

func (s memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *existing
	return &cp, nil
}

func (s memIdentities) FindByEmailHash(_ context.Context, emailHash string) (*Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.identities {
		if existing.HashEmail == emailHash {
			cp := *existing
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s memIdentities) UpdateEncrypted(_ context.Context, id *Identity) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.identities[id.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = id.Name
	existing.Surname = id.Surname
	existing.Email = id.Email
	existing.FiscalCode = id.FiscalCode
	existing.HashName = id.HashName
	existing.HashSurname = id.HashSurname
	existing.HashEmail = id.HashEmail
	existing.HashFiscalCode = id.HashFiscalCode
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s memIdentities) UpdateRole(_ context.Context, userID string, role Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.identities[userID]
	if !ok {
		return ErrNotFound
	}
	existing.Role = role
	return nil
}

func (s memIdentities) AddCredits(_ context.Context, userID string, amount int64) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.identities[userID]
	if !ok {
		return 0, ErrNotFound
	}
	existing.Credits += amount
	return existing.Credits, nil
}

func (s memIdentities) Delete(_ context.Context, userID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.identities[userID]; !ok {
		return ErrNotFound
	}
	delete(s.m.identities, userID)
	delete(s.m.creds, userID)
	delete(s.m.secrets, userID)
	delete(s.m.lockouts, userID)
	delete(s.m.profiles, userID)
	delete(s.m.resets, userID)
	for key, f := range s.m.access {
		if f.UserID == userID {
			delete(s.m.access, key)
		}
	}
	return nil
}

func (s memIdentities) List(_ context.Context) ([]*Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*Identity, 0, len(s.m.identities))
	for _, existing := range s.m.identities {
		cp := *existing
		out = append(out, &cp)
	}
	return out, nil
}

type memCredentials struct{ m *MemStore }

func (s memCredentials) Set(_ context.Context, cred *Credential) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *cred
	s.m.creds[cred.UserID] = &cp
	return nil
}

func (s memCredentials) Find(_ context.Context, userID string) (*Credential, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.creds[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *existing
	return &cp, nil
}

type memSecrets struct{ m *MemStore }

func (s memSecrets) Find(_ context.Context, userID string) (*SessionSecret, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.secrets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *existing
	return &cp, nil
}

func (s memSecrets) Create(_ context.Context, sec *SessionSecret) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.secrets[sec.UserID]; ok {
		return nil
	}
	cp := *sec
	s.m.secrets[sec.UserID] = &cp
	return nil
}

func (s memSecrets) Rotate(_ context.Context, userID, secret string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.secrets[userID]
	if !ok {
		return ErrNotFound
	}
	existing.Secret = secret
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

type memLockouts struct{ m *MemStore }

func (s memLockouts) Ensure(_ context.Context, userID, emailHash string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.lockouts[userID]; ok {
		return nil
	}
	s.m.lockouts[userID] = &Lockout{UserID: userID, EmailHash: emailHash}
	return nil
}

func (s memLockouts) Find(_ context.Context, userID string) (*Lockout, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.lockouts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *existing
	return &cp, nil
}

func (s memLockouts) FindForUpdate(ctx context.Context, userID string) (*Lockout, error) {
	return s.Find(ctx, userID)
}

func (s memLockouts) Update(_ context.Context, userID string, failedAttempts int, lockedAt *time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.lockouts[userID]
	if !ok {
		return ErrNotFound
	}
	existing.FailedAttempts = failedAttempts
	existing.LockedAt = lockedAt
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

type memAccess struct{ m *MemStore }

func (s memAccess) Record(_ context.Context, userID, ip, userAgent string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := userID + "|" + ip + "|" + userAgent
	if existing, ok := s.m.access[key]; ok {
		existing.Hits++
		existing.LastSeenAt = time.Now().UTC()
		return nil
	}
	s.m.access[key] = &AccessFingerprint{
		UserID: userID, IP: ip, UserAgent: userAgent,
		Hits: 1, LastSeenAt: time.Now().UTC(),
	}
	return nil
}

func (s memAccess) ListByUser(_ context.Context, userID string) ([]AccessFingerprint, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []AccessFingerprint
	for _, f := range s.m.access {
		if f.UserID == userID {
			out = append(out, *f)
		}
	}
	return out, nil
}

type memProfiles struct{ m *MemStore }

func (s memProfiles) Upsert(_ context.Context, p *Profile) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *p
	s.m.profiles[p.UserID] = &cp
	return nil
}

func (s memProfiles) Find(_ context.Context, userID string) (*Profile, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *existing
	return &cp, nil
}

type memResets struct{ m *MemStore }

func (s memResets) Put(_ context.Context, tok *ResetToken) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *tok
	s.m.resets[tok.UserID] = &cp
	return nil
}

func (s memResets) Find(_ context.Context, userID string) (*ResetToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	existing, ok := s.m.resets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *existing
	return &cp, nil
}

func (s memResets) Delete(_ context.Context, userID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.resets, userID)
	return nil
}
