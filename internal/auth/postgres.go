package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"mediateca.org/internal/ids"
	"mediateca.org/internal/pii"
)

var _ Store = (*PGStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx so the same sub-store
// code serves plain and transactional access.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
	q  querier
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, q: db}
}

func (s *PGStore) Identities() IdentityStore { return &identityStore{q: s.q} }
func (s *PGStore) Credentials() CredentialStore { return &credentialStore{q: s.q} }
func (s *PGStore) Secrets() SecretStore { return &secretStore{q: s.q} }
func (s *PGStore) Lockouts() LockoutStore { return &lockoutStore{q: s.q} }
func (s *PGStore) Access() AccessStore { return &accessStore{q: s.q} }
func (s *PGStore) Profiles() ProfileStore { return &profileStore{q: s.q} }
func (s *PGStore) Resets() ResetStore { return &resetStore{q: s.q} }

// InTx runs fn inside a single database transaction. When the store is
// already transaction-bound, fn joins the ongoing transaction.
func (s *PGStore) InTx(ctx context.Context, fn func(Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("auth: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&PGStore{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Identity store -----------------------------------------------------------

type identityStore struct{ q querier }

const identityColumns = `id, name, surname, email, fiscal_code, hash_name, hash_surname, hash_email, hash_fiscal_code, role, credits, created_at, updated_at`

func (s *identityStore) Create(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	if id.Role == "" {
		id.Role = RoleGuest
	}
	_, err := s.q.ExecContext(ctx,
		`insert into users(id, name, surname, email, fiscal_code, hash_name, hash_surname, hash_email, hash_fiscal_code, role, credits)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		id.ID, string(id.Name), string(id.Surname), string(id.Email), nullStr(string(id.FiscalCode)),
		id.HashName, id.HashSurname, id.HashEmail, nullStr(id.HashFiscalCode), string(id.Role), id.Credits,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	return err
}

func (s *identityStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.q.QueryRowContext(ctx,
		`select `+identityColumns+` from users where id=$1`, id)
	return scanIdentity(row)
}

func (s *identityStore) FindByEmailHash(ctx context.Context, emailHash string) (*Identity, error) {
	row := s.q.QueryRowContext(ctx,
		`select `+identityColumns+` from users where hash_email=$1`, emailHash)
	return scanIdentity(row)
}

func (s *identityStore) UpdateEncrypted(ctx context.Context, id *Identity) error {
	res, err := s.q.ExecContext(ctx,
		`update users set name=$2, surname=$3, email=$4, fiscal_code=$5,
		        hash_name=$6, hash_surname=$7, hash_email=$8, hash_fiscal_code=$9, updated_at=now()
		 where id=$1`,
		id.ID, string(id.Name), string(id.Surname), string(id.Email), nullStr(string(id.FiscalCode)),
		id.HashName, id.HashSurname, id.HashEmail, nullStr(id.HashFiscalCode),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *identityStore) UpdateRole(ctx context.Context, userID string, role Role) error {
	res, err := s.q.ExecContext(ctx,
		`update users set role=$2, updated_at=now() where id=$1`, userID, string(role))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *identityStore) AddCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	row := s.q.QueryRowContext(ctx,
		`update users set credits=credits+$2, updated_at=now() where id=$1 returning credits`,
		userID, amount)
	var credits int64
	if err := row.Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return credits, nil
}

func (s *identityStore) Delete(ctx context.Context, userID string) error {
	res, err := s.q.ExecContext(ctx, `delete from users where id=$1`, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *identityStore) List(ctx context.Context) ([]*Identity, error) {
	rows, err := s.q.QueryContext(ctx,
		`select `+identityColumns+` from users order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanIdentity(sc rowScanner) (*Identity, error) {
	var (
		id                   Identity
		name, surname, email string
		fiscal, hashFiscal   sql.NullString
		role                 string
	)
	err := sc.Scan(&id.ID, &name, &surname, &email, &fiscal,
		&id.HashName, &id.HashSurname, &id.HashEmail, &hashFiscal,
		&role, &id.Credits, &id.CreatedAt, &id.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id.Name = pii.Encrypted(name)
	id.Surname = pii.Encrypted(surname)
	id.Email = pii.Encrypted(email)
	id.FiscalCode = pii.Encrypted(fiscal.String)
	id.HashFiscalCode = hashFiscal.String
	id.Role = Role(role)
	return &id, nil
}


// Credential store ---------------------------------------------------------

type credentialStore struct{ q querier }

func (s *credentialStore) Set(ctx context.Context, cred *Credential) error {
	_, err := s.q.ExecContext(ctx,
		`insert into user_credentials(user_id, password_hash, salt)
		 values($1,$2,$3)
		 on conflict (user_id) do update set password_hash=excluded.password_hash, salt=excluded.salt, updated_at=now()`,
		cred.UserID, cred.PasswordHash, cred.Salt,
	)
	return err
}

func (s *credentialStore) Find(ctx context.Context, userID string) (*Credential, error) {
	row := s.q.QueryRowContext(ctx,
		`select user_id, password_hash, salt, created_at, updated_at from user_credentials where user_id=$1`,
		userID)
	var c Credential
	if err := row.Scan(&c.UserID, &c.PasswordHash, &c.Salt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Session secret store -----------------------------------------------------

type secretStore struct{ q querier }

func (s *secretStore) Find(ctx context.Context, userID string) (*SessionSecret, error) {
	row := s.q.QueryRowContext(ctx,
		`select user_id, secret, created_at, updated_at from user_secrets where user_id=$1`, userID)
	var sec SessionSecret
	if err := row.Scan(&sec.UserID, &sec.Secret, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sec, nil
}

func (s *secretStore) Create(ctx context.Context, sec *SessionSecret) error {
	_, err := s.q.ExecContext(ctx,
		`insert into user_secrets(user_id, secret) values($1,$2) on conflict (user_id) do nothing`,
		sec.UserID, sec.Secret)
	return err
}

func (s *secretStore) Rotate(ctx context.Context, userID, secret string) error {
	res, err := s.q.ExecContext(ctx,
		`update user_secrets set secret=$2, updated_at=now() where user_id=$1`, userID, secret)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Lockout store ------------------------------------------------------------

type lockoutStore struct{ q querier }

const lockoutColumns = `user_id, email_hash, failed_attempts, locked_at, created_at, updated_at`

func (s *lockoutStore) Ensure(ctx context.Context, userID, emailHash string) error {
	_, err := s.q.ExecContext(ctx,
		`insert into user_lockouts(user_id, email_hash, failed_attempts) values($1,$2,0)
		 on conflict (user_id) do nothing`,
		userID, emailHash)
	return err
}

func (s *lockoutStore) Find(ctx context.Context, userID string) (*Lockout, error) {
	row := s.q.QueryRowContext(ctx,
		`select `+lockoutColumns+` from user_lockouts where user_id=$1`, userID)
	return scanLockout(row)
}

func (s *lockoutStore) FindForUpdate(ctx context.Context, userID string) (*Lockout, error) {
	row := s.q.QueryRowContext(ctx,
		`select `+lockoutColumns+` from user_lockouts where user_id=$1 for update`, userID)
	return scanLockout(row)
}

func (s *lockoutStore) Update(ctx context.Context, userID string, failedAttempts int, lockedAt *time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`update user_lockouts set failed_attempts=$2, locked_at=$3, updated_at=now() where user_id=$1`,
		userID, failedAttempts, lockedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanLockout(row *sql.Row) (*Lockout, error) {
	var (
		l        Lockout
		lockedAt sql.NullTime
	)
	if err := row.Scan(&l.UserID, &l.EmailHash, &l.FailedAttempts, &lockedAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		l.LockedAt = &t
	}
	return &l, nil
}

// Access fingerprint store -------------------------------------------------

type accessStore struct{ q querier }

func (s *accessStore) Record(ctx context.Context, userID, ip, userAgent string) error {
	_, err := s.q.ExecContext(ctx,
		`insert into user_access(user_id, ip, user_agent, hits, last_seen_at)
		 values($1,$2,$3,1,now())
		 on conflict (user_id, ip, user_agent) do update set hits=user_access.hits+1, last_seen_at=now()`,
		userID, ip, userAgent)
	return err
}

func (s *accessStore) ListByUser(ctx context.Context, userID string) ([]AccessFingerprint, error) {
	rows, err := s.q.QueryContext(ctx,
		`select user_id, ip, user_agent, hits, last_seen_at from user_access where user_id=$1 order by last_seen_at desc`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccessFingerprint
	for rows.Next() {
		var f AccessFingerprint
		if err := rows.Scan(&f.UserID, &f.IP, &f.UserAgent, &f.Hits, &f.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Profile store ------------------------------------------------------------

type profileStore struct{ q querier }

func (s *profileStore) Upsert(ctx context.Context, p *Profile) error {
	_, err := s.q.ExecContext(ctx,
		`insert into user_profiles(user_id, birth_date, birth_city, birth_province, gender, street, city, province, postal_code, country)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 on conflict (user_id) do update set
		   birth_date=excluded.birth_date, birth_city=excluded.birth_city, birth_province=excluded.birth_province,
		   gender=excluded.gender, street=excluded.street, city=excluded.city, province=excluded.province,
		   postal_code=excluded.postal_code, country=excluded.country, updated_at=now()`,
		p.UserID, p.BirthDate, p.BirthCity, p.BirthProvince, p.Gender,
		p.Street, p.City, p.Province, p.PostalCode, p.Country)
	return err
}

func (s *profileStore) Find(ctx context.Context, userID string) (*Profile, error) {
	row := s.q.QueryRowContext(ctx,
		`select user_id, birth_date, birth_city, birth_province, gender, street, city, province, postal_code, country, created_at, updated_at
		 from user_profiles where user_id=$1`, userID)
	var p Profile
	err := row.Scan(&p.UserID, &p.BirthDate, &p.BirthCity, &p.BirthProvince, &p.Gender,
		&p.Street, &p.City, &p.Province, &p.PostalCode, &p.Country, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Reset token store --------------------------------------------------------

type resetStore struct{ q querier }

func (s *resetStore) Put(ctx context.Context, tok *ResetToken) error {
	_, err := s.q.ExecContext(ctx,
		`insert into password_resets(user_id, token_hash, expires_at)
		 values($1,$2,$3)
		 on conflict (user_id) do update set token_hash=excluded.token_hash, expires_at=excluded.expires_at, created_at=now()`,
		tok.UserID, tok.TokenHash, tok.ExpiresAt)
	return err
}

func (s *resetStore) Find(ctx context.Context, userID string) (*ResetToken, error) {
	row := s.q.QueryRowContext(ctx,
		`select user_id, token_hash, expires_at, created_at from password_resets where user_id=$1`, userID)
	var t ResetToken
	if err := row.Scan(&t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *resetStore) Delete(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx, `delete from password_resets where user_id=$1`, userID)
	return err
}

// helpers ------------------------------------------------------------------

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
