package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"authgate.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx so the
// per-entity stores work both standalone and inside WithinTx.
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

func (s *PGStore) Users(context.Context) UserStore { return &userStore{q: s.q} }
func (s *PGStore) Roles(context.Context) RoleStore { return &roleStore{q: s.q} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore {
	return &refreshTokenStore{q: s.q}
}
func (s *PGStore) Blacklist(context.Context) BlacklistStore { return &blacklistStore{q: s.q} }

// WithinTx runs fn against a transaction-scoped Store. Nested calls reuse
// the surrounding transaction.
func (s *PGStore) WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, &PGStore{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// User store ---------------------------------------------------------------

type userStore struct{ q querier }

const userColumns = `id, username, email, password_hash, full_name, phone, status,
	failed_login_attempts, locked_until, last_login_at, last_login_ip,
	reset_token, reset_token_expiry, created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.q.ExecContext(ctx,
		`insert into users(id, username, email, password_hash, full_name, phone, status, failed_login_attempts)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FullName, u.Phone, u.Status, u.FailedLoginAttempts,
	)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where id=$1`, id)
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where username=$1`, username)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where email=$1`, email)
}

func (s *userStore) FindByResetToken(ctx context.Context, token string) (*User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where reset_token=$1`, token)
}

func (s *userStore) findOne(ctx context.Context, query string, arg any) (*User, error) {
	row := s.q.QueryRowContext(ctx, query, arg)
	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.loadRoles(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *userStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, `select exists(select 1 from users where username=$1)`, username)
}

func (s *userStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, `select exists(select 1 from users where email=$1)`, email)
}

func (s *userStore) exists(ctx context.Context, query string, arg any) (bool, error) {
	var found bool
	if err := s.q.QueryRowContext(ctx, query, arg).Scan(&found); err != nil {
		return false, err
	}
	return found, nil
}

func (s *userStore) Update(ctx context.Context, u *User) error {
	res, err := s.q.ExecContext(ctx,
		`update users set email=$2, password_hash=$3, full_name=$4, phone=$5, status=$6,
		 failed_login_attempts=$7, locked_until=$8, last_login_at=$9, last_login_ip=$10,
		 reset_token=nullif($11,''), reset_token_expiry=$12, updated_at=now()
		 where id=$1`,
		u.ID, u.Email, u.PasswordHash, u.FullName, u.Phone, u.Status,
		u.FailedLoginAttempts, u.LockedUntil, u.LastLoginAt, u.LastLoginIP,
		u.ResetToken, u.ResetTokenExpiry,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *userStore) RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockUntil time.Time) (int, error) {
	var attempts int
	err := s.q.QueryRowContext(ctx,
		`update users set
		   failed_login_attempts = failed_login_attempts + 1,
		   locked_until = case when failed_login_attempts + 1 >= $2 then $3 else locked_until end,
		   updated_at = now()
		 where id=$1
		 returning failed_login_attempts`,
		userID, maxAttempts, lockUntil,
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return attempts, err
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `delete from users where id=$1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *userStore) List(ctx context.Context, offset, limit int) ([]*User, int, error) {
	var total int
	if err := s.q.QueryRowContext(ctx, `select count(*) from users`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.q.QueryContext(ctx,
		`select `+userColumns+` from users order by created_at desc offset $1 limit $2`,
		offset, limit,
	)
	if err != nil {
		return nil, 0, err
	}
	users, err := s.collect(ctx, rows)
	return users, total, err
}

func (s *userStore) Search(ctx context.Context, keyword string, offset, limit int) ([]*User, int, error) {
	pattern := "%" + strings.ToLower(keyword) + "%"
	var total int
	err := s.q.QueryRowContext(ctx,
		`select count(*) from users
		 where lower(username) like $1 or lower(email) like $1 or lower(full_name) like $1`,
		pattern,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.q.QueryContext(ctx,
		`select `+userColumns+` from users
		 where lower(username) like $1 or lower(email) like $1 or lower(full_name) like $1
		 order by created_at desc offset $2 limit $3`,
		pattern, offset, limit,
	)
	if err != nil {
		return nil, 0, err
	}
	users, err := s.collect(ctx, rows)
	return users, total, err
}

func (s *userStore) collect(ctx context.Context, rows *sql.Rows) ([]*User, error) {
	defer rows.Close()
	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, u := range users {
		if err := s.loadRoles(ctx, u); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *userStore) ReplaceRoles(ctx context.Context, userID string, roleIDs []string) error {
	if _, err := s.q.ExecContext(ctx, `delete from user_roles where user_id=$1`, userID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		_, err := s.q.ExecContext(ctx,
			`insert into user_roles(user_id, role_id) values($1,$2) on conflict do nothing`,
			userID, roleID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *userStore) loadRoles(ctx context.Context, u *User) error {
	rows, err := s.q.QueryContext(ctx,
		`select r.id, r.code, r.name, r.description, r.created_at from roles r
		 join user_roles ur on ur.role_id=r.id where ur.user_id=$1 order by r.code`,
		u.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	u.Roles = u.Roles[:0]
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Code, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return err
		}
		u.Roles = append(u.Roles, r)
	}
	return rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(row rowScanner) (*User, error) {
	var (
		u           User
		fullName    sql.NullString
		phone       sql.NullString
		lockedUntil sql.NullTime
		lastLoginAt sql.NullTime
		lastLoginIP sql.NullString
		resetToken  sql.NullString
		resetExpiry sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &fullName, &phone, &u.Status,
		&u.FailedLoginAttempts, &lockedUntil, &lastLoginAt, &lastLoginIP,
		&resetToken, &resetExpiry, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.FullName = fullName.String
	u.Phone = phone.String
	u.LastLoginIP = lastLoginIP.String
	u.ResetToken = resetToken.String
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		u.LastLoginAt = &t
	}
	if resetExpiry.Valid {
		t := resetExpiry.Time
		u.ResetTokenExpiry = &t
	}
	return &u, nil
}

// Role store ---------------------------------------------------------------

type roleStore struct{ q querier }

func (s *roleStore) FindByCode(ctx context.Context, code string) (*Role, error) {
	row := s.q.QueryRowContext(ctx,
		`select id, code, name, description, created_at from roles where code=$1`, code)
	var r Role
	if err := row.Scan(&r.ID, &r.Code, &r.Name, &r.Description, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *roleStore) FindAllByID(ctx context.Context, idList []string) ([]Role, error) {
	roles := make([]Role, 0, len(idList))
	for _, id := range idList {
		row := s.q.QueryRowContext(ctx,
			`select id, code, name, description, created_at from roles where id=$1`, id)
		var r Role
		if err := row.Scan(&r.ID, &r.Code, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("role %s: %w", id, ErrNotFound)
			}
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, nil
}

func (s *roleStore) List(ctx context.Context) ([]Role, error) {
	rows, err := s.q.QueryContext(ctx,
		`select id, code, name, description, created_at from roles order by code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Code, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Refresh token store -------------------------------------------------------

type refreshTokenStore struct{ q querier }

func (s *refreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.q.ExecContext(ctx,
		`insert into refresh_tokens(token, user_id, access_token, expires_at, revoked)
		 values($1,$2,$3,$4,false)`,
		tok.Token, tok.UserID, tok.AccessToken, tok.ExpiresAt,
	)
	return err
}

func (s *refreshTokenStore) Find(ctx context.Context, token string) (*RefreshToken, error) {
	row := s.q.QueryRowContext(ctx,
		`select token, user_id, access_token, expires_at, revoked, revoked_at, created_at
		 from refresh_tokens where token=$1`, token)
	var (
		tok       RefreshToken
		revokedAt sql.NullTime
	)
	err := row.Scan(&tok.Token, &tok.UserID, &tok.AccessToken, &tok.ExpiresAt, &tok.Revoked, &revokedAt, &tok.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		tok.RevokedAt = &t
	}
	return &tok, nil
}

func (s *refreshTokenStore) MarkRevoked(ctx context.Context, token string) error {
	res, err := s.q.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=now() where token=$1 and revoked=false`,
		token,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *refreshTokenStore) MarkRevokedByAccessToken(ctx context.Context, accessToken string) error {
	res, err := s.q.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=now() where access_token=$1 and revoked=false`,
		accessToken,
	)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *refreshTokenStore) MarkRevokedByUser(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=now() where user_id=$1 and revoked=false`,
		userID,
	)
	return err
}

func (s *refreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Blacklist store -----------------------------------------------------------

type blacklistStore struct{ q querier }

func (s *blacklistStore) Insert(ctx context.Context, entry *BlacklistEntry) error {
	_, err := s.q.ExecContext(ctx,
		`insert into token_blacklist(token, reason, expires_at) values($1,$2,$3)
		 on conflict (token) do nothing`,
		entry.Token, entry.Reason, entry.ExpiresAt,
	)
	return err
}

func (s *blacklistStore) Exists(ctx context.Context, token string) (bool, error) {
	var found bool
	err := s.q.QueryRowContext(ctx,
		`select exists(select 1 from token_blacklist where token=$1)`, token).Scan(&found)
	if err != nil {
		return false, err
	}
	return found, nil
}

func (s *blacklistStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `delete from token_blacklist where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
