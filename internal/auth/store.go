package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// WithinTx runs fn against a transaction-scoped Store; the login flow uses
// it so the user-row update and the refresh-token insert commit together.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Blacklist(ctx context.Context) BlacklistStore
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}

// UserStore manages credential-store records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByResetToken(ctx context.Context, token string) (*User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Update(ctx context.Context, u *User) error
	// RecordLoginFailure bumps the failure counter in one atomic statement
	// and sets locked_until once the counter reaches maxAttempts. It returns
	// the new counter value.
	RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockUntil time.Time) (int, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, offset, limit int) ([]*User, int, error)
	Search(ctx context.Context, keyword string, offset, limit int) ([]*User, int, error)
	ReplaceRoles(ctx context.Context, userID string, roleIDs []string) error
}

// RoleStore manages the role catalog.
type RoleStore interface {
	FindByCode(ctx context.Context, code string) (*Role, error)
	FindAllByID(ctx context.Context, ids []string) ([]Role, error)
	List(ctx context.Context) ([]Role, error)
}

// RefreshTokenStore manages the refresh token ledger rows.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, token string) (*RefreshToken, error)
	MarkRevoked(ctx context.Context, token string) error
	MarkRevokedByAccessToken(ctx context.Context, accessToken string) error
	MarkRevokedByUser(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// BlacklistStore is the durable side of the access-token blacklist.
type BlacklistStore interface {
	Insert(ctx context.Context, entry *BlacklistEntry) error
	Exists(ctx context.Context, token string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Mailer dispatches transactional email. Implementations are fire-and-forget:
// a returned error means the task could not be enqueued, never that delivery
// failed, and callers log it without failing the triggering operation.
type Mailer interface {
	SendWelcome(ctx context.Context, to, name string) error
	SendPasswordReset(ctx context.Context, to, name, resetToken string) error
	SendLoginNotification(ctx context.Context, to, name, ip, userAgent string) error
	SendPasswordChanged(ctx context.Context, to, name string) error
	SendOTP(ctx context.Context, to, code string) error
}

// AuditEvent is the minimal payload handed to the audit sink.
type AuditEvent struct {
	Action   string
	Actor    string
	Outcome  string
	Resource string
	TraceID  string
	Duration time.Duration
	Fields   map[string]any
}

// AuditSink records security-relevant actions asynchronously, best-effort.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}
