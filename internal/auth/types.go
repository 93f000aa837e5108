package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
)

// DefaultRoleCode is assigned to every newly registered user.
const DefaultRoleCode = "user"

// User is the credential-store record guarded by the login state machine.
type User struct {
	ID                  string
	Username            string
	Email               string
	PasswordHash        string
	FullName            string
	Phone               string
	Status              string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	LastLoginIP         string
	ResetToken          string
	ResetTokenExpiry    *time.Time
	Roles               []Role
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Locked reports whether the account lockout is still in force at now.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// RoleCodes returns the codes of the user's roles in load order.
func (u *User) RoleCodes() []string {
	codes := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		codes = append(codes, r.Code)
	}
	return codes
}

// Role groups permissions under a stable code such as "admin" or "user".
type Role struct {
	ID          string
	Code        string
	Name        string
	Description string
	CreatedAt   time.Time
}

// RefreshToken is one row of the refresh token ledger. A token is valid
// iff it is not revoked and its expiry is still in the future; rotation
// creates a new row rather than reusing an old one.
type RefreshToken struct {
	Token       string
	UserID      string
	AccessToken string
	ExpiresAt   time.Time
	Revoked     bool
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// BlacklistEntry records an access token invalidated before natural expiry.
// Entries are never needed past ExpiresAt and are purged by the cleanup job.
type BlacklistEntry struct {
	Token     string
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Blacklist reasons.
const (
	RevokeReasonLogout          = "LOGOUT"
	RevokeReasonForceLogout     = "FORCE_LOGOUT"
	RevokeReasonPasswordChanged = "PASSWORD_CHANGED"
	RevokeReasonSecurityBreach  = "SECURITY_BREACH"
)

// UserSummary is the caller-facing projection of a user, without secrets.
type UserSummary struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name,omitempty"`
	Phone    string   `json:"phone,omitempty"`
	Status   string   `json:"status"`
	Roles    []string `json:"roles"`
}

// Summary builds the caller-facing view of u.
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		FullName: u.FullName,
		Phone:    u.Phone,
		Status:   u.Status,
		Roles:    u.RoleCodes(),
	}
}

// LoginResult is returned on a successful login or refresh.
type LoginResult struct {
	AccessToken      string      `json:"access_token"`
	RefreshToken     string      `json:"refresh_token"`
	TokenType        string      `json:"token_type"`
	ExpiresIn        int64       `json:"expires_in"`
	AccessExpiresAt  time.Time   `json:"access_expires_at"`
	RefreshExpiresAt time.Time   `json:"refresh_expires_at"`
	User             UserSummary `json:"user"`
}
