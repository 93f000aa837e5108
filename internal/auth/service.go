package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authgate.org/internal/ids"
	"authgate.org/internal/obs"
)

const (
	defaultMaxFailedAttempts = 5
	defaultLockDuration      = 30 * time.Minute
	defaultResetTokenTTL     = 30 * time.Minute

	tokenTypeBearer = "Bearer"
)

// Service orchestrates the login state machine: credential checks, lockout
// policy, token issuance, rotation and revocation, and post-login side
// effects. Side effects (mail, audit) never fail the triggering operation.
type Service struct {
	store     Store
	codec     *Codec
	ledger    *Ledger
	blacklist *Blacklist
	mailer    Mailer
	audit     AuditSink
	now       func() time.Time

	maxFailedAttempts int
	lockDuration      time.Duration
	resetTokenTTL     time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithMaxFailedAttempts sets the failed-login threshold that locks an account.
func WithMaxFailedAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxFailedAttempts = n
		}
	}
}

// WithLockDuration sets how long an account stays locked after the threshold
// is reached.
func WithLockDuration(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.lockDuration = d
		}
	}
}

// WithResetTokenTTL sets the validity window of password reset tokens.
func WithResetTokenTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.resetTokenTTL = d
		}
	}
}

// WithMailer attaches the notification sender.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) { s.mailer = m }
}

// WithAuditSink attaches the audit sink.
func WithAuditSink(a AuditSink) ServiceOption {
	return func(s *Service) { s.audit = a }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the login state machine.
func NewService(store Store, codec *Codec, ledger *Ledger, blacklist *Blacklist, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: codec is required")
	}
	if ledger == nil {
		return nil, errors.New("auth: ledger is required")
	}
	if blacklist == nil {
		return nil, errors.New("auth: blacklist is required")
	}
	s := &Service{
		store:             store,
		codec:             codec,
		ledger:            ledger,
		blacklist:         blacklist,
		now:               time.Now,
		maxFailedAttempts: defaultMaxFailedAttempts,
		lockDuration:      defaultLockDuration,
		resetTokenTTL:     defaultResetTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Blacklist exposes the access-token blacklist for the authorization path.
func (s *Service) Blacklist() *Blacklist { return s.blacklist }

// Ledger exposes the refresh token ledger.
func (s *Service) Ledger() *Ledger { return s.ledger }

// LoginInput carries the credentials and request metadata of a login attempt.
type LoginInput struct {
	Username  string
	Password  string
	IP        string
	UserAgent string
}

// Login verifies credentials and issues a fresh token pair. The user-row
// update and the ledger insert commit in one transaction so a crash cannot
// leave a token issued against stale lockout state.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || in.Password == "" {
		obs.IncLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		// Same failure as a wrong password so callers cannot probe for
		// account existence.
		obs.IncLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	now := s.now().UTC()
	if user.Locked(now) {
		obs.IncLogin("locked")
		return nil, ErrAccountLocked
	}
	if user.Status != UserStatusActive {
		obs.IncLogin("inactive")
		return nil, ErrAccountInactive
	}

	if VerifyPassword(user.PasswordHash, in.Password) != nil {
		if err := s.recordFailedAttempt(ctx, user, now); err != nil {
			return nil, err
		}
		obs.IncLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.LastLoginIP = strings.TrimSpace(in.IP)

	result, err := s.issuePair(ctx, user, func(ctx context.Context, tx Store) error {
		return tx.Users(ctx).Update(ctx, user)
	})
	if err != nil {
		return nil, err
	}

	obs.IncLogin("success")
	s.dispatchMail(func() error {
		return s.mailer.SendLoginNotification(context.WithoutCancel(ctx), user.Email, user.FullName, in.IP, in.UserAgent)
	})
	s.recordAudit(ctx, AuditEvent{Action: "auth.login", Actor: user.Username, Outcome: "success"})
	return result, nil
}

// recordFailedAttempt bumps the failure counter in a single atomic statement
// so two racing attempts cannot lose a lockout increment, and locks the
// account once the threshold is reached.
func (s *Service) recordFailedAttempt(ctx context.Context, user *User, now time.Time) error {
	attempts, err := s.store.Users(ctx).RecordLoginFailure(ctx, user.ID, s.maxFailedAttempts, now.Add(s.lockDuration))
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	if attempts >= s.maxFailedAttempts {
		obs.IncLockout()
		obs.Event("warn", "account locked after repeated failures", map[string]any{"username": user.Username})
		s.recordAudit(ctx, AuditEvent{Action: "auth.account.locked", Actor: user.Username, Outcome: "locked"})
	}
	return nil
}

// Logout blacklists the access token and revokes the refresh token issued
// alongside it. Idempotent: a second logout with the same token is a no-op.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	if err := s.blacklist.Add(ctx, accessToken, RevokeReasonLogout); err != nil {
		return fmt.Errorf("blacklist access token: %w", err)
	}
	if err := s.ledger.RevokeByAccessToken(ctx, accessToken); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	actor := ""
	if p, ok := PrincipalFromContext(ctx); ok {
		actor = p.Username
	}
	s.recordAudit(ctx, AuditEvent{Action: "auth.logout", Actor: actor, Outcome: "success"})
	return nil
}

// ForceLogout revokes every refresh token of the user. Callers typically
// follow up with a blacklist of any known live access tokens.
func (s *Service) ForceLogout(ctx context.Context, userID string) error {
	if err := s.ledger.RevokeAllByUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	s.recordAudit(ctx, AuditEvent{Action: "auth.force_logout", Actor: userID, Outcome: "success"})
	return nil
}

// Refresh validates a refresh token and mints a brand-new token pair with
// the subject's current roles. The old refresh token is not revoked here:
// it stays replayable until natural expiry, a known window kept for
// compatibility with existing clients.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.codec.Parse(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	if !s.ledger.IsValid(ctx, refreshToken) {
		return nil, ErrRefreshTokenRevoked
	}

	user, err := s.store.Users(ctx).FindByUsername(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	result, err := s.issuePair(ctx, user, nil)
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, AuditEvent{Action: "auth.token.refreshed", Actor: user.Username, Outcome: "success"})
	return result, nil
}

// issuePair mints an access+refresh pair for user and persists the ledger
// row, running extra (if non-nil) in the same transaction.
func (s *Service) issuePair(ctx context.Context, user *User, extra func(ctx context.Context, tx Store) error) (*LoginResult, error) {
	access, accessExp, err := s.codec.IssueAccessToken(user.Username, user.RoleCodes())
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshExp, err := s.codec.IssueRefreshToken(user.Username)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	rec, err := s.ledger.Record(refresh, user.ID, access)
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		if extra != nil {
			if err := extra(ctx, tx); err != nil {
				return err
			}
		}
		return tx.RefreshTokens(ctx).Create(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("persist token issuance: %w", err)
	}

	obs.IncTokenIssued("access")
	obs.IncTokenIssued("refresh")
	return &LoginResult{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        tokenTypeBearer,
		ExpiresIn:        int64(s.codec.AccessTTL() / time.Second),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		User:             user.Summary(),
	}, nil
}

// RegisterInput carries a registration request.
type RegisterInput struct {
	Username string
	Password string
	Email    string
	FullName string
	Phone    string
}

// Register creates a new active account with the default role and zeroed
// failure counters. The password is stored only as a one-way hash.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*UserSummary, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if username == "" || in.Password == "" || email == "" {
		return nil, ErrInvalidCredentials
	}

	users := s.store.Users(ctx)
	taken, err := users.ExistsByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return nil, ErrUsernameExists
	}
	taken, err = users.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return nil, ErrEmailExists
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	role, err := s.store.Roles(ctx).FindByCode(ctx, DefaultRoleCode)
	if err != nil {
		return nil, fmt.Errorf("load default role: %w", err)
	}

	user := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(in.FullName),
		Phone:        strings.TrimSpace(in.Phone),
		Status:       UserStatusActive,
		Roles:        []Role{*role},
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.Users(ctx).Create(ctx, user); err != nil {
			return err
		}
		return tx.Users(ctx).ReplaceRoles(ctx, user.ID, []string{role.ID})
	})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.dispatchMail(func() error {
		return s.mailer.SendWelcome(context.WithoutCancel(ctx), user.Email, user.FullName)
	})
	s.recordAudit(ctx, AuditEvent{Action: "auth.user.registered", Actor: user.Username, Outcome: "success"})
	summary := user.Summary()
	return &summary, nil
}

// ForgotPassword issues a single-use reset token with a fixed validity
// window, replacing any prior token on the account.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	expiry := s.now().UTC().Add(s.resetTokenTTL)
	user.ResetToken = uuid.NewString()
	user.ResetTokenExpiry = &expiry
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	s.dispatchMail(func() error {
		return s.mailer.SendPasswordReset(context.WithoutCancel(ctx), user.Email, user.FullName, user.ResetToken)
	})
	s.recordAudit(ctx, AuditEvent{Action: "auth.password.reset_requested", Actor: user.Username, Outcome: "success"})
	return nil
}

// ResetPassword updates the password when the reset token matches and has
// not expired. A successful reset proves control of the mailbox, so it also
// clears any lockout state.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidResetToken
	}
	user, err := s.store.Users(ctx).FindByResetToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidResetToken
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user.ResetTokenExpiry == nil || user.ResetTokenExpiry.Before(s.now().UTC()) {
		return ErrResetTokenExpired
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	user.ResetToken = ""
	user.ResetTokenExpiry = nil
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	s.dispatchMail(func() error {
		return s.mailer.SendPasswordChanged(context.WithoutCancel(ctx), user.Email, user.FullName)
	})
	s.recordAudit(ctx, AuditEvent{Action: "auth.password.reset", Actor: user.Username, Outcome: "success"})
	return nil
}

// ChangePassword updates the password of an authenticated user after
// verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	user, err := s.store.Users(ctx).FindByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if VerifyPassword(user.PasswordHash, oldPassword) != nil {
		return ErrInvalidOldPassword
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	s.dispatchMail(func() error {
		return s.mailer.SendPasswordChanged(context.WithoutCancel(ctx), user.Email, user.FullName)
	})
	s.recordAudit(ctx, AuditEvent{Action: "auth.password.changed", Actor: user.Username, Outcome: "success"})
	return nil
}

// dispatchMail hands a notification to the mailer in the background.
// Failures are logged and swallowed: email must never fail or block the
// triggering operation.
func (s *Service) dispatchMail(send func() error) {
	if s.mailer == nil {
		return
	}
	go func() {
		if err := send(); err != nil {
			obs.Warn("notification dispatch failed", err)
		}
	}()
}

func (s *Service) recordAudit(ctx context.Context, event AuditEvent) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, event)
}
