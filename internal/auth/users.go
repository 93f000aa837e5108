package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"authgate.org/internal/ids"
)

// UserUpdate carries the mutable fields of a user-administration update.
// Nil fields are left untouched.
type UserUpdate struct {
	Email    *string
	FullName *string
	Phone    *string
	Status   *string
	Password *string
}

// UserPage is one page of a paginated user listing.
type UserPage struct {
	Users []UserSummary `json:"users"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

// Admin provides the user-administration operations behind the /v1/users
// surface: listing, search, CRUD and role assignment.
type Admin struct {
	store Store
	audit AuditSink
}

// NewAdmin constructs the user-administration service.
func NewAdmin(store Store, audit AuditSink) (*Admin, error) {
	if store == nil {
		return nil, errors.New("auth: admin store is required")
	}
	return &Admin{store: store, audit: audit}, nil
}

// ListUsers returns one page of users ordered by creation time.
func (a *Admin) ListUsers(ctx context.Context, page, size int) (*UserPage, error) {
	page, size = normalizePage(page, size)
	users, total, err := a.store.Users(ctx).List(ctx, (page-1)*size, size)
	if err != nil {
		return nil, err
	}
	return buildPage(users, total, page, size), nil
}

// SearchUsers returns one page of users whose username, email or full name
// matches keyword.
func (a *Admin) SearchUsers(ctx context.Context, keyword string, page, size int) (*UserPage, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return a.ListUsers(ctx, page, size)
	}
	page, size = normalizePage(page, size)
	users, total, err := a.store.Users(ctx).Search(ctx, keyword, (page-1)*size, size)
	if err != nil {
		return nil, err
	}
	return buildPage(users, total, page, size), nil
}

// GetUser loads a single user.
func (a *Admin) GetUser(ctx context.Context, id string) (*UserSummary, error) {
	user, err := a.store.Users(ctx).Find(ctx, strings.TrimSpace(id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	summary := user.Summary()
	return &summary, nil
}

// CreateUser provisions an account on behalf of an administrator. Unlike
// self-registration the caller picks the roles.
func (a *Admin) CreateUser(ctx context.Context, in RegisterInput, roleIDs []string) (*UserSummary, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if username == "" || in.Password == "" || email == "" {
		return nil, fmt.Errorf("username, password and email are required")
	}

	users := a.store.Users(ctx)
	taken, err := users.ExistsByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrUsernameExists
	}
	taken, err = users.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrEmailExists
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	roles, err := a.store.Roles(ctx).FindAllByID(ctx, roleIDs)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(in.FullName),
		Phone:        strings.TrimSpace(in.Phone),
		Status:       UserStatusActive,
		Roles:        roles,
	}
	err = a.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.Users(ctx).Create(ctx, user); err != nil {
			return err
		}
		return tx.Users(ctx).ReplaceRoles(ctx, user.ID, roleIDList(roles))
	})
	if err != nil {
		return nil, err
	}

	a.recordAudit(ctx, "users.create", user.ID)
	summary := user.Summary()
	return &summary, nil
}

// UpdateUser applies the non-nil fields of upd to the user.
func (a *Admin) UpdateUser(ctx context.Context, id string, upd UserUpdate) (*UserSummary, error) {
	user, err := a.store.Users(ctx).Find(ctx, strings.TrimSpace(id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	if upd.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*upd.Email))
		if email == "" || !strings.Contains(email, "@") {
			return nil, fmt.Errorf("valid email is required")
		}
		if email != user.Email {
			taken, err := a.store.Users(ctx).ExistsByEmail(ctx, email)
			if err != nil {
				return nil, err
			}
			if taken {
				return nil, ErrEmailExists
			}
			user.Email = email
		}
	}
	if upd.FullName != nil {
		user.FullName = strings.TrimSpace(*upd.FullName)
	}
	if upd.Phone != nil {
		user.Phone = strings.TrimSpace(*upd.Phone)
	}
	if upd.Status != nil {
		status := strings.TrimSpace(strings.ToLower(*upd.Status))
		if status != UserStatusActive && status != UserStatusInactive {
			return nil, fmt.Errorf("unsupported status %s", status)
		}
		user.Status = status
	}
	if upd.Password != nil {
		hash, err := HashPassword(*upd.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}

	if err := a.store.Users(ctx).Update(ctx, user); err != nil {
		return nil, err
	}
	a.recordAudit(ctx, "users.update", user.ID)
	summary := user.Summary()
	return &summary, nil
}

// DeleteUser removes the account. Ledger rows are revoked first so any
// outstanding refresh tokens die with it.
func (a *Admin) DeleteUser(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrUserNotFound
	}
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.RefreshTokens(ctx).MarkRevokedByUser(ctx, id); err != nil {
			return err
		}
		return tx.Users(ctx).Delete(ctx, id)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	a.recordAudit(ctx, "users.delete", id)
	return nil
}

// AssignRoles replaces the user's role set.
func (a *Admin) AssignRoles(ctx context.Context, userID string, roleIDs []string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserNotFound
	}
	if _, err := a.store.Users(ctx).Find(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	roles, err := a.store.Roles(ctx).FindAllByID(ctx, roleIDs)
	if err != nil {
		return err
	}
	if err := a.store.Users(ctx).ReplaceRoles(ctx, userID, roleIDList(roles)); err != nil {
		return err
	}
	a.recordAudit(ctx, "users.assign_roles", userID)
	return nil
}

// ListRoles returns the role catalog.
func (a *Admin) ListRoles(ctx context.Context) ([]Role, error) {
	return a.store.Roles(ctx).List(ctx)
}

func (a *Admin) recordAudit(ctx context.Context, action, resource string) {
	if a.audit == nil {
		return
	}
	actor := ""
	if p, ok := PrincipalFromContext(ctx); ok {
		actor = p.Username
	}
	a.audit.Record(ctx, AuditEvent{Action: action, Actor: actor, Outcome: "success", Resource: resource})
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return page, size
}

func buildPage(users []*User, total, page, size int) *UserPage {
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, u.Summary())
	}
	return &UserPage{Users: out, Total: total, Page: page, Size: size}
}

func roleIDList(roles []Role) []string {
	idList := make([]string, 0, len(roles))
	for _, r := range roles {
		idList = append(idList, r.ID)
	}
	return idList
}
