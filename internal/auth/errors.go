package auth

import "errors"

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("auth: not found")

// ErrMalformedToken indicates a token whose structure or signature is invalid.
var ErrMalformedToken = errors.New("auth: malformed token")

// Error is a recoverable business-rule failure with a stable machine code.
// The HTTP layer maps codes to statuses; the message is safe to show callers.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrInvalidCredentials  = &Error{Code: "INVALID_CREDENTIALS", Message: "invalid username or password"}
	ErrAccountLocked       = &Error{Code: "ACCOUNT_LOCKED", Message: "account is temporarily locked, try again later"}
	ErrAccountInactive     = &Error{Code: "ACCOUNT_INACTIVE", Message: "account is not active"}
	ErrInvalidRefreshToken = &Error{Code: "INVALID_REFRESH_TOKEN", Message: "refresh token is invalid"}
	ErrRefreshTokenRevoked = &Error{Code: "REFRESH_TOKEN_REVOKED", Message: "refresh token has been revoked"}
	ErrUserNotFound        = &Error{Code: "USER_NOT_FOUND", Message: "user does not exist"}
	ErrUsernameExists      = &Error{Code: "USERNAME_EXISTS", Message: "username is already taken"}
	ErrEmailExists         = &Error{Code: "EMAIL_EXISTS", Message: "email is already in use"}
	ErrInvalidResetToken   = &Error{Code: "INVALID_RESET_TOKEN", Message: "password reset token is invalid"}
	ErrResetTokenExpired   = &Error{Code: "RESET_TOKEN_EXPIRED", Message: "password reset token has expired"}
	ErrInvalidOldPassword  = &Error{Code: "INVALID_OLD_PASSWORD", Message: "current password is incorrect"}
	ErrPasswordsNotMatch   = &Error{Code: "PASSWORDS_NOT_MATCH", Message: "password confirmation does not match"}
)

// BusinessError extracts the business failure from err, if any.
func BusinessError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
