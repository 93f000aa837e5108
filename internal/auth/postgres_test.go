package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGFindByUsernameNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select .+ from users where username=").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Users(context.Background()).FindByUsername(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPGRecordLoginFailureBelowThreshold(t *testing.T) {
	store, mock := newMockStore(t)
	lockUntil := time.Now().Add(30 * time.Minute)
	mock.ExpectQuery("update users set").
		WithArgs("user-1", 5, lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts"}).AddRow(3))

	attempts, err := store.Users(context.Background()).RecordLoginFailure(context.Background(), "user-1", 5, lockUntil)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGRecordLoginFailureUnknownUser(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("update users set").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Users(context.Background()).RecordLoginFailure(context.Background(), "ghost", 5, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPGWithinTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from users where id=").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		return s.Users(ctx).Delete(ctx, "user-1")
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGWithinTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, s Store) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGWithinTxNestedReusesTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from users where id=").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, outer Store) error {
		return outer.WithinTx(ctx, func(ctx context.Context, inner Store) error {
			return inner.Users(ctx).Delete(ctx, "user-1")
		})
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGBlacklistInsertConflictIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into token_blacklist").
		WithArgs("tok", RevokeReasonLogout, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Blacklist(context.Background()).Insert(context.Background(), &BlacklistEntry{
		Token:     "tok",
		Reason:    RevokeReasonLogout,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestPGRefreshDeleteExpiredReturnsCount(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec("delete from refresh_tokens where expires_at <").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.RefreshTokens(context.Background()).DeleteExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 7 {
		t.Fatalf("n = %d", n)
	}
}

func TestPGMarkRevokedMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update refresh_tokens set revoked=true").
		WithArgs("unknown").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.RefreshTokens(context.Background()).MarkRevoked(context.Background(), "unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
