package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockRunner(t *testing.T, files fstest.MapFS) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRunner(db, files), mock
}

func appliedRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"name"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

func TestUpAppliesOnlyPending(t *testing.T) {
	files := fstest.MapFS{
		"sql/0001_init.up.sql": {Data: []byte("create table users (id text);")},
		"sql/0002_more.up.sql": {Data: []byte("create table roles (id text);\ncreate index roles_id on roles (id);")},
	}
	r, mock := newMockRunner(t, files)

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(appliedRows("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table roles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index roles_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_more.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownNothingApplied(t *testing.T) {
	r, mock := newMockRunner(t, fstest.MapFS{})

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(appliedRows())

	if err := r.Down(context.Background()); err == nil {
		t.Fatal("want error when nothing applied")
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	files := fstest.MapFS{
		"sql/0001_init.up.sql":   {Data: []byte("create table users (id text);")},
		"sql/0001_init.down.sql": {Data: []byte("drop table users;")},
	}
	r, mock := newMockRunner(t, files)

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(appliedRows("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table users").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0001_init.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDownMissingCounterpart(t *testing.T) {
	files := fstest.MapFS{
		"sql/0001_init.up.sql": {Data: []byte("create table users (id text);")},
	}
	r, mock := newMockRunner(t, files)

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(appliedRows("0001_init.up.sql"))

	if err := r.Down(context.Background()); err == nil {
		t.Fatal("want error for missing down migration")
	}
}

func TestSeedSkipsApplied(t *testing.T) {
	files := fstest.MapFS{
		"seeds/0001_roles.sql": {Data: []byte("insert into roles values ('admin');")},
	}
	r, mock := newMockRunner(t, files)

	mock.ExpectExec("create table if not exists schema_seeds").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(appliedRows("0001_roles.sql"))

	if err := r.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	script := "insert into t values ('a;b');\ncreate index i on t (c);\n"
	stmts := splitStatements(script)
	if len(stmts) != 2 {
		t.Fatalf("got %d statements: %q", len(stmts), stmts)
	}
	if stmts[0] != "insert into t values ('a;b');" {
		t.Fatalf("quoted semicolon split: %q", stmts[0])
	}
}
