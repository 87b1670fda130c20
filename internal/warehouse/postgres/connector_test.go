package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/querysmith/querysmith/internal/warehouse"
)

func TestExecuteReturnsRows(t *testing.T) {
	db, mock := newSQLMock(t)
	connector := NewConnector(db, time.Minute)

	mock.ExpectQuery(`SELECT id, name FROM customers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), []byte("ada")).
			AddRow(int64(2), []byte("grace")))

	got, err := connector.Execute(context.Background(), "SELECT id, name FROM customers")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", got.RowCount)
	}
	if len(got.Columns) != 2 || got.Columns[0] != "id" || got.Columns[1] != "name" {
		t.Fatalf("Columns = %v", got.Columns)
	}
	if got.Rows[0][1] != "ada" {
		t.Fatalf("Rows[0][1] = %v, want normalized string", got.Rows[0][1])
	}
	assertSQLMock(t, mock)
}

func TestExecuteClassifiesDriverErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind warehouse.ErrorKind
	}{
		{
			name:     "undefined table",
			err:      &pgconn.PgError{Code: "42P01", Message: `relation "orders" does not exist`},
			wantKind: warehouse.KindMissingRelation,
		},
		{
			name:     "undefined column",
			err:      &pgconn.PgError{Code: "42703", Message: `column "totla" does not exist`},
			wantKind: warehouse.KindMissingRelation,
		},
		{
			name:     "syntax error",
			err:      &pgconn.PgError{Code: "42601", Message: `syntax error at or near "SELEC"`},
			wantKind: warehouse.KindSyntax,
		},
		{
			name:     "insufficient privilege",
			err:      &pgconn.PgError{Code: "42501", Message: "permission denied for table salaries"},
			wantKind: warehouse.KindPermission,
		},
		{
			name:     "auth failure",
			err:      &pgconn.PgError{Code: "28P01", Message: "password authentication failed"},
			wantKind: warehouse.KindPermission,
		},
		{
			name:     "statement timeout",
			err:      &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"},
			wantKind: warehouse.KindTimeout,
		},
		{
			name:     "connection failure",
			err:      &pgconn.PgError{Code: "08006", Message: "connection failure"},
			wantKind: warehouse.KindConnectionLost,
		},
		{
			name:     "context deadline",
			err:      context.DeadlineExceeded,
			wantKind: warehouse.KindTimeout,
		},
		{
			name:     "closed pool",
			err:      sql.ErrConnDone,
			wantKind: warehouse.KindConnectionLost,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newSQLMock(t)
			connector := NewConnector(db, time.Minute)

			mock.ExpectQuery(`SELECT 1`).WillReturnError(tc.err)

			_, err := connector.Execute(context.Background(), "SELECT 1")
			var whErr *warehouse.Error
			if !errors.As(err, &whErr) {
				t.Fatalf("Execute() error = %v, want *warehouse.Error", err)
			}
			if whErr.Kind != tc.wantKind {
				t.Fatalf("Kind = %q, want %q", whErr.Kind, tc.wantKind)
			}
			assertSQLMock(t, mock)
		})
	}
}

func TestGetSchemaReturnsColumns(t *testing.T) {
	db, mock := newSQLMock(t)
	connector := NewConnector(db, time.Minute)

	mock.ExpectQuery(`SELECT column_name, data_type, is_nullable`).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "bigint", "NO").
			AddRow("placed_at", "timestamp with time zone", "YES"))

	info, err := connector.GetSchema(context.Background(), "orders")
	if err != nil {
		t.Fatalf("GetSchema() error = %v", err)
	}
	if info.Table != "orders" || len(info.Columns) != 2 {
		t.Fatalf("SchemaInfo = %+v", info)
	}
	if info.Columns[0].Nullable || !info.Columns[1].Nullable {
		t.Fatalf("nullable flags = %v / %v", info.Columns[0].Nullable, info.Columns[1].Nullable)
	}
	assertSQLMock(t, mock)
}

func TestGetSchemaUnknownTableIsMissingRelation(t *testing.T) {
	db, mock := newSQLMock(t)
	connector := NewConnector(db, time.Minute)

	mock.ExpectQuery(`SELECT column_name, data_type, is_nullable`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}))

	_, err := connector.GetSchema(context.Background(), "nope")
	var whErr *warehouse.Error
	if !errors.As(err, &whErr) || whErr.Kind != warehouse.KindMissingRelation {
		t.Fatalf("GetSchema() error = %v, want missing_relation", err)
	}
	assertSQLMock(t, mock)
}

func TestListTables(t *testing.T) {
	db, mock := newSQLMock(t)
	connector := NewConnector(db, time.Minute)

	mock.ExpectQuery(`SELECT table_name`).
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
			AddRow("customers").
			AddRow("orders"))

	tables, err := connector.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 2 || tables[0] != "customers" || tables[1] != "orders" {
		t.Fatalf("ListTables() = %v", tables)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
