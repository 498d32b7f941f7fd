package store_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"TradeTrail/internal/store"
)

// --- Test helpers ---

func newMockMigrator(t *testing.T, dir string) (*store.Migrator, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	return store.NewMigrator(db, dir), mock, func() { db.Close() }
}

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644); err != nil {
		t.Fatalf("write migration %s: %v", name, err)
	}
}

func expectVersionTable(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

// ============================================================================
// Test: Migration Up
// ============================================================================

func TestMigratorAppliesPendingInOrder(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_ledger.up.sql", "CREATE TABLE first_table")
	writeMigration(t, dir, "0002_projections.up.sql", "CREATE TABLE second_table")

	m, mock, closeDB := newMockMigrator(t, dir)
	defer closeDB()

	appliedAt := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	expectVersionTable(mock)
	mock.ExpectQuery("SELECT version, applied_at FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).
			AddRow("0001", appliedAt))

	// Only 0002 is pending.
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE second_table").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO public.schema_migrations").
		WithArgs("0002", "0002_projections.up.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 1 {
		t.Errorf("applied %d migrations, want 1", n)
	}
	checkExpectations(t, mock)
}

func TestMigratorUpNoopWhenCurrent(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_ledger.up.sql", "CREATE TABLE first_table")

	m, mock, closeDB := newMockMigrator(t, dir)
	defer closeDB()

	expectVersionTable(mock)
	mock.ExpectQuery("SELECT version, applied_at FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).
			AddRow("0001", time.Now()))

	n, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 0 {
		t.Errorf("applied %d migrations, want 0", n)
	}
	checkExpectations(t, mock)
}

// ============================================================================
// Test: Migration Down
// ============================================================================

func TestMigratorDownRollsBackLatest(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0002_projections.down.sql", "DROP TABLE second_table")

	m, mock, closeDB := newMockMigrator(t, dir)
	defer closeDB()

	expectVersionTable(mock)
	mock.ExpectQuery("SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).
			AddRow("0002", "0002_projections.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE second_table").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM public.schema_migrations").
		WithArgs("0002").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := m.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	checkExpectations(t, mock)
}

func TestMigratorDownRefusesWithoutDownFile(t *testing.T) {
	dir := t.TempDir()

	m, mock, closeDB := newMockMigrator(t, dir)
	defer closeDB()

	expectVersionTable(mock)
	mock.ExpectQuery("SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).
			AddRow("0002", "0002_projections.up.sql"))

	err := m.Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "read down migration") {
		t.Fatalf("Down = %v, want missing-file error", err)
	}
	checkExpectations(t, mock)
}

// ============================================================================
// Test: Status
// ============================================================================

func TestMigratorStatusMergesApplied(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_ledger.up.sql", "CREATE TABLE first_table")
	writeMigration(t, dir, "0002_projections.up.sql", "CREATE TABLE second_table")

	m, mock, closeDB := newMockMigrator(t, dir)
	defer closeDB()

	appliedAt := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	expectVersionTable(mock)
	mock.ExpectQuery("SELECT version, applied_at FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).
			AddRow("0001", appliedAt))

	statuses, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if !statuses[0].Applied || !statuses[0].AppliedAt.Equal(appliedAt) {
		t.Errorf("0001 = %+v, want applied at %s", statuses[0], appliedAt)
	}
	if statuses[1].Applied || statuses[1].Version != "0002" {
		t.Errorf("0002 = %+v, want pending", statuses[1])
	}
	checkExpectations(t, mock)
}
