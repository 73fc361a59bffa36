package dbutil

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// TestRetryWriteAgainstMockedDriverErrors drives RetryWrite through a real
// *sql.DB (backed by go-sqlmock rather than SQLite or Postgres) so the
// transient-error classification in isTransient is exercised against
// errors shaped the way database/sql actually surfaces driver failures,
// not just hand-constructed errors.New values.
func TestRetryWriteAgainstMockedDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE jobs").WillReturnError(fakeDriverError("database is locked"))
	mock.ExpectExec("UPDATE jobs").WillReturnError(fakeDriverError("deadlock detected"))
	mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	attempts := 0
	err = RetryWrite(context.Background(), func() error {
		attempts++
		_, execErr := db.ExecContext(context.Background(), "UPDATE jobs SET status = ? WHERE id = ?", "running", "job-1")
		return execErr
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestRetryWriteStopsOnMockedConstraintViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO jobs").WillReturnError(fakeDriverError("UNIQUE constraint failed: jobs.id"))

	attempts := 0
	err = RetryWrite(context.Background(), func() error {
		attempts++
		_, execErr := db.ExecContext(context.Background(), "INSERT INTO jobs (id) VALUES (?)", "job-1")
		return execErr
	})
	if err == nil {
		t.Fatal("expected the constraint violation to surface")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-transient driver error, got %d", attempts)
	}
}

type fakeDriverError string

func (e fakeDriverError) Error() string { return string(e) }
