package activity

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return gdb, mock
}

func TestRecord(t *testing.T) {
	db, mock := newTestDB(t)

	mock.ExpectExec("INSERT INTO `activity_logs`").
		WithArgs(sqlmock.AnyArg(), "alice_01", "Logged in").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := Record(db, "alice_01", "Logged in"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	db, mock := newTestDB(t)

	mock.ExpectQuery("SELECT \\* FROM `activity_logs` ORDER BY id DESC LIMIT \\?").
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "action"}).
			AddRow(3, "bob", "Logged in").
			AddRow(2, "alice_01", "Registered as student"))

	entries, err := Recent(db, 20)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 3 {
		t.Fatalf("entries = %+v", entries)
	}
}
