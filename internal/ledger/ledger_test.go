package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

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

func testLedger(db *gorm.DB) *Ledger {
	return New(db, slog.New(slog.NewTextHandler(io.Discard, nil)), 20)
}

func accountRows(id uint, username string, credits int, last *time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "username", "credits", "last_login_reward"})
	if last != nil {
		rows.AddRow(id, username, credits, *last)
	} else {
		rows.AddRow(id, username, credits, nil)
	}
	return rows
}

func TestRewardDue(t *testing.T) {
	noon := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	yesterday := noon.AddDate(0, 0, -1)
	lateNight := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)

	cases := []struct {
		name string
		last *time.Time
		now  time.Time
		want bool
	}{
		{"never claimed", nil, noon, true},
		{"same day", &noon, noon.Add(3 * time.Hour), false},
		{"previous day", &yesterday, noon, true},
		{"calendar day not 24h interval", &lateNight, time.Date(2025, 6, 2, 0, 1, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RewardDue(tc.last, tc.now); got != tc.want {
				t.Errorf("RewardDue = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClaimDailyRewardCredits(t *testing.T) {
	db, mock := newTestDB(t)
	l := testLedger(db)
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)

	mock.ExpectQuery("SELECT id, username, credits, last_login_reward FROM users WHERE id = \\? FOR UPDATE").
		WithArgs(uint(1)).
		WillReturnRows(accountRows(1, "alice_01", 100, &yesterday))
	mock.ExpectExec("UPDATE users SET credits = credits \\+ \\?, last_login_reward = \\? WHERE id = \\?").
		WithArgs(20, sqlmock.AnyArg(), uint(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `activity_logs`").
		WillReturnResult(sqlmock.NewResult(1, 1))

	claimed, err := l.ClaimDailyReward(db, 1, now)
	if err != nil {
		t.Fatalf("ClaimDailyReward: %v", err)
	}
	if !claimed {
		t.Error("claimed = false, want true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimDailyRewardSameDayNoop(t *testing.T) {
	db, mock := newTestDB(t)
	l := testLedger(db)
	now := time.Date(2025, 6, 2, 21, 0, 0, 0, time.UTC)
	thisMorning := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, username, credits, last_login_reward FROM users WHERE id = \\? FOR UPDATE").
		WithArgs(uint(1)).
		WillReturnRows(accountRows(1, "alice_01", 120, &thisMorning))

	claimed, err := l.ClaimDailyReward(db, 1, now)
	if err != nil {
		t.Fatalf("ClaimDailyReward: %v", err)
	}
	if claimed {
		t.Error("claimed = true on second same-day login")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimDailyRewardAccountGone(t *testing.T) {
	db, mock := newTestDB(t)
	l := testLedger(db)

	mock.ExpectQuery("SELECT id, username, credits, last_login_reward FROM users WHERE id = \\? FOR UPDATE").
		WithArgs(uint(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "credits", "last_login_reward"}))

	if _, err := l.ClaimDailyReward(db, 99, time.Now()); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("want ErrAccountNotFound, got %v", err)
	}
}

func TestCreateQuestionEscrowsBounty(t *testing.T) {
	db, mock := newTestDB(t)
	l := testLedger(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, username, credits, last_login_reward FROM users WHERE id = \\? FOR UPDATE").
		WithArgs(uint(3)).
		WillReturnRows(accountRows(3, "bob", 10, nil))
	mock.ExpectExec("UPDATE users SET credits = credits - \\? WHERE id = \\?").
		WithArgs(10, uint(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `questions`").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO `activity_logs`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	q, err := l.CreateQuestion(context.Background(), 3, "Integrals", "How do I integrate x^2?", 10)
	if err != nil {
		t.Fatalf("CreateQuestion: %v", err)
	}
	if q.ID != 7 {
		t.Errorf("question ID = %d, want 7", q.ID)
	}
	if q.Bounty != 10 {
		t.Errorf("bounty = %d, want 10", q.Bounty)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateQuestionInsufficientCredits(t *testing.T) {
	db, mock := newTestDB(t)
	l := testLedger(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, username, credits, last_login_reward FROM users WHERE id = \\? FOR UPDATE").
		WithArgs(uint(3)).
		WillReturnRows(accountRows(3, "bob", 10, nil))
	mock.ExpectRollback()

	_, err := l.CreateQuestion(context.Background(), 3, "Integrals", "content", 15)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("want ErrInsufficientCredits, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func acceptAnswerRows(id, questionID, userID uint) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "question_id", "user_id"}).AddRow(id, questionID, userID)
}

func acceptQuestionRows(id, userID uint, title string, bounty int, solved bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "title", "bounty", "is_solved"}).
		AddRow(id, userID, title, bounty, solved)
}

func TestAcceptAnswerPaysBounty(t *testing.T) {
	db, mock := newTestDB(t)
	l := testLedger(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, question_id, user_id FROM answers WHERE id = \\?").
		WithArgs(uint(5)).
		WillReturnRows(acceptAnswerRows(5, 7, 2))
	mock.ExpectQuery("SELECT id, user_id, title, bounty, is_solved FROM questions WHERE id = \\? FOR UPDATE").
		WithArgs(uint(7)).
		WillReturnRows(acceptQuestionRows(7, 1, "Integrals", 10, false))
	mock.ExpectQuery("SELECT id, username, credits, last_login_reward FROM users WHERE id = \\? FOR UPDATE").
		WithArgs(uint(1)).
		WillReturnRows(accountRows(1, "alice_01", 90, nil))
	mock.ExpectQuery("SELECT id, username, credits, last_login_reward FROM users WHERE id = \\? FOR UPDATE").
		WithArgs(uint(2)).
		WillReturnRows(accountRows(2, "helper_joe", 100, nil))
	mock.ExpectExec("UPDATE questions SET is_solved = TRUE WHERE id = \\?").
		WithArgs(uint(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE answers SET is_accepted = TRUE WHERE id = \\?").
		WithArgs(uint(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE users SET credits = credits \\+ \\? WHERE id = \\?").
		WithArgs(10, uint(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `activity_logs`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := l.AcceptAnswer(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	if res.AlreadySolved {
		t.Error("AlreadySolved = true on first accept")
	}
	if res.Bounty != 10 || res.Helper != "helper_joe" {
		t.Errorf("result = %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAcceptAnswerAlreadySolvedNoop(t *testing.T) {
	db, mock := newTestDB(t)
	l := testLedger(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, question_id, user_id FROM answers WHERE id = \\?").
		WithArgs(uint(5)).
		WillReturnRows(acceptAnswerRows(5, 7, 2))
	mock.ExpectQuery("SELECT id, user_id, title, bounty, is_solved FROM questions WHERE id = \\? FOR UPDATE").
		WithArgs(uint(7)).
		WillReturnRows(acceptQuestionRows(7, 1, "Integrals", 10, true))
	mock.ExpectCommit()

	res, err := l.AcceptAnswer(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	if !res.AlreadySolved {
		t.Error("AlreadySolved = false, want true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAcceptAnswerNotAsker(t *testing.T) {
	db, mock := newTestDB(t)
	l := testLedger(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, question_id, user_id FROM answers WHERE id = \\?").
		WithArgs(uint(5)).
		WillReturnRows(acceptAnswerRows(5, 7, 2))
	mock.ExpectQuery("SELECT id, user_id, title, bounty, is_solved FROM questions WHERE id = \\? FOR UPDATE").
		WithArgs(uint(7)).
		WillReturnRows(acceptQuestionRows(7, 1, "Integrals", 10, false))
	mock.ExpectRollback()

	if _, err := l.AcceptAnswer(context.Background(), 99, 5); !errors.Is(err, ErrNotAsker) {
		t.Fatalf("want ErrNotAsker, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAcceptAnswerMissing(t *testing.T) {
	db, mock := newTestDB(t)
	l := testLedger(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, question_id, user_id FROM answers WHERE id = \\?").
		WithArgs(uint(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "question_id", "user_id"}))
	mock.ExpectRollback()

	if _, err := l.AcceptAnswer(context.Background(), 1, 404); !errors.Is(err, ErrAnswerNotFound) {
		t.Fatalf("want ErrAnswerNotFound, got %v", err)
	}
}
