package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"homeworkhelp/internal/config"
	"homeworkhelp/internal/ledger"
	"homeworkhelp/internal/model"
	"homeworkhelp/internal/pkg/metrics"
)

type mockLedger struct {
	createFunc  func(ctx context.Context, askerID uint, title, content string, bounty int) (*model.Question, error)
	acceptFunc  func(ctx context.Context, askerID, answerID uint) (*ledger.AcceptResult, error)
	createCalls int
	acceptCalls int
}

func (m *mockLedger) CreateQuestion(ctx context.Context, askerID uint, title, content string, bounty int) (*model.Question, error) {
	m.createCalls++
	return m.createFunc(ctx, askerID, title, content, bounty)
}

func (m *mockLedger) AcceptAnswer(ctx context.Context, askerID, answerID uint) (*ledger.AcceptResult, error) {
	m.acceptCalls++
	return m.acceptFunc(ctx, askerID, answerID)
}

type mockDeduper struct {
	dupFunc     func(ctx context.Context, userID uint, title, content string) (bool, error)
	deleteCalls int
	calls       int
}

func (m *mockDeduper) IsDuplicate(ctx context.Context, userID uint, title, content string) (bool, error) {
	m.calls++
	return m.dupFunc(ctx, userID, title, content)
}

func (m *mockDeduper) Delete(ctx context.Context, userID uint, title, content string) error {
	m.deleteCalls++
	return nil
}

func newQuestionServer(led QuestionLedger, ded Deduper) *Server {
	return &Server{
		cfg: &config.Config{App: config.AppConfig{
			AnswerRoles: []string{"student", "helper"},
		}},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		ledger:  led,
		deduper: ded,
	}
}

func postAs(s *Server, handler gin.HandlerFunc, path, reqPath string, userID uint, role string, body interface{}) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST(path, func(c *gin.Context) {
		c.Set("userID", userID)
		c.Set("username", "alice_01")
		c.Set("role", role)
		handler(c)
	})

	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(http.MethodPost, reqPath, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateQuestion_Normal(t *testing.T) {
	metrics.InitMetrics()

	led := &mockLedger{
		createFunc: func(ctx context.Context, askerID uint, title, content string, bounty int) (*model.Question, error) {
			if askerID != 1 || title != "Integrals" || bounty != 15 {
				t.Errorf("unexpected args: askerID=%d title=%q bounty=%d", askerID, title, bounty)
			}
			return &model.Question{ID: 7, Title: title, Content: content, Bounty: bounty}, nil
		},
	}
	ded := &mockDeduper{dupFunc: func(ctx context.Context, userID uint, title, content string) (bool, error) { return false, nil }}
	s := newQuestionServer(led, ded)

	w := postAs(s, s.handleCreateQuestion, "/questions", "/questions", 1, "student", gin.H{
		"title":   "Integrals",
		"content": "How do I integrate x^2?",
		"bounty":  15,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if led.createCalls != 1 || ded.calls != 1 {
		t.Fatalf("calls: ledger=%d deduper=%d", led.createCalls, ded.calls)
	}
}

func TestCreateQuestion_DefaultBounty(t *testing.T) {
	metrics.InitMetrics()

	led := &mockLedger{
		createFunc: func(ctx context.Context, askerID uint, title, content string, bounty int) (*model.Question, error) {
			if bounty != 10 {
				t.Errorf("default bounty = %d, want 10", bounty)
			}
			return &model.Question{ID: 8, Bounty: bounty}, nil
		},
	}
	ded := &mockDeduper{dupFunc: func(ctx context.Context, userID uint, title, content string) (bool, error) { return false, nil }}
	s := newQuestionServer(led, ded)

	w := postAs(s, s.handleCreateQuestion, "/questions", "/questions", 1, "student", gin.H{
		"title":   "Integrals",
		"content": "content",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
}

func TestCreateQuestion_Deduplicated(t *testing.T) {
	metrics.InitMetrics()

	led := &mockLedger{
		createFunc: func(ctx context.Context, askerID uint, title, content string, bounty int) (*model.Question, error) {
			return &model.Question{ID: 9}, nil
		},
	}
	ded := &mockDeduper{dupFunc: func(ctx context.Context, userID uint, title, content string) (bool, error) { return true, nil }}
	s := newQuestionServer(led, ded)

	w := postAs(s, s.handleCreateQuestion, "/questions", "/questions", 1, "student", gin.H{
		"title":   "Integrals",
		"content": "content",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if led.createCalls != 0 {
		t.Fatalf("expected no escrow on duplicate submission")
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("skipped_duplicate")) {
		t.Fatalf("expected skipped_duplicate in body: %s", w.Body.String())
	}
}

func TestCreateQuestion_InsufficientCredits(t *testing.T) {
	metrics.InitMetrics()

	led := &mockLedger{
		createFunc: func(ctx context.Context, askerID uint, title, content string, bounty int) (*model.Question, error) {
			return nil, ledger.ErrInsufficientCredits
		},
	}
	ded := &mockDeduper{dupFunc: func(ctx context.Context, userID uint, title, content string) (bool, error) { return false, nil }}
	s := newQuestionServer(led, ded)

	w := postAs(s, s.handleCreateQuestion, "/questions", "/questions", 1, "student", gin.H{
		"title":   "Integrals",
		"content": "content",
		"bounty":  9999,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("insufficient credits")) {
		t.Fatalf("body: %s", w.Body.String())
	}
	// 失败后清除去重标记，允许重试
	if ded.deleteCalls != 1 {
		t.Fatalf("expected dedup marker cleanup, deleteCalls=%d", ded.deleteCalls)
	}
}

func TestCreateQuestion_NonStudentForbidden(t *testing.T) {
	metrics.InitMetrics()

	led := &mockLedger{
		createFunc: func(ctx context.Context, askerID uint, title, content string, bounty int) (*model.Question, error) {
			return &model.Question{}, nil
		},
	}
	ded := &mockDeduper{dupFunc: func(ctx context.Context, userID uint, title, content string) (bool, error) { return false, nil }}
	s := newQuestionServer(led, ded)

	w := postAs(s, s.handleCreateQuestion, "/questions", "/questions", 2, "helper", gin.H{
		"title":   "Integrals",
		"content": "content",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if led.createCalls != 0 || ded.calls != 0 {
		t.Fatalf("expected no side effects for forbidden role")
	}
}

func TestAcceptAnswer_PaysOut(t *testing.T) {
	metrics.InitMetrics()

	led := &mockLedger{
		acceptFunc: func(ctx context.Context, askerID, answerID uint) (*ledger.AcceptResult, error) {
			return &ledger.AcceptResult{Title: "Integrals", Bounty: 10, Helper: "helper_joe"}, nil
		},
	}
	s := newQuestionServer(led, &mockDeduper{})

	w := postAs(s, s.handleAcceptAnswer, "/answers/:id/accept", "/answers/5/accept", 1, "student", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"paid":10`)) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestAcceptAnswer_AlreadySolvedNoop(t *testing.T) {
	metrics.InitMetrics()

	led := &mockLedger{
		acceptFunc: func(ctx context.Context, askerID, answerID uint) (*ledger.AcceptResult, error) {
			return &ledger.AcceptResult{AlreadySolved: true, Title: "Integrals", Bounty: 10}, nil
		},
	}
	s := newQuestionServer(led, &mockDeduper{})

	w := postAs(s, s.handleAcceptAnswer, "/answers/:id/accept", "/answers/5/accept", 1, "student", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("already_solved")) || !bytes.Contains(w.Body.Bytes(), []byte(`"paid":0`)) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestAcceptAnswer_NotAsker(t *testing.T) {
	metrics.InitMetrics()

	led := &mockLedger{
		acceptFunc: func(ctx context.Context, askerID, answerID uint) (*ledger.AcceptResult, error) {
			return nil, ledger.ErrNotAsker
		},
	}
	s := newQuestionServer(led, &mockDeduper{})

	w := postAs(s, s.handleAcceptAnswer, "/answers/:id/accept", "/answers/5/accept", 99, "student", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}
