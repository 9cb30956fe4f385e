package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"homeworkhelp/internal/activity"
	"homeworkhelp/internal/ledger"
	"homeworkhelp/internal/model"
	"homeworkhelp/internal/pkg/metrics"
)

// mysqlDuplicateEntry MySQL 唯一索引冲突错误码。
const mysqlDuplicateEntry = 1062

// createQuestionRequest 创建问题的请求参数。
type createQuestionRequest struct {
	Title   string `json:"title" binding:"required"`
	Content string `json:"content" binding:"required"`
	Bounty  int    `json:"bounty"`
}

type createAnswerRequest struct {
	Content string `json:"content" binding:"required"`
}

// questionSummary 问题列表项。
type questionSummary struct {
	ID          uint      `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Bounty      int       `json:"bounty"`
	IsSolved    bool      `json:"is_solved"`
	Asker       string    `json:"asker"`
	AnswerCount int       `json:"answer_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type answerDetail struct {
	ID         uint      `json:"id"`
	Author     string    `json:"author"`
	Content    string    `json:"content"`
	IsAccepted bool      `json:"is_accepted"`
	Likes      int       `json:"likes"`
	CreatedAt  time.Time `json:"created_at"`
}

// handleListQuestions 返回所有未解决的问题。
//
// GET /questions
func (s *Server) handleListQuestions(c *gin.Context) {
	s.listQuestions(c, false, "")
}

// handleListSolvedQuestions 返回已解决的问题，支持标题/正文搜索。
//
// GET /questions/solved?search=
func (s *Server) handleListSolvedQuestions(c *gin.Context) {
	s.listQuestions(c, true, strings.TrimSpace(c.Query("search")))
}

func (s *Server) listQuestions(c *gin.Context, solved bool, search string) {
	var questions []model.Question
	query := s.db.WithContext(c.Request.Context()).
		Preload("User").
		Preload("Answers").
		Where("is_solved = ?", solved).
		Order("id DESC")
	if search != "" {
		like := "%" + search + "%"
		query = query.Where("title LIKE ? OR content LIKE ?", like, like)
	}
	if err := query.Find(&questions).Error; err != nil {
		s.logger.Error("list questions failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list questions failed"})
		return
	}

	out := make([]questionSummary, 0, len(questions)) // 保证空结果序列化为 [] 而不是 null
	for _, q := range questions {
		out = append(out, questionSummary{
			ID:          q.ID,
			Title:       q.Title,
			Content:     q.Content,
			Bounty:      q.Bounty,
			IsSolved:    q.IsSolved,
			Asker:       q.User.Username,
			AnswerCount: len(q.Answers),
			CreatedAt:   q.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleGetQuestion 返回单个问题及其回答和点赞数。
//
// GET /questions/:id
func (s *Server) handleGetQuestion(c *gin.Context) {
	id, err := parseIDParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid question id"})
		return
	}

	var q model.Question
	err = s.db.WithContext(c.Request.Context()).
		Preload("User").
		Preload("Answers.User").
		Preload("Answers.Likes").
		First(&q, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load question failed"})
		return
	}

	answers := make([]answerDetail, 0, len(q.Answers))
	for _, a := range q.Answers {
		answers = append(answers, answerDetail{
			ID:         a.ID,
			Author:     a.User.Username,
			Content:    a.Content,
			IsAccepted: a.IsAccepted,
			Likes:      len(a.Likes),
			CreatedAt:  a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        q.ID,
		"title":     q.Title,
		"content":   q.Content,
		"bounty":    q.Bounty,
		"is_solved": q.IsSolved,
		"asker":     q.User.Username,
		"answers":   answers,
	})
}

// handleCreateQuestion 创建带悬赏的问题。
//
// POST /questions
// 悬赏在创建事务里从提问者余额一次性托管，余额不足时拒绝且无任何写入。
func (s *Server) handleCreateQuestion(c *gin.Context) {
	if getUserRole(c) != "student" {
		c.JSON(http.StatusForbidden, gin.H{"error": "only students may post questions"})
		return
	}

	var req createQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	title := strings.TrimSpace(req.Title)
	content := strings.TrimSpace(req.Content)
	if title == "" || len(title) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title must be 1-100 characters"})
		return
	}
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	bounty := req.Bounty
	if bounty == 0 {
		bounty = 10
	}
	if bounty < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bounty must be positive"})
		return
	}
	if max := s.cfg.App.MaxBounty; max > 0 && bounty > max {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bounty too large"})
		return
	}

	userID := getUserID(c)
	dup, err := s.deduper.IsDuplicate(c.Request.Context(), userID, title, content)
	if err != nil {
		s.logger.Error("dedup check failed", slog.String("error", err.Error()))
	} else if dup {
		metrics.QuestionDuplicatePreventedTotal.Inc()
		c.JSON(http.StatusOK, gin.H{"status": "skipped_duplicate"})
		return
	}

	q, err := s.ledger.CreateQuestion(c.Request.Context(), userID, title, content, bounty)
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		// 提交失败后清掉去重标记，修正悬赏额即可重试
		_ = s.deduper.Delete(c.Request.Context(), userID, title, content)
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient credits"})
		return
	}
	if err != nil {
		_ = s.deduper.Delete(c.Request.Context(), userID, title, content)
		s.logger.Error("create question failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create question failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": q.ID, "bounty": q.Bounty})
}

// handleCreateAnswer 回答问题。
//
// POST /questions/:id/answers
// 允许回答的角色来自配置 app.answer_roles。
func (s *Server) handleCreateAnswer(c *gin.Context) {
	if !s.roleMayAnswer(getUserRole(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "role may not answer questions"})
		return
	}

	questionID, err := parseIDParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid question id"})
		return
	}
	var req createAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	userID := getUserID(c)
	username := getUsername(c)

	var answerID uint
	err = s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var q model.Question
		if err := tx.First(&q, questionID).Error; err != nil {
			return err
		}
		if q.IsSolved {
			return errQuestionSolved
		}
		ans := model.Answer{
			QuestionID: q.ID,
			UserID:     userID,
			Content:    content,
		}
		if err := tx.Create(&ans).Error; err != nil {
			return err
		}
		answerID = ans.ID
		return activity.Record(tx, username, "Answered question: "+q.Title)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
		return
	}
	if errors.Is(err, errQuestionSolved) {
		c.JSON(http.StatusConflict, gin.H{"error": "question already solved"})
		return
	}
	if err != nil {
		s.logger.Error("create answer failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create answer failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": answerID})
}

var errQuestionSolved = errors.New("question already solved")

// handleAcceptAnswer 采纳回答并支付悬赏。
//
// POST /answers/:id/accept
// 重复采纳是无害的空操作，返回成功但不再支付。
func (s *Server) handleAcceptAnswer(c *gin.Context) {
	answerID, err := parseIDParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid answer id"})
		return
	}

	res, err := s.ledger.AcceptAnswer(c.Request.Context(), getUserID(c), answerID)
	if errors.Is(err, ledger.ErrAnswerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "answer not found"})
		return
	}
	if errors.Is(err, ledger.ErrNotAsker) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the asker may accept an answer"})
		return
	}
	if err != nil {
		s.logger.Error("accept answer failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "accept failed"})
		return
	}

	if res.AlreadySolved {
		c.JSON(http.StatusOK, gin.H{"status": "already_solved", "paid": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "paid": res.Bounty, "helper": res.Helper})
}

// handleLikeAnswer 点赞回答，同一用户重复点赞是空操作。
//
// POST /answers/:id/like
func (s *Server) handleLikeAnswer(c *gin.Context) {
	answerID, err := parseIDParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid answer id"})
		return
	}
	userID := getUserID(c)

	var exists int64
	if err := s.db.WithContext(c.Request.Context()).Model(&model.Answer{}).
		Where("id = ?", answerID).Count(&exists).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "like failed"})
		return
	}
	if exists == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "answer not found"})
		return
	}

	like := model.AnswerLike{UserID: userID, AnswerID: answerID}
	if err := s.db.WithContext(c.Request.Context()).Create(&like).Error; err != nil {
		// 唯一索引竞态下的重复点赞按空操作处理
		var mysqlErr *gomysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			c.JSON(http.StatusOK, gin.H{"status": "already_liked"})
			return
		}
		s.logger.Error("like answer failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "like failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "liked"})
}

func (s *Server) roleMayAnswer(role string) bool {
	for _, r := range s.cfg.App.AnswerRoles {
		if r == role {
			return true
		}
	}
	return false
}

func parseIDParam(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}
