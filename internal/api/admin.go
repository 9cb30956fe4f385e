package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"homeworkhelp/internal/activity"
	"homeworkhelp/internal/model"
)

// dashboardEntry 管理面板的审计日志条目。
type dashboardEntry struct {
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

type dashboardUser struct {
	ID           uint   `json:"id"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	Credits      int    `json:"credits"`
	TwoFAEnabled bool   `json:"two_fa_enabled"`
}

// handleAdminDashboard 返回全部用户、全部问题和最近 20 条审计日志。
//
// GET /admin/dashboard
func (s *Server) handleAdminDashboard(c *gin.Context) {
	var users []model.User
	if err := s.db.WithContext(c.Request.Context()).Order("id").Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load users failed"})
		return
	}

	var questions []model.Question
	if err := s.db.WithContext(c.Request.Context()).
		Preload("User").Order("id DESC").Find(&questions).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load questions failed"})
		return
	}

	logs, err := activity.Recent(s.db.WithContext(c.Request.Context()), 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load activity failed"})
		return
	}

	outUsers := make([]dashboardUser, 0, len(users))
	for _, u := range users {
		outUsers = append(outUsers, dashboardUser{
			ID:           u.ID,
			Username:     u.Username,
			Role:         u.Role,
			Credits:      u.Credits,
			TwoFAEnabled: u.TwoFAEnabled,
		})
	}
	outQuestions := make([]questionSummary, 0, len(questions))
	for _, q := range questions {
		outQuestions = append(outQuestions, questionSummary{
			ID:        q.ID,
			Title:     q.Title,
			Content:   q.Content,
			Bounty:    q.Bounty,
			IsSolved:  q.IsSolved,
			Asker:     q.User.Username,
			CreatedAt: q.CreatedAt,
		})
	}
	outLogs := make([]dashboardEntry, 0, len(logs))
	for _, l := range logs {
		outLogs = append(outLogs, dashboardEntry{
			Username:  l.Username,
			Action:    l.Action,
			CreatedAt: l.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"users":     outUsers,
		"questions": outQuestions,
		"activity":  outLogs,
	})
}

// handleAdminDeleteUser 删除用户及其全部内容。
//
// DELETE /admin/users/:id
// 依赖行按固定顺序在同一事务里显式删除，审计日志行保留
// （用户名是快照）。管理员不能删除自己。
func (s *Server) handleAdminDeleteUser(c *gin.Context) {
	targetID, err := parseIDParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	if targetID == getUserID(c) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete your own account"})
		return
	}

	adminName := getUsername(c)
	err = s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var target model.User
		if err := tx.First(&target, targetID).Error; err != nil {
			return err
		}

		// 删除顺序：先叶子后根，避免外键悬挂
		steps := []struct {
			sql  string
			args []interface{}
		}{
			// 该用户点过的赞
			{"DELETE FROM answer_likes WHERE user_id = ?", []interface{}{targetID}},
			// 别人对"该用户问题下的回答"的赞
			{"DELETE FROM answer_likes WHERE answer_id IN (SELECT id FROM answers WHERE question_id IN (SELECT id FROM questions WHERE user_id = ?))", []interface{}{targetID}},
			// 别人对"该用户的回答"的赞
			{"DELETE FROM answer_likes WHERE answer_id IN (SELECT id FROM answers WHERE user_id = ?)", []interface{}{targetID}},
			// 该用户问题下的全部回答
			{"DELETE FROM answers WHERE question_id IN (SELECT id FROM questions WHERE user_id = ?)", []interface{}{targetID}},
			// 该用户自己的回答
			{"DELETE FROM answers WHERE user_id = ?", []interface{}{targetID}},
			// 该用户的问题
			{"DELETE FROM questions WHERE user_id = ?", []interface{}{targetID}},
			// 用户本体
			{"DELETE FROM users WHERE id = ?", []interface{}{targetID}},
		}
		for _, step := range steps {
			if err := tx.Exec(step.sql, step.args...).Error; err != nil {
				return err
			}
		}

		return activity.Record(tx, adminName, "Deleted user "+target.Username)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		s.logger.Error("delete user failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete user failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": targetID})
}

// handleAdminDeleteQuestion 删除问题及其回答与点赞。
//
// DELETE /admin/questions/:id
func (s *Server) handleAdminDeleteQuestion(c *gin.Context) {
	questionID, err := parseIDParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid question id"})
		return
	}

	adminName := getUsername(c)
	err = s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var q model.Question
		if err := tx.First(&q, questionID).Error; err != nil {
			return err
		}
		if err := tx.Exec(
			"DELETE FROM answer_likes WHERE answer_id IN (SELECT id FROM answers WHERE question_id = ?)",
			questionID,
		).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM answers WHERE question_id = ?", questionID).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM questions WHERE id = ?", questionID).Error; err != nil {
			return err
		}
		return activity.Record(tx, adminName, "Deleted question: "+q.Title)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
		return
	}
	if err != nil {
		s.logger.Error("delete question failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete question failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": questionID})
}
