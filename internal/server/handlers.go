package server

import (
	"net/http"
	"time"

	"camrec/internal/control"

	"github.com/gin-gonic/gin"
)

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplyResponse はコマンド応答のJSON表現
type ReplyResponse struct {
	OK      bool   `json:"ok"`
	Command string `json:"command"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
	Line    string `json:"line"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error string `json:"error"`
}

func newReplyResponse(r control.Reply) ReplyResponse {
	return ReplyResponse{
		OK:      r.OK,
		Command: r.Command.String(),
		State:   r.State,
		Message: r.Message,
		Line:    r.String(),
	}
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleStatus はサービスに status を問い合わせる
func (s *Server) handleStatus(c *gin.Context) {
	s.submit(c, control.NewRequest("status"))
}

// handleCommand はパスで指定されたコマンドをサービスに送る
func (s *Server) handleCommand(c *gin.Context) {
	req := control.NewRequest(c.Param("command"))
	if req.Command == control.CommandUnknown {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown command: " + req.Token})
		return
	}
	s.submit(c, req)
}

func (s *Server) submit(c *gin.Context, req control.Request) {
	reply, err := s.handler.Submit(c.Request.Context(), req)
	if err != nil {
		s.logger.Warn("コマンドの処理に失敗", "command", req.Command.String(), "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return
	}

	status := http.StatusOK
	if !reply.OK {
		status = http.StatusConflict
	}
	c.JSON(status, newReplyResponse(reply))
}
