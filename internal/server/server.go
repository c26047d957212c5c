package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"camrec/internal/config"
	"camrec/internal/control"

	"github.com/gin-gonic/gin"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// Server はHTTP制御インターフェースを管理する構造体
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	handler    control.Handler
	logger     *slog.Logger
}

// New は新しいServerインスタンスを作成する
func New(cfg config.ServerConfig, handler control.Handler, logger *slog.Logger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config:  cfg,
		engine:  engine,
		handler: handler,
		logger:  logger,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout.Std(),
			WriteTimeout: cfg.WriteTimeout.Std(),
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/commands/:command", s.handleCommand)
}

// Handler はテスト用にHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、ctx が終了するまでブロックする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は ln で待ち受ける。ctx が終了するとシャットダウンする
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("HTTPサーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("HTTPサーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストごとにアクセスログを出力するミドルウェア
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTPリクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}
