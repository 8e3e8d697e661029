// Package api is the thin HTTP control plane: user login and the lamp switch
// command. It validates request shape and calls into the gateway's publish
// capability; failures here never touch the core loops.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"lampbridge/internal/storage"
)

// Publisher is the gateway's outbound publish capability.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string) error
}

// Store is the persistence surface the control plane needs.
type Store interface {
	UserByName(ctx context.Context, username string) (storage.User, error)
	AppendCommand(ctx context.Context, messageID, device, payload string) error
}

type Config struct {
	Addr      string
	Namespace string
	JWTSecret string
	TokenTTL  time.Duration
}

type Server struct {
	cfg  Config
	gw   Publisher
	st   Store
	log  zerolog.Logger
	http *http.Server
}

func New(cfg Config, gw Publisher, st Store, log zerolog.Logger) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	s := &Server{
		cfg: cfg,
		gw:  gw,
		st:  st,
		log: log.With().Str("component", "api").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.POST("/api/login", s.login)
	auth := r.Group("/api", s.requireToken())
	auth.POST("/uv-lamp/turn", s.turn)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then shuts down with a short drain.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func fail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
