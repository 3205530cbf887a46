// Package server exposes the posture analyzer over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/posture-analyzer/internal/config"
	"github.com/menta2k/posture-analyzer/internal/logging"
	"github.com/menta2k/posture-analyzer/pkg/analyzer"
	"github.com/menta2k/posture-analyzer/pkg/processing"
)

const shutdownTimeout = 10 * time.Second

// Server routes analysis requests to a PostureAnalyzer
type Server struct {
	analyzer  *analyzer.PostureAnalyzer
	processor *processing.Processor
	config    config.ServerConfig
	reporter  *logging.Reporter
	log       *logrus.Entry
	engine    *gin.Engine
}

// New creates a Server. reporter may be nil.
func New(a *analyzer.PostureAnalyzer, cfg config.ServerConfig, reporter *logging.Reporter) *Server {
	s := &Server{
		analyzer:  a,
		processor: processing.NewProcessor(),
		config:    cfg,
		reporter:  reporter,
		log:       logrus.WithField("component", "server"),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(s.log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", requestIDHeader},
		ExposeHeaders:   []string{requestIDHeader},
		MaxAge:          12 * time.Hour,
	}))

	r.GET("/healthz", s.handleHealth)

	upload := r.Group("/", bodyLimit(s.config.MaxUploadBytes))
	upload.POST("/analyze", s.handleAnalyze)
	upload.POST("/analyze-frame", s.handleAnalyzeFrame)

	return r
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on the configured address until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.config.Addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requestContext bounds analysis by the configured timeout
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.config.TimeoutSeconds > 0 {
		return context.WithTimeout(c.Request.Context(), time.Duration(s.config.TimeoutSeconds)*time.Second)
	}
	return context.WithCancel(c.Request.Context())
}

// fail writes {"detail": msg} and reports server errors
func (s *Server) fail(c *gin.Context, status int, msg string, err error) {
	entry := s.logger(c).WithField("status", status)
	if err != nil {
		entry = entry.WithError(err)
	}
	if status >= http.StatusInternalServerError {
		entry.Error(msg)
		if err != nil {
			s.reporter.Capture(err, c.Request, map[string]string{"route": c.FullPath()})
		}
	} else {
		entry.Warn(msg)
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": msg})
}

func (s *Server) logger(c *gin.Context) *logrus.Entry {
	return s.log.WithField("request_id", c.GetString(requestIDKey))
}
