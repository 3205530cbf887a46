// Package logging configures logrus and optional Sentry error reporting.
package logging

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/getsentry/raven-go"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/posture-analyzer/internal/config"
)

// Setup applies the level and formatter from cfg to the standard logrus logger
func Setup(cfg config.LoggingConfig) error {
	return configure(logrus.StandardLogger(), cfg, os.Stderr)
}

func configure(l *logrus.Logger, cfg config.LoggingConfig, out io.Writer) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		lv, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = lv
	}
	l.SetLevel(level)
	l.SetOutput(out)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Reporter sends errors to Sentry. A nil or disabled Reporter drops everything.
type Reporter struct {
	client *raven.Client
}

// NewReporter creates a Reporter for dsn. An empty dsn yields a disabled Reporter.
func NewReporter(dsn, release string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{}, nil
	}
	client, err := raven.New(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to configure sentry: %w", err)
	}
	client.SetRelease(release)
	return &Reporter{client: client}, nil
}

// Enabled reports whether errors are forwarded to Sentry
func (r *Reporter) Enabled() bool {
	return r != nil && r.client != nil
}

// Capture reports err together with the request that produced it
func (r *Reporter) Capture(err error, req *http.Request, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	var interfaces []raven.Interface
	if req != nil {
		interfaces = append(interfaces, raven.NewHttp(req))
	}
	r.client.CaptureError(err, tags, interfaces...)
}

// Close flushes pending events
func (r *Reporter) Close() {
	if r.Enabled() {
		r.client.Wait()
		r.client.Close()
	}
}
