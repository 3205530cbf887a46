package logging

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/posture-analyzer/internal/config"
)

func TestConfigureJSON(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	require.NoError(t, configure(l, config.LoggingConfig{Level: "debug", Format: "json"}, &buf))

	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	l.WithField("component", "test").Debug("hello")
	assert.Contains(t, buf.String(), `"component":"test"`)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestConfigureDefaults(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	require.NoError(t, configure(l, config.LoggingConfig{}, &buf))

	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}

func TestConfigureInvalidLevel(t *testing.T) {
	err := configure(logrus.New(), config.LoggingConfig{Level: "loud"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid log level")
}

func TestDisabledReporter(t *testing.T) {
	r, err := NewReporter("", "test")
	require.NoError(t, err)
	assert.False(t, r.Enabled())

	r.Capture(errors.New("boom"), httptest.NewRequest("POST", "/analyze", nil), nil)
	r.Close()

	var nilReporter *Reporter
	assert.False(t, nilReporter.Enabled())
	nilReporter.Capture(errors.New("boom"), nil, nil)
}

func TestReporterInvalidDSN(t *testing.T) {
	_, err := NewReporter("://not a dsn", "test")
	assert.Error(t, err)
}
