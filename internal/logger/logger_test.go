package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zsiec/rcvbuf/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *config.LoggingConfig
		wantErr bool
		check   func(t *testing.T, logger *logrus.Logger)
	}{
		{
			name: "json format stdout",
			config: &config.LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			check: func(t *testing.T, logger *logrus.Logger) {
				assert.Equal(t, logrus.InfoLevel, logger.Level)
				_, ok := logger.Formatter.(*logrus.JSONFormatter)
				assert.True(t, ok)
			},
		},
		{
			name: "text format stderr",
			config: &config.LoggingConfig{
				Level:  "debug",
				Format: "text",
				Output: "stderr",
			},
			check: func(t *testing.T, logger *logrus.Logger) {
				assert.Equal(t, logrus.DebugLevel, logger.Level)
				_, ok := logger.Formatter.(*logrus.TextFormatter)
				assert.True(t, ok)
			},
		},
		{
			name: "file output in nested directory",
			config: &config.LoggingConfig{
				Level:      "warn",
				Format:     "json",
				Output:     filepath.Join(t.TempDir(), "logs", "rcvbuf.log"),
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     7,
			},
			check: func(t *testing.T, logger *logrus.Logger) {
				assert.Equal(t, logrus.WarnLevel, logger.Level)
				assert.NotEqual(t, os.Stdout, logger.Out)
			},
		},
		{
			name: "invalid level",
			config: &config.LoggingConfig{
				Level:  "loud",
				Format: "json",
				Output: "stdout",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			if tt.check != nil {
				tt.check(t, logger)
			}
		})
	}
}

func TestNew_DefaultFields(t *testing.T) {
	logger, err := New(&config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.WithField("service", "override").Info("first")
	logger.Info("second")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))

	// Explicit fields win over the hook
	assert.Equal(t, "override", first["service"])
	assert.Equal(t, "rcvbuf", second["service"])
	assert.Contains(t, second, "version")
	assert.Equal(t, "second", second["message"])
}

func TestWithComponentAndBuffer(t *testing.T) {
	logger := logrus.New()

	entry := WithComponent(logger, "receiver")
	assert.Equal(t, "receiver", entry.Data["component"])

	entry = WithBuffer(logger, "udp")
	assert.Equal(t, "rcvbuf", entry.Data["component"])
	assert.Equal(t, "udp", entry.Data["buffer"])
}

func TestLogrusAdapter(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(logrus.DebugLevel)

	log := FromLogrus(base, "demux").
		WithField("ssrc", 1234).
		WithFields(map[string]interface{}{"worker": 2}).
		WithError(errors.New("boom"))
	log.Warnf("dropped %d packets", 3)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "demux", line["component"])
	assert.Equal(t, float64(1234), line["ssrc"])
	assert.Equal(t, float64(2), line["worker"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "dropped 3 packets", line["msg"])
}

func TestNullLogger(t *testing.T) {
	log := NewNullLogger()
	assert.NotPanics(t, func() {
		log.WithField("k", "v").WithFields(nil).WithError(errors.New("x")).Info("ignored")
		log.Log(logrus.ErrorLevel, "ignored")
		log.Errorf("ignored %d", 1)
		log.Fatal("ignored")
	})
}
