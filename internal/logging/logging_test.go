package logging

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger, closer, err := New(Options{Level: "debug"})
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestNewInvalid(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noiseuploader.log")
	logger, closer, err := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 3})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.NoError(t, closer.Close())
}

func TestRunIDContext(t *testing.T) {
	assert.Empty(t, RunID(context.Background()))

	ctx, id := WithRunID(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, RunID(ctx))

	logger, hook := test.NewNullLogger()
	FromContext(ctx, logger).Info("run started")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, id, hook.LastEntry().Data["run_id"])
}
