package pluginhost

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingCloser records Close calls and returns a fixed error.
type countingCloser struct {
	err   error
	calls int
}

func (c *countingCloser) Close() error {
	c.calls++
	return c.err
}

func TestCloseWithLog(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantLog []string
	}{
		{name: "clean close", err: nil},
		{
			name:    "close error",
			err:     errors.New("lease revoke failed"),
			wantLog: []string{"level=WARN", "failed to close resource", "registry client", "lease revoke failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logBuf, nil))
			closer := &countingCloser{err: tt.err}

			CloseWithLog(closer, logger, "registry client")

			assert.Equal(t, 1, closer.calls)
			if len(tt.wantLog) == 0 {
				assert.Empty(t, logBuf.String())
				return
			}
			for _, want := range tt.wantLog {
				assert.Contains(t, logBuf.String(), want)
			}
		})
	}
}

func TestCloseWithLog_NilCloser(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	CloseWithLog(nil, logger, "plugin instance")
	assert.Empty(t, logBuf.String())
}

func TestCloseWithLog_NilLogger(t *testing.T) {
	closer := &countingCloser{err: errors.New("boom")}
	require.NotPanics(t, func() {
		CloseWithLog(closer, nil, "plugin instance")
	})
	assert.Equal(t, 1, closer.calls)
}

func TestCloseWithLog_Deferred(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	path := filepath.Join(t.TempDir(), "Dog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("description: A dog\n"), 0o644))

	failing := &countingCloser{err: errors.New("instance busy")}
	func() {
		f, err := os.Open(path)
		require.NoError(t, err)
		defer CloseWithLog(f, logger, "metadata file")
		defer CloseWithLog(failing, logger, "plugin instance")
	}()

	assert.Equal(t, 1, failing.calls)
	assert.Contains(t, logBuf.String(), "plugin instance")
	assert.NotContains(t, logBuf.String(), "metadata file")
}
