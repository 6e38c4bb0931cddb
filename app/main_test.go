package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestMakeAuditLogWriter(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		opts := options{}
		wr, err := makeAuditLogWriter(opts)
		require.NoError(t, err)
		_, ok := wr.(nopWriteCloser)
		assert.True(t, ok, "disabled logger discards writes")
		assert.NoError(t, wr.Close())
	})

	t.Run("enabled with size suffix", func(t *testing.T) {
		opts := options{}
		opts.Logger.Enabled = true
		opts.Logger.FileName = "/tmp/warden-test.log"
		opts.Logger.MaxSize = "10M"
		opts.Logger.MaxBackups = 3
		wr, err := makeAuditLogWriter(opts)
		require.NoError(t, err)
		lj, ok := wr.(*lumberjack.Logger)
		require.True(t, ok)
		assert.Equal(t, 10, lj.MaxSize)
		assert.Equal(t, 3, lj.MaxBackups)
		assert.Equal(t, "/tmp/warden-test.log", lj.Filename)
	})

	t.Run("bad size", func(t *testing.T) {
		opts := options{}
		opts.Logger.Enabled = true
		opts.Logger.MaxSize = "not-a-size"
		_, err := makeAuditLogWriter(opts)
		assert.Error(t, err)
	})
}
