package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	l, err := New("debug", "console")
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = New("", "")
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.DebugLevel))
	require.True(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", "json")
	require.Error(t, err)
}

func TestOr(t *testing.T) {
	require.NotNil(t, Or(nil))
}
