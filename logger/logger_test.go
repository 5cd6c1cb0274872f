package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require := require.New(t)

	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"fatal":   FatalLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(err, in)
		require.Equal(want, got, in)
	}

	_, err := ParseLevel("verbose")
	require.Error(err)
}

func TestSlogLogger(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, InfoLevel, false, false)
	require.Equal(InfoLevel, l.Level())

	l.Debug("hidden")
	require.Zero(buf.Len())

	child := l.With("client_id", "abc")
	child.Info("visible", "request_id", 7)

	var rec map[string]any
	require.NoError(json.Unmarshal(buf.Bytes(), &rec))
	require.Equal("visible", rec["msg"])
	require.Equal("abc", rec["client_id"])
	require.EqualValues(7, rec["request_id"])
	require.Contains(rec, "ts")

	// child shares the level with its parent
	child.SetLevel(DebugLevel)
	require.Equal(DebugLevel, l.Level())

	buf.Reset()
	l.Debug("now visible")
	require.NotZero(buf.Len())
}

func TestSlogLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, WarnLevel, false, true)
	l.Info("dropped")
	l.Warn("kept", "tier", "session-active")

	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), "kept")
}
