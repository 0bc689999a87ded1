package klog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelGateSuppressesBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("dropped")
	l.Infof("dropped %d", 1)
	l.Warn("kept")
	l.Errorf("kept %s", "formatted")

	out := buf.String()
	require.NotContains(t, out, "dropped")
	require.Contains(t, out, "warn: kept\n")
	require.Contains(t, out, "error: kept formatted\n")
}

func TestSetLevelTakesEffectAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelError, Output: &buf})

	require.False(t, l.Enabled(LevelInfo))
	l.Info("dropped")
	l.SetLevel(LevelDebug)
	require.True(t, l.Enabled(LevelDebug))
	l.Info("kept")

	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), "info: kept\n")
}

func TestKeyValuePairsAppended(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	l.Warn("volume dirty", "cluster", 5, "mirrors", 2)
	require.Equal(t, "warn: volume dirty cluster=5 mirrors=2\n", buf.String())
}

func TestTickStampPrefixesLines(t *testing.T) {
	var buf bytes.Buffer
	ticks := uint64(42)
	l := NewLogger(&Config{Level: LevelInfo, Output: &buf, Ticks: func() uint64 { return ticks }})

	l.Info("boot")
	ticks = 1234567890123
	l.Info("later")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "[        42] info: boot", lines[0])
	// Stamps wider than the field push the bracket out rather than
	// truncating.
	require.Equal(t, "[1234567890123] info: later", lines[1])
}

func TestOneWritePerLine(t *testing.T) {
	w := &countingWriter{}
	l := NewLogger(&Config{Level: LevelDebug, Output: w})

	l.Info("first", "k", "v")
	l.Error("second")
	require.Equal(t, 2, w.calls)
}

func TestUARTWriterEmitsEveryByte(t *testing.T) {
	var got []byte
	w := UARTWriter{Putc: func(b byte) { got = append(got, b) }}
	n, err := w.Write([]byte("uart line\n"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "uart line\n", string(got))
}

type countingWriter struct {
	calls int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.calls++
	return len(p), nil
}
