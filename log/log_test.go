package log

import (
	"bytes"
	stdlog "log"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureOutput(l *logger) (*bytes.Buffer, func()) {
	var buf bytes.Buffer
	orig := l.l
	l.l = stdlog.New(&buf, "", 0)
	return &buf, func() { l.l = orig }
}

func TestSetPrefixAppliesToAllLoggers(t *testing.T) {
	defer SetPrefix("")
	buf, restore := captureOutput(Error)
	defer restore()

	SetPrefix("node-1: ")
	Error.Printf("append failed on partition %d", 7)

	require.Equal(t, "node-1: append failed on partition 7\n", buf.String())
	require.Equal(t, "node-1: ", Debug.prefix)
	require.Equal(t, "node-1: ", Info.prefix)
}

func TestSetLevelFiltersBelowThreshold(t *testing.T) {
	defer SetLevel("info")
	buf, restore := captureOutput(Debug)
	defer restore()

	SetLevel("info")
	Debug.Printf("hidden")
	require.Empty(t, buf.String())

	SetLevel("debug")
	Debug.Printf("shown")
	require.Equal(t, "shown\n", buf.String())
}
