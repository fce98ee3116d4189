package log

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestFanoutToFile(t *testing.T) {
	var buf bytes.Buffer
	Init("info", &buf)
	t.Cleanup(func() { Init("info", os.Stderr) })

	path := filepath.Join(t.TempDir(), "logs", "session.jsonl")
	require.NoError(t, OpenFile(path))

	Info("episode saved", "episode", 3)
	Debug("hidden")
	require.NoError(t, CloseFile())

	Info("after close")

	assert.Contains(t, buf.String(), "episode saved")
	assert.Contains(t, buf.String(), "after close")
	assert.NotContains(t, buf.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "episode saved", rec["msg"])
	assert.EqualValues(t, 3, rec["episode"])
}

func TestSetOutput(t *testing.T) {
	var buf bytes.Buffer
	Init("info", &buf)
	t.Cleanup(func() { Init("info", os.Stderr) })

	SetOutput(io.Discard)
	Warn("quiet")
	assert.Empty(t, buf.String())
}

func TestCloseFile_DerivedLoggersDropRecords(t *testing.T) {
	Init("info", io.Discard)
	t.Cleanup(func() { Init("info", os.Stderr) })

	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, OpenFile(path))

	l := With("session", 1)
	l.Info("before close")

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				l.Info("concurrent", "worker", i, "n", j)
			}
		}()
	}
	require.NoError(t, CloseFile())
	wg.Wait()

	l.Info("late")
	require.NoError(t, CloseFile())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		assert.NotEqual(t, "late", rec["msg"])
	}
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "before close", first["msg"])
	assert.EqualValues(t, 1, first["session"])
}

func TestOpenFile_ReplacesPreviousFile(t *testing.T) {
	Init("info", io.Discard)
	t.Cleanup(func() { Init("info", os.Stderr) })

	dir := t.TempDir()
	first, second := filepath.Join(dir, "a.jsonl"), filepath.Join(dir, "b.jsonl")
	require.NoError(t, OpenFile(first))
	old := With("file", "a")
	require.NoError(t, OpenFile(second))
	t.Cleanup(func() { CloseFile() })

	old.Info("stale")
	Info("fresh")

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Empty(t, a)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(b), "fresh")
}
