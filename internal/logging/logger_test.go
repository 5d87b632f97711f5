package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRingBuffer(t *testing.T) {
	l := New(3, LevelDebug)
	for i := 0; i < 5; i++ {
		l.Log(LevelInfo, CatSystem, fmt.Sprintf("msg %d", i), nil)
	}

	entries := l.GetEntries(10, nil, nil)
	require.Len(t, entries, 3)
	assert.Equal(t, "msg 4", entries[0].Message, "newest entry should come first")
	assert.Equal(t, "msg 2", entries[2].Message)

	stats := l.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, uint64(2), stats.Dropped)
}

func TestLoggerMinLevel(t *testing.T) {
	l := New(10, LevelWarn)
	l.Log(LevelDebug, CatTag, "dropped", nil)
	l.Log(LevelInfo, CatTag, "dropped", nil)
	l.Log(LevelError, CatTag, "kept", nil)

	entries := l.GetEntries(10, nil, nil)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
}

func TestLoggerFilters(t *testing.T) {
	l := New(10, LevelDebug)
	l.Log(LevelDebug, CatTag, "tag debug", nil)
	l.Log(LevelWarn, CatTag, "tag warn", nil)
	l.Log(LevelError, CatSession, "session error", nil)

	warn := LevelWarn
	assert.Len(t, l.GetEntries(10, &warn, nil), 2)

	cat := CatTag
	assert.Len(t, l.GetEntries(10, nil, &cat), 2)
	assert.Len(t, l.GetEntries(10, &warn, &cat), 1)
	assert.Len(t, l.GetEntries(1, nil, nil), 1)

	l.Clear()
	assert.Empty(t, l.GetEntries(10, nil, nil))
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(10, LevelDebug)
	l.SetOutput(&buf)
	l.Log(LevelWarn, CatReader, "reader gone", map[string]any{"reader": "ACR122U"})

	assert.Contains(t, buf.String(), "WARN")
	assert.Contains(t, buf.String(), "[reader] reader gone")
	assert.Contains(t, buf.String(), "reader=ACR122U")
}

func TestLevelJSON(t *testing.T) {
	data, err := json.Marshal(Entry{Level: LevelError, Category: CatHTTP, Message: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"level":"error"`)

	l, ok := ParseLevel("WARNING")
	assert.True(t, ok)
	assert.Equal(t, LevelWarn, l)
	_, ok = ParseLevel("loud")
	assert.False(t, ok)
}

func TestPackageLogger(t *testing.T) {
	Init(10, LevelDebug)
	t.Cleanup(func() { Init(1000, LevelInfo) })

	Debug(CatSystem, "d", nil)
	Info(CatSystem, "i", nil)
	Warn(CatSystem, "w", nil)
	Error(CatSystem, "e", nil)

	stats := Get().Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.Equal(t, 1, stats.WarnCount)
}
