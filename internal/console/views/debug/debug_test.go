package debug

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddf(t *testing.T) {
	m := New()
	m.now = func() time.Time { return time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC) }
	m.Addf(KindWS, "connected to %s", "ws://127.0.0.1:8890/ws")

	require.Len(t, m.Entries, 1)
	assert.Equal(t, KindWS, m.Entries[0].Kind)
	assert.Equal(t, "connected to ws://127.0.0.1:8890/ws", m.Entries[0].Message)
	assert.Contains(t, m.View(100, 20), "09:30:00.000")
}

func TestMaxEntries(t *testing.T) {
	m := New()
	for i := 0; i < maxEntries+50; i++ {
		m.Addf(KindWS, "msg %d", i)
	}
	require.Len(t, m.Entries, maxEntries)
	assert.Equal(t, "msg 50", m.Entries[0].Message, "oldest entries are dropped first")
}

func TestScroll(t *testing.T) {
	m := New()
	for i := 0; i < 20; i++ {
		m.Addf(KindAPI, "msg")
	}

	m.ScrollUp(5)
	assert.Equal(t, 5, m.Offset)
	m.ScrollDown(3)
	assert.Equal(t, 2, m.Offset)
	m.ScrollDown(10)
	assert.Equal(t, 0, m.Offset)
	m.ScrollUp(100)
	assert.Equal(t, 19, m.Offset, "capped at len-1")

	m.Addf(KindAPI, "new")
	assert.Equal(t, 0, m.Offset, "new entries reset scroll")
}

func TestView(t *testing.T) {
	m := New()
	assert.Contains(t, m.View(80, 20), "No events")

	m.Addf(KindSession, "session started")
	m.Addf(KindError, "start failed: push")
	v := m.View(80, 20)
	assert.Contains(t, v, "session started")
	assert.Contains(t, v, "start failed: push")

	m.ScrollUp(1)
	v = m.View(80, 20)
	assert.NotContains(t, v, "start failed")
	assert.Contains(t, v, "1 more")
}
