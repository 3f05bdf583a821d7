package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSessionID  = "sess-123"
	testTransport  = "streamable"
	testRemoteAddr = "127.0.0.1:50000"
)

func TestNewEvent(t *testing.T) {
	event := NewEvent(EventSessionCreated, testSessionID)

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, EventSessionCreated, event.Type)
	assert.Equal(t, testSessionID, event.SessionID)
	assert.NotEqual(t, event.ID, NewEvent(EventSessionCreated, testSessionID).ID)
}

func TestEvent_Builders(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	event := NewEvent(EventSessionExpired, testSessionID).
		WithTransport(testTransport).
		WithReason("idle timeout").
		WithLifetime(1500 * time.Millisecond).
		WithRemoteAddr(testRemoteAddr).
		WithTimestamp(ts)

	assert.Equal(t, testTransport, event.Transport)
	assert.Equal(t, "idle timeout", event.Reason)
	assert.Equal(t, int64(1500), event.DurationMS)
	assert.Equal(t, testRemoteAddr, event.RemoteAddr)
	assert.Equal(t, ts, event.Timestamp)
}

func TestQueryFilter_Matches(t *testing.T) {
	base := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	e := *NewEvent(EventSessionExpired, testSessionID).WithTransport(testTransport).WithTimestamp(base)
	before := base.Add(-time.Hour)
	after := base.Add(time.Hour)

	assert.True(t, QueryFilter{}.Matches(e))
	assert.True(t, QueryFilter{StartTime: &before, EndTime: &after}.Matches(e))
	assert.False(t, QueryFilter{StartTime: &after}.Matches(e))
	assert.False(t, QueryFilter{EndTime: &before}.Matches(e))
	assert.False(t, QueryFilter{SessionID: "other"}.Matches(e))
	assert.False(t, QueryFilter{Transport: "sse"}.Matches(e))
	assert.False(t, QueryFilter{Type: EventSessionCreated}.Matches(e))
	assert.True(t, QueryFilter{Type: EventSessionExpired, Transport: testTransport}.Matches(e))
}

func TestMemoryLogger_QueryNewestFirstWithPaging(t *testing.T) {
	l := NewMemoryLogger(10)
	for i := range 5 {
		require.NoError(t, l.Log(t.Context(), *NewEvent(EventSessionCreated, fmt.Sprintf("s%d", i))))
	}

	all, err := l.Query(t.Context(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "s4", all[0].SessionID)

	page, err := l.Query(t.Context(), QueryFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "s3", page[0].SessionID)
	assert.Equal(t, "s2", page[1].SessionID)
}

func TestMemoryLogger_Bounded(t *testing.T) {
	l := NewMemoryLogger(3)
	for i := range 5 {
		require.NoError(t, l.Log(t.Context(), *NewEvent(EventSessionCreated, fmt.Sprintf("s%d", i))))
	}
	all, err := l.Query(t.Context(), QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s2", all[2].SessionID)
}

func TestMemoryLogger_Summary(t *testing.T) {
	l := NewMemoryLogger(0)
	require.NoError(t, l.Log(t.Context(), *NewEvent(EventSessionCreated, "a")))
	require.NoError(t, l.Log(t.Context(), *NewEvent(EventSessionCreated, "b")))
	require.NoError(t, l.Log(t.Context(), *NewEvent(EventSessionExpired, "a")))

	s, err := l.Summary(t.Context(), QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, s[EventSessionCreated])
	assert.Equal(t, 1, s[EventSessionExpired])
	assert.Equal(t, 0, s[EventSessionShutdown])
	require.NoError(t, l.Close())
}

func TestNoopLogger(t *testing.T) {
	var l Logger = NoopLogger{}
	require.NoError(t, l.Log(t.Context(), Event{}))
	events, err := l.Query(t.Context(), QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, l.Close())
}
