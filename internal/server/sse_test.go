package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/investigator/internal/events"
)

func TestSSEWriter(t *testing.T) {
	w := httptest.NewRecorder()
	sse, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, sse.WriteEvent("layout_update", map[string]string{"layout": "grid"}))
	require.NoError(t, sse.WriteComment("ping"))
	sse.WriteError("boom")

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t,
		"event: layout_update\ndata: {\"layout\":\"grid\"}\n\n: ping\n\nevent: error\ndata: {\"error\":\"boom\"}\n\n",
		w.Body.String())
}

func TestTopicsFor(t *testing.T) {
	id := uuid.New()
	both, err := topicsFor(id, "")
	require.NoError(t, err)
	assert.Equal(t, []string{events.InvestigationTopic(id), events.BoardTopic(id)}, both)

	board, err := topicsFor(id, "board")
	require.NoError(t, err)
	assert.Equal(t, []string{events.BoardTopic(id)}, board)

	_, err = topicsFor(id, "weather")
	assert.Error(t, err)
}

func TestMergeSubscriptions(t *testing.T) {
	bc := events.NewBroadcaster(8, nil)
	a, b := bc.Subscribe("a"), bc.Subscribe("b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := mergeSubscriptions(ctx, []*events.Subscription{a, b})

	bc.Publish(events.Event{Type: events.LayoutUpdate, Topic: "a"})
	bc.Publish(events.Event{Type: events.NodeAdded, Topic: "b"})

	got := map[events.Type]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-out:
			got[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatal("merged event not delivered")
		}
	}
	assert.True(t, got[events.LayoutUpdate])
	assert.True(t, got[events.NodeAdded])

	bc.Close()
	select {
	case _, open := <-out:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("merged channel not closed")
	}
}
