package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeDispatchStarted, map[string]any{"components": []string{"A"}})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeDispatchStarted, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		var payload map[string][]string
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		assert.Equal(t, []string{"A"}, payload["components"])
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSnapshotSinceKeepsNewestInRing(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeProfileObserved, nil)
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	later := h.SnapshotSince(4)
	require.Len(t, later, 1)
	assert.Equal(t, int64(5), later[0].ID)
	assert.JSONEq(t, "{}", string(later[0].Data))
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()

	h := NewHub(1)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(TypeLoopStopped, nil)
}
