package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_GameEndJumpsAhead(t *testing.T) {
	q := newEventQueue()
	q.push(GameEvent{GameID: "g1", EventType: EventScoreUpdate})
	q.push(GameEvent{GameID: "g2", EventType: EventScoreUpdate})
	q.push(GameEvent{GameID: "g3", EventType: EventGameEnd})

	event, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "g3", event.GameID)

	event, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "g1", event.GameID)

	event, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "g2", event.GameID)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestQueue_FIFOWithinClass(t *testing.T) {
	q := newEventQueue()
	q.push(GameEvent{GameID: "e1", EventType: EventGameEnd})
	q.push(GameEvent{GameID: "s1", EventType: EventStatusChange})
	q.push(GameEvent{GameID: "e2", EventType: EventGameEnd})
	q.push(GameEvent{GameID: "s2", EventType: EventScoreUpdate})

	var order []string
	for {
		event, ok := q.pop()
		if !ok {
			break
		}
		order = append(order, event.GameID)
	}
	assert.Equal(t, []string{"e1", "e2", "s1", "s2"}, order)
}

func TestQueue_Len(t *testing.T) {
	q := newEventQueue()
	assert.Equal(t, 0, q.len())
	q.push(GameEvent{EventType: EventScoreUpdate})
	q.push(GameEvent{EventType: EventGameEnd})
	assert.Equal(t, 2, q.len())
	q.pop()
	assert.Equal(t, 1, q.len())
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	k1 := IdempotencyKey("game-1", "promo-1")
	k2 := IdempotencyKey("game-1", "promo-1")
	k3 := IdempotencyKey("game-1", "promo-2")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)
}
