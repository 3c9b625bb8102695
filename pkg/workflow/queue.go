package workflow

import "sync"

// eventQueue is a mutex-guarded FIFO with one priority rule: game_end
// events are served before everything already waiting. Among game_end
// events themselves, and among all other events, arrival order holds.
type eventQueue struct {
	mu sync.Mutex
	// priority holds game_end events, rest holds everything else. Two
	// slices instead of one spliced deque keeps both classes FIFO.
	priority []GameEvent
	rest     []GameEvent
}

func newEventQueue() *eventQueue {
	return &eventQueue{}
}

func (q *eventQueue) push(event GameEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if event.EventType == EventGameEnd {
		q.priority = append(q.priority, event)
		return
	}
	q.rest = append(q.rest, event)
}

func (q *eventQueue) pop() (GameEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.priority) > 0 {
		event := q.priority[0]
		q.priority = q.priority[1:]
		return event, true
	}
	if len(q.rest) > 0 {
		event := q.rest[0]
		q.rest = q.rest[1:]
		return event, true
	}
	return GameEvent{}, false
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) + len(q.rest)
}
