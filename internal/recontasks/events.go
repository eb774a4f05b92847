package recontasks

import (
	"sync"
	"time"
)

const (
	EventTaskCreated      = "task.created"
	EventTaskFileAttached = "task.file_attached"
)

type TaskEvent struct {
	Type       string    `json:"type"`
	TaskID     string    `json:"taskId"`
	FileID     string    `json:"fileId,omitempty"`
	FileRole   FileRole  `json:"fileRole,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventHub fans task events out to in-process subscribers. Slow subscribers
// miss events instead of blocking publishers.
type EventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan TaskEvent
	buffer int
}

func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = 16
	}
	return &EventHub{subs: map[int]chan TaskEvent{}, buffer: buffer}
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it.
func (h *EventHub) Subscribe() (<-chan TaskEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan TaskEvent, h.buffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *EventHub) Publish(event TaskEvent) {
	if h == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
