package task

import "sync"

const subscriberBuffer = 16

// Hub fans task status updates out to per-task subscribers. Delivery
// is fire-and-forget: a slow subscriber drops updates instead of
// blocking decision processing. After the terminal update every
// subscription channel is closed and the task's entry is removed.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan StatusUpdate
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan StatusUpdate)}
}

// Subscribe registers for a task's status updates. The returned cancel
// func detaches early; the channel is closed after the terminal event
// either way.
func (h *Hub) Subscribe(taskID string) (<-chan StatusUpdate, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan StatusUpdate, subscriberBuffer)
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[int]chan StatusUpdate)
	}
	id := h.next
	h.next++
	h.subs[taskID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[taskID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(h.subs, taskID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an update to every subscriber without blocking. A
// final update closes and clears the task's subscriptions.
func (h *Hub) Publish(update StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[update.TaskID]
	for _, ch := range set {
		select {
		case ch <- update:
		default:
		}
	}
	if update.Final {
		for _, ch := range set {
			close(ch)
		}
		delete(h.subs, update.TaskID)
	}
}
