package notification

import "sync"

// hub fans snapshots out to observers. Each observer holds at most one
// pending snapshot; a newer one replaces it, so slow readers only ever
// miss intermediate states.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Snapshot
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Snapshot)}
}

// subscribe registers an observer whose channel already holds initial.
func (h *hub) subscribe(initial Snapshot) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- initial

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
		})
	}
}

func (h *hub) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) == 0
}

func (h *hub) publish(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
