package notify

import (
	"sync"

	"therapy-booking/pkg"
)

// Hub fans freshly published notifications out to live stream subscribers.
// Delivery is best effort: a subscriber whose buffer is full misses the push
// and picks the notification up on its next List.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[recipient]map[int]chan pkg.Notification
	buffer int
}

// NewHub returns a Hub whose subscriber channels hold buffer notifications.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[recipient]map[int]chan pkg.Notification),
		buffer: buffer,
	}
}

// Subscribe registers a listener for (role, name).  The returned cancel func
// must be called once; it closes the channel.
func (h *Hub) Subscribe(role pkg.Role, name string) (<-chan pkg.Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := recipient{role: role, name: name}
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]chan pkg.Notification)
	}
	id := h.nextID
	h.nextID++
	ch := make(chan pkg.Notification, h.buffer)
	h.subs[key][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs := h.subs[key]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.subs, key)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish pushes n to every subscriber of its recipient.
func (h *Hub) Publish(n pkg.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[recipient{role: n.RecipientRole, name: n.RecipientName}] {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers for (role, name).
func (h *Hub) Subscribers(role pkg.Role, name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[recipient{role: role, name: name}])
}
