package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// AllProjects subscribes a client to every project's event stream.
const AllProjects = "*"

// Hub fans deployment lifecycle events out to subscribers by project slug.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with the slug it concerns.
type message struct {
	slug    string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	slug   string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.slug]; !ok {
				h.clients[sub.slug] = make(map[Subscriber]struct{})
			}
			h.clients[sub.slug][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.slug]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.slug)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.slug, msg.payload)
			if msg.slug != AllProjects {
				h.deliver(AllProjects, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(slug string, payload []byte) {
	clients, ok := h.clients[slug]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, slug)
	}
}

// Register adds a client to a project's event stream.
func (h *Hub) Register(slug string, client Subscriber) {
	h.register <- subscription{slug: slug, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(slug string, client Subscriber) {
	h.unreg <- subscription{slug: slug, client: client}
}

// Broadcast sends payload to the slug's subscribers and to wildcard
// subscribers.
func (h *Hub) Broadcast(slug string, payload []byte) {
	h.broadcast <- message{slug: slug, payload: payload}
}
