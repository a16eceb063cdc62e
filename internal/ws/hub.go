package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions keyed by bot name.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with the bot it belongs to.
type message struct {
	botName string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	botName string
	client  Subscriber
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
			if _, ok := h.clients[sub.botName]; !ok {
				h.clients[sub.botName] = make(map[Subscriber]struct{})
			}
			h.clients[sub.botName][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.botName]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.botName)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.botName]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.botName)
				}
			}
		}
	}
}

// Register adds a client to a bot's stream.
func (h *Hub) Register(botName string, client Subscriber) {
	h.register <- subscription{botName: botName, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(botName string, client Subscriber) {
	h.unreg <- subscription{botName: botName, client: client}
}

// Broadcast sends payload to every client following the bot.
func (h *Hub) Broadcast(botName string, payload []byte) {
	h.broadcast <- message{botName: botName, payload: payload}
}
