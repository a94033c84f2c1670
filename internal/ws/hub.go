package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/splax/launchpad/internal/service/records"
)

const (
	broadcastBuffer = 256
	peerQueueSize   = 16
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deployment events out to the owning user's live subscribers. Broadcast never
// blocks the caller: every subscriber drains its own queue, and one that falls behind is
// dropped.
type Hub struct {
	clients   map[string]map[Subscriber]*peer
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	once      sync.Once
	log       *slog.Logger
}

// message couples payload with the user it is addressed to.
type message struct {
	userID  string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	userID string
	client Subscriber
}

// peer owns the send queue of one subscriber.
type peer struct {
	userID string
	client Subscriber
	queue  chan []byte
}

// NewHub creates an initialized Hub and starts its dispatch loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]*peer),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		done:      make(chan struct{}),
		log:       logger.With("component", "hub"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			peers, ok := h.clients[sub.userID]
			if !ok {
				peers = make(map[Subscriber]*peer)
				h.clients[sub.userID] = peers
			}
			if _, exists := peers[sub.client]; exists {
				continue
			}
			p := &peer{userID: sub.userID, client: sub.client, queue: make(chan []byte, peerQueueSize)}
			peers[sub.client] = p
			go h.pump(p)
		case sub := <-h.unreg:
			h.remove(sub.userID, sub.client)
		case msg := <-h.broadcast:
			for _, p := range h.clients[msg.userID] {
				select {
				case p.queue <- msg.payload:
				default:
					h.log.Warn("dropping slow subscriber", "user_id", msg.userID)
					h.remove(msg.userID, p.client)
					p.client.Close()
				}
			}
		case <-h.done:
			for _, peers := range h.clients {
				for _, p := range peers {
					close(p.queue)
					p.client.Close()
				}
			}
			h.clients = nil
			return
		}
	}
}

// remove forgets a subscriber and stops its pump. Only the dispatch loop calls it.
func (h *Hub) remove(userID string, client Subscriber) {
	peers, ok := h.clients[userID]
	if !ok {
		return
	}
	p, ok := peers[client]
	if !ok {
		return
	}
	delete(peers, client)
	close(p.queue)
	if len(peers) == 0 {
		delete(h.clients, userID)
	}
}

// pump delivers queued payloads until the queue closes or a send fails.
func (h *Hub) pump(p *peer) {
	for payload := range p.queue {
		if err := p.client.Send(payload); err != nil {
			p.client.Close()
			h.Unregister(p.userID, p.client)
			for range p.queue {
			}
			return
		}
	}
}

// Register adds a client to a user's stream.
func (h *Hub) Register(userID string, client Subscriber) {
	select {
	case h.register <- subscription{userID: userID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(userID string, client Subscriber) {
	select {
	case h.unreg <- subscription{userID: userID, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for all of a user's clients. When the hub is saturated the
// payload is dropped.
func (h *Hub) Broadcast(userID string, payload []byte) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- message{userID: userID, payload: payload}:
	case <-h.done:
	default:
		h.log.Warn("hub saturated, dropping event", "user_id", userID)
	}
}

// Notify publishes a deployment event to the owner's subscribers.
func (h *Hub) Notify(ownerID string, event records.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal deployment event", "user_id", ownerID, "type", event.Type, "error", err)
		return
	}
	h.Broadcast(ownerID, payload)
}

// Close stops the dispatch loop and closes every subscriber.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
	})
}
