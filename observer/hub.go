package observer

import (
	"context"
	countflow "github.com/pnvasko/count-flow"
	"github.com/pnvasko/count-flow/common"
	"go.uber.org/zap"
	"sync"
)

const clientSendBuffer = 256

// Hub keeps the websocket clients connected to this process. It is the
// coordinator's ObserverSet: progress and celebrations reach exactly the
// clients registered here.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan countflow.Notice
	mu         sync.RWMutex

	logger *common.Logger
}

func NewHub(logger *common.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan countflow.Notice, clientSendBuffer),
		logger:     logger,
	}
}

// Run owns client registration until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Ctx(ctx).Info("observer registered",
				zap.String("client", client.id),
				zap.String("entity", client.entityID),
				zap.Int("total", total),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Ctx(ctx).Info("observer unregistered", zap.String("client", client.id), zap.Int("total", total))

		case notice := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.Notify(notice)
			}
			h.mu.RUnlock()
		}
	}
}

// Register blocks until Run has accepted the client or ctx is done.
func (h *Hub) Register(ctx context.Context, c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) Unregister(ctx context.Context, c *Client) {
	select {
	case h.unregister <- c:
	case <-ctx.Done():
	}
}

// Broadcast queues n for every connected client, dropping it when the hub is
// backed up. The coordinator sends completion celebrations through it.
func (h *Hub) Broadcast(n countflow.Notice) {
	select {
	case h.broadcast <- n:
	default:
		h.logger.Warn("hub broadcast queue full, dropping notice", zap.String("kind", string(n.Kind)))
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Observers() []countflow.Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]countflow.Observer, 0, len(h.clients))
	for client := range h.clients {
		out = append(out, client)
	}
	return out
}

var _ countflow.Broadcaster = (*Hub)(nil)
