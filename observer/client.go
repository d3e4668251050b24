package observer

import (
	"github.com/gorilla/websocket"
	countflow "github.com/pnvasko/count-flow"
	"github.com/rs/xid"
	"sync"
)

const (
	MessageTypeCount   = "count"
	MessageTypeCommand = "command"
)

// ClientMessage is what a websocket client sends.
//
//	{"type":"count"}                                   count the client's own entity
//	{"type":"command","data":{"line":"count alice"}}   run an operator command
type ClientMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Client is one websocket connection. It follows the entity given at connect
// time; spectators connect without one and only see broadcasts.
type Client struct {
	id       string
	entityID string
	conn     *websocket.Conn
	send     chan countflow.Notice

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, entityID string) *Client {
	return &Client{
		id:       xid.New().String(),
		entityID: entityID,
		conn:     conn,
		send:     make(chan countflow.Notice, clientSendBuffer),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) EntityID() string {
	return c.entityID
}

// Notify never blocks: a slow client loses notices instead of stalling the
// ticker or the subscription.
func (c *Client) Notify(n countflow.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- n:
	default:
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var _ countflow.Observer = (*Client)(nil)
