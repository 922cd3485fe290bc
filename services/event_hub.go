package services

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// EventType names a lifecycle event pushed to live clients. The strings are
// part of the client contract.
type EventType string

const (
	EventTaskInit        EventType = "task:init"
	EventTaskUpdated     EventType = "task:updated"
	EventImageGenerating EventType = "image:generating"
	EventImageCompleted  EventType = "image:completed"
	EventImageFailed     EventType = "image:failed"
	EventModelGenerating EventType = "model:generating"
	EventModelProgress   EventType = "model:progress"
	EventModelCompleted  EventType = "model:completed"
	EventModelFailed     EventType = "model:failed"
)

// DefaultHeartbeatInterval keeps idle connections alive through proxies.
const DefaultHeartbeatInterval = 15 * time.Second

// EventConnection wraps one open push stream of a client. Writes are
// serialized per connection, a browser can hold several at once.
type EventConnection struct {
	requestID uint
	writer    io.Writer
	flush     func()
	mu        sync.Mutex
	closed    bool
}

func (c *EventConnection) writeFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := c.writer.Write(frame); err != nil {
		return err
	}
	if c.flush != nil {
		c.flush()
	}
	return nil
}

// EventHub is the in-process registry of open push connections per request.
// It holds no persistence: a restart drops every connection and reconnecting
// clients re-fetch current state. Single-instance only, a second process
// would have its own empty registry.
type EventHub struct {
	mu          sync.Mutex
	connections map[uint]map[*EventConnection]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{
		connections: make(map[uint]map[*EventConnection]struct{}),
	}
}

// AddConnection registers a new stream for the request and returns its handle.
func (h *EventHub) AddConnection(requestID uint, w io.Writer, flush func()) *EventConnection {
	conn := &EventConnection{requestID: requestID, writer: w, flush: flush}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.connections[requestID]
	if !ok {
		set = make(map[*EventConnection]struct{})
		h.connections[requestID] = set
	}
	set[conn] = struct{}{}
	fmt.Printf("[Events] Connection added for request %v, now %d open\n", requestID, len(set))
	return conn
}

// RemoveConnection deregisters the stream. The request's entry is dropped
// entirely once its set is empty so the map cannot grow unbounded.
func (h *EventHub) RemoveConnection(conn *EventConnection) {
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.connections[conn.requestID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.requestID)
	}
}

// ConnectionCount reports how many streams are open for a request.
func (h *EventHub) ConnectionCount(requestID uint) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections[requestID])
}

// Broadcast serializes the payload once and writes one framed message to
// every open connection of the request. A write failure removes that
// connection silently without affecting the others.
func (h *EventHub) Broadcast(requestID uint, event EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		fmt.Printf("[Events] Failed to marshal %s payload for request %v: %v\n", event, requestID, err)
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))

	h.mu.Lock()
	set := h.connections[requestID]
	conns := make([]*EventConnection, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.writeFrame(frame); err != nil {
			fmt.Printf("[Events] Dropping dead connection for request %v: %v\n", requestID, err)
			h.RemoveConnection(conn)
		}
	}
}

// SendHeartbeat writes a no-op comment frame so intermediaries do not time
// out the idle stream.
func (h *EventHub) SendHeartbeat(conn *EventConnection) error {
	if err := conn.writeFrame([]byte(":keep-alive\n\n")); err != nil {
		h.RemoveConnection(conn)
		return err
	}
	return nil
}

// SendEvent writes one framed event to a single connection, used for the
// task:init snapshot right after connect.
func (h *EventHub) SendEvent(conn *EventConnection, event EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
	if err := conn.writeFrame(frame); err != nil {
		h.RemoveConnection(conn)
		return err
	}
	return nil
}
