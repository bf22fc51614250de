// Package feed streams the core's domain events to websocket
// subscribers with per-topic replay buffers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/internal/config"
	"github.com/strongroom-io/strongroom/internal/messaging"
	"github.com/strongroom-io/strongroom/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	replaySize     = 256
	defaultSendBuf = 64
	defaultMaxConn = 1024
)

// Frame is one event on the wire. Seq is hub-global and strictly
// increasing, so a reconnecting client can spot gaps per topic.
type Frame struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Key   string          `json:"key,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// ringBuffer holds the last N frames for a topic.
type ringBuffer struct {
	buf   []Frame
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Frame, size)}
}

func (r *ringBuffer) add(f Frame) {
	idx := (r.start + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
	r.buf[idx] = f
	r.count++
}

func (r *ringBuffer) since(seq uint64) []Frame {
	var out []Frame
	for i := 0; i < r.count; i++ {
		f := r.buf[(r.start+i)%len(r.buf)]
		if f.Seq > seq {
			out = append(out, f)
		}
	}
	return out
}

// Client is a single websocket subscriber.
type Client struct {
	conn *websocket.Conn
	send chan Frame
	hub  *Hub

	mu     sync.Mutex
	topics map[string]struct{}
}

func (c *Client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// Hub fans published events out to subscribed clients. It satisfies
// messaging.Producer so it can sit behind a Tee next to Kafka.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan Frame
	stop       chan struct{}
	stopOnce   sync.Once

	bufMu   sync.Mutex
	buffers map[string]*ringBuffer

	nextSeq    atomic.Uint64
	connected  atomic.Int64
	maxClients int
	sendBuf    int

	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub starts the fan-out loop.
func NewHub(cfg config.FeedConfig, log *zap.Logger) *Hub {
	sendBuf := cfg.SendBuffer
	if sendBuf <= 0 {
		sendBuf = defaultSendBuf
	}
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = defaultMaxConn
	}
	readBuf := cfg.ReadBufferSize
	if readBuf <= 0 {
		readBuf = 1024
	}
	h := &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Frame, 1024),
		stop:       make(chan struct{}),
		buffers:    make(map[string]*ringBuffer),
		maxClients: maxClients,
		sendBuf:    sendBuf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: readBuf,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	clients := make(map[*Client]struct{})
	defer func() {
		for c := range clients {
			close(c.send)
			_ = c.conn.Close()
		}
		h.connected.Store(0)
		metrics.FeedClients.Set(0)
	}()

	for {
		select {
		case <-h.stop:
			return
		case c := <-h.register:
			clients[c] = struct{}{}
			h.connected.Store(int64(len(clients)))
			metrics.FeedClients.Set(float64(len(clients)))
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
			h.connected.Store(int64(len(clients)))
			metrics.FeedClients.Set(float64(len(clients)))
		case f := <-h.broadcast:
			h.buffer(f)
			for c := range clients {
				if !c.subscribed(f.Topic) {
					continue
				}
				select {
				case c.send <- f:
				default:
					// Slow subscriber keeps its connection but
					// loses this frame; replay covers the gap.
				}
			}
		}
	}
}

func (h *Hub) buffer(f Frame) {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	buf, ok := h.buffers[f.Topic]
	if !ok {
		buf = newRingBuffer(replaySize)
		h.buffers[f.Topic] = buf
	}
	buf.add(f)
}

// Replay returns buffered frames for topic with Seq greater than since.
func (h *Hub) Replay(topic string, since uint64) []Frame {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	if buf, ok := h.buffers[topic]; ok {
		return buf.since(since)
	}
	return nil
}

// ClientCount reports connected subscribers.
func (h *Hub) ClientCount() int {
	return int(h.connected.Load())
}

// Publish implements messaging.Producer. The frame is dropped rather
// than blocking the caller when the broadcast queue is full.
func (h *Hub) Publish(ctx context.Context, topic messaging.Topic, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("feed: marshal event: %w", err)
	}
	select {
	case <-h.stop:
		return fmt.Errorf("feed: hub closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	f := Frame{
		Topic: string(topic),
		Seq:   h.nextSeq.Add(1),
		Key:   key,
		Data:  data,
	}
	select {
	case h.broadcast <- f:
		return nil
	default:
		h.log.Warn("feed broadcast queue full, dropping frame",
			zap.String("topic", f.Topic),
			zap.Uint64("seq", f.Seq))
		return nil
	}
}

// Close stops the fan-out loop and disconnects every client.
func (h *Hub) Close() error {
	h.stopOnce.Do(func() { close(h.stop) })
	return nil
}

// ServeWS upgrades the request and runs the client pumps. Connections
// beyond the configured cap are refused before the upgrade.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if int(h.connected.Load()) >= h.maxClients {
		http.Error(w, "feed at capacity", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Client{
		conn:   conn,
		send:   make(chan Frame, h.sendBuf),
		hub:    h,
		topics: make(map[string]struct{}),
	}
	select {
	case h.register <- c:
	case <-h.stop:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// subscribeRequest is the only inbound message clients send:
// {"subscribe":["topic"],"unsubscribe":["topic"],"since":N}.
type subscribeRequest struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
	Since       uint64   `json:"since"`
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		c.mu.Lock()
		for _, topic := range req.Subscribe {
			c.topics[topic] = struct{}{}
		}
		for _, topic := range req.Unsubscribe {
			delete(c.topics, topic)
		}
		c.mu.Unlock()
		for _, topic := range req.Subscribe {
			for _, f := range c.hub.Replay(topic, req.Since) {
				select {
				case c.send <- f:
				default:
				}
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
