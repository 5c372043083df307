package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/banshee-data/motion.report/internal/codec"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/transport"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePongWait     = 60 * time.Second
	// livePingPeriod must be shorter than livePongWait.
	livePingPeriod = livePongWait * 9 / 10
	// liveSendBuffer is how many outputs a viewer may lag before it is
	// disconnected.
	liveSendBuffer = 32
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the reverse proxy in front of the engine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// LiveEvent is the JSON envelope written to live viewers.
type LiveEvent struct {
	Event string        `json:"event"`
	Data  *codec.Output `json:"data,omitempty"`
}

type liveClient struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
}

// LiveFeed relays a session's published outputs to websocket viewers. It is
// a transport.Publisher so the engine can publish to it alongside the bus.
type LiveFeed struct {
	codec *codec.Codec
	log   *zap.Logger

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
}

// NewLiveFeed returns a feed decoding published frames with c.
func NewLiveFeed(c *codec.Codec) *LiveFeed {
	return &LiveFeed{
		codec:   c,
		log:     monitoring.L().Named("live"),
		clients: make(map[*liveClient]struct{}),
	}
}

// Publish forwards a results frame to the viewers of its session. Frames on
// other topics, and frames nobody is watching, are ignored.
func (f *LiveFeed) Publish(_ context.Context, topic string, payload []byte) error {
	sessionID, ok := transport.SessionFromTopic(topic)
	if !ok || !f.watching(sessionID) {
		return nil
	}
	out, err := f.codec.DecodeOutput(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(LiveEvent{Event: "output", Data: &out})
	if err != nil {
		return err
	}

	// send is only closed under f.mu, so sends happen under it too.
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		if c.sessionID != sessionID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			f.log.Info("dropping slow live viewer", zap.String("session_id", sessionID))
			delete(f.clients, c)
			close(c.send)
		}
	}
	return nil
}

// Viewers returns the number of connected viewers.
func (f *LiveFeed) Viewers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every viewer. Hijacked websocket connections outlive
// http.Server.Shutdown, so this must be called on shutdown.
func (f *LiveFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		close(c.send)
		delete(f.clients, c)
	}
}

func (f *LiveFeed) watching(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		if c.sessionID == sessionID {
			return true
		}
	}
	return false
}

func (f *LiveFeed) add(c *liveClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	return true
}

func (f *LiveFeed) remove(c *liveClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// serve upgrades the request and streams outputs for sessionID until the
// viewer disconnects. The first message is a "subscribed" event.
func (f *LiveFeed) serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &liveClient{sessionID: sessionID, conn: conn, send: make(chan []byte, liveSendBuffer)}
	hello, _ := json.Marshal(LiveEvent{Event: "subscribed"})
	c.send <- hello
	if !f.add(c) {
		conn.Close()
		return
	}
	defer f.remove(c)

	go c.writeLoop()
	c.readLoop()
}

func (c *liveClient) writeLoop() {
	ping := time.NewTicker(livePingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards viewer frames; it exists to process pongs and notice
// disconnects.
func (c *liveClient) readLoop() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
