// Package signal implements the websocket client side of the rendezvous
// channel: ordered, reliable delivery per connection, with opaque reconnect.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/metrics"
)

var ErrBackpressure = errors.New("backpressure")
var ErrClosed = errors.New("signaling channel closed")

const (
	writeDeadline     = 5 * time.Second
	initialReconnect  = 300 * time.Millisecond
	maxReconnect      = 10 * time.Second
	defaultSendBuffer = 32
)

// envelope is the wire frame: the event name plus its payload.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client implements core.SignalingChannel over a gorilla websocket. After a
// connection drop it redials with capped backoff, replays the last join so
// the server re-admits us, and fires the reconnect hook so the mesh can
// resynchronize whatever was lost in between.
type Client struct {
	url     string
	sendBuf int

	mu          sync.Mutex
	conn        *websocket.Conn
	send        chan []byte
	handlers    map[string]func(json.RawMessage)
	joinFrame   []byte
	onReconnect func()
	closed      bool
	done        chan struct{}
}

func NewClient(url string, sendBuf int) *Client {
	if sendBuf <= 0 {
		sendBuf = defaultSendBuffer
	}
	return &Client{
		url:      normalizeURL(url),
		sendBuf:  sendBuf,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
}

// normalizeURL accepts http(s) URLs and rewrites them to ws(s).
func normalizeURL(u string) string {
	if strings.HasPrefix(u, "http") {
		return "ws" + u[4:]
	}
	return u
}

// Subscribe registers the handler for one event type. Must be called before
// Connect; handlers run sequentially in arrival order.
func (c *Client) Subscribe(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// OnReconnect sets the hook fired after every successful redial.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// Connect dials the rendezvous server and starts the pump goroutines. It
// returns once the first connection is up; subsequent drops are handled
// internally until Close.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, c.sendBuf)
	send := c.send
	c.mu.Unlock()

	log.Info().Str("module", "signal").Str("url", c.url).Msg("signaling connected")
	stop := make(chan struct{})
	go c.writePump(conn, send, stop)
	go c.readPump(ctx, conn, stop)
	return nil
}

// Publish sends one event to the server. The join frame is remembered for
// replay across reconnects; leave forgets it.
func (c *Client) Publish(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Type: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch event {
	case core.EventJoin:
		c.joinFrame = frame
	case core.EventLeave:
		c.joinFrame = nil
	}
	send := c.send
	c.mu.Unlock()

	if send == nil {
		return ErrClosed
	}
	select {
	case send <- frame:
		metrics.SignalMessagesTotal.WithLabelValues(event, "out").Inc()
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// writePump drains one connection's send channel. stop is per-connection:
// the paired readPump closes it when the connection dies, so a replaced pump
// never lingers on an abandoned channel.
func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(stop)
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("module", "signal").Msg("connection lost, reconnecting")
			c.reconnect(ctx)
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one frame to its subscriber. A corrupt or unknown frame is
// logged and dropped; it must never take later messages down with it.
func (c *Client) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("module", "signal").Msg("handler panic recovered")
		}
	}()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad frame")
		return
	}
	c.mu.Lock()
	handler := c.handlers[env.Type]
	c.mu.Unlock()
	if handler == nil {
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		return
	}
	metrics.SignalMessagesTotal.WithLabelValues(env.Type, "in").Inc()
	handler(env.Data)
}

// reconnect redials with capped exponential backoff, replays the join frame
// and fires the reconnect hook.
func (c *Client) reconnect(ctx context.Context) {
	delay := initialReconnect
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Dur("next_in", delay).Msg("redial failed")
			if delay *= 2; delay > maxReconnect {
				delay = maxReconnect
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.send = make(chan []byte, c.sendBuf)
		send := c.send
		join := c.joinFrame
		hook := c.onReconnect
		c.mu.Unlock()

		metrics.SignalingReconnectsTotal.Inc()
		log.Info().Str("module", "signal").Msg("signaling reconnected")
		stop := make(chan struct{})
		go c.writePump(conn, send, stop)
		go c.readPump(ctx, conn, stop)

		if join != nil {
			select {
			case send <- join:
			default:
			}
		}
		if hook != nil {
			hook()
		}
		return
	}
}
