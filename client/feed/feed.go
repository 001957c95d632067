// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package feed implements the realtime change-feed client. The feed
// server emits one JSON event per committed row change; consumers use the
// events to invalidate caches and nudge state machines, never as a source
// of truth.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// readBuffSize is the buffer size for the event channel.
	readBuffSize = 128

	// writeWait is the maximum time to write to the connection.
	writeWait = time.Second * 3
)

// Event is a single row change.
type Event struct {
	// Table names the changed collection, e.g. "accounts",
	// "cashu_send_swaps".
	Table string `json:"table"`
	// Action is "INSERT", "UPDATE" or "DELETE".
	Action string `json:"action"`
	// New is the row after the change, absent on DELETE.
	New json.RawMessage `json:"new,omitempty"`
	// Old is the row before the change, absent on INSERT.
	Old json.RawMessage `json:"old,omitempty"`
}

// Config is the configuration for a feed Client.
type Config struct {
	// URL is the feed endpoint, ws:// or wss://.
	URL string
	// PingWait is the maximum time to wait for a ping from the server, and
	// also the redial delay.
	PingWait time.Duration
	// ReconnectSync runs after every reconnection, before events flow
	// again. Consumers invalidate caches here since events may have been
	// missed while disconnected.
	ReconnectSync func()
	// Ctx shuts the client down when canceled.
	Ctx context.Context
}

// Client is a reconnecting change-feed connection.
type Client struct {
	reconnects uint64
	cfg        *Config

	ws    *websocket.Conn
	wsMtx sync.Mutex

	eventCh     chan *Event
	reconnectCh chan struct{}

	connected    bool
	connectedMtx sync.RWMutex

	once sync.Once
	wg   sync.WaitGroup
}

// NewClient creates a running feed client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.PingWait <= 0 {
		return nil, fmt.Errorf("ping wait must be positive")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL %q: %w", cfg.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported feed URL scheme %q", u.Scheme)
	}

	c := &Client{
		cfg:         cfg,
		eventCh:     make(chan *Event, readBuffSize),
		reconnectCh: make(chan struct{}, 1),
	}
	c.wg.Add(1)
	go c.keepAlive()
	c.reconnectCh <- struct{}{}
	return c, nil
}

func (c *Client) isConnected() bool {
	c.connectedMtx.RLock()
	defer c.connectedMtx.RUnlock()
	return c.connected
}

func (c *Client) setConnected(connected bool) {
	c.connectedMtx.Lock()
	c.connected = connected
	c.connectedMtx.Unlock()
}

func (c *Client) close() {
	c.wsMtx.Lock()
	defer c.wsMtx.Unlock()
	if c.ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.ws.Close()
}

func (c *Client) connect() error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(c.cfg.Ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	ws.SetPingHandler(func(string) error {
		c.wsMtx.Lock()
		defer c.wsMtx.Unlock()
		now := time.Now()
		if err := ws.SetReadDeadline(now.Add(c.cfg.PingWait)); err != nil {
			log.Errorf("read deadline error: %v", err)
			return err
		}
		return ws.WriteControl(websocket.PongMessage, []byte{}, now.Add(writeWait))
	})

	c.wsMtx.Lock()
	c.ws = ws
	c.wsMtx.Unlock()
	return nil
}

// read parses incoming events. Runs as a goroutine per connection.
func (c *Client) read() {
	defer c.wg.Done()
	for {
		c.wsMtx.Lock()
		ws := c.ws
		c.wsMtx.Unlock()

		ev := new(Event)
		err := ws.ReadJSON(ev)
		if err != nil {
			if _, ok := err.(*json.UnmarshalTypeError); ok {
				log.Errorf("json decode error: %v", err)
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure) ||
				strings.Contains(err.Error(), "websocket: close sent") ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			if c.cfg.Ctx.Err() != nil {
				return
			}
			log.Errorf("read error: %v", err)
			select {
			case c.reconnectCh <- struct{}{}:
			default:
			}
			return
		}

		select {
		case c.eventCh <- ev:
		default:
			// A stalled consumer is equivalent to a disconnect: drop the
			// event and let ReconnectSync resynchronize.
			log.Warnf("event buffer full, dropping %s %s", ev.Action, ev.Table)
		}
	}
}

// keepAlive maintains the connection, reconnecting when it breaks. Runs
// as a goroutine.
func (c *Client) keepAlive() {
	for {
		select {
		case <-c.reconnectCh:
			c.setConnected(false)

			reconnects := atomic.AddUint64(&c.reconnects, 1)
			if reconnects > 1 {
				c.close()
			}

			if err := c.connect(); err != nil {
				log.Errorf("connection error: %v", err)
				go func() {
					select {
					case <-time.After(c.cfg.PingWait):
						select {
						case c.reconnectCh <- struct{}{}:
						default:
						}
					case <-c.cfg.Ctx.Done():
					}
				}()
				continue
			}

			c.wg.Add(1)
			go c.read()

			if c.cfg.ReconnectSync != nil {
				c.cfg.ReconnectSync()
			}

			c.setConnected(true)

		case <-c.cfg.Ctx.Done():
			c.setConnected(false)
			c.close()
			c.wg.Done()
			return
		}
	}
}

// WaitForShutdown blocks until the client's processes are stopped.
func (c *Client) WaitForShutdown() {
	c.wg.Wait()
}

// Events returns the event channel. Only the first caller gets it.
func (c *Client) Events() <-chan *Event {
	var ch <-chan *Event
	c.once.Do(func() {
		ch = c.eventCh
	})
	return ch
}
