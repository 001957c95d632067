// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mint

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

	"cashport.org/cashport/pay"
	"cashport.org/cashport/pay/cashu"
	"github.com/gorilla/websocket"
)

const (
	// wsWriteWait is the maximum time to write to the connection.
	wsWriteWait = time.Second * 3
	// wsPingWait is the maximum time to wait for a ping from the mint, and
	// also the retry delay after a failed dial.
	wsPingWait = time.Second * 60
)

// wsRequest is an outgoing JSON-RPC request to the mint.
type wsRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      uint64      `json:"id"`
}

type subscribeParams struct {
	Kind    string   `json:"kind"`
	SubID   string   `json:"subId"`
	Filters []string `json:"filters"`
}

type unsubscribeParams struct {
	SubID string `json:"subId"`
}

// wsIncoming is any incoming message: a response to one of our requests
// (Result/Error set) or a subscription notification (Method set).
type wsIncoming struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
}

type notificationParams struct {
	SubID   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

type wsSub struct {
	ys []string
	f  func(cashu.ProofStateUpdate)
}

// WSClient maintains a websocket connection to a mint's /v1/ws endpoint
// and dispatches proof state notifications to subscription callbacks. The
// connection is re-established on failure and all registered
// subscriptions are replayed after each reconnect.
type WSClient struct {
	reconnects uint64
	rID        uint64
	mintURL    string
	ctx        context.Context
	log        pay.Logger

	ws    *websocket.Conn
	wsMtx sync.Mutex

	connected    bool
	connectedMtx sync.RWMutex

	subs   map[string]*wsSub
	subMtx sync.Mutex

	reconnectCh chan struct{}
	wg          sync.WaitGroup
}

// NewWSClient creates a running WSClient for the mint at mintURL. The
// client dials lazily from its keepAlive loop and shuts down when ctx is
// canceled.
func NewWSClient(ctx context.Context, mintURL string, logger pay.Logger) (*WSClient, error) {
	u, err := url.Parse(mintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint URL %q: %w", mintURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("unsupported mint URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"

	c := &WSClient{
		mintURL:     u.String(),
		ctx:         ctx,
		log:         logger,
		subs:        make(map[string]*wsSub),
		reconnectCh: make(chan struct{}, 1),
	}
	c.wg.Add(1)
	go c.keepAlive()
	c.reconnectCh <- struct{}{}
	return c, nil
}

func (c *WSClient) isConnected() bool {
	c.connectedMtx.RLock()
	defer c.connectedMtx.RUnlock()
	return c.connected
}

func (c *WSClient) setConnected(connected bool) {
	c.connectedMtx.Lock()
	c.connected = connected
	c.connectedMtx.Unlock()
}

func (c *WSClient) nextID() uint64 {
	return atomic.AddUint64(&c.rID, 1)
}

func (c *WSClient) close() {
	c.wsMtx.Lock()
	defer c.wsMtx.Unlock()
	if c.ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	c.ws.Close()
}

func (c *WSClient) connect() error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(c.ctx, c.mintURL, nil)
	if err != nil {
		return err
	}

	ws.SetPingHandler(func(string) error {
		c.wsMtx.Lock()
		defer c.wsMtx.Unlock()
		now := time.Now()
		if err := ws.SetReadDeadline(now.Add(wsPingWait)); err != nil {
			c.log.Errorf("read deadline error: %v", err)
			return err
		}
		return ws.WriteControl(websocket.PongMessage, []byte{}, now.Add(wsWriteWait))
	})

	c.wsMtx.Lock()
	c.ws = ws
	c.wsMtx.Unlock()
	return nil
}

// read parses incoming messages and dispatches proof state notifications.
// Runs as a goroutine per connection.
func (c *WSClient) read() {
	defer c.wg.Done()
	for {
		c.wsMtx.Lock()
		ws := c.ws
		c.wsMtx.Unlock()

		msg := new(wsIncoming)
		err := ws.ReadJSON(msg)
		if err != nil {
			if _, ok := err.(*json.UnmarshalTypeError); ok {
				c.log.Errorf("json decode error: %v", err)
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure) ||
				strings.Contains(err.Error(), "websocket: close sent") ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			if c.ctx.Err() != nil {
				return
			}
			c.log.Errorf("read error from %s: %v", c.mintURL, err)
			select {
			case c.reconnectCh <- struct{}{}:
			default:
			}
			return
		}

		if msg.Error != nil {
			c.log.Errorf("mint %s returned subscription error: %v", c.mintURL, msg.Error)
			continue
		}
		if msg.Method == "" { // response to one of our requests
			continue
		}

		var params notificationParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.log.Errorf("bad notification params: %v", err)
			continue
		}
		var update cashu.ProofStateUpdate
		if err := json.Unmarshal(params.Payload, &update); err != nil {
			c.log.Errorf("bad proof state payload: %v", err)
			continue
		}

		c.subMtx.Lock()
		sub := c.subs[params.SubID]
		c.subMtx.Unlock()
		if sub != nil {
			sub.f(update)
		}
	}
}

// keepAlive re-establishes the connection when it breaks and replays all
// registered subscriptions. Runs as a goroutine.
func (c *WSClient) keepAlive() {
	for {
		select {
		case <-c.reconnectCh:
			c.setConnected(false)

			reconnects := atomic.AddUint64(&c.reconnects, 1)
			if reconnects > 1 {
				c.close()
			}

			if err := c.connect(); err != nil {
				c.log.Errorf("connection error for %s: %v", c.mintURL, err)
				go func() {
					select {
					case <-time.After(wsPingWait):
						select {
						case c.reconnectCh <- struct{}{}:
						default:
						}
					case <-c.ctx.Done():
					}
				}()
				continue
			}

			c.wg.Add(1)
			go c.read()
			c.setConnected(true)

			if err := c.resubscribeAll(); err != nil {
				c.log.Errorf("resubscribe error for %s: %v", c.mintURL, err)
			}

		case <-c.ctx.Done():
			c.setConnected(false)
			c.close()
			c.wg.Done()
			return
		}
	}
}

// WaitForShutdown blocks until the connection's processes are stopped.
func (c *WSClient) WaitForShutdown() {
	c.wg.Wait()
}

func (c *WSClient) send(req *wsRequest) error {
	if !c.isConnected() {
		return fmt.Errorf("cannot send on a broken connection")
	}
	c.wsMtx.Lock()
	defer c.wsMtx.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(req)
}

func (c *WSClient) sendSubscribe(subID string, ys []string) error {
	return c.send(&wsRequest{
		JSONRPC: "2.0",
		Method:  "subscribe",
		Params: subscribeParams{
			Kind:    "proof_state",
			SubID:   subID,
			Filters: ys,
		},
		ID: c.nextID(),
	})
}

func (c *WSClient) resubscribeAll() error {
	c.subMtx.Lock()
	defer c.subMtx.Unlock()
	for subID, sub := range c.subs {
		if err := c.sendSubscribe(subID, sub.ys); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers f to receive state updates for the proofs
// identified by ys under subID. If subID is already registered its filter
// set and callback are replaced. The subscription survives reconnects
// until Unsubscribe is called.
func (c *WSClient) Subscribe(subID string, ys []string, f func(cashu.ProofStateUpdate)) error {
	c.subMtx.Lock()
	c.subs[subID] = &wsSub{ys: ys, f: f}
	c.subMtx.Unlock()
	if !c.isConnected() {
		// Will be replayed on connect.
		return nil
	}
	return c.sendSubscribe(subID, ys)
}

// Unsubscribe removes the subscription. Dropping an unknown subID is a
// no-op.
func (c *WSClient) Unsubscribe(subID string) error {
	c.subMtx.Lock()
	_, found := c.subs[subID]
	delete(c.subs, subID)
	c.subMtx.Unlock()
	if !found || !c.isConnected() {
		return nil
	}
	return c.send(&wsRequest{
		JSONRPC: "2.0",
		Method:  "unsubscribe",
		Params:  unsubscribeParams{SubID: subID},
		ID:      c.nextID(),
	})
}

// NumSubscriptions reports the registered subscription count.
func (c *WSClient) NumSubscriptions() int {
	c.subMtx.Lock()
	defer c.subMtx.Unlock()
	return len(c.subs)
}
