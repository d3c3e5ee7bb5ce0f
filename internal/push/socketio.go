package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"davomat/internal/logger"
)

// ErrAlreadyConnected is returned by Connect on a running client.
var ErrAlreadyConnected = errors.New("socket.io client already connected")

// Engine.IO v4 packet types, and the Socket.IO packet types carried inside
// engine "message" packets.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect    = '0'
	sioDisconnect = '1'
	sioEvent      = '2'
	sioError      = '4'
)

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// SocketIO is a minimal Socket.IO v4 client over the websocket transport.
// It only receives events; everything it receives is published on its hub.
type SocketIO struct {
	URL        string
	Namespace  string
	Header     http.Header
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration

	hub *Hub
	log *logger.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
}

// NewSocketIO builds a client for url, e.g.
// ws://host/socket.io/?EIO=4&transport=websocket.
func NewSocketIO(url string, hub *Hub, log *logger.Logger) *SocketIO {
	if hub == nil {
		hub = NewHub(0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SocketIO{
		URL:        url,
		Namespace:  "/",
		Dialer:     websocket.DefaultDialer,
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
		hub:        hub,
		log:        log.Named("socketio"),
	}
}

// Subscribe registers on the client's hub.
func (c *SocketIO) Subscribe(names ...string) *Subscription {
	return c.hub.Subscribe(names...)
}

// Connect starts the receive loop in the background. The loop reconnects
// with exponential backoff until Disconnect is called or ctx ends.
func (c *SocketIO) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	return nil
}

// Disconnect stops the loop and waits for it to exit.
func (c *SocketIO) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether the namespace handshake has completed on the
// current connection.
func (c *SocketIO) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *SocketIO) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *SocketIO) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := c.MinBackoff
	for {
		err := c.session(ctx)
		// A session that got through the handshake starts the backoff over.
		if c.Connected() {
			backoff = c.MinBackoff
		}
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warnf("connection lost: %v; retrying in %s", err, backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
		}
	}
}

// session runs one websocket connection until it fails or ctx ends.
func (c *SocketIO) session(ctx context.Context) error {
	conn, _, err := c.Dialer.DialContext(ctx, c.URL, c.Header)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	timeout := 60 * time.Second
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case eioOpen:
			var open openPacket
			if err := json.Unmarshal(data[1:], &open); err == nil && open.PingInterval > 0 {
				timeout = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(c.connectPacket())); err != nil {
				return err
			}
		case eioPing:
			if err := conn.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
				return err
			}
		case eioClose:
			return errors.New("server closed the engine session")
		case eioMessage:
			if err := c.handleMessage(data[1:]); err != nil {
				return err
			}
		}
	}
}

func (c *SocketIO) connectPacket() string {
	if c.Namespace == "" || c.Namespace == "/" {
		return "40"
	}
	return "40" + c.Namespace + ","
}

func (c *SocketIO) handleMessage(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	kind, body := p[0], stripNamespace(p[1:])
	switch kind {
	case sioConnect:
		c.setConnected(true)
		c.log.Info("connected")
	case sioDisconnect:
		return errors.New("server disconnected the namespace")
	case sioError:
		return errors.New("namespace connect refused: " + string(body))
	case sioEvent:
		evt, err := decodeSocketIOArgs(stripAckID(body))
		if err != nil {
			c.log.Warnf("dropping frame: %v", err)
			return nil
		}
		c.hub.Publish(evt)
	}
	return nil
}

// stripNamespace drops a leading "/ns," if present.
func stripNamespace(p []byte) []byte {
	if len(p) > 0 && p[0] == '/' {
		if i := strings.IndexByte(string(p), ','); i >= 0 {
			return p[i+1:]
		}
		return nil
	}
	return p
}

// stripAckID drops the numeric ack id that may precede the argument array.
func stripAckID(p []byte) []byte {
	i := 0
	for i < len(p) && p[i] >= '0' && p[i] <= '9' {
		i++
	}
	return p[i:]
}
