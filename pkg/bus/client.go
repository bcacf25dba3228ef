package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
)

// ConnState is the client connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client is a reconnecting websocket consumer of the event stream.
// It dials, subscribes, and feeds events to the handler; on any
// failure it backs off exponentially (1s doubling to a 30s cap) and
// redials. The backoff resets only after a connection is fully
// established, meaning the subscribe message went out and a read
// succeeded.
type Client struct {
	url     string
	topics  []string
	handler func(models.Event)
	log     *logging.Logger

	mu    sync.RWMutex
	state ConnState

	dialTimeout time.Duration
	readTimeout time.Duration
}

// NewClient creates a client for the given /events endpoint. The
// handler is called from the read loop; it must not block for long.
func NewClient(url string, topics []string, handler func(models.Event), log *logging.Logger) *Client {
	return &Client{
		url:         url,
		topics:      topics,
		handler:     handler,
		log:         log,
		state:       StateDisconnected,
		dialTimeout: 10 * time.Second,
		readTimeout: 90 * time.Second, // outlasts two missed server pings
	}
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debugf("event stream %s -> %s", prev, s)
	}
}

// Run connects and consumes events until the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		c.setState(StateConnecting)
		established, err := c.connectAndConsume(ctx)
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			// A real session happened; start the schedule over.
			bo.Reset()
		}
		if err != nil {
			c.log.Warnf("event stream lost: %v", err)
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectAndConsume runs one session. It reports whether the session
// got far enough to count as established for backoff purposes.
func (c *Client) connectAndConsume(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// Server pings keep the deadline moving.
	conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	if len(c.topics) > 0 {
		sub := clientMessage{Action: "subscribe", Topics: c.topics}
		if err := conn.WriteJSON(sub); err != nil {
			return false, err
		}
	}

	// Unblock the read loop on cancellation.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	established := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return established, err
		}
		if !established {
			established = true
			c.setState(StateConnected)
		}
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debugf("discarding unparseable event: %v", err)
			continue
		}
		if c.handler != nil {
			c.handler(ev)
		}
	}
}

// SendCommand dials the endpoint once and issues a single command.
// Used by the CLI; the long-lived stream path is Run.
func SendCommand(ctx context.Context, url, name string, data interface{}) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(clientMessage{Action: "command", Command: name, Data: raw})
}
