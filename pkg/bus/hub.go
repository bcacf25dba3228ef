package bus

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
)

const (
	pingInterval  = 30 * time.Second
	maxPingMisses = 2
	writeTimeout  = 10 * time.Second
)

// Command is an inbound control message from a websocket client.
type Command struct {
	Name string          `json:"command"`
	Data json.RawMessage `json:"data"`
}

// clientMessage is the envelope for everything a client sends.
type clientMessage struct {
	Action  string          `json:"action"`            // "subscribe" or "command"
	Topics  []string        `json:"topics,omitempty"`  // for subscribe
	Command string          `json:"command,omitempty"` // for command
	Data    json.RawMessage `json:"data,omitempty"`
}

// CommandHandler processes inbound commands from websocket clients.
// Returning an error sends it back to the client; the stream stays up.
type CommandHandler func(cmd Command) error

// Hub bridges the event bus onto websocket connections. Each client
// holds one firehose subscription for its whole lifetime; subscribe
// messages narrow delivery through a per-client filter, so there is no
// swap of live channels.
type Hub struct {
	bus      *Bus
	handler  CommandHandler
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type topicFilter struct {
	mu   sync.RWMutex
	all  bool
	want map[string]bool
	cats map[string]bool
}

func (f *topicFilter) set(topics []string) {
	want := make(map[string]bool)
	cats := make(map[string]bool)
	all := len(topics) == 0
	for _, t := range topics {
		switch {
		case t == Wildcard:
			all = true
		case strings.HasSuffix(t, ".*"):
			cats[strings.TrimSuffix(t, ".*")] = true
		default:
			want[t] = true
		}
	}
	f.mu.Lock()
	f.all, f.want, f.cats = all, want, cats
	f.mu.Unlock()
}

func (f *topicFilter) match(ev models.Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.all || f.want[ev.Topic] || f.cats[ev.Category()]
}

type hubClient struct {
	conn   *websocket.Conn
	sub    *Subscription
	filter topicFilter

	mu        sync.Mutex // guards writes to conn
	pingMiss  int
	closeOnce sync.Once
	done      chan struct{}
}

// NewHub creates a websocket hub attached to the bus. handler may be
// nil, in which case inbound commands are rejected.
func NewHub(b *Bus, handler CommandHandler, log *logging.Logger) *Hub {
	return &Hub{
		bus:     b,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log,
		clients: make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects or stops answering pings.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &hubClient{
		conn: conn,
		sub:  h.bus.Subscribe(Wildcard),
		done: make(chan struct{}),
	}
	c.filter.set(nil) // firehose until the client narrows it

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.pingMiss = 0
		c.mu.Unlock()
		return nil
	})

	go h.writeLoop(c)
	h.readLoop(c)

	h.drop(c)
}

func (h *Hub) drop(c *hubClient) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	})
}

func (h *Hub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				h.drop(c)
				return
			}
			if !c.filter.match(ev) {
				continue
			}
			if err := c.writeJSON(ev); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.pingMiss++
			missed := c.pingMiss
			c.mu.Unlock()
			if missed > maxPingMisses {
				h.log.Infof("dropping websocket client, %d pings unanswered", maxPingMisses)
				h.drop(c)
				return
			}
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				h.drop(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) readLoop(c *hubClient) {
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Action {
		case "subscribe":
			c.filter.set(msg.Topics)
		case "command":
			h.dispatchCommand(c, msg)
		default:
			c.writeError("unknown action: " + msg.Action)
		}
	}
}

func (h *Hub) dispatchCommand(c *hubClient, msg clientMessage) {
	if h.handler == nil {
		c.writeError("commands not accepted on this endpoint")
		return
	}
	if err := h.handler(Command{Name: msg.Command, Data: msg.Data}); err != nil {
		c.writeError(err.Error())
	}
}

func (c *hubClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *hubClient) writeError(detail string) {
	c.writeJSON(models.NewEvent("error", map[string]interface{}{"detail": detail}))
}

// ClientCount reports connected websocket clients, for metrics.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}
