// Package notify forwards selected bus events to external channels.
// Each channel has an operator switch and a topic allowlist; delivery
// and formatting live behind the Sink interface.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
)

// Sink delivers one event to a destination.
type Sink interface {
	Name() string
	Push(ctx context.Context, ev models.Event) error
}

// Channel binds a sink to an allowlist. Topics use the bus pattern
// forms: exact ("job.failed"), category ("job.*"), or "*".
type Channel struct {
	Name    string
	Enabled bool
	Topics  []string
	Sink    Sink
}

// wants reports whether a topic clears this channel's allowlist.
func (c *Channel) wants(topic string) bool {
	if !c.Enabled {
		return false
	}
	category := models.TopicCategory(topic)
	for _, pat := range c.Topics {
		switch {
		case pat == "*":
			return true
		case strings.HasSuffix(pat, ".*"):
			if category == pat[:len(pat)-2] {
				return true
			}
		case pat == topic:
			return true
		}
	}
	return false
}

// Dispatcher fans bus events out to notification channels.
type Dispatcher struct {
	bus *bus.Bus
	log *logging.Logger

	mu       sync.Mutex
	channels []*Channel

	sub  *bus.Subscription
	done chan struct{}

	pushTimeout time.Duration
}

// New creates a dispatcher. Channels are added before Start.
func New(b *bus.Bus, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		bus:         b,
		log:         log,
		done:        make(chan struct{}),
		pushTimeout: 10 * time.Second,
	}
}

// AddChannel registers a channel. Disabled channels may be added and
// toggled later.
func (d *Dispatcher) AddChannel(c *Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, c)
}

// SetEnabled flips a channel's operator switch.
func (d *Dispatcher) SetEnabled(name string, enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.channels {
		if c.Name == name {
			c.Enabled = enabled
			return true
		}
	}
	return false
}

// Start subscribes to the bus and begins forwarding.
func (d *Dispatcher) Start() {
	d.sub = d.bus.Subscribe("*")
	go d.loop()
}

// Stop detaches from the bus and waits for the loop to drain.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		d.sub.Close()
	}
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.sub.Events() {
		// Never notify about notifications.
		if ev.Category() == "notification" {
			continue
		}
		d.dispatch(ev)
	}
}

func (d *Dispatcher) dispatch(ev models.Event) {
	d.mu.Lock()
	matched := make([]*Channel, 0, len(d.channels))
	for _, c := range d.channels {
		if c.wants(ev.Topic) {
			matched = append(matched, c)
		}
	}
	d.mu.Unlock()

	for _, c := range matched {
		ctx, cancel := context.WithTimeout(context.Background(), d.pushTimeout)
		err := c.Sink.Push(ctx, ev)
		cancel()
		if err != nil {
			d.log.Warnf("notify %s: push %s: %v", c.Name, ev.Topic, err)
			continue
		}
		d.bus.Emit(models.TopicNotificationPush, map[string]interface{}{
			"channel": c.Name,
			"topic":   ev.Topic,
		})
	}
}
