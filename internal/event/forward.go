package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes subjects of forwarded events.
const DefaultSubjectPrefix = "bildir.events"

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials a NATS server for event forwarding.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("bildir"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Forwarder republishes bus events as JSON on external subjects named
// "<prefix>.<event type>", for viewers outside the daemon process.
type Forwarder struct {
	bus    *Bus
	pub    Publisher
	prefix string
	buffer int
	logger *slog.Logger
}

// NewForwarder creates a forwarder. An empty prefix uses DefaultSubjectPrefix.
func NewForwarder(bus *Bus, pub Publisher, prefix string, buffer int, logger *slog.Logger) *Forwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Forwarder{bus: bus, pub: pub, prefix: prefix, buffer: buffer, logger: logger}
}

// Subject returns the subject an event of type t is published on.
func (f *Forwarder) Subject(t Type) string {
	return f.prefix + "." + string(t)
}

// Run forwards events until ctx is done or the bus is closed. Publish
// failures are logged and skipped.
func (f *Forwarder) Run(ctx context.Context) error {
	sub := f.bus.Subscribe(f.buffer)
	defer f.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				f.logger.Warn("marshal event", "type", string(e.Type), "error", err)
				continue
			}
			if err := f.pub.Publish(f.Subject(e.Type), data); err != nil {
				f.logger.Warn("forward event", "type", string(e.Type), "error", err)
			}
		}
	}
}

// Follow subscribes to every event forwarded under prefix and calls fn with
// each decoded event until ctx is done. Undecodable messages are skipped.
func Follow(ctx context.Context, nc *nats.Conn, prefix string, fn func(Event)) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	ch := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(prefix+".>", ch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", prefix, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			e, err := Decode(msg.Data)
			if err != nil {
				continue
			}
			fn(e)
		}
	}
}

// Decode parses a forwarded event payload.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return e, nil
}
