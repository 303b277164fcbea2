package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const subscriberBuffer = 64

// NATSConfig configures the NATS broker.
type NATSConfig struct {
	// URL of an external server. Ignored when Embedded is set.
	URL string
	// Embedded runs an in-process server on a random loopback port.
	Embedded      bool
	SubjectPrefix string
}

// NATSBroker publishes events on "<prefix>.incidents.<incident_id>".
type NATSBroker struct {
	config NATSConfig

	mu     sync.Mutex
	server *natsserver.Server
	conn   *nats.Conn
}

// NewNATSBroker creates a broker. Call Start before use.
func NewNATSBroker(config NATSConfig) *NATSBroker {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "guardian"
	}
	return &NATSBroker{config: config}
}

// Start connects, starting the embedded server first when configured.
func (b *NATSBroker) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil
	}

	url := b.config.URL
	if b.config.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   -1,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return fmt.Errorf("create embedded nats server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			srv.Shutdown()
			return errors.New("embedded nats server not ready")
		}
		b.server = srv
		url = srv.ClientURL()
	}

	conn, err := nats.Connect(url,
		nats.Name("devops-guardian"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		if b.server != nil {
			b.server.Shutdown()
			b.server = nil
		}
		return fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	b.conn = conn

	slog.Info("broadcast broker started", "url", url, "embedded", b.config.Embedded)
	return nil
}

// Publish sends event to every subscriber.
func (b *NATSBroker) Publish(_ context.Context, event Event) error {
	conn := b.connection()
	if conn == nil {
		return errors.New("broker not started")
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := conn.Publish(b.subject(event.IncidentID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe streams every incident event. Slow subscribers drop events.
func (b *NATSBroker) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	conn := b.connection()
	if conn == nil {
		return nil, nil, errors.New("broker not started")
	}

	msgs := make(chan *nats.Msg, subscriberBuffer)
	sub, err := conn.ChanSubscribe(b.config.SubjectPrefix+".incidents.*", msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var event Event
				if err := json.Unmarshal(msg.Data, &event); err != nil {
					slog.Warn("dropping malformed broadcast event", "subject", msg.Subject, "error", err)
					continue
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()

	return out, cancel, nil
}

// Close drains the connection and stops the embedded server.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.conn != nil {
		err = b.conn.Drain()
		b.conn = nil
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
		b.server = nil
	}
	return err
}

func (b *NATSBroker) connection() *nats.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func (b *NATSBroker) subject(incidentID string) string {
	return b.config.SubjectPrefix + ".incidents." + subjectToken.Replace(incidentID)
}

// subjectToken keeps an incident id a single NATS subject token.
var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
