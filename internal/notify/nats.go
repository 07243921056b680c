package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix namespaces ledger change subjects.
const DefaultSubjectPrefix = "ledgersync.ledger"

// NATSBridge publishes ledger changes to NATS and feeds changes from every
// instance (including this one) into a local Hub.
type NATSBridge struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	prefix string
	hub    *Hub
}

// ConnectNATS dials url and subscribes to prefix.> on behalf of hub.
func ConnectNATS(url, prefix string, hub *Hub) (*NATSBridge, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	conn, err := nats.Connect(url,
		nats.Name("ledgersync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "component", "notify", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "component", "notify", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	b := &NATSBridge{conn: conn, prefix: prefix, hub: hub}
	sub, err := conn.Subscribe(prefix+".>", b.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s.>: %w", prefix, err)
	}
	b.sub = sub

	return b, nil
}

// Subject returns the NATS subject for a ledger key.
func (b *NATSBridge) Subject(key string) string {
	return fmt.Sprintf("%s.%s", b.prefix, key)
}

// Publish sends snap on the ledger's subject. Delivery to local subscribers
// happens when the message comes back through the bridge subscription.
func (b *NATSBridge) Publish(_ context.Context, key string, snap types.LedgerSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := b.conn.Publish(b.Subject(key), payload); err != nil {
		return fmt.Errorf("publish %s: %w", b.Subject(key), err)
	}
	return nil
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	key := strings.TrimPrefix(msg.Subject, b.prefix+".")
	var snap types.LedgerSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		slog.Warn("dropping malformed ledger notification",
			"component", "notify",
			"subject", msg.Subject,
			"error", err,
		)
		return
	}
	b.hub.Publish(context.Background(), key, snap)
}

// Close unsubscribes and drains the connection.
func (b *NATSBridge) Close() error {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	return b.conn.Drain()
}
