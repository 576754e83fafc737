package coordination

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/common/config"
	"github.com/fleetkit/agentfleet/internal/common/logger"
	v1 "github.com/fleetkit/agentfleet/pkg/api/v1"
)

// subjectPrefix namespaces coordination traffic on the shared NATS
// deployment the events bus also uses.
const subjectPrefix = "agentfleet.coordination"

// NATSMirror republishes every message a local Bus routes onto NATS
// subjects, so monitors running in another process (or another host) can
// observe the same traffic a subscribe_monitor() call would see in-process.
// It does not replace the in-process inboxes: the Coordination Bus's
// ordering and delivery guarantees are defined over the in-process Bus;
// the NATS mirror is a best-effort, at-most-once fan-out on top of it.
type NATSMirror struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSMirror connects to cfg.URL. An empty URL is a configuration error:
// callers should only construct a mirror when NATS-backed mirroring was
// explicitly requested.
func NewNATSMirror(cfg config.NATSConfig, log *logger.Logger) (*NATSMirror, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats: no URL configured")
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("coordination NATS mirror disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("coordination NATS mirror reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	return &NATSMirror{conn: conn, log: log.WithFields(zap.String("component", "coordination_nats_mirror"))}, nil
}

// Attach subscribes a monitor on bus and republishes everything it sees to
// NATS until stop is called.
func (m *NATSMirror) Attach(bus *Bus) (stop func(), err error) {
	receiver := bus.SubscribeMonitor()
	done := make(chan struct{})

	go func() {
		for {
			select {
			case msg, ok := <-receiver.C():
				if !ok {
					return
				}
				m.publish(msg)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		bus.UnsubscribeMonitor(receiver)
	}, nil
}

func (m *NATSMirror) publish(msg v1.CoordinationMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		m.log.Error("failed to marshal coordination message for NATS mirror", zap.Error(err))
		return
	}
	subject := subjectPrefix + "." + string(msg.Kind)
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.Error("failed to publish coordination message to NATS", zap.Error(err), zap.String("subject", subject))
	}
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() {
	m.conn.Close()
}
