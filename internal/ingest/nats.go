package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSource adapts a NATS connection to the MessageSource interface.
type NATSSource struct {
	nc *nats.Conn
}

// ConnectNATS establishes a NATS connection with reconnect behavior
// suitable for a long-lived hub process.
func ConnectNATS(url string) (*NATSSource, error) {
	nc, err := nats.Connect(url,
		nats.Name("orderhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSSource{nc: nc}, nil
}

// Subscribe subscribes to a subject pattern and adapts NATS messages to
// SourceMessage. The returned channel closes on context cancellation.
func (s *NATSSource) Subscribe(ctx context.Context, subject string) (<-chan SourceMessage, error) {
	natsCh := make(chan *nats.Msg, 256)
	sub, err := s.nc.ChanSubscribe(subject, natsCh)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	out := make(chan SourceMessage, 256)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case msg, ok := <-natsCh:
				if !ok {
					return
				}
				select {
				case out <- SourceMessage{Subject: msg.Subject, Data: msg.Data}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close drains and closes the NATS connection.
func (s *NATSSource) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
