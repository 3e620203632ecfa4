package alerts

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors alerts onto a NATS subject so external
// consumers (recorders, pagers) can follow the stream without holding
// a WebSocket open. Delivery is best-effort with bounded retry.
type NATSPublisher struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject, maxRetries: 3}, nil
}

// Publish sends one alert, retrying with a short linear backoff.
func (p *NATSPublisher) Publish(a *Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	var lastErr error
	for i := 0; i <= p.maxRetries; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i*100) * time.Millisecond)
		}
		if err := p.conn.Publish(p.subject, data); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	log.Printf("[ERROR] NATS Publisher: giving up on alert %s after %d attempts: %v", a.ID, p.maxRetries+1, lastErr)
	return lastErr
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}
