// Package amqp publishes each due message to a RabbitMQ exchange for a
// downstream push worker.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"nudge/internal/message"
	"nudge/internal/transport"
	logx "nudge/pkg/logx"
)

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	Site       string
}

// Publisher keeps one connection and channel, redialing after either closes.
type Publisher struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "nudge.push"
	}
	p := &Publisher{cfg: cfg, log: log.With(logx.String("comp", "transport.amqp"))}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.dialLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) dialLocked() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if p.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("amqp exchange: %w", err)
		}
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() || p.ch == nil || p.ch.IsClosed() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		p.log.Info("amqp reconnecting")
		if err := p.dialLocked(); err != nil {
			return nil, err
		}
	}
	return p.ch, nil
}

func (p *Publisher) Name() string { return "amqp" }

func (p *Publisher) Deliver(ctx context.Context, m *message.Message) (transport.Receipt, error) {
	body, err := json.Marshal(transport.PayloadOf(m, p.cfg.Site))
	if err != nil {
		return transport.Receipt{}, err
	}
	ch, err := p.channel()
	if err != nil {
		return transport.Receipt{}, err
	}
	err = ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.ID,
		Timestamp:    time.Now(),
		Priority:     uint8(m.Priority),
		Body:         body,
	})
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("amqp publish: %w", err)
	}
	return transport.Receipt{Response: "published " + p.cfg.Exchange + "/" + p.cfg.RoutingKey}, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}
