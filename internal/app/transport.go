package app

import (
	"fmt"
	"strings"
	"time"

	"nudge/internal/config"
	"nudge/internal/transport"
	"nudge/internal/transport/amqp"
	"nudge/internal/transport/logsink"
	"nudge/internal/transport/webhook"
	logx "nudge/pkg/logx"
)

func openTransport(cfg *config.Config, log logx.Logger) (transport.Transport, error) {
	tc := cfg.Transport
	switch strings.ToLower(strings.TrimSpace(tc.Driver)) {
	case "", "log":
		return logsink.New(log), nil
	case "webhook":
		timeout, err := config.ParseDurationOrDefault("transport.webhook.timeout", tc.Webhook.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return webhook.New(webhook.Config{
			URL:        tc.Webhook.URL,
			Token:      tc.Webhook.Token,
			Timeout:    timeout,
			RatePerSec: tc.Webhook.RatePerSec,
			Burst:      tc.Webhook.Burst,
			Site:       cfg.Site,
		}, log)
	case "amqp":
		return amqp.New(amqp.Config{
			URL:        tc.AMQP.URL,
			Exchange:   tc.AMQP.Exchange,
			RoutingKey: tc.AMQP.RoutingKey,
			Site:       cfg.Site,
		}, log)
	default:
		return nil, fmt.Errorf("unknown transport.driver: %s", tc.Driver)
	}
}
