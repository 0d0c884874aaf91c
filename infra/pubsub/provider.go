// Package pubsub owns the process-local event bus and the optional
// AMQP mirror for external consumers.
package pubsub

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

type Config struct {
	// AMQPURL enables mirroring bus events to RabbitMQ when set.
	AMQPURL string
	// Buffer is the per-subscriber channel depth of the local bus.
	Buffer int64
}

type Provider struct {
	channel *gochannel.GoChannel
	mirror  *wmamqp.Publisher
	logger  *slog.Logger
}

func NewProvider(cfg Config, wmLogger watermill.LoggerAdapter, logger *slog.Logger) (*Provider, error) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}

	p := &Provider{
		channel: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.Buffer,
		}, wmLogger),
		logger: logger,
	}

	if cfg.AMQPURL != "" {
		pub, err := wmamqp.NewPublisher(wmamqp.NewDurablePubSubConfig(cfg.AMQPURL, nil), wmLogger)
		if err != nil {
			return nil, fmt.Errorf("pubsub: amqp mirror: %w", err)
		}
		p.mirror = pub
	}

	return p, nil
}

// Publisher returns the bus write side. The local bus stays
// authoritative: with a mirror configured, mirror failures only log.
func (p *Provider) Publisher() message.Publisher {
	if p.mirror == nil {
		return p.channel
	}
	return &teePublisher{primary: p.channel, mirror: p.mirror, logger: p.logger}
}

func (p *Provider) Subscriber() message.Subscriber {
	return p.channel
}

func (p *Provider) Close() error {
	err := p.channel.Close()
	if p.mirror != nil {
		if merr := p.mirror.Close(); err == nil {
			err = merr
		}
	}
	return err
}

type teePublisher struct {
	primary message.Publisher
	mirror  message.Publisher
	logger  *slog.Logger
}

func (t *teePublisher) Publish(topic string, messages ...*message.Message) error {
	if err := t.primary.Publish(topic, messages...); err != nil {
		return err
	}

	// The mirror gets copies: the local bus may still be delivering the
	// originals.
	copies := make([]*message.Message, len(messages))
	for i, msg := range messages {
		copies[i] = msg.Copy()
	}
	if err := t.mirror.Publish(topic, copies...); err != nil {
		t.logger.Warn("amqp mirror publish failed", "topic", topic, "error", err)
	}
	return nil
}

// Close is a no-op: both ends belong to the Provider.
func (t *teePublisher) Close() error {
	return nil
}
