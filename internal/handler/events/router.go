// Package events consumes the kernel's own bus traffic and turns it
// into metrics and operator logs.
package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	otelkit "github.com/nodebooks/kernel/infra/otel"
	"github.com/nodebooks/kernel/internal/adapter/pubsub"
	"github.com/nodebooks/kernel/internal/domain/event"
)

const (
	// StatsPoisonTopic collects messages that exhausted their retries.
	StatsPoisonTopic = "kernel.stats.v1.poison"
)

type StatsHandler struct {
	logger  *slog.Logger
	metrics *otelkit.Metrics
}

func NewStatsHandler(logger *slog.Logger, metrics *otelkit.Metrics) *StatsHandler {
	return &StatsHandler{
		logger:  logger,
		metrics: metrics,
	}
}

// [REGISTRATION_PIPELINE]
func (h *StatsHandler) RegisterHandlers(router *message.Router, sub message.Subscriber, dispatcher pubsub.EventDispatcher) error {
	poison, err := middleware.PoisonQueue(dispatcher.Publisher(), StatsPoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_JOB_FINISHED", event.TopicJobFinishedV1, Bind(h, h.OnJobFinishedV1)},
		{"ON_SESSION_CLOSED", event.TopicSessionClosedV1, Bind(h, h.OnSessionClosedV1)},
		{"ON_WORKER_REPLACED", event.TopicWorkerReplacedV1, Bind(h, h.OnWorkerReplacedV1)},
	}

	for _, c := range configs {
		router.AddConsumerHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.Timeout(time.Second*5),
		)
	}

	h.logger.Info("STATS_PIPELINE_READY", "handlers", len(configs))
	return nil
}

func NewWatermillRouter(wmLogger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: time.Second * 10}, wmLogger)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(middleware.Recoverer)
	return router, nil
}

// [LOGGING_MIDDLEWARE]
// Structured logging with latency per consumed message.
func LoggingMiddleware(logger *slog.Logger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)

			logger.Debug("MESSAGE_HANDLED",
				"msg_id", msg.UUID,
				"duration_ms", time.Since(start).Milliseconds(),
				"success", err == nil,
			)
			return msgs, err
		}
	}
}

// [RETRY_MIDDLEWARE]
func NewRetryMiddleware() middleware.Retry {
	return middleware.Retry{
		MaxRetries:      3,
		InitialInterval: time.Millisecond * 100,
		MaxInterval:     time.Second * 2,
		Multiplier:      2.0,
	}
}
