package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPNotifier publishes events to a durable topic exchange. Routing keys
// are the topic names, so realtime gateways bind per-conversation queues
// with "conversation.<id>" and firehose consumers with "inbox".
type AMQPNotifier struct {
	conn     *amqp091.Connection
	exchange string
	logger   *zap.Logger
}

type AMQPOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	RetryDelay    time.Duration
}

const maxDialDelay = 60 * time.Second

func NewAMQPNotifier(ctx context.Context, opts AMQPOptions, logger *zap.Logger) (*AMQPNotifier, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	conn, err := dialWithRetry(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(
		opts.Exchange, "topic", true, false, false, false, nil,
	); err != nil {
		conn.Close()
		return nil, err
	}

	return &AMQPNotifier{
		conn:     conn,
		exchange: opts.Exchange,
		logger:   logger,
	}, nil
}

// dialWithRetry connects with exponential backoff, respecting context
// cancellation for graceful shutdown.
func dialWithRetry(ctx context.Context, opts AMQPOptions, logger *zap.Logger) (*amqp091.Connection, error) {
	var lastErr error

	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info("amqp connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.RetryDelay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}

		logger.Warn("amqp dial failed",
			zap.Int("attempt", i),
			zap.Duration("sleep", sleep),
			zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to AMQP broker after %d attempts: %w",
		opts.RetryAttempts, lastErr)
}

func (n *AMQPNotifier) Publish(ctx context.Context, topic string, event Event) error {
	ch, err := n.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx, n.exchange, topic, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Type:         event.Name,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (n *AMQPNotifier) Close() error {
	return n.conn.Close()
}
