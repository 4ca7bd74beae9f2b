package notify

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sender delivers one intent. An error leaves the event pending.
type Sender interface {
	Send(ctx context.Context, intent Intent) error
}

// =============================================================================
// LOG SENDER - Default when no broker is configured
// =============================================================================

type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, intent Intent) error {
	s.log.Info().
		Str("kind", string(intent.Kind)).
		Int64("seq", intent.EventSeq).
		Str("user_id", string(intent.UserID)).
		Str("email", intent.UserEmail).
		Str("subject", intent.Subject).
		Msg(intent.Body)
	return nil
}

// =============================================================================
// AMQP SENDER - Publishes intents to a topic exchange
// =============================================================================

// AMQPSender publishes each intent as JSON with the event type as routing
// key, so consumers can bind to e.g. "reservation.*".
type AMQPSender struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// DialAMQP connects and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}
	return &AMQPSender{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *AMQPSender) Send(ctx context.Context, intent Intent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}

	// amqp channels are not safe for concurrent publishing.
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.ch.PublishWithContext(ctx, s.exchange, string(intent.EventType), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    intent.EventID,
		Type:         string(intent.Kind),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", intent.EventType, err)
	}
	return nil
}

func (s *AMQPSender) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	return s.conn.Close()
}
