package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes to durable RabbitMQ queues named after the topic.
type AMQPQueue struct {
	conn       *amqp.Connection
	pubMu      sync.Mutex
	pubCh      *amqp.Channel
	MaxRetries int
	Prefetch   int
	Logger     *zap.SugaredLogger
}

func DialAMQP(url string, maxRetries int, log *zap.SugaredLogger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &AMQPQueue{conn: conn, pubCh: ch, MaxRetries: maxRetries, Prefetch: 10, Logger: log}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	return q.publish(topic, payload, 0)
}

func (q *AMQPQueue) publish(topic string, payload any, retries int32) error {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	default:
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := declare(q.pubCh, topic); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	return q.pubCh.Publish(
		"",
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{retryHeader: retries},
			Body:         body,
		},
	)
}

// Subscribe consumes with manual ack. The handler receives the raw JSON body.
// A failed delivery is republished with an incremented retry header until
// MaxRetries, then dropped.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(q.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	go func() {
		for d := range msgs {
			if err := handler(d.Body); err != nil {
				retries := retryCount(d.Headers)
				if int(retries) < q.MaxRetries {
					if pubErr := q.publish(topic, d.Body, retries+1); pubErr != nil {
						q.Logger.Errorw("requeue failed", "topic", topic, "error", pubErr)
						d.Nack(false, true)
						continue
					}
					q.Logger.Warnw("delivery failed, requeued", "topic", topic, "retry", retries+1, "error", err)
				} else {
					q.Logger.Errorw("delivery permanently failed", "topic", topic, "retries", retries, "error", err)
				}
			}
			d.Ack(false)
		}
		q.Logger.Infow("consumer stopped", "topic", topic)
	}()
	return nil
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	q.pubCh.Close()
	return q.conn.Close()
}

var (
	_ Queue = (*AMQPQueue)(nil)
	_ Queue = (*InMemoryQueue)(nil)
)
