package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"health-monitor/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	exchangeName = "health-monitor"
	routingKey   = "job"
	maxPriority  = 9
	prefetch     = 4
)

// RabbitMQ is a durable Queue. Delayed jobs sit in a TTL queue that
// dead-letters into the work queue when the per-message expiration lapses.
type RabbitMQ struct {
	registry

	conn       *amqp091.Connection
	pubMu      sync.Mutex
	pubChannel *amqp091.Channel
	conChannel *amqp091.Channel
	queue      string
	delayQueue string
	wg         sync.WaitGroup
}

func NewRabbitMQ(url, queueName string) (*RabbitMQ, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}

	con, err := conn.Channel()
	if err != nil {
		pub.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}

	q := &RabbitMQ{
		conn:       conn,
		pubChannel: pub,
		conChannel: con,
		queue:      queueName,
		delayQueue: queueName + ".delay",
	}

	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}

	return q, nil
}

func (q *RabbitMQ) declare() error {
	err := q.pubChannel.ExchangeDeclare(
		exchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s exchange: %w", exchangeName, err)
	}

	_, err = q.pubChannel.QueueDeclare(
		q.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp091.Table{
			"x-max-priority": int32(maxPriority),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s queue: %w", q.queue, err)
	}

	if err := q.pubChannel.QueueBind(q.queue, routingKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s queue: %w", q.queue, err)
	}

	_, err = q.pubChannel.QueueDeclare(
		q.delayQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp091.Table{
			"x-dead-letter-exchange":    exchangeName,
			"x-dead-letter-routing-key": routingKey,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s queue: %w", q.delayQueue, err)
	}

	return nil
}

func (q *RabbitMQ) Add(ctx context.Context, task string, payload interface{}, opts Options) error {
	job, err := newJob(task, payload, opts)
	if err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	priority := opts.Priority
	if priority > maxPriority {
		priority = maxPriority
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Priority:     priority,
		Timestamp:    job.QueuedAt,
		Type:         task,
		Body:         body,
	}

	exchange, key := exchangeName, routingKey
	if opts.Delay > 0 {
		// default exchange routes straight to the delay queue
		exchange, key = "", q.delayQueue
		msg.Expiration = strconv.FormatInt(opts.Delay.Milliseconds(), 10)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.pubChannel.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish %s job: %w", task, err)
	}
	return nil
}

func (q *RabbitMQ) Start(ctx context.Context) error {
	if err := q.conChannel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.conChannel.Consume(
		q.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Info("Job consumer started", logger.String("queue", q.queue))

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				q.handle(ctx, msg)
			}
		}
	}()

	return nil
}

func (q *RabbitMQ) handle(ctx context.Context, msg amqp091.Delivery) {
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error("Discarding malformed job", logger.Err(err))
		_ = msg.Nack(false, false)
		return
	}

	if err := q.dispatch(ctx, job); err != nil {
		logger.Error("Job failed",
			logger.String("task", job.Task),
			logger.Err(err),
		)
	}
	_ = msg.Ack(false)
}

func (q *RabbitMQ) Close() error {
	if q.conChannel != nil {
		q.conChannel.Close()
	}
	q.wg.Wait()
	if q.pubChannel != nil {
		q.pubChannel.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
	return nil
}
