// Package queue consumes scan results from and publishes finding events to RabbitMQ.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// MessageProcessor handles one message body. A nil error acknowledges the
// message; an error returns it to the queue once, and drops it when it was
// already redelivered.
type MessageProcessor func(msg string) error

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// ListenWithRetry consumes qName on the broker at url until ctx is cancelled.
// Connection failures are retried with exponential backoff (1s to 30s) and a
// dropped connection is re-established. Each message is processed in its own
// goroutine and acknowledged after it was processed. On shutdown the
// listener stops consuming and waits for messages in flight.
func ListenWithRetry(ctx context.Context, url, qName string, messageProcessor MessageProcessor) {
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			slog.Info("Listener shutting down (context cancelled)", "queue", qName)
			return
		}

		err := listenOnce(ctx, url, qName, messageProcessor)
		if ctx.Err() != nil {
			slog.Info("Listener stopped", "queue", qName)
			return
		}

		if err != nil {
			slog.Warn("Listener error, retrying", "queue", qName, "error", err, "backoff", backoff)
		} else {
			slog.Info("Listener disconnected, reconnecting", "queue", qName)
			backoff = minBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// listenOnce consumes until the connection drops or ctx is cancelled. It
// returns nil when the delivery channel closes cleanly.
func listenOnce(ctx context.Context, url, qName string, messageProcessor MessageProcessor) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := declare(ch, qName)
	if err != nil {
		return err
	}

	var inFlight sync.WaitGroup
	defer inFlight.Wait()

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("register consumer on '%s': %w", qName, err)
	}

	slog.Info("Connected to queue", "queue", qName)
	connCloseCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-connCloseCh:
			if amqpErr != nil {
				return fmt.Errorf("connection closed: %s", amqpErr.Error())
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			inFlight.Add(1)
			go func(d amqp.Delivery) {
				defer inFlight.Done()
				settle(d, qName, messageProcessor)
			}(msg)
		}
	}
}

// settle processes d and acknowledges it, or rejects it when processing failed.
func settle(d amqp.Delivery, qName string, messageProcessor MessageProcessor) {
	if err := messageProcessor(string(d.Body)); err != nil {
		requeue := !d.Redelivered
		slog.Warn("Message processing failed", "queue", qName, "requeue", requeue, "error", err)
		if err := d.Nack(false, requeue); err != nil {
			slog.Error("Failed to reject message", "queue", qName, "error", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		slog.Error("Failed to acknowledge message", "queue", qName, "error", err)
	}
}

// declare declares a durable queue so scan results survive a broker restart.
func declare(ch *amqp.Channel, qName string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		qName, // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return q, fmt.Errorf("declare queue '%s': %w", qName, err)
	}
	return q, nil
}

// Send publishes a persistent JSON message to qName on the broker at url.
func Send(url, qName, message string) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := declare(ch, qName)
	if err != nil {
		return err
	}

	err = ch.Publish(
		"",     // exchange
		q.Name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         []byte(message),
		})
	if err != nil {
		return fmt.Errorf("publish to '%s': %w", qName, err)
	}

	slog.Debug("Sent message to queue", "queue", qName)
	return nil
}

// Publisher returns a function that sends each message to qName at url.
func Publisher(url, qName string) func(body string) error {
	return func(body string) error {
		return Send(url, qName, body)
	}
}
