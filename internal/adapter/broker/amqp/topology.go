// Package amqp is the RabbitMQ adapter: class task queues on the direct
// exchange "tasks" and run events on the topic exchange "runs".
package amqp

import (
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"athena/internal/domain"
)

// TaskQueues are the durable class queues, each bound to the tasks exchange
// under its own name.
var TaskQueues = []domain.QueueClass{domain.QueuePublic, domain.QueueSensitive, domain.QueueGateway}

// declarer is the subset of *amqp091.Channel used to declare topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
}

// DeclareRunsExchange declares the topic exchange for run events. Repeated
// declarations with the same arguments are no-ops on the server.
func DeclareRunsExchange(ch declarer) error {
	if err := ch.ExchangeDeclare(domain.RunsExchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", domain.RunsExchange, err)
	}
	return nil
}

// DeclareTopology declares both exchanges and the durable class queues.
func DeclareTopology(ch declarer) error {
	if err := ch.ExchangeDeclare(domain.TasksExchange, amqp091.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", domain.TasksExchange, err)
	}
	if err := DeclareRunsExchange(ch); err != nil {
		return err
	}
	for _, q := range TaskQueues {
		if _, err := ch.QueueDeclare(string(q), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(string(q), string(q), domain.TasksExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	return nil
}
