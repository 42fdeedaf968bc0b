// Package events publishes check lifecycle events to RabbitMQ so that other
// systems can react to finished checks without polling.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/logging"
	"github.com/akikaku/akikaku-engine/pkg/models"
)

// RoutingKeyCheckCompleted is the routing key of the event emitted when a check
// reaches a terminal status.
const RoutingKeyCheckCompleted = "check.completed"

const publishTimeout = 5 * time.Second

// CheckCompleted is the JSON body of a check.completed event.
type CheckCompleted struct {
	Type         string                 `json:"type"`
	CheckID      string                 `json:"check_id"`
	SubmittedURL string                 `json:"submitted_url"`
	Status       models.CheckStatus     `json:"status"`
	Outcome      *models.VacancyOutcome `json:"vacancy_outcome,omitempty"`
	Channel      models.Channel         `json:"channel,omitempty"`
	CompanyID    string                 `json:"company_id,omitempty"`
	CompanyName  string                 `json:"company_name,omitempty"`
	PropertyName string                 `json:"property_name,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// NewCheckCompleted builds the event for a finished check.
func NewCheckCompleted(req *models.CheckRequest) CheckCompleted {
	return CheckCompleted{
		Type:         RoutingKeyCheckCompleted,
		CheckID:      req.ID.String(),
		SubmittedURL: req.SubmittedURL,
		Status:       req.Status,
		Outcome:      req.Outcome,
		Channel:      req.Channel,
		CompanyID:    req.CompanyID,
		CompanyName:  req.CompanyName,
		PropertyName: req.Name,
		ErrorMessage: req.ErrorMessage,
		CompletedAt:  req.CompletedAt,
	}
}

// Publisher emits check events. Publishing is best effort: failures are logged.
type Publisher interface {
	CheckCompleted(ctx context.Context, req *models.CheckRequest)
	Close() error
}

// NewPublisher connects to RabbitMQ and declares the events exchange. An
// empty URL yields a publisher that drops every event.
func NewPublisher(cfg config.AMQPConfig, logger *zap.Logger) (Publisher, error) {
	if cfg.URL == "" {
		return noopPublisher{}, nil
	}
	return newAMQPPublisher(cfg.Exchange, dialAMQP(cfg.URL), logger)
}

// ============================================================================
// AMQP
// ============================================================================

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialer opens a connection and returns a channel with the exchange declared.
type dialer func(exchange string) (amqpChannel, func() error, error)

func dialAMQP(url string) dialer {
	return func(exchange string) (amqpChannel, func() error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to open channel: %w", err)
		}
		err = ch.ExchangeDeclare(
			exchange,
			amqp.ExchangeTopic,
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
		return ch, conn.Close, nil
	}
}

type amqpPublisher struct {
	exchange string
	dial     dialer
	logger   *zap.Logger

	// An AMQP channel must not be used by two goroutines at once.
	mu        sync.Mutex
	ch        amqpChannel
	closeConn func() error
	closed    bool
}

func newAMQPPublisher(exchange string, dial dialer, logger *zap.Logger) (*amqpPublisher, error) {
	ch, closeConn, err := dial(exchange)
	if err != nil {
		return nil, err
	}
	p := &amqpPublisher{
		exchange:  exchange,
		dial:      dial,
		logger:    logger.Named("events"),
		ch:        ch,
		closeConn: closeConn,
	}
	p.logger.Info("Event publisher connected", zap.String("exchange", exchange))
	return p, nil
}

var _ Publisher = (*amqpPublisher)(nil)

func (p *amqpPublisher) CheckCompleted(ctx context.Context, req *models.CheckRequest) {
	body, err := json.Marshal(NewCheckCompleted(req))
	if err != nil {
		p.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.ID.String(),
		Timestamp:    time.Now(),
		Type:         RoutingKeyCheckCompleted,
		Body:         body,
	}

	if err := p.publish(ctx, RoutingKeyCheckCompleted, msg); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("check_id", req.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
		return
	}
	p.logger.Debug("Event published",
		zap.String("check_id", req.ID.String()),
		zap.String("routing_key", RoutingKeyCheckCompleted))
}

// publish sends msg, reconnecting once when the broker has closed the
// channel underneath us.
func (p *amqpPublisher) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("publisher closed")
	}
	if p.ch == nil {
		if err := p.reconnectLocked(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	if !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	if rerr := p.reconnectLocked(); rerr != nil {
		return fmt.Errorf("%w (reconnect: %v)", err, rerr)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
}

func (p *amqpPublisher) reconnectLocked() error {
	p.shutdownLocked()
	ch, closeConn, err := p.dial(p.exchange)
	if err != nil {
		return err
	}
	p.ch, p.closeConn = ch, closeConn
	p.logger.Info("Event publisher reconnected")
	return nil
}

func (p *amqpPublisher) shutdownLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.closeConn != nil {
		_ = p.closeConn()
		p.closeConn = nil
	}
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.shutdownLocked()
	return nil
}

// ============================================================================
// Noop
// ============================================================================

type noopPublisher struct{}

func (noopPublisher) CheckCompleted(context.Context, *models.CheckRequest) {}
func (noopPublisher) Close() error                                        { return nil }
