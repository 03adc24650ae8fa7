// Package delivery hands outbound WhatsApp messages to the sender service
// through a JetStream stream.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
)

const (
	StreamName      = "OUTBOUND"
	SubjectLive     = "outbound.live"
	SubjectTemplate = "outbound.template"

	streamMaxAge     = 24 * time.Hour
	duplicateWindow  = 10 * time.Minute
	operationTimeout = 30 * time.Second
)

// ErrUnknownRecipient is returned when sending to a user that does not exist
var ErrUnknownRecipient = errors.New("unknown recipient")

// Message is the payload published to the outbound stream
type Message struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	Phone     string             `json:"phone"`
	Mode      model.DeliveryMode `json:"mode"`
	Template  string             `json:"template,omitempty"`
	Text      string             `json:"text"`
	Timestamp time.Time          `json:"timestamp"`
}

// UserLookup returns nil, nil for unknown users
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Config controls the publisher
type Config struct {
	// SessionWindow is how long after the user's last inbound message free-form
	// messages are allowed
	SessionWindow time.Duration
	// MaxFailures trips the breaker after this many consecutive publish failures
	MaxFailures  uint32
	BreakerReset time.Duration
}

// Publisher implements the scheduler's Delivery on top of JetStream
type Publisher struct {
	js      nats.JetStreamContext
	users   UserLookup
	config  Config
	breaker *gobreaker.CircuitBreaker[*nats.PubAck]
	logger  *zap.Logger
	now     func() time.Time
}

// NewPublisher creates a publisher and makes sure the outbound stream exists
func NewPublisher(js nats.JetStreamContext, users UserLookup, config Config, logger *zap.Logger) (*Publisher, error) {
	if config.SessionWindow <= 0 {
		config.SessionWindow = 24 * time.Hour
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = 30 * time.Second
	}

	logger = logger.Named("delivery")
	p := &Publisher{
		js:     js,
		users:  users,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	p.breaker = gobreaker.NewCircuitBreaker[*nats.PubAck](gobreaker.Settings{
		Name:        "outbound-publisher",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     config.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := p.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) setupStream(ctx context.Context) error {
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"outbound.*"},
		Storage:    nats.FileStorage,
		MaxAge:     streamMaxAge,
		Duplicates: duplicateWindow,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			p.logger.Info("Stream already exists", zap.String("stream", StreamName))
			return nil
		}
		return err
	}

	p.logger.Info("Stream created successfully", zap.String("stream", StreamName))
	return nil
}

// IsSessionOpen reports whether the user messaged within the session window
func (p *Publisher) IsSessionOpen(ctx context.Context, userID string) (bool, error) {
	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if user == nil || user.LastMessageAt == nil {
		return false, nil
	}
	return p.now().Sub(*user.LastMessageAt) < p.config.SessionWindow, nil
}

// SendLive publishes a free-form message. Sends that repeat msgID within the
// stream's duplicate window are dropped; an empty msgID gets a fresh one.
func (p *Publisher) SendLive(ctx context.Context, msgID, userID, text string) error {
	return p.send(ctx, SubjectLive, msgID, userID, model.DeliveryModeLive, "", text)
}

// SendTemplated publishes a pre-approved template message, de-duplicated on
// msgID like SendLive
func (p *Publisher) SendTemplated(ctx context.Context, msgID, userID, template, text string) error {
	return p.send(ctx, SubjectTemplate, msgID, userID, model.DeliveryModeTemplate, template, text)
}

func (p *Publisher) send(ctx context.Context, subject, msgID, userID string, mode model.DeliveryMode, template, text string) error {
	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, userID)
	}

	if msgID == "" {
		msgID = uuid.New().String()
	}
	msg := Message{
		ID:        msgID,
		UserID:    user.ID,
		Phone:     user.Phone,
		Mode:      mode,
		Template:  template,
		Text:      text,
		Timestamp: p.now().UTC(),
	}
	return p.Publish(ctx, subject, msg)
}

// Publish writes msg to subject. The message id doubles as the JetStream
// de-duplication id.
func (p *Publisher) Publish(ctx context.Context, subject string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = p.breaker.Execute(func() (*nats.PubAck, error) {
		return p.js.Publish(subject, data, nats.MsgId(msg.ID), nats.Context(ctx))
	})
	if err != nil {
		p.logger.Error("Failed to publish message",
			zap.String("message_id", msg.ID),
			zap.String("subject", subject),
			zap.Error(err))
		return err
	}

	p.logger.Debug("Message published",
		zap.String("message_id", msg.ID),
		zap.String("subject", subject))
	return nil
}

// Subscribe consumes outbound messages. It is how the sender service reads
// the stream; the subscription ends with ctx.
func (p *Publisher) Subscribe(ctx context.Context, handler func(Message)) error {
	sub, err := p.js.Subscribe("outbound.*", func(msg *nats.Msg) {
		var message Message
		if err := json.Unmarshal(msg.Data, &message); err != nil {
			p.logger.Error("Failed to unmarshal message", zap.Error(err))
			msg.Term()
			return
		}

		handler(message)
		msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}
