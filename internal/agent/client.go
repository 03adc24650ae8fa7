// Package agent asks the conversational agent service for task results over
// NATS request/reply.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/model"
)

// DefaultSubject is the subject the agent service answers on
const DefaultSubject = "agent.turn"

// ErrAgent wraps errors reported by the agent service itself
var ErrAgent = errors.New("agent error")

// Reply is the agent service's answer
type Reply struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Client implements the scheduler's Agent
type Client struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates an agent client. An empty subject uses DefaultSubject.
func NewClient(nc *nats.Conn, subject string, timeout time.Duration, logger *zap.Logger) *Client {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		nc:      nc,
		subject: subject,
		timeout: timeout,
		logger:  logger.Named("agent"),
	}
}

// Run sends one agent turn and waits for its reply
func (c *Client) Run(ctx context.Context, req model.AgentRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return "", fmt.Errorf("agent request failed: %w", err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrAgent, reply.Error)
	}

	c.logger.Debug("Agent turn completed",
		zap.String("user_id", req.UserID),
		zap.String("source", req.Source),
		zap.Duration("duration", time.Since(start)))
	return reply.Text, nil
}
