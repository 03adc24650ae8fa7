// Package api exposes the task lifecycle to the chatbot over NATS
// request/reply.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/wa-scheduler/internal/credits"
	"github.com/t77yq/wa-scheduler/internal/model"
	"github.com/t77yq/wa-scheduler/internal/scheduler"
	"github.com/t77yq/wa-scheduler/internal/storage"
)

const (
	SubjectCreate       = "scheduler.tasks.create"
	SubjectUpdate       = "scheduler.tasks.update"
	SubjectDelete       = "scheduler.tasks.delete"
	SubjectGet          = "scheduler.tasks.get"
	SubjectList         = "scheduler.tasks.list"
	SubjectCancelAll    = "scheduler.tasks.cancel_all"
	SubjectUpsertUser   = "scheduler.users.upsert"
	SubjectTouchUser    = "scheduler.users.touch"
	SubjectResetCredits = "scheduler.credits.reset"

	queueGroup     = "wa-scheduler"
	requestTimeout = 30 * time.Second
)

// Error codes returned in Response.Code
const (
	CodeInvalid     = "invalid"
	CodeNotFound    = "not_found"
	CodeForbidden   = "forbidden"
	CodeLimit       = "limit_reached"
	CodeUnknownUser = "unknown_user"
	CodeInternal    = "internal"
)

// Response wraps every reply
type Response struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TaskService is the lifecycle API served over NATS
type TaskService interface {
	Create(ctx context.Context, in scheduler.CreateTaskInput) (*model.ScheduledTask, error)
	Update(ctx context.Context, taskID string, in scheduler.UpdateTaskInput) (*model.ScheduledTask, error)
	Delete(ctx context.Context, taskID, expectedUserID string) error
	Get(ctx context.Context, taskID string) (*model.ScheduledTask, error)
	List(ctx context.Context, userID string) ([]*model.ScheduledTask, error)
	CancelAllForUser(ctx context.Context, userID string) (int, error)
}

// UserWriter keeps the scheduler's copy of the account record current
type UserWriter interface {
	UpsertUser(ctx context.Context, user *model.User) error
	TouchLastMessage(ctx context.Context, id string, at time.Time) error
}

// CreditResetter starts a new credit cycle
type CreditResetter interface {
	ResetCycle(ctx context.Context, userID string) error
}

// TaskRef names a task, optionally with the user expected to own it
type TaskRef struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id,omitempty"`
}

// UpdateRequest is a partial update of one task
type UpdateRequest struct {
	TaskID string `json:"task_id"`
	scheduler.UpdateTaskInput
}

// UserRef names a user
type UserRef struct {
	UserID string `json:"user_id"`
}

// TouchRequest records an inbound message from a user
type TouchRequest struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

type handlerFunc func(ctx context.Context, data []byte) (interface{}, error)

// Server answers lifecycle requests
type Server struct {
	nc      *nats.Conn
	tasks   TaskService
	users   UserWriter
	credits CreditResetter
	logger  *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewServer creates an API server
func NewServer(nc *nats.Conn, tasks TaskService, users UserWriter, credits CreditResetter, logger *zap.Logger) *Server {
	return &Server{
		nc:      nc,
		tasks:   tasks,
		users:   users,
		credits: credits,
		logger:  logger.Named("api"),
	}
}

// Start subscribes every subject in a queue group so several scheduler
// processes share the load
func (s *Server) Start(ctx context.Context) error {
	handlers := map[string]handlerFunc{
		SubjectCreate:       s.create,
		SubjectUpdate:       s.update,
		SubjectDelete:       s.delete,
		SubjectGet:          s.get,
		SubjectList:         s.list,
		SubjectCancelAll:    s.cancelAll,
		SubjectUpsertUser:   s.upsertUser,
		SubjectTouchUser:    s.touchUser,
		SubjectResetCredits: s.resetCredits,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handler := range handlers {
		sub, err := s.nc.QueueSubscribe(subject, queueGroup, s.wrap(ctx, subject, handler))
		if err != nil {
			for _, sub := range s.subs {
				sub.Unsubscribe()
			}
			s.subs = nil
			return fmt.Errorf("failed to subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.nc.Flush(); err != nil {
		return err
	}

	s.logger.Info("API listening", zap.Int("subjects", len(handlers)))
	return nil
}

// Stop drains the subscriptions
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Warn("Failed to drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *Server) wrap(ctx context.Context, subject string, handler handlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		result, err := handler(reqCtx, msg.Data)
		resp := Response{OK: err == nil}
		if err != nil {
			resp.Code = errorCode(err)
			resp.Error = err.Error()
			if resp.Code == CodeInternal {
				s.logger.Error("Request failed", zap.String("subject", subject), zap.Error(err))
			}
		} else if result != nil {
			data, mErr := json.Marshal(result)
			if mErr != nil {
				resp = Response{Code: CodeInternal, Error: mErr.Error()}
			} else {
				resp.Data = data
			}
		}

		out, _ := json.Marshal(resp)
		if err := msg.Respond(out); err != nil {
			s.logger.Warn("Failed to respond", zap.String("subject", subject), zap.Error(err))
		}
	}
}

var errBadRequest = errors.New("malformed request")

func decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, scheduler.ErrInvalidInput),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, scheduler.ErrRunAtInPast):
		return CodeInvalid
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return CodeNotFound
	case errors.Is(err, scheduler.ErrNotOwner):
		return CodeForbidden
	case errors.Is(err, scheduler.ErrTaskLimit):
		return CodeLimit
	case errors.Is(err, scheduler.ErrUnknownUser),
		errors.Is(err, credits.ErrUnknownUser),
		errors.Is(err, storage.ErrNotFound):
		return CodeUnknownUser
	default:
		return CodeInternal
	}
}

func (s *Server) create(ctx context.Context, data []byte) (interface{}, error) {
	var in scheduler.CreateTaskInput
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return s.tasks.Create(ctx, in)
}

func (s *Server) update(ctx context.Context, data []byte) (interface{}, error) {
	var req UpdateRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return s.tasks.Update(ctx, req.TaskID, req.UpdateTaskInput)
}

func (s *Server) delete(ctx context.Context, data []byte) (interface{}, error) {
	var ref TaskRef
	if err := decode(data, &ref); err != nil {
		return nil, err
	}
	return nil, s.tasks.Delete(ctx, ref.TaskID, ref.UserID)
}

func (s *Server) get(ctx context.Context, data []byte) (interface{}, error) {
	var ref TaskRef
	if err := decode(data, &ref); err != nil {
		return nil, err
	}
	task, err := s.tasks.Get(ctx, ref.TaskID)
	if err != nil {
		return nil, err
	}
	if ref.UserID != "" && task.UserID != ref.UserID {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrNotOwner, ref.TaskID)
	}
	return task, nil
}

func (s *Server) list(ctx context.Context, data []byte) (interface{}, error) {
	var ref UserRef
	if err := decode(data, &ref); err != nil {
		return nil, err
	}
	tasks, err := s.tasks.List(ctx, ref.UserID)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*model.ScheduledTask{}
	}
	return tasks, nil
}

func (s *Server) cancelAll(ctx context.Context, data []byte) (interface{}, error) {
	var ref UserRef
	if err := decode(data, &ref); err != nil {
		return nil, err
	}
	n, err := s.tasks.CancelAllForUser(ctx, ref.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]int{"deleted": n}, nil
}

func (s *Server) upsertUser(ctx context.Context, data []byte) (interface{}, error) {
	var user model.User
	if err := decode(data, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: user id is required", errBadRequest)
	}
	return nil, s.users.UpsertUser(ctx, &user)
}

func (s *Server) touchUser(ctx context.Context, data []byte) (interface{}, error) {
	var req TouchRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.At.IsZero() {
		req.At = time.Now()
	}
	return nil, s.users.TouchLastMessage(ctx, req.UserID, req.At)
}

func (s *Server) resetCredits(ctx context.Context, data []byte) (interface{}, error) {
	var ref UserRef
	if err := decode(data, &ref); err != nil {
		return nil, err
	}
	return nil, s.credits.ResetCycle(ctx, ref.UserID)
}
