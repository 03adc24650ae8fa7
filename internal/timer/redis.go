package timer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Redis timer
type RedisOptions struct {
	Prefix       string
	PollInterval time.Duration
}

// Redis keeps timers in a sorted set scored by due time in unix milliseconds,
// with the dispatch key of each handle stored alongside. Any number of
// processes may poll the same set; a due handle is dispatched only by the
// process whose ZREM removed it.
type Redis struct {
	logger       *zap.Logger
	client       *redis.Client
	setKey       string
	handlePrefix string
	pollInterval time.Duration

	mu      sync.Mutex
	handler Handler
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewRedisFromURL connects to Redis and tests the connection
func NewRedisFromURL(logger *zap.Logger, redisURL string, opts RedisOptions) (*Redis, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedis(logger, client, opts), nil
}

// NewRedis creates a Redis timer on an existing client
func NewRedis(logger *zap.Logger, client *redis.Client, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "wa-scheduler:"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	return &Redis{
		logger:       logger.Named("timer"),
		client:       client,
		setKey:       opts.Prefix + "timers",
		handlePrefix: opts.Prefix + "timer:",
		pollInterval: opts.PollInterval,
	}
}

func (r *Redis) handleKey(handle string) string {
	return r.handlePrefix + handle
}

// Start launches the poll loop
func (r *Redis) Start(ctx context.Context, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}
	if r.cancel != nil {
		return errors.New("timer already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.handler = handler
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(loopCtx)

	r.logger.Info("Started Redis timer",
		zap.String("set", r.setKey),
		zap.Duration("poll_interval", r.pollInterval))
	return nil
}

func (r *Redis) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Failed to poll timers", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Schedule registers a wake-up at the given instant. Reusing a pending
// handle moves its due time.
func (r *Redis) Schedule(ctx context.Context, handle string, at time.Time, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.handleKey(handle), key, 0)
		pipe.ZAdd(ctx, r.setKey, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: handle,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule timer: %w", err)
	}

	r.logger.Debug("Scheduled timer",
		zap.String("handle", handle),
		zap.String("key", key),
		zap.Time("at", at))
	return nil
}

// Cancel removes a timer. Unknown or fired handles are ignored.
func (r *Redis) Cancel(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.setKey, handle)
		pipe.Del(ctx, r.handleKey(handle))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel timer: %w", err)
	}
	return nil
}

// Pending reports whether the handle is still in the scheduled set
func (r *Redis) Pending(ctx context.Context, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}

	err := r.client.ZScore(ctx, r.setKey, handle).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check timer: %w", err)
	}
	return true, nil
}

// Poll claims every due handle and dispatches it. It returns the number of
// handles this process dispatched.
func (r *Redis) Poll(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()

	handles, err := r.client.ZRangeByScore(ctx, r.setKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get due timers: %w", err)
	}

	dispatched := 0
	for _, handle := range handles {
		removed, err := r.client.ZRem(ctx, r.setKey, handle).Result()
		if err != nil {
			r.logger.Error("Failed to claim timer", zap.String("handle", handle), zap.Error(err))
			continue
		}
		if removed == 0 {
			// another poller or a cancel got there first
			continue
		}

		key, err := r.client.GetDel(ctx, r.handleKey(handle)).Result()
		if errors.Is(err, redis.Nil) {
			r.logger.Warn("Timer claimed but key not found", zap.String("handle", handle))
			continue
		}
		if err != nil {
			r.logger.Error("Failed to read timer key", zap.String("handle", handle), zap.Error(err))
			continue
		}

		r.dispatch(ctx, key, handle)
		dispatched++
	}

	return dispatched, nil
}

func (r *Redis) dispatch(ctx context.Context, key, handle string) {
	r.mu.Lock()
	handler := r.handler
	if handler == nil || r.stopped {
		r.mu.Unlock()
		r.logger.Warn("Timer due without a handler", zap.String("handle", handle), zap.String("key", key))
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		handler(ctx, key, handle)
	}()
}

// Stop ends the poll loop, waits for running handlers and closes the client
func (r *Redis) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis connection", zap.Error(err))
	}
	r.logger.Info("Stopped Redis timer")
}
