package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published while a session runs.
const (
	EventSessionStarted  = "session_started"
	EventStageStarted    = "stage_started"
	EventStageCompleted  = "stage_completed"
	EventStageFailed     = "stage_failed"
	EventSessionFinished = "session_finished"
)

// Event is one progress notification for a session.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Stage     StageName `json:"stage,omitempty"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives session events.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

const (
	streamPrefix = "oxytec:session:"
	streamMaxLen = 500
)

// RedisEvents writes events to one Redis stream per session.
type RedisEvents struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// DialRedisEvents connects to Redis and returns an event sink.
func DialRedisEvents(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisEvents, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisEvents(rdb, logger), nil
}

// NewRedisEvents wraps an existing client.
func NewRedisEvents(rdb *redis.Client, logger *zap.Logger) *RedisEvents {
	return &RedisEvents{rdb: rdb, logger: logger}
}

// Publish appends ev to the session's stream.
func (r *RedisEvents) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := streamPrefix + ev.SessionID
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	r.logger.Debug("published event",
		zap.String("session", ev.SessionID),
		zap.String("type", ev.Type),
		zap.String("stage", string(ev.Stage)))
	return nil
}

// History returns up to limit events of a session, oldest first.
func (r *RedisEvents) History(ctx context.Context, sessionID string, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := r.rdb.XRangeN(ctx, streamPrefix+sessionID, "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("read events of %s: %w", sessionID, err)
	}
	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		data, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var ev Event
		if json.Unmarshal([]byte(data), &ev) == nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Close shuts down the Redis connection.
func (r *RedisEvents) Close() error {
	return r.rdb.Close()
}
