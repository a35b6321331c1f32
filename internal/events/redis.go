package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/redis/go-redis/v9"
)

const DefaultProgressStream = "stream:scrape_progress"

// RedisStreamSink mirrors progress events into a capped redis stream so that
// other processes can follow a session.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultProgressStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Args(sessionID string, event models.ProgressEvent) (*redis.XAddArgs, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: []any{
			"session_id", sessionID,
			"status", string(event.Status),
			"data", string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args, nil
}

func (s *RedisStreamSink) Emit(ctx context.Context, sessionID string, event models.ProgressEvent) error {
	args, err := s.Args(sessionID, event)
	if err != nil {
		return err
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}
