package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/redis/go-redis/v9"
)

// HandlerFunc receives one decoded progress event from the stream.
type HandlerFunc func(ctx context.Context, sessionID string, event models.ProgressEvent) error

// StreamReader follows the progress stream written by RedisStreamSink through a
// consumer group. Messages are acknowledged only after the handler succeeded.
type StreamReader struct {
	client   redis.Cmdable
	stream   string
	group    string
	consumer string
	block    time.Duration
	count    int64
	logger   *slog.Logger
}

type ReaderConfig struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64
}

func NewStreamReader(client redis.Cmdable, cfg ReaderConfig, logger *slog.Logger) *StreamReader {
	if cfg.Stream == "" {
		cfg.Stream = DefaultProgressStream
	}
	if cfg.Group == "" {
		cfg.Group = "progress-consumer-group"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamReader{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		block:    cfg.Block,
		count:    cfg.Count,
		logger:   logger.With("component", "progress_reader"),
	}
}

// EnsureGroup creates the consumer group, tolerating one that already exists.
func (r *StreamReader) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Run reads until ctx is cancelled.
func (r *StreamReader) Run(ctx context.Context, handle HandlerFunc) error {
	if err := r.EnsureGroup(ctx); err != nil {
		return err
	}

	r.logger.Info("following progress stream", "stream", r.stream, "group", r.group)

	for {
		if _, err := r.ReadOnce(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// ReadOnce performs a single blocking read and returns the number of messages
// handled and acknowledged.
func (r *StreamReader) ReadOnce(ctx context.Context, handle HandlerFunc) (int, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, ">"},
		Count:    r.count,
		Block:    r.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read progress stream: %w", err)
	}

	handled := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			sessionID, event, err := DecodeMessage(message)
			if err != nil {
				// Undecodable entries would be redelivered forever.
				r.logger.Warn("dropping malformed progress message", "id", message.ID, "error", err)
				r.ack(ctx, message.ID)
				continue
			}
			if err := handle(ctx, sessionID, event); err != nil {
				r.logger.Error("failed to handle progress event", "id", message.ID, "session_id", sessionID, "error", err)
				continue
			}
			r.ack(ctx, message.ID)
			handled++
		}
	}
	return handled, nil
}

func (r *StreamReader) ack(ctx context.Context, id string) {
	if err := r.client.XAck(context.WithoutCancel(ctx), r.stream, r.group, id).Err(); err != nil {
		r.logger.Error("failed to acknowledge message", "id", id, "error", err)
	}
}

// DecodeMessage reverses RedisStreamSink.Args.
func DecodeMessage(msg redis.XMessage) (string, models.ProgressEvent, error) {
	var event models.ProgressEvent

	data, ok := msg.Values["data"].(string)
	if !ok {
		return "", event, fmt.Errorf("missing data in message %s", msg.ID)
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", event, fmt.Errorf("failed to parse progress event: %w", err)
	}

	sessionID, _ := msg.Values["session_id"].(string)
	if sessionID == "" {
		sessionID = event.SessionID
	}
	if sessionID == "" {
		return "", event, fmt.Errorf("missing session id in message %s", msg.ID)
	}
	return sessionID, event, nil
}
