package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/rs/zerolog/log"
)

// Lifecycle event types published for backtest runs
const (
	EventBacktestStarted   = "backtest_started"
	EventBacktestCompleted = "backtest_completed"
	EventBacktestFailed    = "backtest_failed"
)

var ErrMalformedEvent = errors.New("malformed event")

type RedisEventBus struct {
	client *redis.Client
}

// NewRedisEventBus connects to the redis server at addr (host:port)
func NewRedisEventBus(addr string) (*RedisEventBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", addr).Msg("Connected to Redis")

	return &RedisEventBus{client: client}, nil
}

// Subscribe reads new messages from streams until ctx is done
func (b *RedisEventBus) Subscribe(ctx context.Context, streams []string, handler func(types.Event) error) error {
	log.Info().Strs("streams", streams).Msg("Subscribing to streams")

	args := &redis.XReadArgs{
		Streams: append(append([]string{}, streams...), make([]string, len(streams))...),
		Block:   0,
		Count:   10,
	}

	// "$" only delivers entries added after the first read
	for i := range streams {
		args.Streams[len(streams)+i] = "$"
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := b.client.XRead(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to read from stream")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range result {
			for _, message := range stream.Messages {
				for i, s := range streams {
					if s == stream.Stream {
						args.Streams[len(streams)+i] = message.ID
					}
				}

				event, err := parseEvent(message)
				if err != nil {
					log.Error().Err(err).Str("stream", stream.Stream).Str("message_id", message.ID).Msg("Failed to parse event")
					continue
				}

				if err := handler(event); err != nil {
					log.Error().Err(err).Str("event_type", event.Type).Msg("Failed to handle event")
				}
			}
		}
	}
}

func (b *RedisEventBus) Publish(ctx context.Context, stream string, event types.Event) error {
	values, err := eventValues(event)
	if err != nil {
		return err
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("stream", stream).
		Str("type", event.Type).
		Msg("Published event")

	return nil
}

func eventValues(event types.Event) (map[string]interface{}, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	return map[string]interface{}{
		"id":        event.ID,
		"type":      event.Type,
		"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		"data":      string(data),
	}, nil
}

func parseEvent(msg redis.XMessage) (types.Event, error) {
	id, _ := msg.Values["id"].(string)
	typ, _ := msg.Values["type"].(string)
	if id == "" || typ == "" {
		return types.Event{}, fmt.Errorf("%w: message %s has no id or type", ErrMalformedEvent, msg.ID)
	}

	event := types.Event{ID: id, Type: typ}

	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}

	if dataStr, ok := msg.Values["data"].(string); ok && dataStr != "" {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
			return event, fmt.Errorf("%w: bad data payload: %v", ErrMalformedEvent, err)
		}
		event.Data = data
	}

	return event, nil
}

func (b *RedisEventBus) Close() error {
	return b.client.Close()
}
