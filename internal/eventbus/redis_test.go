package eventbus

import (
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mukhametgalin/predict-trading-system/backtester/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValuesRoundTrip(t *testing.T) {
	t.Parallel()
	in := types.Event{
		ID:        "run-1",
		Type:      EventBacktestCompleted,
		Timestamp: time.Date(2023, 1, 2, 15, 4, 5, 123, time.UTC),
		Data:      map[string]interface{}{"state": "COMPLETED", "total_return_pct": 1.5},
	}

	values, err := eventValues(in)
	require.NoError(t, err)

	out, err := parseEvent(redis.XMessage{ID: "1-0", Values: values})
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Type, out.Type)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Data, out.Data)
}

func TestParseEventMalformed(t *testing.T) {
	t.Parallel()

	_, err := parseEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"type": "x"}})
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	_, err = parseEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"id": 7, "type": "x"}})
	assert.True(t, errors.Is(err, ErrMalformedEvent), "non-string id")

	_, err = parseEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"id": "a", "type": "x", "data": "{"}})
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	ev, err := parseEvent(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"id": "a", "type": "x", "timestamp": "yesterday"}})
	require.NoError(t, err)
	assert.True(t, ev.Timestamp.IsZero())
	assert.Nil(t, ev.Data)
}

func TestNewRedisEventBusUnreachable(t *testing.T) {
	t.Parallel()
	_, err := NewRedisEventBus("127.0.0.1:1")
	assert.ErrorContains(t, err, "failed to connect to Redis")
}
