package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func progress(percent float64) models.ProgressEvent {
	return models.ProgressEvent{
		SessionID:       "session-a",
		Status:          models.StatusRunning,
		ProgressPercent: percent,
		Timestamp:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBroker_DeliversToMatchingSubscribers(t *testing.T) {
	b := NewBroker(nil)
	ctx := context.Background()

	sessionCh, cancelSession, ok := b.Subscribe("session-a")
	require.True(t, ok)
	defer cancelSession()

	allCh, cancelAll, ok := b.Subscribe("")
	require.True(t, ok)
	defer cancelAll()

	otherCh, cancelOther, ok := b.Subscribe("session-b")
	require.True(t, ok)
	defer cancelOther()

	require.NoError(t, b.Emit(ctx, "session-a", progress(50)))

	assert.Equal(t, 50.0, (<-sessionCh).ProgressPercent)
	assert.Equal(t, 50.0, (<-allCh).ProgressPercent)
	assert.Empty(t, otherCh)
}

func TestBroker_LatestReplayedOnSubscribe(t *testing.T) {
	b := NewBroker(nil)
	require.NoError(t, b.Emit(context.Background(), "session-a", progress(25)))

	ch, cancel, ok := b.Subscribe("session-a")
	require.True(t, ok)
	defer cancel()

	assert.Equal(t, 25.0, (<-ch).ProgressPercent)

	latest, found := b.Latest("session-a")
	assert.True(t, found)
	assert.Equal(t, 25.0, latest.ProgressPercent)

	b.Forget("session-a")
	_, found = b.Latest("session-a")
	assert.False(t, found)
}

func TestBroker_SlowSubscriberKeepsNewest(t *testing.T) {
	b := NewBroker(nil, WithClientBufferSize(2))
	ch, cancel, ok := b.Subscribe("session-a")
	require.True(t, ok)
	defer cancel()

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Emit(context.Background(), "session-a", progress(float64(i*10))))
	}

	assert.Equal(t, 40.0, (<-ch).ProgressPercent)
	assert.Equal(t, 50.0, (<-ch).ProgressPercent)
}

func TestBroker_MaxClientsAndClose(t *testing.T) {
	b := NewBroker(nil, WithMaxClients(1))

	ch, cancel, ok := b.Subscribe("")
	require.True(t, ok)

	_, _, ok = b.Subscribe("")
	assert.False(t, ok)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.ClientCount())

	ch, _, ok = b.Subscribe("")
	require.True(t, ok)
	b.Close()
	_, open = <-ch
	assert.False(t, open)

	_, _, ok = b.Subscribe("")
	assert.False(t, ok)
	assert.NoError(t, b.Emit(context.Background(), "session-a", progress(10)))
}

func TestFanout(t *testing.T) {
	var got []float64
	ok := SinkFunc(func(_ context.Context, _ string, e models.ProgressEvent) error {
		got = append(got, e.ProgressPercent)
		return nil
	})
	failing := SinkFunc(func(context.Context, string, models.ProgressEvent) error {
		return errors.New("stream unavailable")
	})

	err := Fanout{ok, nil, failing, ok}.Emit(context.Background(), "session-a", progress(75))
	assert.ErrorContains(t, err, "stream unavailable")
	assert.Equal(t, []float64{75, 75}, got)

	assert.NoError(t, Discard.Emit(context.Background(), "session-a", progress(1)))
}

func TestRedisStreamSink(t *testing.T) {
	db, mock := redismock.NewClientMock()
	sink := NewRedisStreamSink(db, "", 1000)
	ctx := context.TODO()
	event := progress(60)

	args, err := sink.Args("session-a", event)
	require.NoError(t, err)
	assert.Equal(t, DefaultProgressStream, args.Stream)
	assert.True(t, args.Approx)

	mock.ExpectXAdd(args).SetVal("1700000000000-0")
	assert.NoError(t, sink.Emit(ctx, "session-a", event))

	mock.ExpectXAdd(args).SetErr(errors.New("NOGROUP"))
	err = sink.Emit(ctx, "session-a", event)
	assert.ErrorContains(t, err, "failed to publish progress")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
