package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.report/internal/calibration"
	"github.com/banshee-data/motion.report/internal/transport"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestPublishAndPoll(t *testing.T) {
	t.Parallel()

	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	s := New(rdb, Options{Block: -1})
	require.NoError(t, s.EnsureGroup(ctx))
	require.NoError(t, s.EnsureGroup(ctx))

	require.NoError(t, s.Publish(ctx, transport.ReadingsTopic("thigh"), []byte(`[1]`)))
	require.NoError(t, s.Publish(ctx, transport.ResultsTopic("s1"), []byte(`{}`)))

	var got []transport.Message
	n, err := s.Poll(ctx, ">", transport.ReadingsFilter, func(_ context.Context, m transport.Message) error {
		got = append(got, m)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, got, 1)
	assert.Equal(t, "motion/sensors/thigh/readings", got[0].Topic)
	assert.Equal(t, []byte(`[1]`), got[0].Payload)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestFailedEntriesStayPendingAndAreRedelivered(t *testing.T) {
	t.Parallel()

	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	s := New(rdb, Options{Block: -1})
	require.NoError(t, s.EnsureGroup(ctx))
	require.NoError(t, s.Publish(ctx, transport.ReadingsTopic("thigh"), []byte(`[]`)))

	n, err := s.Poll(ctx, ">", "#", func(context.Context, transport.Message) error {
		return errors.New("store unavailable")
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	var redelivered int
	n, err = s.Poll(ctx, "0", "#", func(context.Context, transport.Message) error {
		redelivered++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, redelivered)

	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	t.Parallel()

	_, rdb := setupTestRedis(t)
	s := New(rdb, Options{Block: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan transport.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Subscribe(ctx, transport.ReadingsFilter, func(_ context.Context, m transport.Message) error {
			got <- m
			return nil
		})
	}()

	require.NoError(t, s.Publish(context.Background(), transport.ReadingsTopic("insole"), []byte(`[]`)))
	select {
	case m := <-got:
		assert.Equal(t, transport.ReadingsTopic("insole"), m.Topic)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestCalibrationMirror(t *testing.T) {
	t.Parallel()

	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	m := NewCalibrationMirror(rdb, "")
	entry := calibration.HistoryEntry{
		SensorID: "thigh",
		Action:   calibration.ActionCalibrate,
		Params:   calibration.DefaultParams(),
		Quality:  0.9,
		Accepted: true,
		At:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.RecordCalibration(ctx, entry))

	msgs, err := rdb.XRange(ctx, DefaultCalibrationStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "thigh", msgs[0].Values["sensor_id"])

	var got calibration.HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["entry"].(string)), &got))
	assert.Equal(t, entry, got)
}
