// Package redisstream carries transport messages over Redis streams with
// consumer groups. Entries are acknowledged only after the handler succeeds,
// so delivery is at-least-once.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/transport"
)

const (
	DefaultStream = "motion:messages"
	DefaultGroup  = "motion-engine"
	DefaultBlock  = 2 * time.Second
	DefaultCount  = 64
	// DefaultMaxLen bounds the stream length, approximately.
	DefaultMaxLen = 100_000

	fieldTopic   = "topic"
	fieldPayload = "payload"
)

// Options configures a Stream. Zero fields take the defaults.
type Options struct {
	Stream   string
	Group    string
	Consumer string
	// Block is how long one read waits for entries. Negative disables
	// blocking.
	Block  time.Duration
	Count  int64
	MaxLen int64
}

// Stream publishes to and consumes from one Redis stream.
type Stream struct {
	rdb  redis.UniversalClient
	opts Options
	log  *zap.Logger
}

// New returns a Stream using rdb.
func New(rdb redis.UniversalClient, opts Options) *Stream {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Consumer == "" {
		opts.Consumer = "engine-1"
	}
	if opts.Block == 0 {
		opts.Block = DefaultBlock
	}
	if opts.Count <= 0 {
		opts.Count = DefaultCount
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultMaxLen
	}
	return &Stream{rdb: rdb, opts: opts, log: monitoring.L().Named("redisstream")}
}

// Publish appends one entry.
func (s *Stream) Publish(ctx context.Context, topic string, payload []byte) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.Stream,
		MaxLen: s.opts.MaxLen,
		Approx: true,
		Values: map[string]interface{}{fieldTopic: topic, fieldPayload: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.opts.Stream, err)
	}
	return nil
}

// EnsureGroup creates the consumer group, and the stream if needed.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.opts.Stream, s.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", s.opts.Group, err)
	}
	return nil
}

// Subscribe redelivers this consumer's pending entries, then reads new ones
// until ctx is done. Entries whose topic does not match filter are
// acknowledged and skipped.
func (s *Stream) Subscribe(ctx context.Context, filter string, h transport.Handler) error {
	if err := s.EnsureGroup(ctx); err != nil {
		return err
	}
	if _, err := s.Poll(ctx, "0", filter, h); err != nil && ctx.Err() == nil {
		return err
	}
	for ctx.Err() == nil {
		if _, err := s.Poll(ctx, ">", filter, h); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Warn("read failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

// Poll performs one group read starting at id (">" for new entries, "0" for
// this consumer's pending ones) and returns how many entries were acked.
func (s *Stream) Poll(ctx context.Context, id, filter string, h transport.Handler) (int, error) {
	args := &redis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Streams:  []string{s.opts.Stream, id},
		Count:    s.opts.Count,
		Block:    s.opts.Block,
	}
	if id != ">" {
		args.Block = -1
	}
	res, err := s.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("xreadgroup %s: %w", s.opts.Stream, err)
	}

	acked := 0
	for _, str := range res {
		for _, msg := range str.Messages {
			m, ok := decode(msg)
			if ok && transport.Match(filter, m.Topic) {
				if err := h(ctx, m); err != nil {
					s.log.Warn("handler failed, entry left pending",
						zap.String("id", msg.ID), zap.String("topic", m.Topic), zap.Error(err))
					continue
				}
			} else if !ok {
				s.log.Warn("dropping malformed entry", zap.String("id", msg.ID))
			}
			if err := s.rdb.XAck(ctx, s.opts.Stream, s.opts.Group, msg.ID).Err(); err != nil {
				return acked, fmt.Errorf("xack %s: %w", msg.ID, err)
			}
			acked++
		}
	}
	return acked, nil
}

func decode(msg redis.XMessage) (transport.Message, bool) {
	topic, ok := msg.Values[fieldTopic].(string)
	if !ok {
		return transport.Message{}, false
	}
	payload, ok := msg.Values[fieldPayload].(string)
	if !ok {
		return transport.Message{}, false
	}
	return transport.Message{Topic: topic, Payload: []byte(payload)}, true
}

// Pending returns the number of delivered but unacknowledged entries.
func (s *Stream) Pending(ctx context.Context) (int64, error) {
	p, err := s.rdb.XPending(ctx, s.opts.Stream, s.opts.Group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}
