package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orgchat/internal/domain"
	"orgchat/internal/metrics"
)

const envelopeField = "envelope"

type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupDestroy(ctx context.Context, stream, group string) *redis.IntCmd
}

// RedisStreamOptions: InstanceID nombra el grupo de consumidores y debe ser
// estable entre reinicios para recuperar los pendientes. Con un id efimero
// (p. ej. hostname asignado por el orquestador) conviene DestroyGroupOnClose.
type RedisStreamOptions struct {
	Stream              string
	InstanceID          string
	MaxLen              int64
	Block               time.Duration
	Batch               int64
	DestroyGroupOnClose bool
}

// RedisStreamBridge publica en un stream de Redis y consume con un grupo por
// instancia: cada instancia recibe todos los sobres.
type RedisStreamBridge struct {
	client  streamClient
	opts    RedisStreamOptions
	group   string
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	closed  atomic.Bool

	// newBackOff se reemplaza en tests.
	newBackOff func() backoff.BackOff
}

func NewRedisStreamBridge(client *redis.Client, opts RedisStreamOptions, logger *zap.Logger, m *metrics.Metrics) *RedisStreamBridge {
	return newRedisStreamBridge(client, opts, logger, m, clock.New())
}

func newRedisStreamBridge(client streamClient, opts RedisStreamOptions, logger *zap.Logger, m *metrics.Metrics, clk clock.Clock) *RedisStreamBridge {
	if opts.Stream == "" {
		opts.Stream = "chat:events"
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "local"
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 10000
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStreamBridge{
		client:  client,
		opts:    opts,
		group:   "fanout:" + opts.InstanceID,
		logger:  logger,
		metrics: m,
		clock:   clk,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 3 * time.Second
			return b
		},
	}
}

func (b *RedisStreamBridge) Publish(ctx context.Context, env domain.Envelope) error {
	if b.closed.Load() {
		return domain.Transient(ErrClosed)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: b.opts.Stream,
		MaxLen: b.opts.MaxLen,
		Approx: true,
		Values: map[string]interface{}{envelopeField: string(data)},
	}
	op := func() error {
		return b.client.XAdd(ctx, args).Err()
	}
	if err := backoff.Retry(op, backoff.WithContext(b.newBackOff(), ctx)); err != nil {
		b.metrics.PublishFailed()
		return domain.Transient(fmt.Errorf("publish %s: %w", env.Kind, err))
	}
	return nil
}

func (b *RedisStreamBridge) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.opts.Stream, b.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", b.group, err)
	}
	return nil
}

// Consume primero drena los pendientes propios (id "0") y luego lee nuevos (">").
// Tras un fallo del handler vuelve a "0" para reintentar lo no confirmado.
func (b *RedisStreamBridge) Consume(ctx context.Context, handle Handler) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0

	cursor := "0"
	for {
		if ctx.Err() != nil || b.closed.Load() {
			return nil
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.opts.InstanceID,
			Streams:  []string{b.opts.Stream, cursor},
			Count:    b.opts.Batch,
			Block:    b.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("broker read failed", zap.Error(err))
			sleepCtx(ctx, b.clock, retry.NextBackOff())
			continue
		}

		seen, failed := b.process(ctx, streams, handle)
		if failed {
			cursor = "0"
			sleepCtx(ctx, b.clock, retry.NextBackOff())
			continue
		}
		retry.Reset()
		if cursor == "0" && seen == 0 {
			cursor = ">"
		}
	}
}

func (b *RedisStreamBridge) process(ctx context.Context, streams []redis.XStream, handle Handler) (int, bool) {
	seen := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			seen++
			env, err := decodeEnvelope(msg)
			if err != nil {
				b.logger.Error("dropping undecodable envelope", zap.String("stream_id", msg.ID), zap.Error(err))
				b.ack(ctx, msg.ID)
				continue
			}
			if err := handle(ctx, env); err != nil {
				b.logger.Warn("envelope handler failed",
					zap.String("envelope_id", env.ID),
					zap.String("kind", string(env.Kind)),
					zap.Error(err),
				)
				return seen, true
			}
			b.metrics.Consumed(string(env.Kind))
			b.ack(ctx, msg.ID)
		}
	}
	return seen, false
}

func (b *RedisStreamBridge) ack(ctx context.Context, id string) {
	if err := b.client.XAck(ctx, b.opts.Stream, b.group, id).Err(); err != nil {
		b.logger.Warn("broker ack failed", zap.String("stream_id", id), zap.Error(err))
	}
}

func decodeEnvelope(msg redis.XMessage) (domain.Envelope, error) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		return domain.Envelope{}, fmt.Errorf("missing %q field", envelopeField)
	}
	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return domain.Envelope{}, err
	}
	if env.ID == "" || env.Kind == "" {
		return domain.Envelope{}, errors.New("envelope without id or kind")
	}
	return env, nil
}

// Close detiene Publish y el bucle de Consume; el cliente Redis lo cierra quien lo creo.
// Con DestroyGroupOnClose tambien borra el grupo y su lista de pendientes.
func (b *RedisStreamBridge) Close() error {
	if b.closed.Swap(true) || !b.opts.DestroyGroupOnClose {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.XGroupDestroy(ctx, b.opts.Stream, b.group).Err(); err != nil {
		return fmt.Errorf("destroy consumer group %s: %w", b.group, err)
	}
	b.logger.Info("consumer group destroyed", zap.String("group", b.group))
	return nil
}
