package broker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"orgchat/internal/domain"
)

type subscriber struct {
	ch   chan domain.Envelope
	done chan struct{}
}

// MemoryBus reparte cada sobre a todos los consumidores registrados en el proceso.
// Sirve para tests y para correr una sola instancia sin Redis.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	closed bool
	logger *zap.Logger
	clock  clock.Clock
	retry  time.Duration
}

func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		subs:   make(map[int]*subscriber),
		logger: logger,
		clock:  clock.New(),
		retry:  20 * time.Millisecond,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, env domain.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.Transient(ErrClosed)
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- env:
		case <-sub.done:
		case <-ctx.Done():
			return domain.Transient(ctx.Err())
		}
	}
	return nil
}

// Subscribers devuelve cuantos Consume estan activos.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBus) Consume(ctx context.Context, handle Handler) error {
	sub := &subscriber{ch: make(chan domain.Envelope, 1024), done: make(chan struct{})}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	defer func() {
		close(sub.done)
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-sub.ch:
			for {
				err := handle(ctx, env)
				if err == nil {
					break
				}
				b.logger.Warn("envelope handler failed, requeue",
					zap.String("envelope_id", env.ID),
					zap.Error(err),
				)
				sleepCtx(ctx, b.clock, b.retry)
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
