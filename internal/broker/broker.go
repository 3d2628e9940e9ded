// Package broker transporta sobres de eventos entre instancias del servidor.
//
// La entrega es al menos una vez: un sobre se confirma solo cuando el handler
// devuelve nil, y puede repetirse tras un reinicio o un fallo del handler.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"orgchat/internal/domain"
)

var ErrClosed = errors.New("broker closed")

// Handler procesa un sobre; un error pide reentrega.
type Handler func(ctx context.Context, env domain.Envelope) error

type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

type Bridge interface {
	Publisher
	// Consume bloquea hasta que ctx termina.
	Consume(ctx context.Context, handle Handler) error
	Close() error
}

func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) {
	if d <= 0 {
		return
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
