// Package cache guarda la ventana reciente de mensajes por sala.
//
// Cada sala tiene un contador de version. Invalidate borra la ventana y sube
// la version; Put solo escribe si la version leida sigue vigente, asi un
// lector lento no puede reinstalar una ventana anterior a un envio.
package cache

import (
	"context"
	"time"

	"orgchat/internal/domain"
)

const (
	DefaultTTL = 60 * time.Second
	versionTTL = 24 * time.Hour
)

// Lookup es el resultado de Get. Version debe pasarse a Put tras leer de la base.
type Lookup struct {
	Messages []domain.Message
	Hit      bool
	Version  string
}

type MessageCache interface {
	Get(ctx context.Context, roomID string) (Lookup, error)
	// Put devuelve false si la version cambio desde el Get.
	Put(ctx context.Context, roomID, version string, messages []domain.Message) (bool, error)
	Invalidate(ctx context.Context, roomID string) error
}

func messagesKey(roomID string) string {
	return "room:{" + roomID + "}:messages"
}

func versionKey(roomID string) string {
	return "room:{" + roomID + "}:version"
}
