package domain

import "time"

// Message es inmutable una vez creado; el historial de una sala es append-only.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoomMessages es la ventana reciente que se devuelve al unirse a una sala.
type RoomMessages struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
}
