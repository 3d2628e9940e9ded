package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action es el conjunto cerrado de acciones que un cliente puede iniciar.
type Action string

const (
	ActionGetUsers       Action = "getUsers"
	ActionGetRooms       Action = "getRooms"
	ActionGetGroups      Action = "getGroups"
	ActionJoinRoom       Action = "joinRoom"
	ActionCreateGroup    Action = "createGroup"
	ActionAddToGroup     Action = "addToGroup"
	ActionLeaveGroup     Action = "leaveGroup"
	ActionSendMessage    Action = "sendMessage"
	ActionDeleteRoom     Action = "deleteRoom"
	ActionGetPrivateRoom Action = "getPrivateRoom"
)

// EventName es el conjunto cerrado de eventos que emite el servidor.
type EventName string

const (
	EventUserList     EventName = "userList"
	EventRoomList     EventName = "roomList"
	EventGroupList    EventName = "groupList"
	EventRoomMessages EventName = "roomMessages"
	EventNewMessage   EventName = "newMessage"
	EventNewGroup     EventName = "newGroup"
	EventGroupUpdated EventName = "groupUpdated"
	EventAddedToGroup EventName = "addedToGroup"
	EventLeftGroup    EventName = "leftGroup"
	EventGroupDeleted EventName = "groupDeleted"
	EventRoomDeleted  EventName = "roomDeleted"
	EventPrivateRoom  EventName = "privateRoom"
	EventMessageSent  EventName = "messageSent"
	EventError        EventName = "error"
)

// ClientFrame es un frame entrante; Payload se decodifica segun Action.
type ClientFrame struct {
	Action    Action          `json:"action"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

type CreateGroupPayload struct {
	Name         string   `json:"name" validate:"required"`
	Participants []string `json:"participants" validate:"dive,required"`
}

type AddToGroupPayload struct {
	GroupID string   `json:"groupId" validate:"required"`
	Users   []string `json:"users" validate:"required,min=1,dive,required"`
}

type LeaveGroupPayload struct {
	GroupID string `json:"groupId" validate:"required"`
	UserID  string `json:"userId,omitempty"`
}

type SendMessagePayload struct {
	RoomID  string `json:"roomId" validate:"required"`
	Content string `json:"content"`
}

type DeleteRoomPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

type GetPrivateRoomPayload struct {
	UserID string `json:"userId" validate:"required"`
}

type GroupRef struct {
	GroupID string `json:"groupId"`
}

type RoomRef struct {
	RoomID string `json:"roomId"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Action  Action    `json:"action,omitempty"`
}

// Event es un frame saliente hacia una sesion.
// DedupKey no viaja al cliente: identifica eventos reentregados por el broker.
type Event struct {
	Name      EventName       `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DedupKey  string          `json:"-"`
}

func NewEvent(name EventName, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{Name: name, Payload: raw}, nil
}

// ErrorEvent construye el evento de rechazo para la sesion que origino la accion.
func ErrorEvent(action Action, requestID string, err error) Event {
	raw, _ := json.Marshal(ErrorPayload{
		Code:    CodeOf(err),
		Message: PublicMessage(err),
		Action:  action,
	})
	return Event{Name: EventError, RequestID: requestID, Payload: raw}
}

// Envelope es la unidad que cruza el broker compartido entre instancias.
// Sin Recipients, el consumidor resuelve los participantes actuales de RoomID.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       EventName       `json:"kind"`
	RoomID     string          `json:"roomId,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (e Envelope) Event() Event {
	return Event{Name: e.Kind, Payload: e.Payload, DedupKey: e.ID}
}

// Delivery es un paso de fan-out: un evento dirigido a todas las sesiones de un usuario.
type Delivery struct {
	UserID string
	Event  Event
}
