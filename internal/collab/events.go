package collab

import (
	"github.com/syncode/syncode/internal/domain"
)

// EventType tags every frame on the collab socket. The set is closed;
// adding a kind means adding a constant here and a case to the dispatch
// switch in controller.go.
type EventType string

const (
	// client -> server
	EventJoin     EventType = "join"
	EventEdit     EventType = "edit"
	EventSync     EventType = "sync"
	EventLanguage EventType = "language"
	EventPing     EventType = "ping"

	// server -> client
	EventJoined       EventType = "joined"
	EventMemberLeft   EventType = "member_left"
	EventJoinRejected EventType = "join_rejected"
	EventPong         EventType = "pong"
	EventError        EventType = "error"
)

// Join rejection reasons, reported to the requesting client only.
const (
	ReasonNameTaken      = "name_taken"
	ReasonInvalidRequest = "invalid_request"
)

// envelope is the minimal decode used to pick a handler.
type envelope struct {
	Type EventType `json:"type"`
}

type JoinEvent struct {
	Type EventType     `json:"type"`
	Room domain.RoomID `json:"room"`
	Name string        `json:"name"`
}

// EditEvent carries the full current buffer content, not a diff. The last
// broadcast received by a client wins in its local buffer.
type EditEvent struct {
	Type EventType     `json:"type"`
	Room domain.RoomID `json:"room"`
	Code string        `json:"code"`
}

// SyncEvent is a directed edit: an existing member pushes its buffer to
// one specific connection, typically a newcomer that has no content yet.
type SyncEvent struct {
	Type EventType     `json:"type"`
	To   domain.ConnID `json:"to"`
	Code string        `json:"code"`
}

type LanguageEvent struct {
	Type     EventType       `json:"type"`
	Room     domain.RoomID   `json:"room"`
	Language domain.Language `json:"language"`
}

type JoinedEvent struct {
	Type     EventType       `json:"type"`
	Members  []domain.Member `json:"members"`
	Name     string          `json:"name"`
	Conn     domain.ConnID   `json:"conn"`
	Language domain.Language `json:"language"`
}

type EditRelay struct {
	Type EventType `json:"type"`
	Code string    `json:"code"`
}

// LanguageRelay carries the changer's name so clients can show who
// switched; the name is informational only.
type LanguageRelay struct {
	Type     EventType       `json:"type"`
	Language domain.Language `json:"language"`
	Name     string          `json:"name"`
}

type MemberLeftEvent struct {
	Type EventType     `json:"type"`
	Conn domain.ConnID `json:"conn"`
	Name string        `json:"name"`
}

type JoinRejectedEvent struct {
	Type   EventType `json:"type"`
	Reason string    `json:"reason"`
}

type ErrorEvent struct {
	Type  EventType `json:"type"`
	Error string    `json:"error"`
}
