// Package domain contains entity types without logic, just meta-data.
package domain

import "errors"

const MaxNameLen = 36

var (
	ErrNameTaken      = errors.New("display name already taken in room")
	ErrInvalidRequest = errors.New("room id and display name are required")
	ErrNameTooLong    = errors.New("display name too long")
)

// ConnID identifies a single live connection. A reconnect gets a fresh one.
type ConnID string

// Member is one participant of a room.
type Member struct {
	Conn ConnID `json:"conn"`
	Name string `json:"name"`
}

func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidRequest
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}
