package collab

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/syncode/syncode/internal/domain"
)

func (ctl *Controller) handleJoin(s *session, data []byte) {
	if _, _, already := s.joined(); already {
		ctl.sendEvent(s.conn, ErrorEvent{Type: EventError, Error: "already in a room"})
		return
	}

	var p JoinEvent
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("bad join payload")
		ctl.sendEvent(s.conn, JoinRejectedEvent{Type: EventJoinRejected, Reason: ReasonInvalidRequest})
		return
	}

	members, language, err := ctl.registry.Admit(p.Room, p.Name, s.id)
	if err != nil {
		reason := ReasonInvalidRequest
		if errors.Is(err, domain.ErrNameTaken) {
			reason = ReasonNameTaken
		}
		log.Info().Str("module", "collab").Str("conn", string(s.id)).
			Str("room", string(p.Room)).Str("name", p.Name).Str("reason", reason).
			Msg("join rejected")
		ctl.sendEvent(s.conn, JoinRejectedEvent{Type: EventJoinRejected, Reason: reason})
		return
	}

	s.setJoined(p.Room, p.Name)
	log.Info().Str("module", "collab").Str("conn", string(s.id)).
		Str("room", string(p.Room)).Str("name", p.Name).Msg("join")

	// Everyone in the room, the joiner included, gets the updated roster.
	// Conn lets clients tell "I joined" apart from "someone else joined".
	ctl.broadcastTo(members, JoinedEvent{
		Type:     EventJoined,
		Members:  members,
		Name:     p.Name,
		Conn:     s.id,
		Language: language,
	})
}

func (ctl *Controller) handleEdit(s *session, data []byte) {
	room, _, joined := s.joined()
	if !joined {
		log.Warn().Str("module", "collab").Str("conn", string(s.id)).Msg("edit before join dropped")
		return
	}

	var p EditEvent
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("bad edit payload")
		return
	}
	if p.Room != room {
		log.Warn().Str("module", "collab").Str("conn", string(s.id)).
			Str("claimed", string(p.Room)).Str("actual", string(room)).Msg("edit for foreign room dropped")
		return
	}

	ctl.broadcastExcept(room, s.id, EditRelay{Type: EventEdit, Code: p.Code})
}

// handleSync relays a member's buffer to one specific connection. If the
// target has already gone away the frame is dropped silently; the
// newcomer just waits for the next edit.
func (ctl *Controller) handleSync(s *session, data []byte) {
	room, _, joined := s.joined()
	if !joined {
		log.Warn().Str("module", "collab").Str("conn", string(s.id)).Msg("sync before join dropped")
		return
	}

	var p SyncEvent
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("bad sync payload")
		return
	}

	targetRoom, ok := ctl.registry.RoomOf(p.To)
	if !ok || targetRoom != room {
		log.Debug().Str("module", "collab").Str("to", string(p.To)).Msg("sync target gone, dropped")
		return
	}
	sender, ok := ctl.registry.Sender(p.To)
	if !ok {
		return
	}
	ctl.sendEvent(sender, EditRelay{Type: EventEdit, Code: p.Code})
}

func (ctl *Controller) handleLanguage(s *session, data []byte) {
	room, name, joined := s.joined()
	if !joined {
		log.Warn().Str("module", "collab").Str("conn", string(s.id)).Msg("language change before join dropped")
		return
	}

	var p LanguageEvent
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("bad language payload")
		return
	}
	if p.Room != room {
		log.Warn().Str("module", "collab").Str("conn", string(s.id)).
			Str("claimed", string(p.Room)).Msg("language change for foreign room dropped")
		return
	}
	if !p.Language.Valid() {
		ctl.sendEvent(s.conn, ErrorEvent{Type: EventError, Error: "unsupported language"})
		return
	}

	ctl.registry.SetLanguage(room, p.Language)
	ctl.broadcastExcept(room, s.id, LanguageRelay{Type: EventLanguage, Language: p.Language, Name: name})
}
