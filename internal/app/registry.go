package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/syncode/syncode/internal/domain"
)

// Sender is the outbound half of a connection, as the registry and the
// broadcast layer see it. TrySend must not block.
type Sender interface {
	TrySend(data []byte) error
}

type sessionEntry struct {
	Room   domain.RoomID
	Sender Sender
	Cancel context.CancelFunc
}

type roomState struct {
	members  []domain.Member
	language domain.Language
	cleanup  *time.Timer
}

// RoomInfo is a point-in-time snapshot of one room, for the stats surface.
type RoomInfo struct {
	ID          domain.RoomID   `json:"id"`
	MemberCount int             `json:"member_count"`
	Language    domain.Language `json:"language"`
}

// Registry is the authoritative in-memory source of truth for room
// membership and per-room language selection. A room exists only while it
// has at least one member; once the last member leaves its whole state is
// dropped (after an optional grace window), so a reused room id always
// starts from defaults.
type Registry struct {
	mu       sync.RWMutex
	grace    time.Duration
	rooms    map[domain.RoomID]*roomState
	sessions map[domain.ConnID]*sessionEntry
}

func NewRegistry(grace time.Duration) *Registry {
	return &Registry{
		grace:    grace,
		rooms:    make(map[domain.RoomID]*roomState),
		sessions: make(map[domain.ConnID]*sessionEntry),
	}
}

// Bind associates a live connection with its sender and cancel func before
// any join happens. Must be called once per connection.
func (r *Registry) Bind(conn domain.ConnID, s Sender, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[conn] = &sessionEntry{Sender: s, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Msg("bound session")
}

// Unbind forgets a connection. Idempotent.
func (r *Registry) Unbind(conn domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, conn)
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Msg("unbound session")
}

// Cancel fires the connection's cancel func, if any, releasing the
// per-connection context derived at upgrade time. Teardown calls this so
// the long-lived server context does not accumulate dead children.
func (r *Registry) Cancel(conn domain.ConnID) bool {
	r.mu.RLock()
	e, ok := r.sessions[conn]
	r.mu.RUnlock()
	if !ok || e.Cancel == nil {
		return false
	}
	e.Cancel()
	return true
}

// Admit registers a member in a room. It checks display-name uniqueness
// against the room's live members and returns the full member list
// (including the new member) plus the room's current language. A pending
// empty-room cleanup for the same id is cancelled, so a quick rejoin keeps
// the room's state.
func (r *Registry) Admit(roomID domain.RoomID, name string, conn domain.ConnID) ([]domain.Member, domain.Language, error) {
	if roomID == "" || name == "" {
		return nil, "", domain.ErrInvalidRequest
	}
	if err := domain.ValidateName(name); err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		room = &roomState{language: domain.DefaultLanguage}
		r.rooms[roomID] = room
	}
	if room.cleanup != nil {
		room.cleanup.Stop()
		room.cleanup = nil
	}
	for _, m := range room.members {
		if m.Name == name {
			return nil, "", domain.ErrNameTaken
		}
	}

	room.members = append(room.members, domain.Member{Conn: conn, Name: name})
	if e, ok := r.sessions[conn]; ok {
		e.Room = roomID
	}
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).
		Str("conn", string(conn)).Str("name", name).Int("members", len(room.members)).
		Msg("admitted member")
	return snapshot(room.members), room.language, nil
}

// Remove drops a member from a room and returns the remaining member list.
// Removing an absent member is a no-op. When the last member leaves, the
// room's whole state is scheduled for deletion after the grace window
// (immediately when the window is zero).
func (r *Registry) Remove(roomID domain.RoomID, conn domain.ConnID) []domain.Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[conn]; ok && e.Room == roomID {
		e.Room = ""
	}

	room := r.rooms[roomID]
	if room == nil {
		return nil
	}
	kept := room.members[:0]
	for _, m := range room.members {
		if m.Conn != conn {
			kept = append(kept, m)
		}
	}
	room.members = kept

	if len(room.members) == 0 {
		if r.grace <= 0 {
			delete(r.rooms, roomID)
			log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room closed")
		} else if room.cleanup == nil {
			room.cleanup = time.AfterFunc(r.grace, func() { r.expire(roomID) })
			log.Info().Str("module", "app.registry").Str("room", string(roomID)).
				Dur("grace", r.grace).Msg("room cleanup scheduled")
		}
		return nil
	}
	return snapshot(room.members)
}

// expire finalizes a deferred cleanup. Re-checks emptiness under the lock:
// a member may have been admitted between the timer firing and us getting
// the lock.
func (r *Registry) expire(roomID domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[roomID]
	if room == nil || len(room.members) > 0 {
		return
	}
	delete(r.rooms, roomID)
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room expired")
}

// SetLanguage overwrites the room's language selection, last write wins.
// A room that has already been cleaned up is left alone; setting a
// language must never resurrect it.
func (r *Registry) SetLanguage(roomID domain.RoomID, lang domain.Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[roomID]
	if room == nil {
		log.Warn().Str("module", "app.registry").Str("room", string(roomID)).Msg("language change for missing room dropped")
		return
	}
	room.language = lang
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("language", string(lang)).Msg("language updated")
}

// Language returns the room's stored language, or the default when the
// room does not exist.
func (r *Registry) Language(roomID domain.RoomID) domain.Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if room := r.rooms[roomID]; room != nil {
		return room.language
	}
	return domain.DefaultLanguage
}

// Members returns the current member list of a room.
func (r *Registry) Members(roomID domain.RoomID) []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[roomID]
	if room == nil {
		return nil
	}
	return snapshot(room.members)
}

// Sender resolves a connection id to its outbound half.
func (r *Registry) Sender(conn domain.ConnID) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[conn]
	if !ok || e.Sender == nil {
		return nil, false
	}
	return e.Sender, true
}

// RoomOf reports which room a connection is currently admitted to.
func (r *Registry) RoomOf(conn domain.ConnID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[conn]
	if !ok || e.Room == "" {
		return "", false
	}
	return e.Room, true
}

// Rooms lists all live rooms, for the stats surface. A room sitting
// empty inside its grace window is not listed; it only comes back if
// someone rejoins before the window elapses.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		if len(room.members) == 0 {
			continue
		}
		out = append(out, RoomInfo{ID: id, MemberCount: len(room.members), Language: room.language})
	}
	return out
}

func snapshot(members []domain.Member) []domain.Member {
	out := make([]domain.Member, len(members))
	copy(out, members)
	return out
}
