// Package collab is the websocket plane of the editor: it admits members
// into rooms, relays buffer edits and language changes between them, and
// tears sessions down when connections go away. The server never holds
// buffer content; code text lives only at clients and is relayed verbatim.
package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/syncode/syncode/internal/app"
	"github.com/syncode/syncode/internal/domain"
)

const (
	eventsPerSecond = 200
	limiterWindow   = time.Second
)

// transport is what the controller needs from a connection. Satisfied by
// *Conn and by test fakes.
type transport interface {
	TrySend(data []byte) error
	Close()
}

// session binds one live connection to at most one (room, name) pair.
// Teardown runs exactly once even when close and error signals race.
type session struct {
	id   domain.ConnID
	conn transport

	mu   sync.Mutex
	room domain.RoomID
	name string

	teardown sync.Once
}

func (s *session) joined() (domain.RoomID, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.name, s.room != ""
}

func (s *session) setJoined(room domain.RoomID, name string) {
	s.mu.Lock()
	s.room = room
	s.name = name
	s.mu.Unlock()
}

type Controller struct {
	registry   *app.Registry
	limiter    *RateLimiter
	readLimit  int64
	pingPeriod time.Duration
}

func NewController(reg *app.Registry, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{
		registry:   reg,
		limiter:    NewRateLimiter(eventsPerSecond, limiterWindow),
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleCollab upgrades the request and runs the connection's pumps. The
// connection id is fresh per upgrade: a client that reconnects is a new
// member.
func (ctl *Controller) HandleCollab(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.readLimit)

	id := domain.ConnID(uuid.NewString())
	log.Info().Str("module", "collab").Str("conn", string(id)).Msg("new collab connection")

	conn := NewConn(ws)
	s := &session{id: id, conn: conn}

	ctx, cancel := context.WithCancel(ctx)
	ctl.registry.Bind(id, conn, cancel)

	go func() {
		defer conn.Close()
		conn.writePump(ctx, ctl.pingPeriod)
	}()
	go ctl.readPump(ctx, s, conn)
}

func (ctl *Controller) readPump(ctx context.Context, s *session, conn *Conn) {
	defer func() {
		log.Info().Str("module", "collab").Str("conn", string(s.id)).Msg("readPump closing")
		ctl.Teardown(s)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := conn.ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "collab").Str("conn", string(s.id)).Msg("readPump read error")
				}
				return
			}
			if !ctl.limiter.Allow(s.id) {
				log.Warn().Str("module", "collab").Str("conn", string(s.id)).Msg("event rate limit exceeded")
				continue
			}
			ctl.dispatch(s, data)
		}
	}
}

// dispatch routes one inbound frame. The event set is closed; unknown
// types are logged and dropped.
func (ctl *Controller) dispatch(s *session, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "collab").Str("conn", string(s.id)).Msg("bad json frame")
		return
	}

	switch env.Type {
	case EventJoin:
		ctl.handleJoin(s, data)
	case EventEdit:
		ctl.handleEdit(s, data)
	case EventSync:
		ctl.handleSync(s, data)
	case EventLanguage:
		ctl.handleLanguage(s, data)
	case EventPing:
		ctl.sendEvent(s.conn, envelope{Type: EventPong})
	default:
		log.Warn().Str("module", "collab").Str("type", string(env.Type)).Msg("unknown event")
	}
}

// Teardown releases everything the session holds: membership, the leave
// broadcast to remaining members, the registry binding, the socket.
// Safe to call from any number of racing close paths.
func (ctl *Controller) Teardown(s *session) {
	s.teardown.Do(func() {
		room, name, wasJoined := s.joined()
		if wasJoined {
			remaining := ctl.registry.Remove(room, s.id)
			ctl.broadcastTo(remaining, MemberLeftEvent{Type: EventMemberLeft, Conn: s.id, Name: name})
			log.Info().Str("module", "collab").Str("conn", string(s.id)).
				Str("room", string(room)).Str("name", name).Msg("member left")
		}
		ctl.limiter.Forget(s.id)
		ctl.registry.Cancel(s.id)
		ctl.registry.Unbind(s.id)
		s.conn.Close()
	})
}

func (ctl *Controller) broadcastTo(members []domain.Member, v any) {
	for _, m := range members {
		if sender, ok := ctl.registry.Sender(m.Conn); ok {
			ctl.sendEvent(sender, v)
		}
	}
}

func (ctl *Controller) broadcastExcept(roomID domain.RoomID, except domain.ConnID, v any) {
	for _, m := range ctl.registry.Members(roomID) {
		if m.Conn == except {
			continue
		}
		if sender, ok := ctl.registry.Sender(m.Conn); ok {
			ctl.sendEvent(sender, v)
		}
	}
}

// sendEvent is best-effort: a full buffer or a closed connection drops
// the frame, never stalls the caller.
func (ctl *Controller) sendEvent(s app.Sender, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "collab").Msg("sendEvent marshal")
		return
	}
	if err := s.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "collab").Msg("sendEvent dropped")
	}
}
