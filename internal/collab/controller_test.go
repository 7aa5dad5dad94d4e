package collab

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/syncode/syncode/internal/app"
	"github.com/syncode/syncode/internal/domain"
)

// fakeConn stands in for a websocket connection on the send side.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) TrySend(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrBackpressure
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// received decodes every frame of the given event type.
func (f *fakeConn) received(t *testing.T, typ EventType) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, frame := range f.frames {
		var ev map[string]any
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("Undecodable frame %q: %v", frame, err)
		}
		if ev["type"] == string(typ) {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeConn) last(t *testing.T, typ EventType) map[string]any {
	t.Helper()
	evs := f.received(t, typ)
	if len(evs) == 0 {
		t.Fatalf("No %q event received", typ)
	}
	return evs[len(evs)-1]
}

func (f *fakeConn) count(t *testing.T, typ EventType) int {
	return len(f.received(t, typ))
}

func newTestController() (*Controller, *app.Registry) {
	reg := app.NewRegistry(0)
	return NewController(reg, 1<<20, time.Minute), reg
}

func connect(ctl *Controller, reg *app.Registry, id domain.ConnID) (*session, *fakeConn) {
	fc := &fakeConn{}
	reg.Bind(id, fc, nil)
	return &session{id: id, conn: fc}, fc
}

func send(t *testing.T, ctl *Controller, s *session, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	ctl.dispatch(s, b)
}

func join(t *testing.T, ctl *Controller, reg *app.Registry, id domain.ConnID, room domain.RoomID, name string) (*session, *fakeConn) {
	t.Helper()
	s, fc := connect(ctl, reg, id)
	send(t, ctl, s, JoinEvent{Type: EventJoin, Room: room, Name: name})
	return s, fc
}

func memberNames(ev map[string]any) []string {
	var out []string
	for _, m := range ev["members"].([]any) {
		out = append(out, m.(map[string]any)["name"].(string))
	}
	return out
}

func TestJoinBroadcastsRoster(t *testing.T) {
	ctl, reg := newTestController()

	_, alice := join(t, ctl, reg, "c1", "r1", "alice")

	ev := alice.last(t, EventJoined)
	if got := memberNames(ev); len(got) != 1 || got[0] != "alice" {
		t.Errorf("Expected roster [alice], got %v", got)
	}
	if ev["language"] != string(domain.LangJavaScript) {
		t.Errorf("Expected default language, got %v", ev["language"])
	}
	if ev["conn"] != "c1" || ev["name"] != "alice" {
		t.Errorf("Joiner identity missing from event: %v", ev)
	}

	_, bob := join(t, ctl, reg, "c2", "r1", "bob")

	// Both the joiner and the existing member converge on the new roster.
	for _, fc := range []*fakeConn{alice, bob} {
		ev := fc.last(t, EventJoined)
		if got := memberNames(ev); len(got) != 2 {
			t.Errorf("Expected 2 members, got %v", got)
		}
		if ev["conn"] != "c2" {
			t.Errorf("Joined event should carry the joiner's conn, got %v", ev["conn"])
		}
	}
}

func TestJoinDuplicateNameRejected(t *testing.T) {
	ctl, reg := newTestController()

	_, alice := join(t, ctl, reg, "c1", "r1", "alice")
	joinedBefore := alice.count(t, EventJoined)

	_, impostor := join(t, ctl, reg, "c2", "r1", "alice")

	ev := impostor.last(t, EventJoinRejected)
	if ev["reason"] != ReasonNameTaken {
		t.Errorf("Expected reason %q, got %v", ReasonNameTaken, ev["reason"])
	}
	if len(reg.Members("r1")) != 1 {
		t.Error("Rejected join changed membership")
	}
	if alice.count(t, EventJoined) != joinedBefore {
		t.Error("Rejected join must not broadcast")
	}
}

func TestJoinEmptyFieldsRejected(t *testing.T) {
	ctl, reg := newTestController()

	s, fc := connect(ctl, reg, "c1")
	send(t, ctl, s, JoinEvent{Type: EventJoin, Room: "", Name: "alice"})

	ev := fc.last(t, EventJoinRejected)
	if ev["reason"] != ReasonInvalidRequest {
		t.Errorf("Expected reason %q, got %v", ReasonInvalidRequest, ev["reason"])
	}
}

func TestSecondJoinOnSameConnectionRejected(t *testing.T) {
	ctl, reg := newTestController()

	s, fc := join(t, ctl, reg, "c1", "r1", "alice")
	send(t, ctl, s, JoinEvent{Type: EventJoin, Room: "r2", Name: "alice"})

	if fc.count(t, EventError) != 1 {
		t.Error("Expected an error event for a double join")
	}
	if len(reg.Members("r2")) != 0 {
		t.Error("Double join must not admit into a second room")
	}
}

func TestEditRelaysToOthersOnly(t *testing.T) {
	ctl, reg := newTestController()

	a, alice := join(t, ctl, reg, "c1", "r1", "alice")
	_, bob := join(t, ctl, reg, "c2", "r1", "bob")
	_, carol := join(t, ctl, reg, "c3", "r2", "carol")

	send(t, ctl, a, EditEvent{Type: EventEdit, Room: "r1", Code: "print('hi')"})

	ev := bob.last(t, EventEdit)
	if ev["code"] != "print('hi')" {
		t.Errorf("Bob should receive the full buffer, got %v", ev["code"])
	}
	if alice.count(t, EventEdit) != 0 {
		t.Error("Edit must never echo back to its sender")
	}
	if carol.count(t, EventEdit) != 0 {
		t.Error("Edit leaked into another room")
	}
}

func TestEditBeforeJoinDropped(t *testing.T) {
	ctl, reg := newTestController()

	s, _ := connect(ctl, reg, "c1")
	_, bob := join(t, ctl, reg, "c2", "r1", "bob")

	send(t, ctl, s, EditEvent{Type: EventEdit, Room: "r1", Code: "x"})

	if bob.count(t, EventEdit) != 0 {
		t.Error("Edit from an unjoined connection must be dropped")
	}
}

func TestEditForeignRoomDropped(t *testing.T) {
	ctl, reg := newTestController()

	a, _ := join(t, ctl, reg, "c1", "r1", "alice")
	_, carol := join(t, ctl, reg, "c3", "r2", "carol")

	send(t, ctl, a, EditEvent{Type: EventEdit, Room: "r2", Code: "x"})

	if carol.count(t, EventEdit) != 0 {
		t.Error("Edit claiming a foreign room must be dropped")
	}
}

func TestSyncIsDirected(t *testing.T) {
	ctl, reg := newTestController()

	a, alice := join(t, ctl, reg, "c1", "r1", "alice")
	_, bob := join(t, ctl, reg, "c2", "r1", "bob")
	_, carol := join(t, ctl, reg, "c3", "r1", "carol")

	// Alice pushes her buffer to the newcomer bob only.
	send(t, ctl, a, SyncEvent{Type: EventSync, To: "c2", Code: "buffer"})

	if ev := bob.last(t, EventEdit); ev["code"] != "buffer" {
		t.Errorf("Sync target should get the buffer, got %v", ev["code"])
	}
	if carol.count(t, EventEdit) != 0 || alice.count(t, EventEdit) != 0 {
		t.Error("Sync must reach only its target")
	}
}

func TestSyncToGoneTargetDropped(t *testing.T) {
	ctl, reg := newTestController()

	a, _ := join(t, ctl, reg, "c1", "r1", "alice")

	// No such connection; best effort means silence, not failure.
	send(t, ctl, a, SyncEvent{Type: EventSync, To: "ghost", Code: "buffer"})
}

func TestSyncAcrossRoomsDropped(t *testing.T) {
	ctl, reg := newTestController()

	a, _ := join(t, ctl, reg, "c1", "r1", "alice")
	_, carol := join(t, ctl, reg, "c3", "r2", "carol")

	send(t, ctl, a, SyncEvent{Type: EventSync, To: "c3", Code: "buffer"})

	if carol.count(t, EventEdit) != 0 {
		t.Error("Sync must not cross rooms")
	}
}

func TestLanguageChange(t *testing.T) {
	ctl, reg := newTestController()

	a, alice := join(t, ctl, reg, "c1", "r1", "alice")
	_, bob := join(t, ctl, reg, "c2", "r1", "bob")

	send(t, ctl, a, LanguageEvent{Type: EventLanguage, Room: "r1", Language: domain.LangPython})

	ev := bob.last(t, EventLanguage)
	if ev["language"] != string(domain.LangPython) || ev["name"] != "alice" {
		t.Errorf("Unexpected language relay: %v", ev)
	}
	if alice.count(t, EventLanguage) != 0 {
		t.Error("Language change must not echo back to its sender")
	}
	if reg.Language("r1") != domain.LangPython {
		t.Error("Registry language not updated")
	}

	// A later joiner sees the updated language on join.
	_, carol := join(t, ctl, reg, "c3", "r1", "carol")
	if ev := carol.last(t, EventJoined); ev["language"] != string(domain.LangPython) {
		t.Errorf("Late joiner should see python, got %v", ev["language"])
	}
}

func TestLanguageChangeRejectsUnknown(t *testing.T) {
	ctl, reg := newTestController()

	a, alice := join(t, ctl, reg, "c1", "r1", "alice")
	send(t, ctl, a, LanguageEvent{Type: EventLanguage, Room: "r1", Language: "brainfuck"})

	if alice.count(t, EventError) != 1 {
		t.Error("Expected an error event for an unsupported language")
	}
	if reg.Language("r1") != domain.DefaultLanguage {
		t.Error("Unsupported language must not be stored")
	}
}

func TestTeardownBroadcastsLeaveOnce(t *testing.T) {
	ctl, reg := newTestController()

	a, _ := join(t, ctl, reg, "c1", "r1", "alice")
	_, bob := join(t, ctl, reg, "c2", "r1", "bob")

	// Close and error paths racing on the same session.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctl.Teardown(a)
		}()
	}
	wg.Wait()

	if bob.count(t, EventMemberLeft) != 1 {
		t.Errorf("Expected exactly one member_left, got %d", bob.count(t, EventMemberLeft))
	}
	ev := bob.last(t, EventMemberLeft)
	if ev["conn"] != "c1" || ev["name"] != "alice" {
		t.Errorf("Unexpected member_left payload: %v", ev)
	}
	if got := reg.Members("r1"); len(got) != 1 || got[0].Name != "bob" {
		t.Errorf("Unexpected remaining members: %+v", got)
	}
	if _, ok := reg.Sender("c1"); ok {
		t.Error("Teardown should unbind the session")
	}
}

func TestTeardownReleasesContext(t *testing.T) {
	ctl, reg := newTestController()

	fc := &fakeConn{}
	cancelled := false
	reg.Bind("c1", fc, func() { cancelled = true })
	s := &session{id: "c1", conn: fc}

	ctl.Teardown(s)

	// The per-connection context must not outlive the session; a cancel
	// that never fires keeps the child registered on the server context
	// for as long as the process runs.
	if !cancelled {
		t.Error("Teardown should fire the bound cancel func")
	}
	if _, ok := reg.Sender("c1"); ok {
		t.Error("Teardown should unbind the session")
	}
}

func TestTeardownBeforeJoin(t *testing.T) {
	ctl, reg := newTestController()

	s, _ := connect(ctl, reg, "c1")
	ctl.Teardown(s)

	if _, ok := reg.Sender("c1"); ok {
		t.Error("Teardown should unbind even without a join")
	}
}

func TestPingPong(t *testing.T) {
	ctl, reg := newTestController()

	s, fc := connect(ctl, reg, "c1")
	send(t, ctl, s, envelope{Type: EventPing})

	if fc.count(t, EventPong) != 1 {
		t.Error("Expected a pong")
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	ctl, reg := newTestController()

	s, fc := connect(ctl, reg, "c1")
	ctl.dispatch(s, []byte(`{"type":"dance"}`))
	ctl.dispatch(s, []byte(`not json at all`))

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.frames) != 0 {
		t.Errorf("Unknown events should produce no response, got %d frames", len(fc.frames))
	}
}

// Full session walk-through: joins, a rejected name, a language switch,
// and two disconnects leaving the room fully cleared.
func TestRoomLifecycleScenario(t *testing.T) {
	ctl, reg := newTestController()

	a, alice := join(t, ctl, reg, "c1", "r1", "alice")
	ev := alice.last(t, EventJoined)
	if got := memberNames(ev); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("Expected roster [alice], got %v", got)
	}
	if ev["language"] != string(domain.LangJavaScript) {
		t.Fatalf("Expected javascript, got %v", ev["language"])
	}

	_, impostor := join(t, ctl, reg, "c2", "r1", "alice")
	if impostor.last(t, EventJoinRejected)["reason"] != ReasonNameTaken {
		t.Fatal("Expected name_taken rejection")
	}

	b, bob := join(t, ctl, reg, "c2b", "r1", "bob")
	for _, fc := range []*fakeConn{alice, bob} {
		if got := memberNames(fc.last(t, EventJoined)); len(got) != 2 {
			t.Fatalf("Expected 2 members after bob joined, got %v", got)
		}
	}

	send(t, ctl, a, LanguageEvent{Type: EventLanguage, Room: "r1", Language: domain.LangPython})
	lang := bob.last(t, EventLanguage)
	if lang["language"] != string(domain.LangPython) || lang["name"] != "alice" {
		t.Fatalf("Unexpected language relay: %v", lang)
	}

	_, carol := join(t, ctl, reg, "c3", "r1", "carol")
	if carol.last(t, EventJoined)["language"] != string(domain.LangPython) {
		t.Fatal("Carol should join into python")
	}
	ctl.Teardown(&session{id: "c3", conn: carol, room: "r1", name: "carol"})

	ctl.Teardown(a)
	left := bob.last(t, EventMemberLeft)
	if left["name"] != "alice" {
		t.Fatalf("Expected alice to leave, got %v", left)
	}
	if got := names(reg.Members("r1")); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("Expected [bob], got %v", got)
	}

	ctl.Teardown(b)
	if len(reg.Rooms()) != 0 {
		t.Fatal("Room state should be fully cleared")
	}
	_, fresh := join(t, ctl, reg, "c4", "r1", "dave")
	if fresh.last(t, EventJoined)["language"] != string(domain.LangJavaScript) {
		t.Fatal("Fresh join to reused room id should start at default language")
	}
}

func names(members []domain.Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Name
	}
	return out
}
