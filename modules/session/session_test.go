package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/example/roomsync-demo/domain/room"
	"github.com/example/roomsync-demo/modules/moderation"
	"github.com/example/roomsync-demo/modules/store"
)

const deliveryTimeout = 2 * time.Second

type recorder struct {
	mu       sync.Mutex
	messages chan domain.Message
	rosters  chan domain.Roster
	statuses []Status
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan domain.Message, 64),
		rosters:  make(chan domain.Roster, 64),
	}
}

func (r *recorder) listener() Listener {
	return Listener{
		OnMessage: func(_ string, msg domain.Message) { r.messages <- msg },
		OnRoster:  func(ros domain.Roster) { r.rosters <- ros },
		OnStatus: func(st Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, st)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) statusLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.statuses))
	for i, st := range r.statuses {
		lines[i] = st.Line
	}
	return lines
}

func (r *recorder) hasStatusContaining(substr string) bool {
	for _, line := range r.statusLines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func testFilter(t *testing.T) *moderation.Filter {
	t.Helper()

	return moderation.New(moderation.Config{
		HardWords: []string{"verboten"},
		SoftWords: []string{"doof"},
	})
}

func setupSession(t *testing.T, mem *store.Memory, room, nick string, rec *recorder, opts Options) *Session {
	t.Helper()

	conn, err := mem.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	s, err := New(conn, testFilter(t), room, nick, rec.listener(), opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func nextSessionMessage(t *testing.T, rec *recorder) domain.Message {
	t.Helper()

	select {
	case msg := <-rec.messages:
		return msg
	case <-time.After(deliveryTimeout):
		t.Fatal("timed out waiting for message callback")
		return domain.Message{}
	}
}

func waitForRoster(t *testing.T, rec *recorder, cond func(domain.Roster) bool) domain.Roster {
	t.Helper()

	deadline := time.After(deliveryTimeout)
	for {
		select {
		case r := <-rec.rosters:
			if cond(r) {
				return r
			}
		case <-deadline:
			t.Fatal("timed out waiting for roster condition")
			return nil
		}
	}
}

func TestNewValidatesInput(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	conn, err := mem.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	f := testFilter(t)

	tests := []struct {
		name    string
		room    string
		nick    string
		wantErr error
	}{
		{"empty nick", "lobby", "   ", domain.ErrEmptyNick},
		{"empty room", "  ", "Ada", domain.ErrEmptyRoom},
		{"nick too long", "lobby", strings.Repeat("x", domain.MaxNickLength+1), domain.ErrNickTooLong},
		{"room too long", strings.Repeat("x", domain.MaxRoomLength+1), "Ada", domain.ErrRoomTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(conn, f, tt.room, tt.nick, Listener{}, Options{}); !errors.Is(err, tt.wantErr) {
				t.Errorf("New(%q, %q) error = %v, want %v", tt.room, tt.nick, err, tt.wantErr)
			}
		})
	}
}

func TestNewTrimsRoomAndNick(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	conn, err := mem.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	s, err := New(conn, testFilter(t), "  lobby ", "\tAda\n", Listener{}, Options{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.Room() != "lobby" || s.Nick() != "Ada" {
		t.Errorf("Room/Nick = %q/%q, want lobby/Ada", s.Room(), s.Nick())
	}
}

func TestJoinSendLeaveScenario(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	adaRec := newRecorder()
	ada := setupSession(t, mem, "Allgemein", "Ada", adaRec, Options{})

	if got := ada.State(); got != StateIdle {
		t.Fatalf("state before join = %s, want idle", got)
	}
	if err := ada.Join(ctx); err != nil {
		t.Fatalf("ada join: %v", err)
	}
	if got := ada.State(); got != StateActive {
		t.Fatalf("state after join = %s, want active", got)
	}

	// Ada's own message comes back through her subscription.
	if err := ada.Send(ctx, "Hallo"); err != nil {
		t.Fatalf("ada send: %v", err)
	}
	msg := nextSessionMessage(t, adaRec)
	if msg.Nick != "Ada" || msg.Text != "Hallo" {
		t.Fatalf("echoed message = %+v", msg)
	}

	boRec := newRecorder()
	bo := setupSession(t, mem, "Allgemein", "Bo", boRec, Options{})
	if err := bo.Join(ctx); err != nil {
		t.Fatalf("bo join: %v", err)
	}

	waitForRoster(t, adaRec, func(r domain.Roster) bool {
		return r.Contains("Ada") && r.Contains("Bo")
	})

	// Bo trips the hard list: blocked locally, nothing is appended.
	if err := bo.Send(ctx, "das ist verboten"); !errors.Is(err, domain.ErrModerationBlocked) {
		t.Fatalf("bo send error = %v, want ErrModerationBlocked", err)
	}
	if !boRec.hasStatusContaining("Unangemessene Sprache") {
		t.Errorf("bo statuses = %v, want a hard-violation line", boRec.statusLines())
	}

	// The blocked message must not arrive anywhere.
	select {
	case msg := <-adaRec.messages:
		t.Fatalf("ada received %+v after a blocked send", msg)
	case <-time.After(200 * time.Millisecond):
	}

	if err := ada.Leave(ctx); err != nil {
		t.Fatalf("ada leave: %v", err)
	}
	if got := ada.State(); got != StateClosed {
		t.Fatalf("state after leave = %s, want closed", got)
	}
	waitForRoster(t, boRec, func(r domain.Roster) bool {
		return !r.Contains("Ada") && r.Contains("Bo")
	})
}

func TestSendSoftViolationBlocked(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	rec := newRecorder()
	s := setupSession(t, mem, "lobby", "Ada", rec, Options{})
	if err := s.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := s.Send(ctx, "du bist doof"); !errors.Is(err, domain.ErrModerationBlocked) {
		t.Fatalf("send error = %v, want ErrModerationBlocked", err)
	}
	if !IsModerationBlocked(errors.Join(errors.New("x"), domain.ErrModerationBlocked)) {
		t.Error("IsModerationBlocked failed to unwrap")
	}
	if !rec.hasStatusContaining("freundlich") {
		t.Errorf("statuses = %v, want a soft-violation line", rec.statusLines())
	}
}

func TestSendEmptyTextIsLocalValidation(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	rec := newRecorder()
	s := setupSession(t, mem, "lobby", "Ada", rec, Options{})
	if err := s.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := s.Send(ctx, "   "); !errors.Is(err, domain.ErrEmptyMessage) {
		t.Fatalf("send error = %v, want ErrEmptyMessage", err)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("state after validation failure = %s, want active", got)
	}
}

func TestSendBeforeJoinAndAfterLeave(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	rec := newRecorder()
	s := setupSession(t, mem, "lobby", "Ada", rec, Options{})

	if err := s.Send(ctx, "hi"); err == nil {
		t.Fatal("send before join succeeded, want error")
	}

	if err := s.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if err := s.Send(ctx, "hi"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("send after leave = %v, want ErrSessionClosed", err)
	}
	if err := s.Join(ctx); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("join after leave = %v, want ErrSessionClosed", err)
	}
	if err := s.Leave(ctx); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("second leave = %v, want ErrSessionClosed", err)
	}
}

func TestLeaveStopsCallbacks(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	adaRec := newRecorder()
	ada := setupSession(t, mem, "lobby", "Ada", adaRec, Options{})
	if err := ada.Join(ctx); err != nil {
		t.Fatalf("ada join: %v", err)
	}

	boRec := newRecorder()
	bo := setupSession(t, mem, "lobby", "Bo", boRec, Options{})
	if err := bo.Join(ctx); err != nil {
		t.Fatalf("bo join: %v", err)
	}

	if err := ada.Leave(ctx); err != nil {
		t.Fatalf("ada leave: %v", err)
	}
	// Drain whatever was in flight before the unsubscribe.
	time.Sleep(100 * time.Millisecond)
	drain(adaRec.messages)

	if err := bo.Send(ctx, "nach dem Abschied"); err != nil {
		t.Fatalf("bo send: %v", err)
	}
	if msg := nextSessionMessage(t, boRec); msg.Text != "nach dem Abschied" {
		t.Fatalf("bo delivery = %+v", msg)
	}

	select {
	case msg := <-adaRec.messages:
		t.Fatalf("ada received %+v after leaving", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func drain(ch chan domain.Message) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestConnectionProbe(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	ctx := context.Background()

	rec := newRecorder()
	s := setupSession(t, mem, "lobby", "Ada", rec, Options{ConnectionProbe: true})
	if err := s.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}

	msg := nextSessionMessage(t, rec)
	if msg.Text != "[PING] Verbindungstest" || !msg.Diag {
		t.Fatalf("probe message = %+v", msg)
	}
	if !rec.hasStatusContaining("Test-Schreiben ok") {
		t.Errorf("statuses = %v, want a probe result line", rec.statusLines())
	}
}

// faultConn wraps a store connection and fails writes on demand.
type faultConn struct {
	store.Conn
	failSet  bool
	failPush bool
}

var errInjected = errors.New("injected write failure")

func (c *faultConn) Set(ctx context.Context, path string, value any) error {
	if c.failSet {
		return errInjected
	}
	return c.Conn.Set(ctx, path, value)
}

func (c *faultConn) Push(ctx context.Context, path string, value map[string]any) (string, error) {
	if c.failPush {
		return "", errInjected
	}
	return c.Conn.Push(ctx, path, value)
}

func setupFaultSession(t *testing.T, rec *recorder) (*Session, *faultConn) {
	t.Helper()

	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })

	inner, err := mem.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := &faultConn{Conn: inner}

	s, err := New(conn, testFilter(t), "lobby", "Ada", rec.listener(), Options{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s, conn
}

func TestPresenceFailureDegradesButSessionUsable(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	s, conn := setupFaultSession(t, rec)

	conn.failSet = true
	if err := s.Join(ctx); err != nil {
		t.Fatalf("join with failing presence write: %v", err)
	}
	if got := s.State(); got != StateDegraded {
		t.Fatalf("state after degraded join = %s, want degraded", got)
	}
	if !rec.hasStatusContaining("Anwesenheit") {
		t.Errorf("statuses = %v, want a presence warning", rec.statusLines())
	}

	// The session stays usable; the next successful operation restores
	// the ordinary active state.
	conn.failSet = false
	if err := s.Send(ctx, "trotzdem da"); err != nil {
		t.Fatalf("send while degraded: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("state after successful send = %s, want active", got)
	}
	if msg := nextSessionMessage(t, rec); msg.Text != "trotzdem da" {
		t.Errorf("delivered message = %+v", msg)
	}
}

func TestSendFailureDegradesUntilNextSuccess(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	s, conn := setupFaultSession(t, rec)

	if err := s.Join(ctx); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state after join = %s, want active", got)
	}

	conn.failPush = true
	if err := s.Send(ctx, "kommt nicht an"); !errors.Is(err, errInjected) {
		t.Fatalf("send error = %v, want the transport failure", err)
	}
	if got := s.State(); got != StateDegraded {
		t.Fatalf("state after failed send = %s, want degraded", got)
	}
	if !rec.hasStatusContaining("Senden fehlgeschlagen") {
		t.Errorf("statuses = %v, want a send-failure line", rec.statusLines())
	}

	conn.failPush = false
	if err := s.Send(ctx, "wieder da"); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Errorf("state after recovered send = %s, want active", got)
	}
	if !rec.hasStatusContaining("Verbindung wiederhergestellt") {
		t.Errorf("statuses = %v, want a recovery line", rec.statusLines())
	}
}

func TestJoinFailureClosesSession(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	conn, err := mem.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec := newRecorder()
	s, err := New(conn, testFilter(t), "lobby", "Ada", rec.listener(), Options{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	// A closed store makes every backend call fail, including the
	// subscription attach: an unrecoverable initialization failure.
	mem.Close()
	if err := s.Join(ctx); err == nil {
		t.Fatal("join on closed store succeeded, want error")
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("state after failed join = %s, want closed", got)
	}
}
