// Package session orchestrates one participant's stay in a room: it ties
// the moderation filter, the presence tracker and the message channel
// together behind a small state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	domain "github.com/example/roomsync-demo/domain/room"
	"github.com/example/roomsync-demo/modules/channel"
	"github.com/example/roomsync-demo/modules/moderation"
	"github.com/example/roomsync-demo/modules/presence"
	"github.com/example/roomsync-demo/modules/store"
)

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
	// StateDegraded is Active with a standing advisory: some backend
	// operation failed and has not succeeded since. The session stays
	// usable and returns to Active on the next success.
	StateDegraded
	StateLeaving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Severity grades a status line.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is one human-readable line about the session. Every failure
// produces exactly one; none disappears silently.
type Status struct {
	Severity Severity `json:"severity"`
	Line     string   `json:"line"`
}

// Listener receives the session's outbound callbacks. Nil fields are
// allowed and simply drop their deliveries.
type Listener struct {
	OnMessage func(key string, msg domain.Message)
	OnRoster  func(domain.Roster)
	OnStatus  func(Status)
}

// Options tune optional session behavior.
type Options struct {
	// ConnectionProbe pushes one diagnostic message on join and reports
	// whether the backend accepted the write.
	ConnectionProbe bool
}

const probeText = "[PING] Verbindungstest"

// Session is one participant's membership in one room. Construct a new
// one to rejoin after Leave; Closed is terminal.
type Session struct {
	room     string
	nick     string
	filter   *moderation.Filter
	presence *presence.Tracker
	channel  *channel.Channel
	listener Listener
	opts     Options

	mu             sync.Mutex
	state          State
	unsubMessages  store.UnsubscribeFunc
	unsubRoster    store.UnsubscribeFunc
	joinedPresence bool
}

// New builds a session for (room, nick) over conn. Room and nick are
// trimmed of surrounding whitespace before validation.
func New(conn store.Conn, filter *moderation.Filter, room, nick string, listener Listener, opts Options) (*Session, error) {
	room = domain.CanonicalRoom(room)
	nick = domain.CanonicalNick(nick)
	if err := domain.ValidateRoom(room); err != nil {
		return nil, err
	}
	if err := domain.ValidateNick(nick); err != nil {
		return nil, err
	}
	if filter == nil {
		return nil, errors.New("session: nil moderation filter")
	}
	return &Session{
		room:     room,
		nick:     nick,
		filter:   filter,
		presence: presence.NewTracker(conn),
		channel:  channel.NewChannel(conn),
		listener: listener,
		opts:     opts,
		state:    StateIdle,
	}, nil
}

// Room returns the trimmed room name.
func (s *Session) Room() string { return s.room }

// Nick returns the trimmed nickname.
func (s *Session) Nick() string { return s.nick }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Join registers presence and attaches the message and roster feeds.
// A presence failure degrades the session but leaves it usable; a
// subscription failure is unrecoverable and closes it. The session is
// usable as soon as Join returns, before any snapshot has arrived.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateClosed:
		s.mu.Unlock()
		return domain.ErrSessionClosed
	default:
		s.mu.Unlock()
		return fmt.Errorf("session: join in state %s", s.state)
	}
	s.state = StateJoining
	s.mu.Unlock()

	degraded := false
	if err := s.presence.Join(ctx, s.room, s.nick); err != nil {
		log.Printf("[session] presence join failed for %s/%s: %v", s.room, s.nick, err)
		s.emitStatus(SeverityWarn, fmt.Sprintf("⚠️ Anwesenheit konnte nicht registriert werden: %v", err))
		degraded = true
	} else {
		s.mu.Lock()
		s.joinedPresence = true
		s.mu.Unlock()
	}

	unsubMsgs, err := s.channel.Subscribe(s.room, func(key string, msg domain.Message) {
		if s.listener.OnMessage != nil {
			s.listener.OnMessage(key, msg)
		}
	})
	if err != nil {
		s.failJoin(ctx)
		return fmt.Errorf("session: attach message feed: %w", err)
	}

	unsubRoster, err := s.presence.Roster(s.room, func(r domain.Roster) {
		if s.listener.OnRoster != nil {
			s.listener.OnRoster(r)
		}
	})
	if err != nil {
		unsubMsgs()
		s.failJoin(ctx)
		return fmt.Errorf("session: attach roster feed: %w", err)
	}

	s.mu.Lock()
	s.unsubMessages = unsubMsgs
	s.unsubRoster = unsubRoster
	if degraded {
		s.state = StateDegraded
	} else {
		s.state = StateActive
	}
	s.mu.Unlock()

	s.emitStatus(SeverityInfo, fmt.Sprintf("✅ Du bist als %s im Raum %s.", s.nick, s.room))
	if s.opts.ConnectionProbe {
		s.runProbe(ctx)
	}
	return nil
}

// failJoin abandons a half-built join: presence is withdrawn on a best
// effort basis and the session ends up Closed.
func (s *Session) failJoin(ctx context.Context) {
	s.mu.Lock()
	joined := s.joinedPresence
	s.joinedPresence = false
	s.state = StateClosed
	s.mu.Unlock()

	if joined {
		if err := s.presence.Leave(ctx, s.room, s.nick); err != nil {
			log.Printf("[session] presence rollback failed for %s/%s: %v", s.room, s.nick, err)
		}
	}
}

func (s *Session) runProbe(ctx context.Context) {
	_, err := s.channel.Send(ctx, s.room, domain.Message{Nick: s.nick, Text: probeText, Diag: true})
	if err != nil {
		s.emitStatus(SeverityWarn, fmt.Sprintf("🔴 Test-Schreiben FEHLER: %v", err))
		return
	}
	s.emitStatus(SeverityInfo, "🟢 Test-Schreiben ok.")
}

// Send moderates and appends one message. The raw text is classified
// before anything else; any match rejects locally without a backend
// call, preserving the caller's input for editing. A transport failure
// degrades the session; the next success restores Active.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	switch s.state {
	case StateActive, StateDegraded:
	case StateClosed:
		s.mu.Unlock()
		return domain.ErrSessionClosed
	default:
		s.mu.Unlock()
		return fmt.Errorf("session: send in state %s", s.state)
	}
	s.mu.Unlock()

	verdict := s.filter.Classify(text)
	if verdict.Any {
		if verdict.Hard {
			s.emitStatus(SeverityWarn, "⚠️ Unangemessene Sprache ist nicht erlaubt. Bitte formuliere respektvoll.")
		} else {
			s.emitStatus(SeverityWarn, "⚠️ Bitte bleib freundlich. Deine Nachricht wurde nicht gesendet.")
		}
		return domain.ErrModerationBlocked
	}

	_, err := s.channel.Send(ctx, s.room, domain.Message{Nick: s.nick, Text: text})
	if errors.Is(err, domain.ErrEmptyMessage) {
		// Local validation, the backend was never contacted.
		s.emitStatus(SeverityWarn, "❗️ Leere Nachrichten werden nicht gesendet.")
		return err
	}
	if err != nil {
		s.emitStatus(SeverityError, fmt.Sprintf("❗️ Senden fehlgeschlagen: %v", err))
		s.mu.Lock()
		if s.state == StateActive {
			s.state = StateDegraded
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	recovered := s.state == StateDegraded
	if recovered {
		s.state = StateActive
	}
	s.mu.Unlock()
	if recovered {
		s.emitStatus(SeverityInfo, "✅ Verbindung wiederhergestellt.")
	}
	return nil
}

// IsModerationBlocked reports whether err marks a message the gate
// rejected locally. Such a message never reached the backend.
func IsModerationBlocked(err error) bool {
	return errors.Is(err, domain.ErrModerationBlocked)
}

// Leave detaches both feeds, withdraws presence and closes the session.
// Closed is terminal; every later operation returns ErrSessionClosed.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.state = StateLeaving
	unsubMsgs := s.unsubMessages
	unsubRoster := s.unsubRoster
	joined := s.joinedPresence
	s.unsubMessages = nil
	s.unsubRoster = nil
	s.joinedPresence = false
	s.mu.Unlock()

	if unsubMsgs != nil {
		unsubMsgs()
	}
	if unsubRoster != nil {
		unsubRoster()
	}

	var leaveErr error
	if joined {
		if err := s.presence.Leave(ctx, s.room, s.nick); err != nil {
			log.Printf("[session] presence leave failed for %s/%s: %v", s.room, s.nick, err)
			s.emitStatus(SeverityWarn, fmt.Sprintf("⚠️ Abmelden unvollständig: %v", err))
			leaveErr = err
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.emitStatus(SeverityInfo, "👋 Du hast den Raum verlassen.")
	return leaveErr
}

func (s *Session) emitStatus(sev Severity, line string) {
	if s.listener.OnStatus != nil {
		s.listener.OnStatus(Status{Severity: sev, Line: line})
	}
}
