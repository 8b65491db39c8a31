// Package room holds the domain types shared by the realtime room engine.
package room

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Limits applied before anything reaches the backend.
const (
	MaxMessageRunes = 500
	MaxNickLength   = 50
	MaxRoomLength   = 100
)

// Domain errors.
var (
	ErrEmptyMessage      = errors.New("message text cannot be empty")
	ErrEmptyNick         = errors.New("nickname cannot be empty")
	ErrEmptyRoom         = errors.New("room key cannot be empty")
	ErrNickTooLong       = errors.New("nickname exceeds maximum length")
	ErrRoomTooLong       = errors.New("room key exceeds maximum length")
	ErrNickInvalid       = errors.New("nickname contains invalid characters")
	ErrRoomInvalid       = errors.New("room key contains invalid characters")
	ErrModerationBlocked = errors.New("message blocked by moderation")
	ErrSessionClosed     = errors.New("session is closed")
)

// Message is one immutable entry of a room's append-only message log.
// Timestamp is assigned by the backend, in milliseconds since epoch,
// monotonically non-decreasing per room.
type Message struct {
	Nick      string `json:"nick"`
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`
	Diag      bool   `json:"_diag,omitempty"`
}

// Roster is a point-in-time mapping of nickname to liveness for a room.
// Each delivery replaces the subscriber's entire view; it is not a delta.
type Roster map[string]bool

// Nicks returns the present nicknames in no particular order.
func (r Roster) Nicks() []string {
	nicks := make([]string, 0, len(r))
	for nick, live := range r {
		if live {
			nicks = append(nicks, nick)
		}
	}
	return nicks
}

// Contains reports whether nick is present and live.
func (r Roster) Contains(nick string) bool {
	return r[nick]
}

// Participant identifies one (room, nickname) registration. Uniqueness is
// not enforced; two sessions may share a nickname.
type Participant struct {
	Room string `json:"room"`
	Nick string `json:"nick"`
}

// CanonicalNick trims surrounding whitespace from a nickname. This is the
// single trim rule applied everywhere a nickname enters the system.
func CanonicalNick(nick string) string {
	return strings.TrimSpace(nick)
}

// CanonicalRoom trims surrounding whitespace from a room key.
func CanonicalRoom(key string) string {
	return strings.TrimSpace(key)
}

// TruncateText bounds message text to MaxMessageRunes runes.
func TruncateText(text string) string {
	if utf8.RuneCountInString(text) <= MaxMessageRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxMessageRunes])
}

// ValidateNick validates a canonical nickname.
func ValidateNick(nick string) error {
	if nick == "" {
		return ErrEmptyNick
	}
	if len(nick) > MaxNickLength {
		return ErrNickTooLong
	}
	if !utf8.ValidString(nick) {
		return ErrNickInvalid
	}
	return nil
}

// ValidateRoom validates a canonical room key.
func ValidateRoom(key string) error {
	if key == "" {
		return ErrEmptyRoom
	}
	if len(key) > MaxRoomLength {
		return ErrRoomTooLong
	}
	if !utf8.ValidString(key) {
		return ErrRoomInvalid
	}
	return nil
}
