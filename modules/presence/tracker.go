// Package presence maintains the liveness records of a room and the live
// roster view derived from them.
package presence

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	domain "github.com/example/roomsync-demo/domain/room"
	"github.com/example/roomsync-demo/modules/store"
)

// Tracker registers liveness for participants over one store connection.
// It never retries; failures surface to the caller as non-fatal errors.
type Tracker struct {
	conn store.Conn

	mu            sync.Mutex
	registrations map[string]store.CancelFunc
}

// NewTracker creates a tracker on conn.
func NewTracker(conn store.Conn) *Tracker {
	return &Tracker{
		conn:          conn,
		registrations: make(map[string]store.CancelFunc),
	}
}

// Join registers a liveness record for (room, nick). The disconnect
// removal is arranged before the record is written, so a connection drop
// in between still results in cleanup rather than an orphaned record.
func (t *Tracker) Join(ctx context.Context, room, nick string) error {
	path := store.UserPath(room, nick)

	cancel, err := t.conn.OnDisconnectRemove(path)
	if err != nil {
		return fmt.Errorf("presence: arrange disconnect cleanup: %w", err)
	}
	if err := t.conn.Set(ctx, path, true); err != nil {
		cancel()
		return fmt.Errorf("presence: register liveness: %w", err)
	}

	t.mu.Lock()
	if prev := t.registrations[path]; prev != nil {
		prev()
	}
	t.registrations[path] = cancel
	t.mu.Unlock()
	return nil
}

// Leave removes the liveness record and withdraws the pending disconnect
// removal. Correctness does not depend on the withdrawal: a removal that
// later fires against an absent record is harmless.
func (t *Tracker) Leave(ctx context.Context, room, nick string) error {
	path := store.UserPath(room, nick)

	if err := t.conn.Remove(ctx, path); err != nil {
		return fmt.Errorf("presence: remove liveness: %w", err)
	}

	t.mu.Lock()
	if cancel := t.registrations[path]; cancel != nil {
		cancel()
		delete(t.registrations, path)
	}
	t.mu.Unlock()
	return nil
}

// Roster subscribes to the full nickname-to-liveness mapping of room.
// fn receives the current state once at subscribe time and a complete
// replacement snapshot on every change.
func (t *Tracker) Roster(room string, fn func(domain.Roster)) (store.UnsubscribeFunc, error) {
	unsub, err := t.conn.Watch(store.UsersPath(room), func(value map[string]any) {
		roster := make(domain.Roster, len(value))
		for name, v := range value {
			nick, err := url.PathUnescape(name)
			if err != nil {
				nick = name
			}
			live, _ := v.(bool)
			roster[nick] = live
		}
		fn(roster)
	})
	if err != nil {
		return nil, fmt.Errorf("presence: subscribe roster: %w", err)
	}
	return unsub, nil
}
