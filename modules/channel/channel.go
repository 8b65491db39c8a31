// Package channel implements the append-only message stream of a room:
// bounded writes stamped by the backend, and ordered subscriptions that
// replay history before going live.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	domain "github.com/example/roomsync-demo/domain/room"
	"github.com/example/roomsync-demo/modules/store"
)

// Channel publishes and consumes messages of rooms over one store
// connection.
type Channel struct {
	conn store.Conn
}

// NewChannel creates a channel on conn.
func NewChannel(conn store.Conn) *Channel {
	return &Channel{conn: conn}
}

// Send appends a message to the room's stream. The text is trimmed of
// surrounding whitespace and truncated to the transport bound before the
// write; the timestamp is assigned by the backend, never by the sender.
// Returns the key of the appended entry.
func (c *Channel) Send(ctx context.Context, room string, msg domain.Message) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", domain.ErrEmptyMessage
	}

	value := map[string]any{
		"nick": msg.Nick,
		"text": domain.TruncateText(text),
		"ts":   store.ServerTimestamp,
	}
	if msg.Diag {
		value["_diag"] = true
	}

	key, err := c.conn.Push(ctx, store.MessagesPath(room), value)
	if err != nil {
		return "", fmt.Errorf("channel: append message: %w", err)
	}
	return key, nil
}

// Subscribe delivers every existing message of the room in append order,
// then each new one exactly once as it arrives. Entries that do not
// decode into a message are skipped without ending the subscription.
func (c *Channel) Subscribe(room string, fn func(key string, msg domain.Message)) (store.UnsubscribeFunc, error) {
	unsub, err := c.conn.ChildAdded(store.MessagesPath(room), func(key string, value map[string]any) {
		msg, err := decodeMessage(value)
		if err != nil {
			log.Printf("[channel] skipping malformed entry %s in room %q: %v", key, room, err)
			return
		}
		fn(key, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("channel: subscribe messages: %w", err)
	}
	return unsub, nil
}

func decodeMessage(value map[string]any) (domain.Message, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return domain.Message{}, err
	}
	var msg domain.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Message{}, err
	}
	if msg.Nick == "" || msg.Text == "" {
		return domain.Message{}, fmt.Errorf("entry missing nick or text")
	}
	return msg, nil
}
