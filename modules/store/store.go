// Package store provides the realtime tree store the room engine runs on:
// ordered child appends with server-assigned timestamps, leaf values with
// full-value watch notifications, and removal arranged to fire when a
// connection is lost. Two backends implement the contract, an in-process
// one and a Redis one.
package store

import (
	"context"
	"errors"
	"net/url"
)

// Common errors.
var (
	ErrConnClosed  = errors.New("store: connection closed")
	ErrStoreClosed = errors.New("store: store closed")
)

// ServerTimestamp is a sentinel value. Any field of a pushed record holding
// it is replaced by the backend with the append timestamp in milliseconds
// since epoch, monotonically non-decreasing per path.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

// ChildFunc receives one appended child: its backend-assigned key and value.
type ChildFunc func(key string, value map[string]any)

// ValueFunc receives the full current value of a watched branch as a
// mapping of child name to leaf value. It replaces any previous delivery.
type ValueFunc func(value map[string]any)

// UnsubscribeFunc stops a subscription. It is idempotent; once it returns,
// no further callbacks are delivered apart from ones already in flight.
type UnsubscribeFunc func()

// CancelFunc withdraws a pending disconnect removal. Idempotent.
type CancelFunc func()

// Store hands out connections to the tree.
type Store interface {
	// Connect opens one logical connection. Disconnect removals registered
	// through the returned Conn fire when that connection is lost.
	Connect(ctx context.Context) (Conn, error)
	// Close releases the store and every open connection.
	Close() error
}

// Conn is one client's connection to the store. All methods are safe for
// concurrent use. Callbacks of a single subscription are invoked
// sequentially, appends in append order.
type Conn interface {
	// Push appends value as a new child of path and returns its key.
	// Keys sort in append order.
	Push(ctx context.Context, path string, value map[string]any) (string, error)
	// Set writes the leaf at path, creating it if absent.
	Set(ctx context.Context, path string, value any) error
	// Remove deletes the leaf at path. Removing an absent leaf is not an error.
	Remove(ctx context.Context, path string) error
	// ChildAdded delivers every retained child of path in append order,
	// then every newly appended one, each exactly once.
	ChildAdded(path string, fn ChildFunc) (UnsubscribeFunc, error)
	// Watch delivers the full value of the branch at path, once at
	// subscribe time and on every leaf change beneath it.
	Watch(path string, fn ValueFunc) (UnsubscribeFunc, error)
	// OnDisconnectRemove arranges removal of the leaf at path when this
	// connection is lost, independent of client-side code running.
	OnDisconnectRemove(path string) (CancelFunc, error)
	// Close releases the connection. Pending disconnect removals fire.
	Close() error
}

// Canonical path layout. Room keys and nicknames are escaped so they are
// safe as single path segments.

// MessagesPath is the append log of a room.
func MessagesPath(room string) string {
	return "rooms/" + url.PathEscape(room) + "/messages"
}

// UsersPath is the branch holding a room's liveness leaves.
func UsersPath(room string) string {
	return "rooms/" + url.PathEscape(room) + "/users"
}

// UserPath is the liveness leaf of one participant.
func UserPath(room, nick string) string {
	return UsersPath(room) + "/" + url.PathEscape(nick)
}

// stampValue returns a copy of value with every ServerTimestamp sentinel
// replaced by ts.
func stampValue(value map[string]any, ts int64) map[string]any {
	stamped := make(map[string]any, len(value))
	for k, v := range value {
		if v == ServerTimestamp {
			stamped[k] = ts
		} else {
			stamped[k] = v
		}
	}
	return stamped
}

// timestampMarker is the wire encoding of the ServerTimestamp sentinel for
// backends that resolve the timestamp at read time.
var timestampMarker = map[string]any{".sv": "timestamp"}

// encodeSentinels replaces ServerTimestamp sentinels with their wire marker.
func encodeSentinels(value map[string]any) map[string]any {
	encoded := make(map[string]any, len(value))
	for k, v := range value {
		if v == ServerTimestamp {
			encoded[k] = timestampMarker
		} else {
			encoded[k] = v
		}
	}
	return encoded
}

// resolveSentinels replaces wire markers with the backend-assigned ts.
func resolveSentinels(value map[string]any, ts int64) map[string]any {
	resolved := make(map[string]any, len(value))
	for k, v := range value {
		if m, ok := v.(map[string]any); ok && len(m) == 1 && m[".sv"] == "timestamp" {
			resolved[k] = ts
		} else {
			resolved[k] = v
		}
	}
	return resolved
}

// splitLeaf splits a leaf path into its parent branch and final segment.
func splitLeaf(path string) (branch, leaf string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return "", path
}
