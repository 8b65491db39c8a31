package events

import (
	"time"

	"github.com/go-monolith/mono/pkg/helper"
)

// MessageAcceptedEvent is emitted when a message passes moderation and
// is appended to a room's stream.
type MessageAcceptedEvent struct {
	Room      string    `json:"room"`
	Nick      string    `json:"nick"`
	Length    int       `json:"length"`
	Timestamp time.Time `json:"timestamp"`
}

// ModerationBlockedEvent is emitted when a message is rejected locally
// and never reaches the backend.
type ModerationBlockedEvent struct {
	Room      string    `json:"room"`
	Nick      string    `json:"nick"`
	Length    int       `json:"length"`
	Timestamp time.Time `json:"timestamp"`
}

// ParticipantJoinedEvent is emitted when a participant's session
// becomes usable.
type ParticipantJoinedEvent struct {
	Room      string    `json:"room"`
	Nick      string    `json:"nick"`
	Degraded  bool      `json:"degraded"`
	Timestamp time.Time `json:"timestamp"`
}

// ParticipantLeftEvent is emitted when a session closes, whether by an
// orderly leave or a dropped connection.
type ParticipantLeftEvent struct {
	Room      string    `json:"room"`
	Nick      string    `json:"nick"`
	Orderly   bool      `json:"orderly"`
	Timestamp time.Time `json:"timestamp"`
}

// Event definitions for the room domain.
var (
	MessageAcceptedV1 = helper.EventDefinition[MessageAcceptedEvent](
		"room",
		"MessageAccepted",
		"v1",
	)

	ModerationBlockedV1 = helper.EventDefinition[ModerationBlockedEvent](
		"room",
		"ModerationBlocked",
		"v1",
	)

	ParticipantJoinedV1 = helper.EventDefinition[ParticipantJoinedEvent](
		"room",
		"ParticipantJoined",
		"v1",
	)

	ParticipantLeftV1 = helper.EventDefinition[ParticipantLeftEvent](
		"room",
		"ParticipantLeft",
		"v1",
	)
)
