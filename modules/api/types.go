package api

// WSFrame is the framing for both directions of the WebSocket.
// Inbound frames use Type "message" or "leave"; outbound frames use
// Type "message", "roster", "status", "closed" or "error".
type WSFrame struct {
	Type      string   `json:"type"`
	Content   string   `json:"content,omitempty"`
	Key       string   `json:"key,omitempty"`
	Nick      string   `json:"nick,omitempty"`
	Text      string   `json:"text,omitempty"`
	Timestamp int64    `json:"ts,omitempty"`
	Diag      bool     `json:"diag,omitempty"`
	Users     []string `json:"users,omitempty"`
	Severity  string   `json:"severity,omitempty"`
	Line      string   `json:"line,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Inbound frame types.
const (
	WSTypeMessage = "message"
	WSTypeLeave   = "leave"
)

// Outbound frame types.
const (
	WSTypeRoster = "roster"
	WSTypeStatus = "status"
	WSTypeClosed = "closed"
	WSTypeError  = "error"
)

// RosterResponse is the API response for a room's roster.
type RosterResponse struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// ErrorResponse is the API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the API health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}
