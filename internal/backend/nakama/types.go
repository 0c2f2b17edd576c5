// Package nakama is a client for the multiplayer backend's HTTP API and realtime
// JSON socket: device authentication, match listing, RPCs, match join/leave,
// match data relay, the matchmaker and the related push notifications.
package nakama

import (
	"errors"
	"fmt"
)

// UserPresence identifies one user session connected to a match.
type UserPresence struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	Username    string `json:"username"`
	Persistence bool   `json:"persistence,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Match is the backend's view of a realtime match, returned by a join.
type Match struct {
	MatchID       string         `json:"match_id"`
	Authoritative bool           `json:"authoritative"`
	Label         string         `json:"label"`
	Size          int            `json:"size"`
	Presences     []UserPresence `json:"presences"`
	Self          *UserPresence  `json:"self,omitempty"`
}

// MatchSummary is an entry of the match listing.
type MatchSummary struct {
	MatchID       string `json:"match_id"`
	Authoritative bool   `json:"authoritative"`
	Label         string `json:"label"`
	Size          int    `json:"size"`
	TickRate      int    `json:"tick_rate,omitempty"`
	HandlerName   string `json:"handler_name,omitempty"`
}

// MatchData is a relayed state message received from a match.
type MatchData struct {
	MatchID  string        `json:"match_id"`
	Presence *UserPresence `json:"presence,omitempty"`
	OpCode   int64         `json:"op_code,string"`
	Data     []byte        `json:"data,omitempty"`
	Reliable bool          `json:"reliable,omitempty"`
}

// MatchPresenceEvent reports users joining and leaving a match.
type MatchPresenceEvent struct {
	MatchID string         `json:"match_id"`
	Joins   []UserPresence `json:"joins,omitempty"`
	Leaves  []UserPresence `json:"leaves,omitempty"`
}

// MatchmakerUser is one participant of a matchmaker result.
type MatchmakerUser struct {
	Presence          UserPresence       `json:"presence"`
	StringProperties  map[string]string  `json:"string_properties,omitempty"`
	NumericProperties map[string]float64 `json:"numeric_properties,omitempty"`
}

// MatchmakerMatched is pushed when the matchmaker has formed a match for this client.
// Exactly one of MatchID and Token is set.
type MatchmakerMatched struct {
	Ticket  string           `json:"ticket"`
	MatchID string           `json:"match_id,omitempty"`
	Token   string           `json:"token,omitempty"`
	Users   []MatchmakerUser `json:"users,omitempty"`
	Self    *MatchmakerUser  `json:"self,omitempty"`
}

// MatchmakerTicket acknowledges a matchmaker add.
type MatchmakerTicket struct {
	Ticket string `json:"ticket"`
}

// MatchmakerRequest describes the match the client is willing to join.
type MatchmakerRequest struct {
	Query             string             `json:"query"`
	MinCount          int                `json:"min_count"`
	MaxCount          int                `json:"max_count"`
	StringProperties  map[string]string  `json:"string_properties,omitempty"`
	NumericProperties map[string]float64 `json:"numeric_properties,omitempty"`
}

// ErrSocketClosed is returned by socket requests issued on, or pending on, a closed socket.
var ErrSocketClosed = errors.New("socket closed")

// Error is an error reported by the backend, over HTTP or the socket.
type Error struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}
