package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/cory-johannsen/matchlink/internal/game/network"
)

// RoomLabel is the record the backend attaches to every custom match.
type RoomLabel struct {
	Seed       int64  `json:"seed"`
	Host       string `json:"host"`
	MaxPlayers int    `json:"maxPlayers"`
	RoomName   string `json:"roomName"`
}

// ParseLabel decodes a match label.
//
// Postcondition: Returns the label, or an error wrapping ErrMalformedLabel when the
// label is not a JSON object or any of seed, host, maxPlayers, roomName is absent.
func ParseLabel(s string) (RoomLabel, error) {
	var raw struct {
		Seed       *int64  `json:"seed"`
		Host       *string `json:"host"`
		MaxPlayers *int    `json:"maxPlayers"`
		RoomName   *string `json:"roomName"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return RoomLabel{}, fmt.Errorf("%w: %v", ErrMalformedLabel, err)
	}
	switch {
	case raw.Seed == nil:
		return RoomLabel{}, fmt.Errorf("%w: missing seed", ErrMalformedLabel)
	case raw.Host == nil:
		return RoomLabel{}, fmt.Errorf("%w: missing host", ErrMalformedLabel)
	case raw.MaxPlayers == nil:
		return RoomLabel{}, fmt.Errorf("%w: missing maxPlayers", ErrMalformedLabel)
	case raw.RoomName == nil:
		return RoomLabel{}, fmt.Errorf("%w: missing roomName", ErrMalformedLabel)
	}
	return RoomLabel{
		Seed:       *raw.Seed,
		Host:       *raw.Host,
		MaxPlayers: *raw.MaxPlayers,
		RoomName:   *raw.RoomName,
	}, nil
}

// String encodes the label in its wire form.
func (l RoomLabel) String() string {
	data, _ := json.Marshal(l)
	return string(data)
}

// IsHost reports whether userID is the room host. Host identity is decided by the
// label alone, never by arrival order.
func (l RoomLabel) IsHost(userID string) bool {
	return userID != "" && userID == l.Host
}

// RoomInfo builds the listing entry for a match with this label.
func (l RoomLabel) RoomInfo(matchID string, size int) network.RoomInfo {
	return network.RoomInfo{
		ID:          matchID,
		Name:        l.RoomName,
		PlayerCount: size,
		MaxPlayers:  l.MaxPlayers,
		Seed:        l.Seed,
		HostID:      l.Host,
	}
}
