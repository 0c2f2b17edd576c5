// Package network defines the contract between the turn-based game framework and
// whatever carries its rooms and actions over the network.
package network

import "context"

// User is a room member as the framework sees it. Values are never mutated; a
// change of role produces a new User.
type User struct {
	ID         string
	Name       string
	Properties map[string]any
	IsHost     bool
}

// WithHost returns a copy of u with the host flag set to isHost.
func (u User) WithHost(isHost bool) User {
	u.IsHost = isHost
	return u
}

// RoomInfo summarises a room for listings.
type RoomInfo struct {
	ID          string
	Name        string
	PlayerCount int
	MaxPlayers  int
	Seed        int64
	HostID      string
}

// RoomData is the snapshot delivered when the local user has joined a room.
//
// Invariant: Users[0] == LocalUser; PlayerCount == len(Users).
type RoomData struct {
	LocalUser   User
	Users       []User
	PlayerCount int
	MaxPlayers  int
	Name        string
	ID          string
}

// ActionParams is the payload of a relayed action.
type ActionParams map[string]any

// ActionHandler consumes a decoded action.
type ActionHandler func(params ActionParams)

// HandlerTable maps op codes to the handlers the framework registered for them.
// It is owned by the framework and only read by the connection.
type HandlerTable map[int64]ActionHandler

// Listener receives the connection's lifecycle events.
type Listener interface {
	ServerConnected()
	RoomJoined(room RoomData)
	CreateRoomFailed(message string)
	JoinRoomFailed(message string)
	RoomExited()
	PlayerEnteredRoom(user User)
	PlayerLeftRoom(user User)
}

// Randomizer is the framework's shared deterministic random generator. Every client
// in a room seeds it with the room seed so that they all draw the same values.
type Randomizer interface {
	Seed(seed int64)
}

// Connection is the framework's abstract network connection.
type Connection interface {
	ConnectToServer(ctx context.Context, userName string, params map[string]any) error
	JoinQuickMatch(ctx context.Context) error
	CreateRoom(ctx context.Context, name string, maxPlayers int, isPrivate bool, params map[string]any) error
	JoinRoomByName(ctx context.Context, name string) error
	JoinRoomByID(ctx context.Context, id string) error
	LeaveRoom(ctx context.Context) error
	GetRoomList(ctx context.Context) ([]RoomInfo, error)
	SendMatchState(ctx context.Context, opCode int64, params ActionParams) error
}
