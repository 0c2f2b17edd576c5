package bridge

import "errors"

var (
	// ErrMalformedLabel is returned when a match label lacks a required field or is not a JSON record.
	ErrMalformedLabel = errors.New("malformed room label")
	// ErrUnknownOpCode is returned when received match state carries an op code with no registered handler.
	ErrUnknownOpCode = errors.New("no handler registered for op code")
	// ErrNotConnected is returned by room operations issued before ConnectToServer succeeded.
	ErrNotConnected = errors.New("not connected to server")
	// ErrNotInRoom is returned by operations that need a joined room.
	ErrNotInRoom = errors.New("not in a room")
)

// ConnectionError reports a failure to authenticate or open the realtime socket.
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RoomError reports a failure to create or join a room, either refused by the
// backend or caused by the transport.
type RoomError struct {
	Message string
	Err     error
}

func (e *RoomError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *RoomError) Unwrap() error { return e.Err }
