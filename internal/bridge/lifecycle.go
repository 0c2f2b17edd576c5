package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
	"github.com/cory-johannsen/matchlink/internal/game/network"
)

// Server functions backing the room lifecycle.
const (
	rpcCreateMatch    = "create_custom_match"
	rpcFindMatch      = "find_custom_match"
	rpcUserProperties = "get_user_properties"
)

// Messages carried by the framework failure events.
const (
	msgRoomNotFound       = "Room not found"
	msgCouldNotJoin       = "Could not join the room"
	msgCouldNotCreate     = "Could not create the room"
	msgCouldNotQuickMatch = "Could not join quick match"
)

type createMatchRequest struct {
	RoomName         string         `json:"roomName"`
	MaxPlayers       int            `json:"maxPlayers"`
	IsPrivate        bool           `json:"isPrivate"`
	CustomProperties map[string]any `json:"customProperties,omitempty"`
}

type createMatchResponse struct {
	MatchID string `json:"matchId"`
	Error   string `json:"error"`
}

type findMatchRequest struct {
	RoomName string `json:"roomName"`
}

type findMatchResponse struct {
	MatchID string `json:"matchId"`
}

// failFunc raises the framework event matching the operation that failed.
type failFunc func(message string)

// CreateRoom asks the backend for a new custom match and joins it as host.
//
// Postcondition: On success RoomJoined has been raised. The join gate is released
// on every path. On failure CreateRoomFailed has been raised and a *RoomError is returned, except
// for a malformed label which is returned unannounced.
func (b *Bridge) CreateRoom(ctx context.Context, name string, maxPlayers int, isPrivate bool, params map[string]any) error {
	sess, err := b.current()
	if err != nil {
		return err
	}
	fail := failFunc(b.listener.CreateRoomFailed)

	payload, err := json.Marshal(createMatchRequest{
		RoomName:         name,
		MaxPlayers:       maxPlayers,
		IsPrivate:        isPrivate,
		CustomProperties: params,
	})
	if err != nil {
		return fmt.Errorf("encoding create request: %w", err)
	}
	raw, err := sess.socket.RPC(ctx, rpcCreateMatch, string(payload))
	if err != nil {
		return b.roomFailed(fail, msgCouldNotCreate, &RoomError{Message: "could not create the room", Err: err})
	}
	var resp createMatchResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return b.roomFailed(fail, msgCouldNotCreate, &RoomError{Message: "could not create the room", Err: err})
	}
	if resp.Error != "" {
		return b.roomFailed(fail, resp.Error, &RoomError{Message: resp.Error})
	}

	b.gate.Begin(resp.MatchID)
	defer b.gate.Done(resp.MatchID)
	match, err := sess.socket.JoinMatch(ctx, resp.MatchID, nil)
	if err != nil {
		return b.roomFailed(fail, msgCouldNotJoin, &RoomError{Message: "could not join the room", Err: err})
	}
	return b.enterRoom(ctx, sess, match, true, fail)
}

// JoinRoomByName resolves a room name to its match id and joins it.
//
// Postcondition: An unknown name raises JoinRoomFailed("Room not found") and returns
// a *RoomError.
func (b *Bridge) JoinRoomByName(ctx context.Context, name string) error {
	sess, err := b.current()
	if err != nil {
		return err
	}
	fail := failFunc(b.listener.JoinRoomFailed)

	payload, err := json.Marshal(findMatchRequest{RoomName: name})
	if err != nil {
		return fmt.Errorf("encoding find request: %w", err)
	}
	raw, err := sess.socket.RPC(ctx, rpcFindMatch, string(payload))
	if err != nil {
		return b.roomFailed(fail, msgCouldNotJoin, &RoomError{Message: "could not join the room", Err: err})
	}
	var resp findMatchResponse
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return b.roomFailed(fail, msgCouldNotJoin, &RoomError{Message: "could not join the room", Err: err})
		}
	}
	if resp.MatchID == "" {
		return b.roomFailed(fail, msgRoomNotFound, &RoomError{Message: "room not found"})
	}
	return b.JoinRoomByID(ctx, resp.MatchID)
}

// JoinRoomByID joins the match with the given id.
//
// Postcondition: On success RoomJoined has been raised. The join gate is released
// on every path. A transport failure raises JoinRoomFailed and returns a *RoomError.
func (b *Bridge) JoinRoomByID(ctx context.Context, id string) error {
	sess, err := b.current()
	if err != nil {
		return err
	}
	fail := failFunc(b.listener.JoinRoomFailed)
	b.gate.Begin(id)
	defer b.gate.Done(id)

	match, err := sess.socket.JoinMatch(ctx, id, nil)
	if err != nil {
		return b.roomFailed(fail, msgCouldNotJoin, &RoomError{Message: "could not join the room", Err: err})
	}
	return b.enterRoom(ctx, sess, match, false, fail)
}

// JoinQuickMatch hands the client to the matchmaker. The room is joined later, when
// the matchmaker result arrives through Run.
func (b *Bridge) JoinQuickMatch(ctx context.Context) error {
	sess, err := b.current()
	if err != nil {
		return err
	}
	ticket, err := sess.socket.AddMatchmaker(ctx, nakama.MatchmakerRequest{
		Query:            b.matchmaker.Query,
		MinCount:         b.matchmaker.MinCount,
		MaxCount:         b.matchmaker.MaxCount,
		StringProperties: stringVars(sess.params),
	})
	if err != nil {
		return b.roomFailed(b.listener.JoinRoomFailed, msgCouldNotQuickMatch, &RoomError{Message: "could not join quick match", Err: err})
	}
	b.logger.Info("waiting for matchmaker",
		zap.String("ticket", ticket.Ticket),
		zap.String("query", b.matchmaker.Query),
	)
	return nil
}

// LeaveRoom leaves the joined room. The backend leave is best effort: its failure is
// logged and the local state is cleared regardless.
//
// Postcondition: The presence set is empty and RoomExited has been raised. Later
// presence changes for the left match are discarded. Returns ErrNotInRoom, without raising anything, when
// no room is joined.
func (b *Bridge) LeaveRoom(ctx context.Context) error {
	sess, rm, err := b.currentRoom()
	if err != nil {
		return err
	}

	if err := sess.socket.LeaveMatch(ctx, rm.id); err != nil {
		b.roomLogger(rm.id).Warn("leaving match", zap.Error(err))
	}

	b.mu.Lock()
	if sess.room == rm {
		sess.room = nil
	}
	b.mu.Unlock()

	b.roomLogger(rm.id).Info("left room")
	b.listener.RoomExited()
	return nil
}

// onMatchFound joins the match the matchmaker formed for this client.
//
// Precondition: Called only from the dispatch loop, so presence changes for the
// new match are queued behind it and need no join gate.
func (b *Bridge) onMatchFound(ctx context.Context, m *nakama.MatchmakerMatched) error {
	sess, err := b.current()
	if err != nil {
		b.logger.Warn("matchmaker result without connection", zap.String("ticket", m.Ticket))
		return nil
	}
	fail := failFunc(b.listener.JoinRoomFailed)

	var match *nakama.Match
	if m.MatchID != "" {
		match, err = sess.socket.JoinMatch(ctx, m.MatchID, nil)
	} else {
		match, err = sess.socket.JoinMatchToken(ctx, m.Token)
	}
	if err != nil {
		_ = b.roomFailed(fail, msgCouldNotJoin, &RoomError{Message: "could not join the room", Err: err})
		return nil
	}

	err = b.enterRoom(ctx, sess, match, false, fail)
	if err != nil && isFatal(err) {
		return err
	}
	return nil
}

// enterRoom builds the room snapshot for a joined match: label, host flag, member
// properties, shared seed. It raises RoomJoined last; the caller releases the join
// gate.
func (b *Bridge) enterRoom(ctx context.Context, sess *session, match *nakama.Match, creator bool, fail failFunc) error {
	logger := b.roomLogger(match.MatchID)

	label, err := ParseLabel(match.Label)
	if err != nil {
		logger.Error("joined match carries a malformed label", zap.String("label", match.Label), zap.Error(err))
		return fmt.Errorf("room %s: %w", match.MatchID, err)
	}

	self := nakama.UserPresence{UserID: sess.auth.UserID, Username: sess.auth.Username}
	if match.Self != nil {
		self = *match.Self
	}
	if self.Username == "" {
		self.Username = sess.userName
	}

	local, err := b.fetchUser(ctx, sess.socket, self, label)
	if err != nil {
		return b.roomFailed(fail, msgCouldNotJoin, &RoomError{Message: "could not join the room", Err: err})
	}
	if creator {
		local = local.WithHost(true)
	}

	presences := presenceSet{}
	presences.add(self)
	users := []network.User{local}
	for _, p := range match.Presences {
		if !presences.add(p) {
			continue
		}
		u, err := b.fetchUser(ctx, sess.socket, p, label)
		if err != nil {
			return b.roomFailed(fail, msgCouldNotJoin, &RoomError{Message: "could not join the room", Err: err})
		}
		users = append(users, u)
	}

	b.random.Seed(label.Seed)

	b.mu.Lock()
	sess.room = &room{
		id:        match.MatchID,
		label:     label,
		local:     local,
		selfKey:   presenceKey(self),
		presences: presences,
	}
	b.mu.Unlock()

	logger.Info("joined room",
		zap.String("room_name", label.RoomName),
		zap.Bool("host", local.IsHost),
		zap.Int("players", len(users)),
		zap.Int("max_players", label.MaxPlayers),
		zap.Int64("seed", label.Seed),
	)
	b.listener.RoomJoined(network.RoomData{
		LocalUser:   local,
		Users:       users,
		PlayerCount: len(users),
		MaxPlayers:  label.MaxPlayers,
		Name:        label.RoomName,
		ID:          match.MatchID,
	})
	return nil
}

type userPropertiesRequest struct {
	UserID string `json:"userId"`
}

type userPropertiesResponse struct {
	Properties map[string]any `json:"properties"`
}

// fetchUser resolves a presence into a framework user with its stored properties.
func (b *Bridge) fetchUser(ctx context.Context, sock Socket, p nakama.UserPresence, label RoomLabel) (network.User, error) {
	payload, err := json.Marshal(userPropertiesRequest{UserID: p.UserID})
	if err != nil {
		return network.User{}, fmt.Errorf("encoding properties request: %w", err)
	}
	raw, err := sock.RPC(ctx, rpcUserProperties, string(payload))
	if err != nil {
		return network.User{}, fmt.Errorf("fetching properties of %s: %w", p.UserID, err)
	}
	var resp userPropertiesResponse
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return network.User{}, fmt.Errorf("decoding properties of %s: %w", p.UserID, err)
		}
	}
	if resp.Properties == nil {
		resp.Properties = map[string]any{}
	}
	return network.User{
		ID:         p.UserID,
		Name:       p.Username,
		Properties: resp.Properties,
		IsHost:     label.IsHost(p.UserID),
	}, nil
}

// roomFailed raises the failure event and returns err.
func (b *Bridge) roomFailed(fail failFunc, message string, err *RoomError) error {
	b.logger.Warn("room operation failed", zap.String("message", message), zap.Error(err))
	fail(message)
	return err
}
