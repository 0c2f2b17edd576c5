// Package bridge implements the game framework's network connection on top of the
// multiplayer backend: session gateway, room directory, room lifecycle, presence
// tracking and match state relay.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
	"github.com/cory-johannsen/matchlink/internal/config"
	"github.com/cory-johannsen/matchlink/internal/game/network"
	"github.com/cory-johannsen/matchlink/internal/observability"
)

// Backend authenticates, lists matches and opens realtime sockets.
type Backend interface {
	AuthenticateDevice(ctx context.Context, deviceID, username string, vars map[string]string) (*nakama.Session, error)
	ListMatches(ctx context.Context, sess *nakama.Session, limit int) ([]nakama.MatchSummary, error)
	Dial(ctx context.Context, sess *nakama.Session) (Socket, error)
}

// Socket is a live realtime connection. It must not deliver push notifications
// before Start is called.
type Socket interface {
	OnMatchmakerMatched(fn func(*nakama.MatchmakerMatched))
	OnMatchData(fn func(*nakama.MatchData))
	OnMatchPresence(fn func(*nakama.MatchPresenceEvent))
	Start(ctx context.Context)
	RPC(ctx context.Context, id, payload string) (string, error)
	JoinMatch(ctx context.Context, matchID string, metadata map[string]string) (*nakama.Match, error)
	JoinMatchToken(ctx context.Context, token string) (*nakama.Match, error)
	LeaveMatch(ctx context.Context, matchID string) error
	SendMatchState(ctx context.Context, matchID string, opCode int64, data []byte) error
	AddMatchmaker(ctx context.Context, req nakama.MatchmakerRequest) (*nakama.MatchmakerTicket, error)
	Close() error
}

type nakamaBackend struct {
	*nakama.Client
}

// NewNakamaBackend adapts a nakama.Client to Backend.
func NewNakamaBackend(c *nakama.Client) Backend {
	return nakamaBackend{Client: c}
}

func (b nakamaBackend) Dial(ctx context.Context, sess *nakama.Session) (Socket, error) {
	sock, err := b.Client.Dial(ctx, sess)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

// session is the state of one connection, created by ConnectToServer.
type session struct {
	auth     *nakama.Session
	socket   Socket
	cancel   context.CancelFunc
	userName string
	params   map[string]any
	room     *room
}

// room is the joined match. Replaced wholesale on every join, dropped on leave.
type room struct {
	id        string
	label     RoomLabel
	local     network.User
	selfKey   string
	presences presenceSet
}

// Bridge implements network.Connection.
//
// Caller-initiated operations run on the caller's goroutine; push notifications are
// handled one at a time, in arrival order, by Run.
type Bridge struct {
	backend    Backend
	listener   network.Listener
	random     network.Randomizer
	handlers   network.HandlerTable
	codec      Codec
	matchmaker config.MatchmakerConfig
	logger     *zap.Logger
	deviceID   string

	mailbox *mailbox
	gate    *joinGate

	mu   sync.Mutex
	sess *session
}

var _ network.Connection = (*Bridge)(nil)

// New creates a Bridge.
//
// Precondition: every argument must be non-nil; handlers is read, never written.
// Postcondition: Returns a disconnected Bridge. Run must be running for push
// notifications and the ServerConnected event to be delivered.
func New(
	backend Backend,
	listener network.Listener,
	random network.Randomizer,
	handlers network.HandlerTable,
	codec Codec,
	matchmaker config.MatchmakerConfig,
	logger *zap.Logger,
) *Bridge {
	return &Bridge{
		backend:    backend,
		listener:   listener,
		random:     random,
		handlers:   handlers,
		codec:      codec,
		matchmaker: matchmaker,
		logger:     logger,
		deviceID:   uuid.NewString(),
		mailbox:    newMailbox(),
		gate:       newJoinGate(),
	}
}

// Run dispatches push notifications until ctx is done or a notification cannot be
// handled: an unregistered op code, an undecodable payload, a malformed label on a
// matchmaker result or a failed property fetch.
//
// Postcondition: Returns nil when ctx is done, otherwise the fatal error.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		ev, err := b.mailbox.Next(ctx)
		if err != nil {
			return nil
		}
		if err := b.dispatch(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("dispatch loop stopped", zap.Error(err))
			return err
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, ev event) error {
	switch e := ev.(type) {
	case connected:
		b.listener.ServerConnected()
		return nil
	case matchFound:
		return b.onMatchFound(ctx, e.matched)
	case matchStateReceived:
		return b.onMatchState(e.data)
	case presenceChanged:
		return b.onPresence(ctx, e.change)
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
}

// Close drops the connection. The Bridge may connect again afterwards.
func (b *Bridge) Close() error {
	b.mu.Lock()
	sess := b.sess
	b.sess = nil
	b.mu.Unlock()
	b.gate.Clear()
	if sess == nil {
		return nil
	}
	sess.cancel()
	return sess.socket.Close()
}

// UserID returns the authenticated user id, or "" when disconnected.
func (b *Bridge) UserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return ""
	}
	return b.sess.auth.UserID
}

// RoomID returns the id of the joined room, or "" when not in a room.
func (b *Bridge) RoomID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil || b.sess.room == nil {
		return ""
	}
	return b.sess.room.id
}

// Members returns the user ids currently tracked in the joined room.
func (b *Bridge) Members() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil || b.sess.room == nil {
		return nil
	}
	return b.sess.room.presences.userIDs()
}

// current returns the live session, or ErrNotConnected.
func (b *Bridge) current() (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil, ErrNotConnected
	}
	return b.sess, nil
}

// currentRoom returns the session and its room, or ErrNotConnected / ErrNotInRoom.
func (b *Bridge) currentRoom() (*session, *room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil {
		return nil, nil, ErrNotConnected
	}
	if b.sess.room == nil {
		return b.sess, nil, ErrNotInRoom
	}
	return b.sess, b.sess.room, nil
}

func (b *Bridge) roomLogger(matchID string) *zap.Logger {
	return b.logger.With(observability.MatchFields(matchID, b.UserID())...)
}

// isFatal reports whether err must stop the dispatch loop.
func isFatal(err error) bool {
	return errors.Is(err, ErrMalformedLabel) || errors.Is(err, ErrUnknownOpCode)
}
