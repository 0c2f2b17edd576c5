package bot

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/config"
	"github.com/cory-johannsen/matchlink/internal/game/dice"
	"github.com/cory-johannsen/matchlink/internal/game/network"
	"github.com/cory-johannsen/matchlink/internal/scripting"
	"github.com/cory-johannsen/matchlink/internal/storage/postgres"
)

// ErrRoomUnavailable is returned by Start when the configured room could not be
// created or joined.
var ErrRoomUnavailable = errors.New("room unavailable")

// Journal records session events.
type Journal interface {
	Record(ctx context.Context, e postgres.JournalEntry) (postgres.JournalEntry, error)
}

type noopJournal struct{}

func (noopJournal) Record(_ context.Context, e postgres.JournalEntry) (postgres.JournalEntry, error) {
	return e, nil
}

// Strategy overrides the scripted reply to received actions and observes the room.
type Strategy interface {
	OnJoined(room network.RoomData)
	OnPlayerEntered(user network.User)
	OnPlayerLeft(user network.User)
	OnAction(opCode int64, params network.ActionParams) (scripting.Reply, bool)
}

type noopStatus struct{}

func (noopStatus) SetServing(bool) {}

// botEvent is a listener callback or received action, replayed on the bot's own
// goroutine.
type botEvent struct {
	kind    string
	message string
	user    network.User
	room    network.RoomData
	opCode  int64
	params  network.ActionParams
}

// Bot plays a Script over a network.Connection.
//
// Listener callbacks may arrive on any goroutine, including inside a call the bot
// itself made; they are queued and handled by Start.
type Bot struct {
	cfg     config.BotConfig
	script  *Script
	roller  *dice.Roller
	journal Journal
	status  StatusReporter
	logger  *zap.Logger

	sessionID uuid.UUID
	conn      network.Connection
	strategy  Strategy

	mu     sync.Mutex
	queue  []botEvent
	notify chan struct{}
	stop   chan struct{}
	once   sync.Once

	// owned by Start
	room  *network.RoomData
	turn  int
	rooms []network.RoomInfo
}

var _ network.Listener = (*Bot)(nil)

// New creates a Bot. journal and status may be nil.
//
// Precondition: script, roller and logger must be non-nil.
func New(cfg config.BotConfig, script *Script, roller *dice.Roller, journal Journal, status StatusReporter, logger *zap.Logger) *Bot {
	if journal == nil {
		journal = noopJournal{}
	}
	if status == nil {
		status = noopStatus{}
	}
	sid := uuid.New()
	return &Bot{
		cfg:       cfg,
		script:    script,
		roller:    roller,
		journal:   journal,
		status:    status,
		logger:    logger.With(zap.String("bot_session", sid.String())),
		sessionID: sid,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// SessionID identifies this run in the journal.
func (b *Bot) SessionID() uuid.UUID { return b.sessionID }

// Handlers returns a handler table covering every op code of the script.
func (b *Bot) Handlers() network.HandlerTable {
	table := network.HandlerTable{}
	for _, op := range b.script.OpCodes() {
		table[op] = func(params network.ActionParams) {
			b.push(botEvent{kind: "action", opCode: op, params: params})
		}
	}
	return table
}

// Attach sets the connection the bot drives.
//
// Precondition: Called once, before Start.
func (b *Bot) Attach(conn network.Connection) {
	b.conn = conn
}

// UseStrategy sets the strategy consulted before each scripted reply.
//
// Precondition: Called before Start.
func (b *Bot) UseStrategy(s Strategy) {
	b.strategy = s
}

// Rooms returns the rooms seen by the last listing.
func (b *Bot) Rooms() []network.RoomInfo {
	return b.rooms
}

// Start connects and plays until the room is exited, the listing is printed, ctx
// is done or Stop is called.
//
// Postcondition: Returns nil on a normal end, ErrRoomUnavailable when the room could
// not be entered, or the connection error.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.conn.ConnectToServer(ctx, b.cfg.UserName, b.script.Properties); err != nil {
		return err
	}
	for {
		ev, ok := b.next(ctx)
		if !ok {
			return nil
		}
		done, err := b.handle(ctx, ev)
		if err != nil || done {
			return err
		}
	}
}

// Stop ends Start.
func (b *Bot) Stop() {
	b.once.Do(func() { close(b.stop) })
}

func (b *Bot) handle(ctx context.Context, ev botEvent) (done bool, err error) {
	switch ev.kind {
	case "connected":
		b.record(ctx, postgres.EventConnected, "", nil)
		return b.enter(ctx)
	case "joined":
		room := ev.room
		b.room = &room
		b.turn = 0
		b.status.SetServing(true)
		b.record(ctx, postgres.EventRoomJoined, room.ID, map[string]any{
			"room_name": room.Name,
			"players":   room.PlayerCount,
			"host":      room.LocalUser.IsHost,
		})
		if b.strategy != nil {
			b.strategy.OnJoined(room)
		}
		if room.LocalUser.IsHost {
			return false, b.play(ctx)
		}
	case "create_failed", "join_failed":
		event := postgres.EventJoinFailed
		if ev.kind == "create_failed" {
			event = postgres.EventCreateFailed
		}
		b.record(ctx, event, "", map[string]any{"message": ev.message})
		return true, fmt.Errorf("%w: %s", ErrRoomUnavailable, ev.message)
	case "entered":
		if b.strategy != nil {
			b.strategy.OnPlayerEntered(ev.user)
		}
		b.record(ctx, postgres.EventPlayerEntered, b.roomID(), map[string]any{"player_id": ev.user.ID, "name": ev.user.Name})
	case "left":
		if b.strategy != nil {
			b.strategy.OnPlayerLeft(ev.user)
		}
		b.record(ctx, postgres.EventPlayerLeft, b.roomID(), map[string]any{"player_id": ev.user.ID, "host": ev.user.IsHost})
	case "exited":
		b.record(ctx, postgres.EventRoomExited, b.roomID(), nil)
		b.status.SetServing(false)
		b.room = nil
		return true, nil
	case "action":
		b.onAction(ctx, ev.opCode, ev.params)
		if b.strategy != nil {
			if reply, ok := b.strategy.OnAction(ev.opCode, ev.params); ok {
				if reply.Pass {
					return false, nil
				}
				return false, b.send(ctx, Action{OpCode: reply.OpCode, Params: reply.Params, Roll: reply.Roll}, "strategy")
			}
		}
		return false, b.play(ctx)
	}
	return false, nil
}

// enter performs the configured mode's first move.
func (b *Bot) enter(ctx context.Context) (bool, error) {
	var err error
	switch b.cfg.Mode {
	case config.BotModeCreate:
		err = b.conn.CreateRoom(ctx, b.cfg.RoomName, b.cfg.MaxPlayers, b.cfg.Private, b.script.Properties)
	case config.BotModeJoin:
		if b.cfg.RoomID != "" {
			err = b.conn.JoinRoomByID(ctx, b.cfg.RoomID)
		} else {
			err = b.conn.JoinRoomByName(ctx, b.cfg.RoomName)
		}
	case config.BotModeQuick:
		err = b.conn.JoinQuickMatch(ctx)
	case config.BotModeList:
		rooms, err := b.conn.GetRoomList(ctx)
		if err != nil {
			return true, err
		}
		b.rooms = rooms
		for _, r := range rooms {
			b.logger.Info("room",
				zap.String("match_id", r.ID),
				zap.String("room_name", r.Name),
				zap.Int("players", r.PlayerCount),
				zap.Int("max_players", r.MaxPlayers),
			)
		}
		return true, nil
	default:
		return true, fmt.Errorf("unknown bot mode %q", b.cfg.Mode)
	}
	if err != nil {
		// the failure event is already queued; it ends the run with context
		b.logger.Warn("entering room failed", zap.String("mode", b.cfg.Mode), zap.Error(err))
	}
	return false, nil
}

// play sends the action for the current turn, if any.
func (b *Bot) play(ctx context.Context) error {
	if b.room == nil {
		return nil
	}
	action, ok := b.script.At(b.turn)
	if !ok {
		b.logger.Debug("script exhausted", zap.Int("turn", b.turn))
		return nil
	}
	b.turn++
	return b.send(ctx, action, "script")
}

// send rolls the action's dice, if any, and relays it.
func (b *Bot) send(ctx context.Context, action Action, source string) error {
	if b.room == nil {
		return nil
	}
	params := network.ActionParams{}
	maps.Copy(params, action.Params)
	if action.Roll != "" {
		result, err := b.roller.RollExpr(action.Roll)
		if err != nil {
			return fmt.Errorf("turn %d: %w", b.turn, err)
		}
		params[ParamRollExpr] = action.Roll
		params[ParamRollTotal] = result.Total()
	}
	if err := b.conn.SendMatchState(ctx, action.OpCode, params); err != nil {
		return fmt.Errorf("turn %d: %w", b.turn, err)
	}
	b.record(ctx, postgres.EventActionSent, b.room.ID, map[string]any{
		"op_code": action.OpCode,
		"turn":    b.turn,
		"source":  source,
	})
	return nil
}

// onAction records a received action, re-rolling any roll it carries to check that
// both ends share the room's dice sequence.
func (b *Bot) onAction(ctx context.Context, opCode int64, params network.ActionParams) {
	detail := map[string]any{"op_code": opCode}
	if expr, ok := params[ParamRollExpr].(string); ok {
		local, err := b.roller.RollExpr(expr)
		if err != nil {
			b.logger.Warn("received unparsable roll", zap.String("expression", expr), zap.Error(err))
		} else {
			remote, _ := asInt(params[ParamRollTotal])
			verified := remote == local.Total()
			detail["roll_verified"] = verified
			if !verified {
				b.logger.Warn("roll mismatch",
					zap.String("expression", expr),
					zap.Int("remote", remote),
					zap.Int("local", local.Total()),
				)
			}
		}
	}
	b.record(ctx, postgres.EventActionHandled, b.roomID(), detail)
}

func (b *Bot) record(ctx context.Context, event, matchID string, detail map[string]any) {
	_, err := b.journal.Record(ctx, postgres.JournalEntry{
		SessionID: b.sessionID,
		MatchID:   matchID,
		Event:     event,
		Detail:    detail,
	})
	if err != nil {
		b.logger.Warn("journal write failed", zap.String("event", event), zap.Error(err))
	}
}

func (b *Bot) roomID() string {
	if b.room == nil {
		return ""
	}
	return b.room.ID
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// network.Listener

func (b *Bot) ServerConnected() { b.push(botEvent{kind: "connected"}) }
func (b *Bot) RoomJoined(room network.RoomData) { b.push(botEvent{kind: "joined", room: room}) }
func (b *Bot) CreateRoomFailed(message string) { b.push(botEvent{kind: "create_failed", message: message}) }
func (b *Bot) JoinRoomFailed(message string) { b.push(botEvent{kind: "join_failed", message: message}) }
func (b *Bot) RoomExited() { b.push(botEvent{kind: "exited"}) }
func (b *Bot) PlayerEnteredRoom(user network.User) { b.push(botEvent{kind: "entered", user: user}) }
func (b *Bot) PlayerLeftRoom(user network.User) { b.push(botEvent{kind: "left", user: user}) }

func (b *Bot) push(ev botEvent) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bot) next(ctx context.Context) (botEvent, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return ev, true
		}
		b.mu.Unlock()
		select {
		case <-b.notify:
		case <-ctx.Done():
			return botEvent{}, false
		case <-b.stop:
			return botEvent{}, false
		}
	}
}
