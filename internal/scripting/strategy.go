package scripting

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/game/dice"
	"github.com/cory-johannsen/matchlink/internal/game/network"
)

// Hooks a strategy file may define as globals. All are optional.
const (
	HookJoined        = "on_joined"
	HookAction        = "on_action"
	HookPlayerEntered = "on_player_entered"
	HookPlayerLeft    = "on_player_left"
)

// Reply is a strategy's answer to a received action.
type Reply struct {
	OpCode int64
	Params map[string]any
	Roll   string
	// Pass means send nothing.
	Pass bool
}

// Strategy is a loaded Lua strategy file.
//
// on_action(op_code, params) may return nil to keep the scripted reply, false to
// send nothing, or a table {op_code = n, params = {...}, roll = "1d20"}.
//
// Lua runtime errors and limit overruns are logged at Warn level and treated as
// if the hook were not defined.
type Strategy struct {
	mu     sync.Mutex
	vm     *lua.LState
	path   string
	limit  int
	roller *dice.Roller
	logger *zap.Logger
	room   string
}

// LoadStrategy executes the file at path in a fresh sandbox.
//
// Precondition: roller and logger must be non-nil; instLimit <= 0 uses
// DefaultInstructionLimit for loading and for every hook call.
// Postcondition: Returns a ready Strategy, or an error if the file cannot be loaded.
func LoadStrategy(path string, instLimit int, roller *dice.Roller, logger *zap.Logger) (*Strategy, error) {
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	s := &Strategy{
		vm:     NewSandboxedState(),
		path:   path,
		limit:  instLimit,
		roller: roller,
		logger: logger.With(zap.String("strategy", path)),
	}
	s.registerModules()
	if err := withBudget(s.vm, s.limit, func() error { return s.vm.DoFile(path) }); err != nil {
		s.vm.Close()
		return nil, fmt.Errorf("scripting: loading %q: %w", path, err)
	}
	return s, nil
}

// Close releases the VM.
func (s *Strategy) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vm.Close()
}

// OnJoined tells the strategy which room it is playing in.
func (s *Strategy) OnJoined(room network.RoomData) {
	s.mu.Lock()
	s.room = room.ID
	s.mu.Unlock()
	s.call(HookJoined, func(L *lua.LState) []lua.LValue {
		t := L.NewTable()
		t.RawSetString("id", lua.LString(room.ID))
		t.RawSetString("name", lua.LString(room.Name))
		t.RawSetString("players", lua.LNumber(room.PlayerCount))
		t.RawSetString("max_players", lua.LNumber(room.MaxPlayers))
		t.RawSetString("host", lua.LBool(room.LocalUser.IsHost))
		return []lua.LValue{t}
	})
}

// OnPlayerEntered reports a new room member.
func (s *Strategy) OnPlayerEntered(user network.User) {
	s.call(HookPlayerEntered, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{userTable(L, user)}
	})
}

// OnPlayerLeft reports a departed room member.
func (s *Strategy) OnPlayerLeft(user network.User) {
	s.call(HookPlayerLeft, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{userTable(L, user)}
	})
}

// OnAction asks the strategy how to answer a received action.
//
// Postcondition: ok is false when the scripted reply should be used: the hook is
// missing, returned nil, failed or returned an invalid reply.
func (s *Strategy) OnAction(opCode int64, params network.ActionParams) (reply Reply, ok bool) {
	ret, called := s.call(HookAction, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{lua.LNumber(opCode), toLua(L, map[string]any(params))}
	})
	if !called || ret == lua.LNil {
		return Reply{}, false
	}
	if ret == lua.LFalse {
		return Reply{Pass: true}, true
	}
	reply, err := parseReply(ret)
	if err != nil {
		s.logger.Warn("scripting: invalid reply", zap.Int64("op_code", opCode), zap.Error(err))
		return Reply{}, false
	}
	return reply, true
}

// call runs hook with the arguments built by args, under the VM lock and the
// instruction budget.
func (s *Strategy) call(hook string, args func(L *lua.LState) []lua.LValue) (lua.LValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn := s.vm.GetGlobal(hook)
	if fn == lua.LNil {
		return lua.LNil, false
	}
	argv := args(s.vm)
	err := withBudget(s.vm, s.limit, func() error {
		return s.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, argv...)
	})
	if err != nil {
		s.logger.Warn("scripting: Lua runtime error", zap.String("hook", hook), zap.Error(err))
		return lua.LNil, false
	}
	ret := s.vm.Get(-1)
	s.vm.Pop(1)
	return ret, true
}

func parseReply(v lua.LValue) (Reply, error) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return Reply{}, fmt.Errorf("reply must be a table, nil or false, got %s", v.Type())
	}
	op, ok := t.RawGetString("op_code").(lua.LNumber)
	if !ok {
		return Reply{}, fmt.Errorf("reply.op_code must be a number")
	}
	if op < 0 || float64(op) != float64(int64(op)) {
		return Reply{}, fmt.Errorf("reply.op_code must be a non-negative integer, got %v", op)
	}
	reply := Reply{OpCode: int64(op), Params: map[string]any{}}

	switch p := t.RawGetString("params").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		decoded, err := fromLua(p)
		if err != nil {
			return Reply{}, fmt.Errorf("reply.params: %w", err)
		}
		m, ok := decoded.(map[string]any)
		if !ok {
			return Reply{}, fmt.Errorf("reply.params must have string keys")
		}
		reply.Params = m
	default:
		return Reply{}, fmt.Errorf("reply.params must be a table")
	}

	switch r := t.RawGetString("roll").(type) {
	case *lua.LNilType:
	case lua.LString:
		if _, err := dice.Parse(string(r)); err != nil {
			return Reply{}, fmt.Errorf("reply.roll: %w", err)
		}
		reply.Roll = string(r)
	default:
		return Reply{}, fmt.Errorf("reply.roll must be a string")
	}
	return reply, nil
}

func userTable(L *lua.LState, u network.User) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(u.ID))
	t.RawSetString("name", lua.LString(u.Name))
	t.RawSetString("host", lua.LBool(u.IsHost))
	t.RawSetString("properties", toLua(L, u.Properties))
	return t
}
