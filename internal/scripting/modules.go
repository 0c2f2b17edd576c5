package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerModules installs the engine global:
//
//	engine.dice.roll(expr)  rolls expr and returns the total
//	engine.log.info(msg)    logs at Info level
//	engine.log.warn(msg)    logs at Warn level
//	engine.room.id()        returns the current room id, or ""
//
// engine.dice draws from the bot's roller, which is the room's shared sequence.
// Peers stay in step only if they run the same strategy.
func (s *Strategy) registerModules() {
	L := s.vm
	engine := L.NewTable()

	diceMod := L.NewTable()
	L.SetField(diceMod, "roll", L.NewFunction(s.luaRoll))
	L.SetField(engine, "dice", diceMod)

	logMod := L.NewTable()
	L.SetField(logMod, "info", L.NewFunction(func(L *lua.LState) int {
		s.logger.Info("lua", zap.String("message", L.CheckString(1)))
		return 0
	}))
	L.SetField(logMod, "warn", L.NewFunction(func(L *lua.LState) int {
		s.logger.Warn("lua", zap.String("message", L.CheckString(1)))
		return 0
	}))
	L.SetField(engine, "log", logMod)

	roomMod := L.NewTable()
	L.SetField(roomMod, "id", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(s.room))
		return 1
	}))
	L.SetField(engine, "room", roomMod)

	L.SetGlobal("engine", engine)
}

func (s *Strategy) luaRoll(L *lua.LState) int {
	expr := L.CheckString(1)
	result, err := s.roller.RollExpr(expr)
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	L.Push(lua.LNumber(result.Total()))
	return 1
}
