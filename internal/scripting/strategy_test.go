package scripting_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/matchlink/internal/game/dice"
	"github.com/cory-johannsen/matchlink/internal/game/network"
	"github.com/cory-johannsen/matchlink/internal/scripting"
)

func writeTempLua(t testing.TB, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategy.lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func loadStrategy(t testing.TB, src string, limit int) (*scripting.Strategy, *observer.ObservedLogs, *dice.SeededSource) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	diceSrc := dice.NewSeededSource()
	s, err := scripting.LoadStrategy(writeTempLua(t, src), limit, dice.NewLoggedRoller(diceSrc, logger), logger)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, logs, diceSrc
}

func TestStrategy_OnActionReplies(t *testing.T) {
	s, _, _ := loadStrategy(t, `
		function on_action(op, params)
			if params.move == "advance" then
				return { op_code = op + 1, params = { move = "parry", seen = params.n }, roll = "1d6" }
			end
			return nil
		end
	`, 0)

	reply, ok := s.OnAction(1, network.ActionParams{"move": "advance", "n": 3.0})
	require.True(t, ok)
	assert.Equal(t, scripting.Reply{
		OpCode: 2,
		Params: map[string]any{"move": "parry", "seen": int64(3)},
		Roll:   "1d6",
	}, reply)

	_, ok = s.OnAction(1, network.ActionParams{"move": "retreat"})
	assert.False(t, ok)
}

func TestStrategy_OnActionPass(t *testing.T) {
	s, _, _ := loadStrategy(t, `function on_action() return false end`, 0)
	reply, ok := s.OnAction(7, nil)
	require.True(t, ok)
	assert.True(t, reply.Pass)
}

func TestStrategy_MissingHooksAreNoOps(t *testing.T) {
	s, logs, _ := loadStrategy(t, `-- no hooks`, 0)
	s.OnJoined(network.RoomData{ID: "m1"})
	s.OnPlayerEntered(network.User{ID: "u1"})
	s.OnPlayerLeft(network.User{ID: "u1"})
	_, ok := s.OnAction(1, network.ActionParams{})
	assert.False(t, ok)
	assert.Equal(t, 0, logs.Len())
}

func TestStrategy_InvalidRepliesFallBack(t *testing.T) {
	cases := map[string]string{
		"not a table":   `return 5`,
		"no op code":    `return { params = {} }`,
		"negative op":   `return { op_code = -1 }`,
		"fractional op": `return { op_code = 1.5 }`,
		"bad roll":      `return { op_code = 1, roll = "lots" }`,
		"list params":   `return { op_code = 1, params = { 1, 2 } }`,
		"numeric roll":  `return { op_code = 1, roll = 6 }`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			s, logs, _ := loadStrategy(t, "function on_action(op, params) "+body+" end", 0)
			_, ok := s.OnAction(1, network.ActionParams{})
			assert.False(t, ok)
			assert.Equal(t, 1, logs.FilterMessage("scripting: invalid reply").Len())
		})
	}
}

func TestStrategy_RuntimeErrorLogged(t *testing.T) {
	s, logs, _ := loadStrategy(t, `function on_action() error("boom") end`, 0)
	_, ok := s.OnAction(1, nil)
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("scripting: Lua runtime error").Len())
}

func TestStrategy_RunawayHookStopped(t *testing.T) {
	s, logs, _ := loadStrategy(t, `function on_action() while true do end end`, 1000)
	_, ok := s.OnAction(1, nil)
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("scripting: Lua runtime error").Len())

	// the next call gets a fresh budget
	_, ok = s.OnAction(1, nil)
	assert.False(t, ok)
	assert.Equal(t, 2, logs.FilterMessage("scripting: Lua runtime error").Len())
}

func TestStrategy_EngineModules(t *testing.T) {
	s, logs, src := loadStrategy(t, `
		joined = nil
		function on_joined(room)
			joined = room
			engine.log.info("joined " .. room.name)
		end
		function on_player_entered(user)
			engine.log.warn(user.name .. " entered as " .. tostring(user.properties.rank))
		end
		function on_action(op, params)
			return { op_code = op, params = { room = engine.room.id(), total = engine.dice.roll("2d6") } }
		end
	`, 0)
	src.Seed(42)

	s.OnJoined(network.RoomData{ID: "m1", Name: "Arena", PlayerCount: 2, MaxPlayers: 4})
	assert.Equal(t, 1, logs.FilterMessage("lua").FilterField(zap.String("message", "joined Arena")).Len())

	s.OnPlayerEntered(network.User{ID: "u2", Name: "bob", Properties: map[string]any{"rank": 3.0}})
	assert.Equal(t, 1, logs.FilterField(zap.String("message", "bob entered as 3")).Len())

	reply, ok := s.OnAction(4, nil)
	require.True(t, ok)
	assert.Equal(t, "m1", reply.Params["room"])

	other := dice.NewSeededSource()
	other.Seed(42)
	want, err := dice.NewLoggedRoller(other, zap.NewNop()).RollExpr("2d6")
	require.NoError(t, err)
	assert.Equal(t, int64(want.Total()), reply.Params["total"])
}

func TestLoadStrategy_Errors(t *testing.T) {
	logger := zap.NewNop()
	roller := dice.NewLoggedRoller(dice.NewCryptoSource(), logger)

	_, err := scripting.LoadStrategy(filepath.Join(t.TempDir(), "missing.lua"), 0, roller, logger)
	assert.Error(t, err)

	_, err = scripting.LoadStrategy(writeTempLua(t, `function (`), 0, roller, logger)
	assert.Error(t, err)

	_, err = scripting.LoadStrategy(writeTempLua(t, `while true do end`), 100, roller, logger)
	assert.Error(t, err)

	_, err = scripting.LoadStrategy(writeTempLua(t, `os.exit(1)`), 0, roller, logger)
	assert.Error(t, err)
}

func TestProperty_ParamsSurviveRoundTrip(t *testing.T) {
	s, _, _ := loadStrategy(t, `function on_action(op, params) return { op_code = op, params = params } end`, 0)
	rapid.Check(t, func(t *rapid.T) {
		params := network.ActionParams{}
		n := rapid.IntRange(0, 5).Draw(t, "n")
		for i := 0; i < n; i++ {
			key := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "key")
			switch rapid.IntRange(0, 2).Draw(t, "kind") {
			case 0:
				params[key] = rapid.StringMatching(`[a-z ]{0,12}`).Draw(t, "str")
			case 1:
				params[key] = rapid.Bool().Draw(t, "bool")
			default:
				params[key] = int64(rapid.IntRange(-1000, 1000).Draw(t, "int"))
			}
		}
		op := int64(rapid.IntRange(0, 100).Draw(t, "op"))
		reply, ok := s.OnAction(op, params)
		if !ok {
			t.Fatalf("no reply for %v", params)
		}
		if reply.OpCode != op {
			t.Fatalf("op code %d, want %d", reply.OpCode, op)
		}
		if len(reply.Params) != len(params) {
			t.Fatalf("params %v, want %v", reply.Params, params)
		}
		for k, v := range params {
			if reply.Params[k] != v {
				t.Fatalf("param %s = %v, want %v", k, reply.Params[k], v)
			}
		}
	})
}
