// Package bot is a headless player: it drives a network.Connection from a YAML
// script, answers every received action with the next scripted one, verifies
// shared dice rolls, and reports its state over gRPC health and the journal.
package bot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/matchlink/internal/game/dice"
)

// Parameter keys the bot adds to actions carrying a roll.
const (
	ParamRollExpr  = "roll_expr"
	ParamRollTotal = "roll"
)

// ErrEmptyScript is returned for a script with no actions.
var ErrEmptyScript = errors.New("script has no actions")

// Action is one scripted move.
type Action struct {
	OpCode int64          `yaml:"op_code"`
	Params map[string]any `yaml:"params"`
	// Roll is an optional dice expression rolled when the action is sent.
	Roll string `yaml:"roll"`
}

// Script is the bot's playbook.
type Script struct {
	// Properties are sent as the bot's custom params on connect and room creation.
	Properties map[string]any `yaml:"properties"`
	// Loop restarts the actions once they are exhausted.
	Loop    bool     `yaml:"loop"`
	Actions []Action `yaml:"actions"`
	// Receives lists op codes the bot accepts besides those of its own actions.
	Receives []int64 `yaml:"receives"`
	// Strategy is an optional Lua file consulted before each scripted reply. A
	// relative path is resolved against the script's directory by LoadScript.
	Strategy string `yaml:"strategy"`
	// InstructionLimit bounds each strategy hook call; 0 uses the default.
	InstructionLimit int `yaml:"instruction_limit"`
}

// LoadScript reads and validates the script at path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", path, err)
	}
	if s.Strategy != "" && !filepath.IsAbs(s.Strategy) {
		s.Strategy = filepath.Join(filepath.Dir(path), s.Strategy)
	}
	return s, nil
}

// ParseScript decodes and validates a YAML script.
//
// Postcondition: Every action has a non-negative op code and a parsable roll.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding script: %w", err)
	}
	if len(s.Actions) == 0 {
		return nil, ErrEmptyScript
	}
	for i, a := range s.Actions {
		if a.OpCode < 0 {
			return nil, fmt.Errorf("action %d: negative op code %d", i, a.OpCode)
		}
		if a.Roll != "" {
			if _, err := dice.Parse(a.Roll); err != nil {
				return nil, fmt.Errorf("action %d: %w", i, err)
			}
		}
	}
	for _, op := range s.Receives {
		if op < 0 {
			return nil, fmt.Errorf("receives: negative op code %d", op)
		}
	}
	if s.InstructionLimit < 0 {
		return nil, fmt.Errorf("negative instruction limit %d", s.InstructionLimit)
	}
	return &s, nil
}

// OpCodes returns the distinct op codes of the actions and of Receives, in
// first-use order.
func (s *Script) OpCodes() []int64 {
	seen := make(map[int64]bool, len(s.Actions)+len(s.Receives))
	var codes []int64
	add := func(op int64) {
		if !seen[op] {
			seen[op] = true
			codes = append(codes, op)
		}
	}
	for _, a := range s.Actions {
		add(a.OpCode)
	}
	for _, op := range s.Receives {
		add(op)
	}
	return codes
}

// At returns the action for turn, wrapping when Loop is set.
func (s *Script) At(turn int) (Action, bool) {
	if turn < 0 || len(s.Actions) == 0 {
		return Action{}, false
	}
	if turn >= len(s.Actions) {
		if !s.Loop {
			return Action{}, false
		}
		turn %= len(s.Actions)
	}
	return s.Actions[turn], true
}
