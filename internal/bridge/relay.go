package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
	"github.com/cory-johannsen/matchlink/internal/game/network"
)

// SendMatchState relays params, tagged with opCode, to every member of the joined
// room. No acknowledgment is awaited.
func (b *Bridge) SendMatchState(ctx context.Context, opCode int64, params network.ActionParams) error {
	sess, rm, err := b.currentRoom()
	if err != nil {
		return err
	}
	data, err := b.codec.Encode(params)
	if err != nil {
		return fmt.Errorf("op code %d: %w", opCode, err)
	}
	if err := sess.socket.SendMatchState(ctx, rm.id, opCode, data); err != nil {
		return fmt.Errorf("sending op code %d: %w", opCode, err)
	}
	b.logger.Debug("match state sent",
		zap.String("match_id", rm.id),
		zap.Int64("op_code", opCode),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// onMatchState decodes relayed state and hands it to the handler registered for its
// op code. An undecodable payload or an unregistered op code is returned as fatal.
func (b *Bridge) onMatchState(data *nakama.MatchData) error {
	if id := b.RoomID(); id != data.MatchID {
		b.logger.Debug("discarding match state for another match",
			zap.String("match_id", data.MatchID),
			zap.Int64("op_code", data.OpCode),
		)
		return nil
	}

	params, err := b.codec.Decode(data.Data)
	if err != nil {
		return fmt.Errorf("op code %d: %w", data.OpCode, err)
	}
	handler, ok := b.handlers[data.OpCode]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOpCode, data.OpCode)
	}
	handler(params)
	return nil
}
