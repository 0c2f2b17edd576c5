package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/game/network"
)

// listLimit caps a room listing.
const listLimit = 100

// GetRoomList lists the rooms currently running on the backend. Every call is a
// fresh request.
//
// Postcondition: Returns at most listLimit rooms. A single malformed label fails the
// whole listing with an error wrapping ErrMalformedLabel.
func (b *Bridge) GetRoomList(ctx context.Context) ([]network.RoomInfo, error) {
	sess, err := b.current()
	if err != nil {
		return nil, err
	}

	matches, err := b.backend.ListMatches(ctx, sess.auth, listLimit)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}

	rooms := make([]network.RoomInfo, 0, len(matches))
	for _, m := range matches {
		label, err := ParseLabel(m.Label)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", m.MatchID, err)
		}
		rooms = append(rooms, label.RoomInfo(m.MatchID, m.Size))
	}
	b.logger.Debug("rooms listed", zap.Int("count", len(rooms)))
	return rooms, nil
}
