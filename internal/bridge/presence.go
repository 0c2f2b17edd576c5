package bridge

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
	"github.com/cory-johannsen/matchlink/internal/game/network"
)

// presenceSet tracks the presences of the joined room in arrival order.
type presenceSet struct {
	order []string
	byKey map[string]nakama.UserPresence
}

// presenceKey identifies a presence: its session id, or its user id when the backend
// did not report a session.
func presenceKey(p nakama.UserPresence) string {
	if p.SessionID != "" {
		return p.SessionID
	}
	return p.UserID
}

// add tracks p. Returns false when p was already tracked.
func (s *presenceSet) add(p nakama.UserPresence) bool {
	if s.byKey == nil {
		s.byKey = make(map[string]nakama.UserPresence)
	}
	key := presenceKey(p)
	if _, ok := s.byKey[key]; ok {
		return false
	}
	s.byKey[key] = p
	s.order = append(s.order, key)
	return true
}

// remove stops tracking p. Returns false when p was not tracked.
func (s *presenceSet) remove(p nakama.UserPresence) bool {
	key := presenceKey(p)
	if _, ok := s.byKey[key]; !ok {
		return false
	}
	delete(s.byKey, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *presenceSet) has(p nakama.UserPresence) bool {
	_, ok := s.byKey[presenceKey(p)]
	return ok
}

func (s *presenceSet) len() int { return len(s.order) }

// userIDs returns the tracked user ids in arrival order.
func (s *presenceSet) userIDs() []string {
	ids := make([]string, 0, len(s.order))
	for _, k := range s.order {
		ids = append(ids, s.byKey[k].UserID)
	}
	return ids
}

// onPresence applies a presence change to the joined room. A change for a match
// whose join is in progress waits for the join to finish; a change for any match
// other than the joined one is discarded.
//
// Precondition: Called only from the dispatch loop.
// Postcondition: Every newly joined presence raised PlayerEnteredRoom exactly once.
// A departing host raised PlayerLeftRoom with host=true, then the room was left once
// and the rest of the batch was dropped. Returns a non-nil error only when a
// property fetch failed.
func (b *Bridge) onPresence(ctx context.Context, change *nakama.MatchPresenceEvent) error {
	if err := b.gate.Wait(ctx, change.MatchID); err != nil {
		return nil
	}
	sess, rm, err := b.currentRoom()
	if err != nil || rm.id != change.MatchID {
		b.logger.Debug("discarding presence change for another match", zap.String("match_id", change.MatchID))
		return nil
	}
	logger := b.roomLogger(rm.id)

	for _, p := range change.Joins {
		if presenceKey(p) == rm.selfKey || p.UserID == rm.local.ID {
			continue
		}
		b.mu.Lock()
		added := rm.presences.add(p)
		b.mu.Unlock()
		if !added {
			continue
		}
		u, err := b.fetchUser(ctx, sess.socket, p, rm.label)
		if err != nil {
			return err
		}
		logger.Info("player entered", zap.String("player_id", u.ID), zap.Bool("host", u.IsHost))
		b.listener.PlayerEnteredRoom(u)
	}

	for _, p := range change.Leaves {
		b.mu.Lock()
		removed := rm.presences.remove(p)
		b.mu.Unlock()
		if rm.label.IsHost(p.UserID) {
			logger.Info("host left, closing room", zap.String("player_id", p.UserID))
			b.listener.PlayerLeftRoom(network.User{
				ID:         p.UserID,
				Name:       p.Username,
				Properties: map[string]any{},
				IsHost:     true,
			})
			return b.leaveAfterHost(ctx)
		}
		if !removed {
			continue
		}
		u, err := b.fetchUser(ctx, sess.socket, p, rm.label)
		if err != nil {
			return err
		}
		logger.Info("player left", zap.String("player_id", u.ID))
		b.listener.PlayerLeftRoom(u)
	}
	return nil
}

// leaveAfterHost leaves the room its host abandoned. A room already left is not an
// error.
func (b *Bridge) leaveAfterHost(ctx context.Context) error {
	if err := b.LeaveRoom(ctx); err != nil && !errors.Is(err, ErrNotInRoom) && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}
