package bridge

import (
	"context"
	"sync"
)

// joinGate tracks the room join in progress, if any. Presence handling for the
// match being joined waits on it so a notification cannot observe a half-built
// membership snapshot. Each join gets its own closed-once channel.
type joinGate struct {
	mu      sync.Mutex
	pending string
	ch      chan struct{}
}

func newJoinGate() *joinGate {
	return &joinGate{}
}

// Begin marks a join of matchID as in progress. A join still pending for another
// match is released first.
//
// Precondition: matchID is non-empty.
func (g *joinGate) Begin(matchID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		close(g.ch)
	}
	g.pending = matchID
	g.ch = make(chan struct{})
}

// Done ends the join of matchID, successful or not, and releases its waiters. It is
// a no-op when matchID is not the pending join.
func (g *joinGate) Done(matchID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil || g.pending != matchID {
		return
	}
	close(g.ch)
	g.pending = ""
	g.ch = nil
}

// Clear releases any pending join.
func (g *joinGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		close(g.ch)
	}
	g.pending = ""
	g.ch = nil
}

// Wait blocks while a join of matchID is in progress. It returns at once when no
// join is pending or the pending join is for another match.
func (g *joinGate) Wait(ctx context.Context, matchID string) error {
	g.mu.Lock()
	ch := g.ch
	if g.pending != matchID {
		ch = nil
	}
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
