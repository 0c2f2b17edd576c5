package bridge

import (
	"context"
	"sync"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
)

// event is a typed notification consumed by the dispatch loop.
type event interface{ isEvent() }

type connected struct{}

type matchFound struct{ matched *nakama.MatchmakerMatched }

type matchStateReceived struct{ data *nakama.MatchData }

type presenceChanged struct{ change *nakama.MatchPresenceEvent }

func (connected) isEvent()          {}
func (matchFound) isEvent()         {}
func (matchStateReceived) isEvent() {}
func (presenceChanged) isEvent()    {}

// mailbox is an unbounded FIFO. Push never blocks, so the socket reader can keep
// delivering responses while the dispatch loop waits on one of them.
type mailbox struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) Push(e event) {
	m.mu.Lock()
	m.items = append(m.items, e)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest event, blocking until one arrives or ctx is done.
func (m *mailbox) Next(ctx context.Context) (event, error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			e := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			return e, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
