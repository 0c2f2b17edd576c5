package nakama

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// envelope is the socket message wrapper. Requests and their responses share a cid;
// push notifications carry none.
type envelope struct {
	CID string `json:"cid,omitempty"`

	Error *Error `json:"error,omitempty"`

	Rpc              *rpcMessage        `json:"rpc,omitempty"`
	Match            *Match             `json:"match,omitempty"`
	MatchJoin        *matchJoin         `json:"match_join,omitempty"`
	MatchLeave       *matchLeave        `json:"match_leave,omitempty"`
	MatchDataSend    *matchDataSend     `json:"match_data_send,omitempty"`
	MatchmakerAdd    *MatchmakerRequest `json:"matchmaker_add,omitempty"`
	MatchmakerTicket *MatchmakerTicket  `json:"matchmaker_ticket,omitempty"`

	MatchData          *MatchData          `json:"match_data,omitempty"`
	MatchPresenceEvent *MatchPresenceEvent `json:"match_presence_event,omitempty"`
	MatchmakerMatched  *MatchmakerMatched  `json:"matchmaker_matched,omitempty"`
}

type rpcMessage struct {
	ID      string `json:"id"`
	Payload string `json:"payload,omitempty"`
}

type matchJoin struct {
	MatchID  string            `json:"match_id,omitempty"`
	Token    string            `json:"token,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type matchLeave struct {
	MatchID string `json:"match_id"`
}

type matchDataSend struct {
	MatchID  string `json:"match_id"`
	OpCode   int64  `json:"op_code,string"`
	Data     []byte `json:"data,omitempty"`
	Reliable bool   `json:"reliable"`
}

const sendBuffer = 64

// Socket is a realtime connection to the backend.
//
// One goroutine reads and one writes. Push handlers run on the reader goroutine
// and must not block on socket requests.
type Socket struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  *zap.Logger

	cid     atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan *envelope

	hmu        sync.RWMutex
	onMatched  func(*MatchmakerMatched)
	onData     func(*MatchData)
	onPresence func(*MatchPresenceEvent)

	send      chan []byte
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn, timeout time.Duration, logger *zap.Logger) *Socket {
	return &Socket{
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan *envelope),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// OnMatchmakerMatched registers the matchmaker-matched push handler.
func (s *Socket) OnMatchmakerMatched(fn func(*MatchmakerMatched)) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.onMatched = fn
}

// OnMatchData registers the match-data push handler.
func (s *Socket) OnMatchData(fn func(*MatchData)) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.onData = fn
}

// OnMatchPresence registers the match-presence push handler.
func (s *Socket) OnMatchPresence(fn func(*MatchPresenceEvent)) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.onPresence = fn
}

// Start launches the read and write pumps. Calls after the first are no-ops.
//
// Postcondition: The socket is closed when ctx is done or the connection fails.
func (s *Socket) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.writePump(ctx)
		go s.readPump()
	})
}

// Done is closed once the socket has closed.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Close closes the socket and fails every pending request with ErrSocketClosed.
//
// Postcondition: Safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// RPC calls a named server function with a JSON payload.
//
// Postcondition: Returns the response payload or a non-nil error.
func (s *Socket) RPC(ctx context.Context, id, payload string) (string, error) {
	resp, err := s.request(ctx, &envelope{Rpc: &rpcMessage{ID: id, Payload: payload}})
	if err != nil {
		return "", fmt.Errorf("rpc %s: %w", id, err)
	}
	if resp.Rpc == nil {
		return "", nil
	}
	return resp.Rpc.Payload, nil
}

// JoinMatch joins the match with the given id.
func (s *Socket) JoinMatch(ctx context.Context, matchID string, metadata map[string]string) (*Match, error) {
	return s.join(ctx, &matchJoin{MatchID: matchID, Metadata: metadata})
}

// JoinMatchToken joins the match formed by the matchmaker, identified by token.
func (s *Socket) JoinMatchToken(ctx context.Context, token string) (*Match, error) {
	return s.join(ctx, &matchJoin{Token: token})
}

func (s *Socket) join(ctx context.Context, req *matchJoin) (*Match, error) {
	resp, err := s.request(ctx, &envelope{MatchJoin: req})
	if err != nil {
		return nil, fmt.Errorf("joining match: %w", err)
	}
	if resp.Match == nil {
		return nil, fmt.Errorf("joining match: response carries no match")
	}
	return resp.Match, nil
}

// LeaveMatch leaves the match with the given id.
func (s *Socket) LeaveMatch(ctx context.Context, matchID string) error {
	if _, err := s.request(ctx, &envelope{MatchLeave: &matchLeave{MatchID: matchID}}); err != nil {
		return fmt.Errorf("leaving match: %w", err)
	}
	return nil
}

// SendMatchState relays data tagged with opCode to every member of the match.
// No acknowledgment is awaited.
func (s *Socket) SendMatchState(ctx context.Context, matchID string, opCode int64, data []byte) error {
	return s.enqueue(ctx, &envelope{MatchDataSend: &matchDataSend{
		MatchID:  matchID,
		OpCode:   opCode,
		Data:     data,
		Reliable: true,
	}})
}

// AddMatchmaker submits the client to the matchmaker.
func (s *Socket) AddMatchmaker(ctx context.Context, req MatchmakerRequest) (*MatchmakerTicket, error) {
	resp, err := s.request(ctx, &envelope{MatchmakerAdd: &req})
	if err != nil {
		return nil, fmt.Errorf("adding to matchmaker: %w", err)
	}
	if resp.MatchmakerTicket == nil {
		return nil, fmt.Errorf("adding to matchmaker: response carries no ticket")
	}
	return resp.MatchmakerTicket, nil
}

func (s *Socket) request(ctx context.Context, env *envelope) (*envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	env.CID = strconv.FormatUint(s.cid.Add(1), 10)
	ch := make(chan *envelope, 1)
	s.mu.Lock()
	s.pending[env.CID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, env.CID)
		s.mu.Unlock()
	}()

	if err := s.enqueue(ctx, env); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSocketClosed
	}
}

func (s *Socket) enqueue(ctx context.Context, env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	select {
	case s.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSocketClosed
	}
}

func (s *Socket) writePump(ctx context.Context) {
	defer func() { _ = s.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
				s.logger.Debug("socket set write deadline", zap.Error(err))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("socket write", zap.Error(err))
				return
			}
		}
	}
}

func (s *Socket) readPump() {
	defer func() { _ = s.Close() }()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debug("socket read", zap.Error(err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("discarding undecodable socket message", zap.Error(err))
			continue
		}
		s.dispatch(&env)
	}
}

func (s *Socket) dispatch(env *envelope) {
	if env.CID != "" {
		s.mu.Lock()
		ch, ok := s.pending[env.CID]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("response for unknown request", zap.String("cid", env.CID))
			return
		}
		ch <- env
		return
	}

	s.hmu.RLock()
	onMatched, onData, onPresence := s.onMatched, s.onData, s.onPresence
	s.hmu.RUnlock()

	switch {
	case env.MatchmakerMatched != nil:
		if onMatched != nil {
			onMatched(env.MatchmakerMatched)
		}
	case env.MatchData != nil:
		if onData != nil {
			onData(env.MatchData)
		}
	case env.MatchPresenceEvent != nil:
		if onPresence != nil {
			onPresence(env.MatchPresenceEvent)
		}
	case env.Error != nil:
		s.logger.Warn("socket error notification", zap.Int("code", env.Error.Code), zap.String("message", env.Error.Message))
	}
}
