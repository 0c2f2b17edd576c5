package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
	"github.com/cory-johannsen/matchlink/internal/bridge"
	"github.com/cory-johannsen/matchlink/internal/config"
	"github.com/cory-johannsen/matchlink/internal/game/network"
)

// tb is the subset of testing.TB that *rapid.T also provides.
type tb interface {
	Helper()
	Fatal(args ...any)
	Errorf(format string, args ...any)
	FailNow()
}

type rpcCall struct {
	id      string
	payload string
}

type sentState struct {
	matchID string
	opCode  int64
	data    []byte
}

// fakeSocket is a scripted realtime socket. Push helpers call the registered
// handlers synchronously, the way the reader goroutine does.
type fakeSocket struct {
	mu sync.Mutex

	rpcs     map[string]func(payload string) (string, error)
	rpcCalls []rpcCall
	props    map[string]map[string]any
	propsErr error

	matches  map[string]*nakama.Match
	tokens   map[string]*nakama.Match
	joinErr  error
	joins    []string
	leaves   []string
	leaveErr error

	sent       []sentState
	matchmaker []nakama.MatchmakerRequest

	onMatched  func(*nakama.MatchmakerMatched)
	onData     func(*nakama.MatchData)
	onPresence func(*nakama.MatchPresenceEvent)

	started bool
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		rpcs:    make(map[string]func(string) (string, error)),
		props:   make(map[string]map[string]any),
		matches: make(map[string]*nakama.Match),
		tokens:  make(map[string]*nakama.Match),
	}
}

func (s *fakeSocket) OnMatchmakerMatched(fn func(*nakama.MatchmakerMatched)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMatched = fn
}

func (s *fakeSocket) OnMatchData(fn func(*nakama.MatchData)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = fn
}

func (s *fakeSocket) OnMatchPresence(fn func(*nakama.MatchPresenceEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPresence = fn
}

func (s *fakeSocket) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

func (s *fakeSocket) RPC(_ context.Context, id, payload string) (string, error) {
	s.mu.Lock()
	s.rpcCalls = append(s.rpcCalls, rpcCall{id: id, payload: payload})
	fn := s.rpcs[id]
	props, propsErr := s.props, s.propsErr
	s.mu.Unlock()

	if fn != nil {
		return fn(payload)
	}
	if id != "get_user_properties" {
		return "", &nakama.Error{Code: 5, Message: "rpc not found"}
	}
	if propsErr != nil {
		return "", propsErr
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", err
	}
	p, ok := props[req.UserID]
	if !ok {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]any{"properties": p})
	return string(data), err
}

func (s *fakeSocket) JoinMatch(_ context.Context, matchID string, _ map[string]string) (*nakama.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, matchID)
	if s.joinErr != nil {
		return nil, s.joinErr
	}
	m, ok := s.matches[matchID]
	if !ok {
		return nil, &nakama.Error{Code: 4, Message: "match not found"}
	}
	cp := *m
	return &cp, nil
}

func (s *fakeSocket) JoinMatchToken(_ context.Context, token string) (*nakama.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, "token:"+token)
	if s.joinErr != nil {
		return nil, s.joinErr
	}
	m, ok := s.tokens[token]
	if !ok {
		return nil, &nakama.Error{Code: 4, Message: "match not found"}
	}
	cp := *m
	return &cp, nil
}

func (s *fakeSocket) LeaveMatch(_ context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, matchID)
	return s.leaveErr
}

func (s *fakeSocket) SendMatchState(_ context.Context, matchID string, opCode int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentState{matchID: matchID, opCode: opCode, data: data})
	return nil
}

func (s *fakeSocket) AddMatchmaker(_ context.Context, req nakama.MatchmakerRequest) (*nakama.MatchmakerTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matchmaker = append(s.matchmaker, req)
	return &nakama.MatchmakerTicket{Ticket: "ticket-1"}, nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) pushPresence(ev *nakama.MatchPresenceEvent) {
	s.mu.Lock()
	fn := s.onPresence
	s.mu.Unlock()
	fn(ev)
}

func (s *fakeSocket) pushData(d *nakama.MatchData) {
	s.mu.Lock()
	fn := s.onData
	s.mu.Unlock()
	fn(d)
}

func (s *fakeSocket) pushMatched(m *nakama.MatchmakerMatched) {
	s.mu.Lock()
	fn := s.onMatched
	s.mu.Unlock()
	fn(m)
}

func (s *fakeSocket) leaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leaves)
}

func (s *fakeSocket) sentStates() []sentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentState(nil), s.sent...)
}

func (s *fakeSocket) calls(id string) []rpcCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rpcCall
	for _, c := range s.rpcCalls {
		if c.id == id {
			out = append(out, c)
		}
	}
	return out
}

// fakeBackend authenticates every device as the configured user.
type fakeBackend struct {
	mu       sync.Mutex
	session  *nakama.Session
	socket   *fakeSocket
	authErr  error
	dialErr  error
	matches  []nakama.MatchSummary
	listErr  error
	devices  []string
	userName string
	vars     map[string]string
}

func (b *fakeBackend) AuthenticateDevice(ctx context.Context, deviceID, username string, vars map[string]string) (*nakama.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, deviceID)
	b.userName = username
	b.vars = vars
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.authErr != nil {
		return nil, b.authErr
	}
	return b.session, nil
}

func (b *fakeBackend) ListMatches(_ context.Context, _ *nakama.Session, limit int) ([]nakama.MatchSummary, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	if len(b.matches) > limit {
		return b.matches[:limit], nil
	}
	return b.matches, nil
}

func (b *fakeBackend) Dial(context.Context, *nakama.Session) (bridge.Socket, error) {
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return b.socket, nil
}

type listenerEvent struct {
	kind    string
	message string
	user    network.User
	room    network.RoomData
}

// recordingListener queues every framework event in arrival order.
type recordingListener struct {
	events chan listenerEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan listenerEvent, 256)}
}

func (l *recordingListener) ServerConnected() { l.events <- listenerEvent{kind: "connected"} }
func (l *recordingListener) RoomJoined(room network.RoomData) {
	l.events <- listenerEvent{kind: "joined", room: room}
}
func (l *recordingListener) CreateRoomFailed(msg string) {
	l.events <- listenerEvent{kind: "create_failed", message: msg}
}
func (l *recordingListener) JoinRoomFailed(msg string) {
	l.events <- listenerEvent{kind: "join_failed", message: msg}
}
func (l *recordingListener) RoomExited() { l.events <- listenerEvent{kind: "exited"} }
func (l *recordingListener) PlayerEnteredRoom(u network.User) {
	l.events <- listenerEvent{kind: "entered", user: u}
}
func (l *recordingListener) PlayerLeftRoom(u network.User) {
	l.events <- listenerEvent{kind: "left", user: u}
}

func (l *recordingListener) next(t tb) listenerEvent {
	t.Helper()
	select {
	case ev := <-l.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no listener event")
		return listenerEvent{}
	}
}

func (l *recordingListener) expect(t tb, kind string) listenerEvent {
	t.Helper()
	ev := l.next(t)
	require.Equal(t, kind, ev.kind, "unexpected event %+v", ev)
	return ev
}

// drain returns every queued event without waiting.
func (l *recordingListener) drain() []listenerEvent {
	var out []listenerEvent
	for {
		select {
		case ev := <-l.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

type fakeRandom struct {
	mu    sync.Mutex
	seeds []int64
}

func (r *fakeRandom) Seed(seed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeds = append(r.seeds, seed)
}

func (r *fakeRandom) all() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seeds...)
}

type harness struct {
	bridge   *bridge.Bridge
	backend  *fakeBackend
	socket   *fakeSocket
	listener *recordingListener
	random   *fakeRandom
	handlers network.HandlerTable
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	codec  string
	logger *zap.Logger
}

func withCodec(name string) harnessOption {
	return func(c *harnessConfig) { c.codec = name }
}

// newHarness builds a disconnected bridge authenticating as userID.
func newHarness(t tb, userID string, opts ...harnessOption) *harness {
	cfg := harnessConfig{codec: "json"}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		if tt, ok := t.(*testing.T); ok {
			cfg.logger = zaptest.NewLogger(tt)
		} else {
			cfg.logger = zap.NewNop()
		}
	}
	codec, err := bridge.NewCodec(cfg.codec)
	require.NoError(t, err)

	sock := newFakeSocket()
	h := &harness{
		backend: &fakeBackend{
			session: &nakama.Session{Token: "tok", UserID: userID, Username: userID},
			socket:  sock,
		},
		socket:   sock,
		listener: newRecordingListener(),
		random:   &fakeRandom{},
		handlers: network.HandlerTable{},
	}
	h.bridge = bridge.New(h.backend, h.listener, h.random, h.handlers, codec,
		config.MatchmakerConfig{Query: "*", MinCount: 2, MaxCount: 4}, cfg.logger)
	return h
}

// connect connects the bridge. ServerConnected stays queued until run is called.
func (h *harness) connect(t tb) {
	t.Helper()
	require.NoError(t, h.bridge.ConnectToServer(context.Background(), h.backend.session.Username, nil))
}

// run starts the dispatch loop and returns a function stopping it and reporting its
// result.
func (h *harness) run(t tb) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge.Run(ctx) }()
	var once sync.Once
	var result error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(2 * time.Second):
				result = errors.New("dispatch loop did not stop")
			}
		})
		return result
	}
	if c, ok := t.(interface{ Cleanup(func()) }); ok {
		c.Cleanup(func() { _ = stop() })
	}
	return stop
}

// addMatch makes matchID joinable with the given label and members.
func (h *harness) addMatch(matchID string, label bridge.RoomLabel, self nakama.UserPresence, others ...nakama.UserPresence) {
	h.socket.mu.Lock()
	defer h.socket.mu.Unlock()
	h.socket.matches[matchID] = &nakama.Match{
		MatchID:   matchID,
		Label:     label.String(),
		Size:      len(others) + 1,
		Presences: others,
		Self:      &self,
	}
}

func (h *harness) setProps(userID string, props map[string]any) {
	h.socket.mu.Lock()
	defer h.socket.mu.Unlock()
	h.socket.props[userID] = props
}

func (h *harness) onRPC(id string, fn func(payload string) (string, error)) {
	h.socket.mu.Lock()
	defer h.socket.mu.Unlock()
	h.socket.rpcs[id] = fn
}

func presence(userID string) nakama.UserPresence {
	return nakama.UserPresence{UserID: userID, SessionID: "s-" + userID, Username: "name-" + userID}
}

func arenaLabel(host string) bridge.RoomLabel {
	return bridge.RoomLabel{Seed: 42, Host: host, MaxPlayers: 4, RoomName: "Arena"}
}
