package nakama_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
	"github.com/cory-johannsen/matchlink/internal/config"
)

func signToken(t testing.TB, uid, usn string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid": uid,
		"usn": usn,
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

// fakeServer is a minimal backend: device auth, match listing and a socket that
// answers requests through the handle callback.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	token  string
	handle func(conn *websocket.Conn, req map[string]json.RawMessage)
	conns  chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		t:     t,
		token: signToken(t, "u1", "alice", time.Now().Add(time.Hour)),
		conns: make(chan *websocket.Conn, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/account/authenticate/device", func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		if !ok || user != "serverkey" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":16,"message":"Server key invalid"}`))
			return
		}
		var body struct {
			ID   string            `json:"id"`
			Vars map[string]string `json:"vars"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "true", r.URL.Query().Get("create"))
		assert.Equal(t, "alice", r.URL.Query().Get("username"))
		assert.NotEmpty(t, body.ID)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"created": true, "token": fs.token, "refresh_token": "refresh",
		})
	})
	mux.HandleFunc("/v2/match", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+fs.token, r.Header.Get("Authorization"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"matches":[{"match_id":"m1","authoritative":true,"label":"{\"seed\":1,\"host\":\"u1\",\"maxPlayers\":4,\"roomName\":\"Arena\"}","size":2}]}`))
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fs.token, r.URL.Query().Get("token"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]json.RawMessage
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			if fs.handle != nil {
				fs.handle(conn, req)
			}
		}
	})
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) config(key string) config.BackendConfig {
	host, portStr, err := net.SplitHostPort(fs.srv.Listener.Addr().String())
	require.NoError(fs.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(fs.t, err)
	return config.BackendConfig{Scheme: "http", Host: host, Port: port, ServerKey: key, Timeout: 2 * time.Second}
}

func reply(t *testing.T, conn *websocket.Conn, msg string) {
	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func cidOf(req map[string]json.RawMessage) string {
	var cid string
	_ = json.Unmarshal(req["cid"], &cid)
	return cid
}

func connect(t *testing.T, fs *fakeServer) *nakama.Socket {
	t.Helper()
	client := nakama.NewClient(fs.config("serverkey"), zap.NewNop())
	ctx := context.Background()
	sess, err := client.AuthenticateDevice(ctx, "device-0000000001", "alice", nil)
	require.NoError(t, err)
	sock, err := client.Dial(ctx, sess)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

func TestAuthenticateDevice(t *testing.T) {
	fs := newFakeServer(t)
	client := nakama.NewClient(fs.config("serverkey"), zap.NewNop())

	sess, err := client.AuthenticateDevice(context.Background(), "device-0000000001", "alice", map[string]string{"color": "red"})
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "alice", sess.Username)
	assert.True(t, sess.Created)
	assert.Equal(t, "refresh", sess.RefreshToken)
	assert.False(t, sess.Expired(time.Now()))
}

func TestAuthenticateDevice_BadServerKey(t *testing.T) {
	fs := newFakeServer(t)
	client := nakama.NewClient(fs.config("wrong"), zap.NewNop())

	_, err := client.AuthenticateDevice(context.Background(), "device-0000000001", "alice", nil)
	require.Error(t, err)
	var apiErr *nakama.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 16, apiErr.Code)
	assert.Equal(t, "Server key invalid", apiErr.Message)
}

func TestAuthenticateDevice_Cancelled(t *testing.T) {
	fs := newFakeServer(t)
	client := nakama.NewClient(fs.config("serverkey"), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.AuthenticateDevice(ctx, "device-0000000001", "alice", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListMatches(t *testing.T) {
	fs := newFakeServer(t)
	client := nakama.NewClient(fs.config("serverkey"), zap.NewNop())
	sess, err := client.AuthenticateDevice(context.Background(), "device-0000000001", "alice", nil)
	require.NoError(t, err)

	matches, err := client.ListMatches(context.Background(), sess, 100)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "m1", matches[0].MatchID)
	assert.Equal(t, 2, matches[0].Size)
	assert.Contains(t, matches[0].Label, `"roomName":"Arena"`)
}

func TestSocket_RPC(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle = func(conn *websocket.Conn, req map[string]json.RawMessage) {
		var rpc struct {
			ID      string `json:"id"`
			Payload string `json:"payload"`
		}
		assert.NoError(t, json.Unmarshal(req["rpc"], &rpc))
		assert.Equal(t, "find_custom_match", rpc.ID)
		reply(t, conn, `{"cid":"`+cidOf(req)+`","rpc":{"id":"find_custom_match","payload":"{\"matchId\":\"m1\"}"}}`)
	}
	sock := connect(t, fs)
	sock.Start(context.Background())

	payload, err := sock.RPC(context.Background(), "find_custom_match", `{"roomName":"Arena"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"matchId":"m1"}`, payload)
}

func TestSocket_ErrorResponse(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle = func(conn *websocket.Conn, req map[string]json.RawMessage) {
		reply(t, conn, `{"cid":"`+cidOf(req)+`","error":{"code":4,"message":"Match not found"}}`)
	}
	sock := connect(t, fs)
	sock.Start(context.Background())

	_, err := sock.JoinMatch(context.Background(), "missing", nil)
	require.Error(t, err)
	var apiErr *nakama.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Match not found", apiErr.Message)
}

func TestSocket_JoinAndLeave(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle = func(conn *websocket.Conn, req map[string]json.RawMessage) {
		switch {
		case req["match_join"] != nil:
			reply(t, conn, `{"cid":"`+cidOf(req)+`","match":{"match_id":"m1","authoritative":true,"label":"L","size":2,`+
				`"presences":[{"user_id":"u2","session_id":"s2","username":"bob"}],`+
				`"self":{"user_id":"u1","session_id":"s1","username":"alice"}}}`)
		case req["match_leave"] != nil:
			reply(t, conn, `{"cid":"`+cidOf(req)+`"}`)
		}
	}
	sock := connect(t, fs)
	sock.Start(context.Background())

	match, err := sock.JoinMatch(context.Background(), "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, "m1", match.MatchID)
	assert.Equal(t, "L", match.Label)
	require.Len(t, match.Presences, 1)
	assert.Equal(t, "bob", match.Presences[0].Username)
	require.NotNil(t, match.Self)
	assert.Equal(t, "s1", match.Self.SessionID)

	require.NoError(t, sock.LeaveMatch(context.Background(), "m1"))
}

func TestSocket_SendMatchStateEncodesOpCodeAsString(t *testing.T) {
	fs := newFakeServer(t)
	got := make(chan map[string]json.RawMessage, 1)
	fs.handle = func(conn *websocket.Conn, req map[string]json.RawMessage) {
		got <- req
	}
	sock := connect(t, fs)
	sock.Start(context.Background())

	require.NoError(t, sock.SendMatchState(context.Background(), "m1", 7, []byte(`{"move":"a1-a2"}`)))

	select {
	case req := <-got:
		var send struct {
			MatchID string `json:"match_id"`
			OpCode  string `json:"op_code"`
			Data    []byte `json:"data"`
		}
		require.NoError(t, json.Unmarshal(req["match_data_send"], &send))
		assert.Equal(t, "m1", send.MatchID)
		assert.Equal(t, "7", send.OpCode)
		assert.JSONEq(t, `{"move":"a1-a2"}`, string(send.Data))
		assert.Nil(t, req["cid"])
	case <-time.After(2 * time.Second):
		t.Fatal("match state not received")
	}
}

func TestSocket_PushHandlers(t *testing.T) {
	fs := newFakeServer(t)
	sock := connect(t, fs)

	data := make(chan *nakama.MatchData, 1)
	presence := make(chan *nakama.MatchPresenceEvent, 1)
	matched := make(chan *nakama.MatchmakerMatched, 1)
	sock.OnMatchData(func(d *nakama.MatchData) { data <- d })
	sock.OnMatchPresence(func(e *nakama.MatchPresenceEvent) { presence <- e })
	sock.OnMatchmakerMatched(func(m *nakama.MatchmakerMatched) { matched <- m })
	sock.Start(context.Background())

	conn := <-fs.conns
	reply(t, conn, `{"match_data":{"match_id":"m1","op_code":"7","data":"eyJtb3ZlIjoiYTEtYTIifQ==","presence":{"user_id":"u2","session_id":"s2"}}}`)
	reply(t, conn, `{"match_presence_event":{"match_id":"m1","joins":[{"user_id":"u3","session_id":"s3","username":"carol"}],"leaves":[{"user_id":"u2","session_id":"s2"}]}}`)
	reply(t, conn, `{"matchmaker_matched":{"ticket":"t1","token":"tok","users":[{"presence":{"user_id":"u1","session_id":"s1"}}]}}`)

	select {
	case d := <-data:
		assert.Equal(t, int64(7), d.OpCode)
		assert.Equal(t, `{"move":"a1-a2"}`, string(d.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("match data not dispatched")
	}
	select {
	case e := <-presence:
		require.Len(t, e.Joins, 1)
		require.Len(t, e.Leaves, 1)
		assert.Equal(t, "carol", e.Joins[0].Username)
	case <-time.After(2 * time.Second):
		t.Fatal("presence not dispatched")
	}
	select {
	case m := <-matched:
		assert.Equal(t, "tok", m.Token)
		assert.Empty(t, m.MatchID)
	case <-time.After(2 * time.Second):
		t.Fatal("matchmaker result not dispatched")
	}
}

func TestSocket_PendingRequestFailsOnClose(t *testing.T) {
	fs := newFakeServer(t)
	sock := connect(t, fs)
	sock.Start(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := sock.RPC(context.Background(), "get_user_properties", `{}`)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sock.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, nakama.ErrSocketClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not released")
	}
	_, err := sock.RPC(context.Background(), "get_user_properties", `{}`)
	assert.ErrorIs(t, err, nakama.ErrSocketClosed)
}

func TestParseSession_RequiresUID(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"usn": "alice"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = nakama.ParseSession(tok, "", false)
	assert.Error(t, err)

	_, err = nakama.ParseSession("not-a-token", "", false)
	assert.Error(t, err)
}

func TestPropertyParseSessionRecoversClaims(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		uid := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}`).Draw(rt, "uid")
		usn := rapid.StringMatching(`[a-zA-Z]{1,16}`).Draw(rt, "usn")
		exp := time.Unix(rapid.Int64Range(1_700_000_000, 2_000_000_000).Draw(rt, "exp"), 0)

		sess, err := nakama.ParseSession(signToken(t, uid, usn, exp), "", false)
		if err != nil {
			rt.Fatalf("ParseSession: %v", err)
		}
		assert.Equal(rt, uid, sess.UserID)
		assert.Equal(rt, usn, sess.Username)
		assert.True(rt, exp.Equal(sess.ExpiresAt))
		assert.True(rt, sess.Expired(exp))
	})
}
