package bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/backend/nakama"
)

const msgCouldNotConnect = "could not connect"

// ConnectToServer authenticates userName and opens the realtime socket. An existing
// connection is closed first.
//
// The device id combines this process's device uuid with the current time so that
// repeated runs on one machine never share an account.
//
// Postcondition: On success the push handlers are registered, the socket is reading
// and ServerConnected is queued for Run. On failure a *ConnectionError is returned.
func (b *Bridge) ConnectToServer(ctx context.Context, userName string, params map[string]any) error {
	if err := b.Close(); err != nil {
		b.logger.Debug("closing previous connection", zap.Error(err))
	}

	deviceID := fmt.Sprintf("%s-%d", b.deviceID, time.Now().UnixNano())
	auth, err := b.backend.AuthenticateDevice(ctx, deviceID, userName, stringVars(params))
	if err != nil {
		b.logger.Warn("authentication failed", zap.String("user_name", userName), zap.Error(err))
		return &ConnectionError{Message: msgCouldNotConnect, Err: err}
	}

	sock, err := b.backend.Dial(ctx, auth)
	if err != nil {
		b.logger.Warn("opening socket failed", zap.String("user_id", auth.UserID), zap.Error(err))
		return &ConnectionError{Message: msgCouldNotConnect, Err: err}
	}

	// The socket is live but not reading: handlers go in before any push can arrive.
	sock.OnMatchmakerMatched(func(m *nakama.MatchmakerMatched) { b.mailbox.Push(matchFound{matched: m}) })
	sock.OnMatchData(func(d *nakama.MatchData) { b.mailbox.Push(matchStateReceived{data: d}) })
	sock.OnMatchPresence(func(p *nakama.MatchPresenceEvent) { b.mailbox.Push(presenceChanged{change: p}) })

	sockCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.sess = &session{
		auth:     auth,
		socket:   sock,
		cancel:   cancel,
		userName: userName,
		params:   params,
	}
	b.mu.Unlock()
	sock.Start(sockCtx)

	b.logger.Info("connected to server",
		zap.String("user_id", auth.UserID),
		zap.String("username", auth.Username),
		zap.Bool("created", auth.Created),
	)
	b.mailbox.Push(connected{})
	return nil
}

// stringVars flattens custom params into the string map the backend accepts for
// session variables and matchmaker properties.
func stringVars(params map[string]any) map[string]string {
	if len(params) == 0 {
		return nil
	}
	vars := make(map[string]string, len(params))
	for k, v := range params {
		vars[k] = fmt.Sprint(v)
	}
	return vars
}
