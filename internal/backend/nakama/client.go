package nakama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchlink/internal/config"
)

// Client talks to the backend's HTTP API and opens realtime sockets.
type Client struct {
	cfg    config.BackendConfig
	http   *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewClient creates a Client for the configured backend.
//
// Precondition: cfg must have passed config validation; logger must be non-nil.
func NewClient(cfg config.BackendConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type authenticateDeviceRequest struct {
	ID   string            `json:"id"`
	Vars map[string]string `json:"vars,omitempty"`
}

type sessionResponse struct {
	Created      bool   `json:"created"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// AuthenticateDevice authenticates with a device identifier, creating the account
// when it does not exist yet.
//
// Precondition: deviceID must be 10-128 bytes, as the backend requires.
// Postcondition: Returns a Session or a non-nil error. A context deadline or
// cancellation is returned wrapped so errors.Is(err, context.DeadlineExceeded) holds.
func (c *Client) AuthenticateDevice(ctx context.Context, deviceID, username string, vars map[string]string) (*Session, error) {
	q := url.Values{}
	q.Set("create", "true")
	if username != "" {
		q.Set("username", username)
	}
	body, err := json.Marshal(authenticateDeviceRequest{ID: deviceID, Vars: vars})
	if err != nil {
		return nil, fmt.Errorf("encoding authenticate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL()+"/v2/account/authenticate/device?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building authenticate request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ServerKey, "")
	req.Header.Set("Content-Type", "application/json")

	var resp sessionResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("authenticating device: %w", err)
	}
	sess, err := ParseSession(resp.Token, resp.RefreshToken, resp.Created)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("device authenticated",
		zap.String("user_id", sess.UserID),
		zap.String("username", sess.Username),
		zap.Bool("created", sess.Created),
	)
	return sess, nil
}

type matchListResponse struct {
	Matches []MatchSummary `json:"matches"`
}

// ListMatches lists running matches without label, size or authority filters.
//
// Precondition: sess must be a valid session; limit must be in [1, 100].
// Postcondition: Returns at most limit matches or a non-nil error.
func (c *Client) ListMatches(ctx context.Context, sess *Session, limit int) ([]MatchSummary, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL()+"/v2/match?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.Token)

	var resp matchListResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	return resp.Matches, nil
}

// Dial opens a realtime socket for sess. The socket is live on return but does not
// read until Start is called, so push handlers can be registered first.
//
// Precondition: sess must be a valid session.
// Postcondition: Returns a live Socket or a non-nil error.
func (c *Client) Dial(ctx context.Context, sess *Session) (*Socket, error) {
	q := url.Values{}
	q.Set("lang", "en")
	q.Set("status", "false")
	q.Set("format", "json")
	q.Set("token", sess.Token)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.SocketURL()+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing socket: %w", err)
	}
	c.logger.Debug("socket connected", zap.String("user_id", sess.UserID))
	return newSocket(conn, c.cfg.Timeout, c.logger), nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{Code: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
