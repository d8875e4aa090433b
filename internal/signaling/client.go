package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
)

// Client is a JSON-RPC 2.0 over websocket signaling client. It satisfies
// Signaler and dispatches inbound notifications to a Handler.
type Client struct {
	cfg    config.SignalingConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex // guards conn and serializes writes
	conn    *websocket.Conn
	handler Handler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a client for cfg.URL. Nothing is dialed until Connect or Run.
func NewClient(cfg config.SignalingConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.L().Named("signaling")
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logger,
		closed: make(chan struct{}),
	}
}

// SetHandler installs the receiver for inbound events.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connected reports whether a websocket is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the relay once. Run calls it in a backoff loop.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return backoff.Permanent(errors.New("signaling: client closed"))
	default:
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Connected to signaling relay", zap.String("url", c.cfg.URL))
	return nil
}

// Run keeps the channel up until ctx is cancelled or Close is called,
// redialing with exponential backoff whenever the connection drops.
func (c *Client) Run(ctx context.Context) error {
	for {
		if !c.Connected() {
			redial := backoff.NewExponentialBackOff()
			redial.InitialInterval = c.cfg.RedialInitial
			redial.MaxInterval = c.cfg.RedialMax
			redial.MaxElapsedTime = 0
			notify := func(err error, wait time.Duration) {
				c.logger.Warn("Signaling dial failed", zap.Error(err), zap.Duration("retry_in", wait))
			}
			if err := backoff.RetryNotify(func() error { return c.Connect(ctx) }, backoff.WithContext(redial, ctx), notify); err != nil {
				select {
				case <-c.closed:
					return nil
				default:
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			continue
		}

		err := c.serve(ctx, conn)
		c.drop(conn)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}
		c.logger.Warn("Signaling connection lost, redialing", zap.Error(err))
	}
}

// serve runs the read loop and keepalive for one connection.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		case <-done:
			return
		}
		conn.Close()
	}()
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn, done)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var req jsonrpc2.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Warn("Dropping malformed signaling message", zap.Error(err))
			continue
		}
		if req.Method == "" {
			// response to one of our requests
			continue
		}
		c.dispatch(&req)
	}
}

func (c *Client) dispatch(req *jsonrpc2.Request) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("No handler installed, dropping", zap.String("method", req.Method))
		return
	}
	if req.Params == nil {
		c.logger.Warn("Signaling message without params", zap.String("method", req.Method))
		return
	}

	var err error
	switch req.Method {
	case MethodOfferReceived:
		var p offerParams
		if err = json.Unmarshal(*req.Params, &p); err == nil {
			h.OnOffer(p.SessionID, p.Offer)
		}
	case MethodAnswerReceived:
		var p answerParams
		if err = json.Unmarshal(*req.Params, &p); err == nil {
			h.OnAnswer(p.SessionID, p.Answer)
		}
	case MethodCandidateReceived:
		var p candidateParams
		if err = json.Unmarshal(*req.Params, &p); err == nil {
			h.OnCandidate(p.SessionID, p.Candidate)
		}
	case MethodRoomReady:
		var p sessionParams
		if err = json.Unmarshal(*req.Params, &p); err == nil {
			h.OnRoomReady(p.SessionID)
		}
	default:
		c.logger.Debug("Unhandled signaling method", zap.String("method", req.Method))
	}
	if err != nil {
		c.logger.Warn("Failed to decode signaling params", zap.String("method", req.Method), zap.Error(err))
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.mu.Unlock()
			if err != nil {
				c.logger.Debug("Signaling ping failed", zap.Error(err))
				return
			}
		}
	}
}

// drop forgets conn if it is still the current connection.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.Close()
}

func (c *Client) send(ctx context.Context, method string, params interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := &jsonrpc2.Request{
		Method: method,
		ID:     jsonrpc2.ID{Str: uuid.NewString(), IsString: true},
	}
	if err := req.SetParams(params); err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// the read loop notices the closed socket and redials
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("failed to write %s: %w", method, err)
	}
	return nil
}

func (c *Client) SendOffer(ctx context.Context, sessionID string, offer webrtc.SessionDescription) error {
	return c.send(ctx, MethodOffer, offerParams{SessionID: sessionID, Offer: offer})
}

func (c *Client) SendAnswer(ctx context.Context, sessionID string, answer webrtc.SessionDescription) error {
	return c.send(ctx, MethodAnswer, answerParams{SessionID: sessionID, Answer: answer})
}

func (c *Client) SendCandidate(ctx context.Context, sessionID string, candidate webrtc.ICECandidateInit) error {
	return c.send(ctx, MethodCandidate, candidateParams{SessionID: sessionID, Candidate: candidate})
}

func (c *Client) SendLinkEnd(ctx context.Context, sessionID string) error {
	return c.send(ctx, MethodLinkEnd, sessionParams{SessionID: sessionID})
}

// Close shuts the connection down and stops Run. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
	c.conn = nil
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	return nil
}
