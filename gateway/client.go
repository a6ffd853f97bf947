package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/LandMarkVisits/FlowKit/common"
	"github.com/LandMarkVisits/FlowKit/protocol"
)

// ServerClient sends one request to the query server and returns its reply.
type ServerClient interface {
	Call(ctx context.Context, req *protocol.Request) (*protocol.Reply, error)
}

// ClientConfig tunes the socket pool.
type ClientConfig struct {
	// URL is the server's websocket endpoint, e.g.
	// ws://localhost:5555/v1/queries.
	URL string

	// PoolSize is the number of sockets, and so the number of concurrently
	// outstanding requests.
	PoolSize int

	// Reconnect settings.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int
}

// DefaultClientConfig returns pool settings matching one socket per
// concurrent request with modest backoff.
func DefaultClientConfig(url string, size int) ClientConfig {
	if size <= 0 {
		size = 4
	}
	return ClientConfig{
		URL:                   url,
		PoolSize:              size,
		ReconnectInitialDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:     10 * time.Second,
		ReconnectMaxAttempts:  5,
	}
}

// socket is one pooled connection. A socket carries at most one outstanding
// request; the pool provides the serialisation.
type socket struct {
	conn *websocket.Conn
}

// Client is a websocket connection pool speaking the request/reply protocol.
// Sockets are dialed lazily and redialed with backoff after a failure.
type Client struct {
	cfg  ClientConfig
	pool chan *socket
	log  *logrus.Entry

	closeMu sync.Mutex
	closed  bool
}

// NewClient creates the pool. No connection is made until the first Call.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		cfg:  cfg,
		pool: make(chan *socket, cfg.PoolSize),
		log:  common.Logger.WithField("component", "server-client"),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		c.pool <- &socket{}
	}
	return c
}

// Call sends a request on a pooled socket and waits for the matching reply.
// A dead socket is redialed; the request is retried once on a fresh
// connection before giving up.
func (c *Client) Call(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	var s *socket
	select {
	case s = <-c.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { c.pool <- s }()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if s.conn == nil {
			conn, err := c.dial(ctx)
			if err != nil {
				return nil, err
			}
			s.conn = conn
		}

		reply, err := c.roundTrip(ctx, s, req)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		s.conn.Close()
		s.conn = nil
		c.log.WithError(err).Warn("server socket failed, redialing")
	}
	return nil, fmt.Errorf("request %s failed: %w", req.RequestID, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, s *socket, req *protocol.Request) (*protocol.Reply, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	if err := s.conn.WriteJSON(req); err != nil {
		return nil, err
	}
	// One outstanding request per socket, so the next reply with our
	// request_id is ours. Replies for other ids would indicate a protocol
	// violation; drop them rather than deliver them to the wrong caller.
	for {
		var reply protocol.Reply
		if err := s.conn.ReadJSON(&reply); err != nil {
			return nil, err
		}
		if reply.RequestID == "" || reply.RequestID == req.RequestID {
			return &reply, nil
		}
		c.log.WithField("request_id", reply.RequestID).
			Warn("dropping reply for unknown request")
	}
}

// dial connects with exponential backoff.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	delay := c.cfg.ReconnectInitialDelay
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReconnectMaxAttempts; attempt++ {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
		if resp != nil {
			resp.Body.Close()
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.log.WithError(err).WithField("attempt", attempt).
			Warn("failed to reach query server")

		if attempt == c.cfg.ReconnectMaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
	return nil, fmt.Errorf("query server unreachable at %s: %w", c.cfg.URL, lastErr)
}

// Close drops every pooled connection.
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for i := 0; i < c.cfg.PoolSize; i++ {
		s := <-c.pool
		if s.conn != nil {
			s.conn.Close()
		}
	}
}
