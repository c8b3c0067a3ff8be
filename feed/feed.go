// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🌐 SUBSCRIPTION FEED
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Pending-Transaction Cycle Arbitrage Engine
// Component: WebSocket JSON-RPC client
//
// Description:
//   Dials the node, opens two eth_subscribe streams (full pending transactions and
//   Uniswap V2 Sync logs) and pumps frames through the parser into a Handler.
//   A read or write failure ends Run with ErrFeedDisconnected and raises the
//   control fault flag; reconnecting is the caller's decision. Periodic pings plus
//   a read deadline extended by every frame and pong turn a half-open connection
//   into the same failure.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"cyclearb/constants"
	"cyclearb/control"
	"cyclearb/debug"
	"cyclearb/metrics"
	"cyclearb/parser"
	"cyclearb/types"
)

// ErrFeedDisconnected reports a lost subscription connection.
var ErrFeedDisconnected = errors.New("feed: disconnected")

// Request ids of the two subscriptions.
const (
	pendingSubID uint64 = 1
	logsSubID    uint64 = 2
)

// Handler receives decoded events on the feed goroutine. Implementations
// must not block for long; pending work is handed to the dispatcher.
type Handler interface {
	OnPending(tx types.PendingTx)
	OnReserve(u types.ReserveUpdate)
}

// Client is one live subscription connection.
type Client struct {
	conn    *websocket.Conn
	parser  *parser.Parser
	metrics *metrics.Metrics

	pingEvery   time.Duration
	readTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithKeepalive overrides the ping interval and the read timeout.
func WithKeepalive(ping, read time.Duration) Option {
	return func(c *Client) {
		if ping > 0 {
			c.pingEvery = ping
		}
		if read > 0 {
			c.readTimeout = read
		}
	}
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type logFilter struct {
	Topics [][]string `json:"topics"`
}

// Dial connects to url and sends both subscribe requests. p keeps its
// dedupe state across reconnects; its subscription bindings are reset.
// m may be nil.
func Dial(ctx context.Context, url string, p *parser.Parser, m *metrics.Metrics, opts ...Option) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: constants.WsHandshakeTimeout,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  4 << 10,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrFeedDisconnected, url, err)
	}
	conn.SetReadLimit(constants.MaxFrameSize)

	c := &Client{
		conn:        conn,
		parser:      p,
		metrics:     m,
		pingEvery:   constants.WsPingInterval,
		readTimeout: constants.WsReadTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	p.Reset()

	reqs := []subscribeRequest{
		{JSONRPC: "2.0", ID: pendingSubID, Method: "eth_subscribe", Params: []any{"newPendingTransactions", true}},
		{JSONRPC: "2.0", ID: logsSubID, Method: "eth_subscribe", Params: []any{"logs", logFilter{
			Topics: [][]string{{parser.SyncTopic.Hex()}},
		}}},
	}
	p.Expect(pendingSubID, parser.StreamPending)
	p.Expect(logsSubID, parser.StreamLogs)

	for _, r := range reqs {
		if err := c.write(r); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) write(req subscribeRequest) error {
	b, err := sonnet.Marshal(req)
	if err != nil {
		return fmt.Errorf("feed: encode %s: %w", req.Method, err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WsWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: write subscribe %d: %v", ErrFeedDisconnected, req.ID, err)
	}
	return nil
}

// Run reads frames until ctx ends or the connection fails. It returns
// ctx.Err() on cancellation and an ErrFeedDisconnected wrap otherwise.
func (c *Client) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx)

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			control.Fault(err.Error())
			return fmt.Errorf("%w: %v", ErrFeedDisconnected, err)
		}

		ev, err := c.parser.Parse(frame)
		if err != nil {
			c.count("malformed")
			debug.DropError("FEED", err)
			continue
		}

		switch ev.Kind {
		case parser.KindSubscribed:
			c.count("subscribed")
			if d := control.ClearFault(); d > 0 {
				debug.Log().Info().Str("component", "FEED").Dur("outage", d).Msg("feed restored")
			}
		case parser.KindPending:
			c.count("pending")
			control.SignalActivity()
			h.OnPending(ev.Pending)
		case parser.KindReserve:
			c.count("reserve")
			control.SignalActivity()
			h.OnReserve(ev.Reserve)
		default:
			c.count("ignored")
		}
	}
}

// pingLoop keeps the node answering. A failed ping is left to the reader,
// which hits its deadline when no pong comes back.
func (c *Client) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.pingEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(constants.WsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// LatestBlock is the highest Sync block seen so far.
func (c *Client) LatestBlock() uint64 { return c.parser.LatestBlock() }

// Close tears down the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) count(kind string) {
	if c.metrics != nil {
		c.metrics.FeedEvents.WithLabelValues(kind).Inc()
	}
}
