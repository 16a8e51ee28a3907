// Package gateway is the client side of the messaging bridge: a websocket
// event stream in, an HTTP command API out. The bridge owns the platform's
// native protocol; this package only speaks the bridge's JSON.
package gateway

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/bridgebot/internal/bus"
	"github.com/nextlevelbuilder/bridgebot/internal/config"
)

// Client maintains the event socket connection and delivers inbound events
// on Events(). It reconnects on disconnect with exponential backoff seeded
// at the heartbeat interval, capped, with jitter. While disconnected no
// events are delivered; any buffering is the bridge's responsibility.
type Client struct {
	wsURL     string
	token     string
	heartbeat time.Duration
	maxWait   time.Duration

	events  chan bus.InboundEvent
	selfID  atomic.Value // string
	lastSeq atomic.Uint64
}

// NewClient builds a gateway client from config.
func NewClient(cfg config.GatewayConfig) *Client {
	c := &Client{
		wsURL:     cfg.WebsocketURL,
		token:     cfg.Token,
		heartbeat: config.Duration(cfg.Heartbeat, 500*time.Millisecond),
		maxWait:   config.Duration(cfg.MaxReconnectWait, 30*time.Second),
		events:    make(chan bus.InboundEvent, 256),
	}
	c.selfID.Store("")
	return c
}

// Events is the inbound event stream. Closed when Run returns.
func (c *Client) Events() <-chan bus.InboundEvent { return c.events }

// SelfID returns the agent's own sender ID as reported by the bridge's
// hello frame, or "" before the first connection.
func (c *Client) SelfID() string { return c.selfID.Load().(string) }

// Run connects and pumps events until ctx is cancelled. Connection loss is
// not an error: Run reconnects forever with capped, jittered backoff.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	wait := c.heartbeat
	for {
		err := c.connectAndListen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("gateway connection lost", "error", err, "retry_in", wait)
		}

		// Jittered exponential backoff: ±25% around the current wait.
		jittered := wait/2 + time.Duration(rand.Int63n(int64(wait)))/2 + wait/4
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jittered):
		}
		wait *= 2
		if wait > c.maxWait {
			wait = c.maxWait
		}
	}
}

// connectAndListen dials the event socket and reads frames until the
// connection drops or ctx is cancelled. Returns nil only on ctx cancel.
func (c *Client) connectAndListen(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + c.token}},
	})
	cancel()
	if err != nil {
		return &Error{Kind: KindDisconnected, Err: err}
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	slog.Info("gateway connected", "url", c.wsURL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &Error{Kind: KindDisconnected, Err: err}
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		slog.Debug("gateway: dropping undecodable frame", "error", err)
		return
	}

	switch frame.Type {
	case "hello":
		c.selfID.Store(frame.SelfID)
		slog.Info("gateway hello", "self_id", frame.SelfID)
	case "heartbeat":
		if !frame.Online {
			slog.Warn("gateway heartbeat reports bridge offline")
		}
	case "message":
		ev, err := frame.toEvent(time.Now())
		if err != nil {
			slog.Debug("gateway: dropping malformed message frame", "error", err)
			return
		}
		c.noteSeq(ev.Seq)
		select {
		case c.events <- ev:
		case <-ctx.Done():
		}
	default:
		// Future frame types are ignored, not errors.
	}
}

// noteSeq tracks sequence continuity for gap detection. The stream is
// at-least-once: gaps are logged for the operator, duplicates are the
// dispatcher's job to suppress.
func (c *Client) noteSeq(seq uint64) {
	last := c.lastSeq.Load()
	if last != 0 && seq > last+1 {
		slog.Warn("gateway sequence gap", "from", last, "to", seq, "missing", seq-last-1)
	}
	if seq > last {
		c.lastSeq.Store(seq)
	}
}
