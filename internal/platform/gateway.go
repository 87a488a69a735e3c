package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/guildkit/welcomer/internal/lifecycle"
	"github.com/guildkit/welcomer/internal/safego"
	"github.com/guildkit/welcomer/internal/telemetry"
	"github.com/guildkit/welcomer/internal/template"
)

// Gateway opcodes used by the client.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// closeAuthenticationFailed is the gateway close code for a rejected token.
const closeAuthenticationFailed = 4004

const (
	eventReady             = "READY"
	eventGuildMemberAdd    = "GUILD_MEMBER_ADD"
	eventGuildMemberRemove = "GUILD_MEMBER_REMOVE"
)

const writeWait = 10 * time.Second

var (
	// ErrAuthenticationFailed is returned by Run when the gateway rejects the token. It is not retried.
	ErrAuthenticationFailed = errors.New("gateway authentication failed")

	errReconnectRequested = errors.New("gateway requested reconnect")
	errInvalidSession     = errors.New("gateway invalidated session")
	errHeartbeatTimeout   = errors.New("gateway heartbeat not acknowledged")
)

// EventHandler receives member lifecycle events. lifecycle.Orchestrator implements it.
type EventHandler interface {
	HandleMemberAdd(ctx context.Context, ev lifecycle.MemberEvent) error
	HandleMemberRemove(ctx context.Context, ev lifecycle.MemberEvent) error
}

type inbound struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
}

type outbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type apiUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar"`
	Bot           bool    `json:"bot"`
}

type memberEventData struct {
	GuildID string  `json:"guild_id"`
	User    apiUser `json:"user"`
}

func (d memberEventData) toEvent() lifecycle.MemberEvent {
	u := template.User{
		ID:            d.User.ID,
		Name:          d.User.Username,
		Discriminator: d.User.Discriminator,
		Bot:           d.User.Bot,
	}
	if d.User.Avatar != nil {
		u.Avatar = *d.User.Avatar
	}
	return lifecycle.MemberEvent{GuildID: d.GuildID, User: u}
}

// Gateway maintains a gateway connection and forwards member join and leave dispatches
// to its handler. Every other dispatch is ignored.
type Gateway struct {
	url     string
	token   string
	intents int
	handler EventHandler
	dialer  *websocket.Dialer

	newBackOff func() backoff.BackOff

	writeMu sync.Mutex
	seq     atomic.Int64
}

// NewGateway creates a gateway client; call Run to connect.
func NewGateway(url, token string, intents int, handler EventHandler) *Gateway {
	return &Gateway{
		url:     url,
		token:   token,
		intents: intents,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run connects and processes events until ctx is cancelled, reconnecting with exponential
// backoff when the connection drops. It returns nil on cancellation.
func (g *Gateway) Run(ctx context.Context) error {
	b := g.newBackOff()
	op := func() error {
		err := g.session(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, ErrAuthenticationFailed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		telemetry.GatewayReconnectsTotal.Inc()
		slog.Warn("gateway connection lost, reconnecting", "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection from dial to disconnect. It always returns a non-nil error.
func (g *Gateway) session(ctx context.Context, b backoff.BackOff) error {
	// every session identifies afresh, so the previous session's sequence no longer applies
	g.seq.Store(0)
	conn, _, err := g.dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()
	connID := uuid.NewString()
	slog.Debug("gateway connected", "conn_id", connID)

	stop := context.AfterFunc(ctx, func() {
		g.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		g.writeMu.Unlock()
		_ = conn.Close()
	})
	defer stop()

	var hello inbound
	if err := conn.ReadJSON(&hello); err != nil {
		return classifyReadError(err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid hello payload: %s", hello.D)
	}

	if err := g.send(conn, opIdentify, identifyData{
		Token:   g.token,
		Intents: g.intents,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "welcomer",
			Device:  "welcomer",
		},
	}); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	var acked, timedOut atomic.Bool
	acked.Store(true)
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	safego.Go("gateway-heartbeat", func() {
		g.heartbeat(hbCtx, conn, time.Duration(hd.HeartbeatInterval)*time.Millisecond, &acked, &timedOut)
	})

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if timedOut.Load() {
				return errHeartbeatTimeout
			}
			return classifyReadError(err)
		}
		if msg.S != nil {
			g.seq.Store(*msg.S)
		}

		switch msg.Op {
		case opDispatch:
			if msg.T == eventReady {
				b.Reset()
				slog.Info("gateway session ready", "conn_id", connID)
			}
			g.dispatch(ctx, msg.T, msg.D)
		case opHeartbeat:
			if err := g.send(conn, opHeartbeat, g.lastSeq()); err != nil {
				return err
			}
		case opHeartbeatACK:
			acked.Store(true)
		case opReconnect:
			return errReconnectRequested
		case opInvalidSession:
			return errInvalidSession
		}
	}
}

// heartbeat sends a heartbeat every interval, the first one after a random fraction of it.
// If the previous beat was never acknowledged the connection is closed so session reconnects.
func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration, acked, timedOut *atomic.Bool) {
	timer := time.NewTimer(time.Duration(rand.Int64N(int64(interval))))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !acked.Swap(false) {
			slog.Warn("gateway heartbeat not acknowledged, closing connection")
			timedOut.Store(true)
			_ = conn.Close()
			return
		}
		if err := g.send(conn, opHeartbeat, g.lastSeq()); err != nil {
			return
		}
		timer.Reset(interval)
	}
}

func (g *Gateway) lastSeq() any {
	if s := g.seq.Load(); s > 0 {
		return s
	}
	return nil
}

func (g *Gateway) send(conn *websocket.Conn, op int, d any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(outbound{Op: op, D: d})
}

// dispatch hands member events to the handler on their own goroutine so a slow
// platform call never stalls the read loop.
func (g *Gateway) dispatch(ctx context.Context, eventType string, raw json.RawMessage) {
	var handle func(context.Context, lifecycle.MemberEvent) error
	switch eventType {
	case eventGuildMemberAdd:
		handle = g.handler.HandleMemberAdd
	case eventGuildMemberRemove:
		handle = g.handler.HandleMemberRemove
	default:
		return
	}
	telemetry.GatewayEventsTotal.WithLabelValues(eventType).Inc()

	var d memberEventData
	if err := json.Unmarshal(raw, &d); err != nil {
		slog.Warn("discarding malformed gateway event", "type", eventType, "error", err)
		return
	}
	ev := d.toEvent()
	safego.Go("gateway-dispatch", func() {
		if err := handle(ctx, ev); err != nil {
			slog.Debug("gateway event handled with errors", "type", eventType, "guild_id", ev.GuildID, "error", err)
		}
	})
}

func classifyReadError(err error) error {
	if websocket.IsCloseError(err, closeAuthenticationFailed) {
		return ErrAuthenticationFailed
	}
	return fmt.Errorf("read gateway: %w", err)
}
