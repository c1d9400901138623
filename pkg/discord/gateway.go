package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ticketbridge/internal/errors"
	"ticketbridge/internal/retry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

const defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway opcodes
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Close codes after which reconnecting cannot help.
var fatalCloseCodes = map[websocket.StatusCode]string{
	4004: "authentication failed",
	4010: "invalid shard",
	4011: "sharding required",
	4012: "invalid API version",
	4013: "invalid intents",
	4014: "disallowed intents",
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type outboundPayload struct {
	Op int         `json:"op"`
	D  interface{} `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Properties map[string]string `json:"properties"`
}

type readyData struct {
	User      User   `json:"user"`
	SessionID string `json:"session_id"`
}

// EventHandler receives gateway dispatches. Each event runs on its own
// goroutine so a slow handler cannot stall heartbeats.
type EventHandler interface {
	OnMessageCreate(ctx context.Context, msg *Message)
	OnInteractionCreate(ctx context.Context, interaction *Interaction)
}

// GatewayOptions configures a Gateway
type GatewayOptions struct {
	URL          string
	Token        string
	Intents      int
	Logger       *logrus.Logger
	MaxReconnect time.Duration
}

// Gateway keeps a websocket session with Discord open and forwards
// message and interaction events.
type Gateway struct {
	url     string
	token   string
	intents int
	handler EventHandler
	logger  *logrus.Logger
	backoff *retry.Backoff

	seq      atomic.Int64
	acked    atomic.Bool
	botID    atomic.Value
	writeMu  sync.Mutex
	inflight sync.WaitGroup
}

func NewGateway(opts GatewayOptions, handler EventHandler) *Gateway {
	if opts.URL == "" {
		opts.URL = defaultGatewayURL
	}
	if opts.Intents == 0 {
		opts.Intents = IntentGuilds | IntentGuildMessages | IntentMessageContent
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = time.Minute
	}
	g := &Gateway{
		url:     opts.URL,
		token:   opts.Token,
		intents: opts.Intents,
		handler: handler,
		logger:  opts.Logger,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     opts.MaxReconnect,
			Multiplier:   2.0,
			MaxAttempts:  1,
			Jitter:       true,
		}),
	}
	g.botID.Store("")
	return g
}

// BotUserID returns the bot's user id once READY was received.
func (g *Gateway) BotUserID() string {
	return g.botID.Load().(string)
}

// Run connects and reconnects until ctx is cancelled or Discord rejects
// the session permanently.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.inflight.Wait()

	failures := 0
	for {
		ready, err := g.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.IsFatal(err) {
			return err
		}
		if ready {
			failures = 0
		}

		delay := g.backoff.GetNextDelay(failures)
		failures++
		g.logger.WithFields(logrus.Fields{
			"error": fmt.Sprint(err),
			"delay": delay.String(),
		}).Warn("Discord gateway disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection. It reports whether READY was reached.
func (g *Gateway) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, g.url, nil)
	if err != nil {
		return false, errors.NewTransientError("gateway dial", err)
	}
	conn.SetReadLimit(8 << 20)
	defer conn.CloseNow()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hello gatewayPayload
	if err := wsjson.Read(sessCtx, conn, &hello); err != nil {
		return false, g.closeError(err)
	}
	if hello.Op != opHello {
		return false, errors.NewMalformedError("gateway hello", fmt.Sprintf("unexpected opcode %d", hello.Op))
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		return false, errors.NewMalformedError("gateway hello", "missing heartbeat interval")
	}

	if err := g.write(sessCtx, conn, opIdentify, identifyData{
		Token:   g.token,
		Intents: g.intents,
		Properties: map[string]string{
			"os":      "linux",
			"browser": "ticketbridge",
			"device":  "ticketbridge",
		},
	}); err != nil {
		return false, g.closeError(err)
	}

	heartbeatErr := make(chan error, 1)
	g.acked.Store(true)
	go func() {
		heartbeatErr <- g.heartbeat(sessCtx, conn, time.Duration(hd.HeartbeatInterval)*time.Millisecond)
	}()

	ready := false
	for {
		var p gatewayPayload
		if err := wsjson.Read(sessCtx, conn, &p); err != nil {
			select {
			case hbErr := <-heartbeatErr:
				if hbErr != nil {
					return ready, hbErr
				}
			default:
			}
			return ready, g.closeError(err)
		}
		if p.S != nil {
			g.seq.Store(*p.S)
		}

		switch p.Op {
		case opDispatch:
			if p.T == "READY" {
				ready = true
				var rd readyData
				if err := json.Unmarshal(p.D, &rd); err == nil {
					g.botID.Store(rd.User.ID)
				}
				g.logger.WithField("bot", rd.User.Username).Info("Discord gateway ready")
				continue
			}
			g.dispatch(ctx, p)
		case opHeartbeat:
			if err := g.write(sessCtx, conn, opHeartbeat, g.lastSeq()); err != nil {
				return ready, g.closeError(err)
			}
		case opHeartbeatAck:
			g.acked.Store(true)
		case opReconnect, opInvalidSession:
			_ = conn.Close(websocket.StatusNormalClosure, "reconnect requested")
			return ready, errors.NewTransientError("gateway session", fmt.Errorf("server requested reconnect (op %d)", p.Op))
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !g.acked.Swap(false) {
				_ = conn.Close(websocket.StatusCode(4000), "heartbeat not acknowledged")
				return errors.NewTransientError("gateway heartbeat", fmt.Errorf("no heartbeat ack within %s", interval))
			}
			if err := g.write(ctx, conn, opHeartbeat, g.lastSeq()); err != nil {
				return errors.NewTransientError("gateway heartbeat", err)
			}
		}
	}
}

func (g *Gateway) lastSeq() interface{} {
	if s := g.seq.Load(); s > 0 {
		return s
	}
	return nil
}

func (g *Gateway) write(ctx context.Context, conn *websocket.Conn, op int, d interface{}) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return wsjson.Write(ctx, conn, outboundPayload{Op: op, D: d})
}

func (g *Gateway) dispatch(ctx context.Context, p gatewayPayload) {
	switch p.T {
	case "MESSAGE_CREATE":
		var msg Message
		if err := json.Unmarshal(p.D, &msg); err != nil {
			g.logger.WithError(err).Warn("Failed to decode MESSAGE_CREATE")
			return
		}
		g.inflight.Add(1)
		go func() {
			defer g.inflight.Done()
			g.handler.OnMessageCreate(ctx, &msg)
		}()
	case "INTERACTION_CREATE":
		var interaction Interaction
		if err := json.Unmarshal(p.D, &interaction); err != nil {
			g.logger.WithError(err).Warn("Failed to decode INTERACTION_CREATE")
			return
		}
		g.inflight.Add(1)
		go func() {
			defer g.inflight.Done()
			g.handler.OnInteractionCreate(ctx, &interaction)
		}()
	}
}

func (g *Gateway) closeError(err error) error {
	code := websocket.CloseStatus(err)
	if reason, ok := fatalCloseCodes[code]; ok {
		return errors.NewFatalError(fmt.Sprintf("discord gateway closed: %s", reason), err).
			WithContext("close_code", int(code))
	}
	return errors.Wrap(err, errors.ErrCodeGatewayClosed, "discord gateway connection lost").
		WithContext("close_code", int(code))
}
