package venues

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tidemill/weir/errs"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultMaxReconnect     = 20 * time.Second
	controlWriteTimeout     = 5 * time.Second
	wsReadLimit             = 2 * 1024 * 1024
)

// WSConfig wires a WSManager to one venue endpoint.
type WSConfig struct {
	URL                string
	HandshakeTimeoutMs int64
	ReconnectMaxMs     int64
	// SubscribeRatePerSec paces control writes; venues throttle subscribe
	// bursts hard.
	SubscribeRatePerSec float64
	SubscribeBurst      int
	// PingInterval sends a keepalive frame when positive. PingPayload is
	// venue specific; empty uses the websocket ping opcode.
	PingInterval time.Duration
	PingPayload  []byte
}

func (c *WSConfig) normalize() {
	if c.HandshakeTimeoutMs <= 0 {
		c.HandshakeTimeoutMs = int64(defaultHandshakeTimeout / time.Millisecond)
	}
	if c.ReconnectMaxMs <= 0 {
		c.ReconnectMaxMs = int64(defaultMaxReconnect / time.Millisecond)
	}
	if c.SubscribeRatePerSec <= 0 {
		c.SubscribeRatePerSec = 5
	}
	if c.SubscribeBurst <= 0 {
		c.SubscribeBurst = 10
	}
}

// WSHandlers are the venue callbacks a WSManager invokes. OnFrame runs on
// the read goroutine; implementations hand work to the dispatcher rather
// than publishing directly. EncodeSubscribe turns a batch of subscription
// keys into one or more wire messages.
type WSHandlers struct {
	OnFrame         func(data []byte)
	OnUp            func()
	OnDown          func(err error)
	EncodeSubscribe func(keys []string) ([][]byte, error)
}

// WSManager owns one reconnecting WebSocket. It remembers the desired
// subscription set and reissues it exactly once per (re)connect.
type WSManager struct {
	cfg      WSConfig
	log      zerolog.Logger
	handlers WSHandlers
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn

	subsMu sync.Mutex
	subs   map[string]struct{}

	ready     chan struct{}
	readyOnce sync.Once
	stopped   sync.Once
}

// NewWSManager builds a manager; Start actually dials.
func NewWSManager(cfg WSConfig, handlers WSHandlers, log zerolog.Logger) *WSManager {
	cfg.normalize()
	return &WSManager{
		cfg:      cfg,
		log:      log,
		handlers: handlers,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SubscribeRatePerSec), cfg.SubscribeBurst),
		subs:     make(map[string]struct{}),
		ready:    make(chan struct{}),
	}
}

// Start launches the connect loop and blocks until the first connection is
// established or ctx expires.
func (m *WSManager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.ctx = runCtx
	m.cancel = cancel
	go m.connectLoop()

	handshake := time.Duration(m.cfg.HandshakeTimeoutMs) * time.Millisecond
	select {
	case <-m.ready:
		return nil
	case <-time.After(handshake):
		return errs.New("ws", errs.CodeTransport, errs.WithMessage("timeout waiting for websocket connection"))
	case <-runCtx.Done():
		return errs.New("ws", errs.CodeTransport, errs.WithMessage("websocket context done"), errs.WithCause(runCtx.Err()))
	}
}

// Stop closes the connection and ends the connect loop. Idempotent.
func (m *WSManager) Stop() {
	m.stopped.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.connMu.Lock()
		if m.conn != nil {
			_ = m.conn.Close(websocket.StatusNormalClosure, "shutdown")
			m.conn = nil
		}
		m.connMu.Unlock()
	})
}

// Subscribe registers keys in the desired set and sends the venue
// subscription messages for the ones not already active.
func (m *WSManager) Subscribe(ctx context.Context, keys []string) error {
	m.subsMu.Lock()
	fresh := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, exists := m.subs[key]; !exists {
			m.subs[key] = struct{}{}
			fresh = append(fresh, key)
		}
	}
	m.subsMu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	return m.sendSubscribe(ctx, fresh)
}

// ActiveSubscriptions snapshots the desired subscription keys.
func (m *WSManager) ActiveSubscriptions() []string {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	out := make([]string, 0, len(m.subs))
	for key := range m.subs {
		out = append(out, key)
	}
	return out
}

// Send writes one control frame, paced by the subscribe limiter.
func (m *WSManager) Send(ctx context.Context, data []byte) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return errs.New("ws", errs.CodeTransport, errs.WithMessage("rate wait cancelled"), errs.WithCause(err))
	}
	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return errs.New("ws", errs.CodeTransport, errs.WithMessage("not connected"))
	}
	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("ws", errs.CodeTransport, errs.WithMessage("control write failed"), errs.WithCause(err))
	}
	return nil
}

func (m *WSManager) sendSubscribe(ctx context.Context, keys []string) error {
	if m.handlers.EncodeSubscribe == nil {
		return nil
	}
	frames, err := m.handlers.EncodeSubscribe(keys)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := m.Send(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *WSManager) connectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = time.Duration(m.cfg.ReconnectMaxMs) * time.Millisecond

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(m.ctx, m.cfg.URL, nil)
		if err != nil {
			m.log.Warn().Err(err).Str("url", m.cfg.URL).Msg("websocket dial failed")
			if m.handlers.OnDown != nil {
				m.handlers.OnDown(err)
			}
			if !m.sleep(policy.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(wsReadLimit)

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()
		m.readyOnce.Do(func() { close(m.ready) })
		policy.Reset()

		if m.handlers.OnUp != nil {
			m.handlers.OnUp()
		}
		// Reissue the full desired set exactly once per connect.
		if keys := m.ActiveSubscriptions(); len(keys) > 0 {
			if err := m.sendSubscribe(m.ctx, keys); err != nil {
				m.log.Warn().Err(err).Msg("resubscribe after reconnect failed")
			}
		}

		readErr := m.pump(conn)

		m.connMu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if m.ctx.Err() != nil {
			return
		}
		if m.handlers.OnDown != nil {
			m.handlers.OnDown(readErr)
		}
		if !m.sleep(policy.NextBackOff()) {
			return
		}
	}
}

// pump reads frames until the connection fails, running the keepalive timer
// alongside.
func (m *WSManager) pump(conn *websocket.Conn) error {
	pumpCtx, cancel := context.WithCancel(m.ctx)
	defer cancel()

	if m.cfg.PingInterval > 0 {
		go func() {
			ticker := time.NewTicker(m.cfg.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-pumpCtx.Done():
					return
				case <-ticker.C:
					if err := m.keepalive(pumpCtx, conn); err != nil {
						cancel()
						return
					}
				}
			}
		}()
	}

	for {
		_, data, err := conn.Read(pumpCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if m.handlers.OnFrame != nil {
			m.handlers.OnFrame(data)
		}
	}
}

func (m *WSManager) keepalive(ctx context.Context, conn *websocket.Conn) error {
	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	if len(m.cfg.PingPayload) > 0 {
		return conn.Write(writeCtx, websocket.MessageText, m.cfg.PingPayload)
	}
	return conn.Ping(writeCtx)
}

func (m *WSManager) sleep(d time.Duration) bool {
	if d <= 0 || d == backoff.Stop {
		d = time.Duration(m.cfg.ReconnectMaxMs) * time.Millisecond
	}
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
