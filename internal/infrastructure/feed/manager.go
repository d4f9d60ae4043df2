package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
	"autotrade/internal/infrastructure/apiclient"
)

var (
	ErrClosed           = errors.New("feed: manager closed")
	ErrDuplicateChannel = errors.New("feed: channel already subscribed")
)

// ApprovalSource issues the key that authorises stream subscriptions.
type ApprovalSource interface {
	ApprovalKey(ctx context.Context) (string, error)
}

type Config struct {
	URL           string
	PingInterval  time.Duration
	PongTimeout   time.Duration // read deadline; silence longer than this is a disconnect
	DialTimeout   time.Duration
	Retry         apiclient.RetryConfig
	SubscribeRate float64 // control messages per second
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.SubscribeRate <= 0 {
		c.SubscribeRate = 5
	}
}

type Option func(*Manager)

func WithApproval(src ApprovalSource) Option { return func(m *Manager) { m.approval = src } }

func WithDialer(d *websocket.Dialer) Option { return func(m *Manager) { m.dialer = d } }

func WithSleep(fn apiclient.SleepFunc) Option { return func(m *Manager) { m.sleep = fn } }

// WithOnReconnect is called after every successful reconnect.
func WithOnReconnect(fn func()) Option { return func(m *Manager) { m.onReconnect = fn } }

type subscription struct {
	key     ChannelKey
	handler Handler
}

// Manager owns one streaming connection. Subscriptions survive reconnects
// and are replayed in registration order.
type Manager struct {
	cfg         Config
	sink        port.EventSink
	approval    ApprovalSource
	dialer      *websocket.Dialer
	sleep       apiclient.SleepFunc
	pacer       *rate.Limiter
	onReconnect func()

	mu          sync.Mutex
	subs        []subscription
	index       map[ChannelKey]int
	conn        *websocket.Conn
	approvalKey string
	runCtx      context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool

	writeMu sync.Mutex
}

func NewManager(cfg Config, sink port.EventSink, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		sink:   sink,
		dialer: websocket.DefaultDialer,
		sleep:  apiclient.Sleep,
		pacer:  rate.NewLimiter(rate.Limit(cfg.SubscribeRate), 1),
		index:  make(map[ChannelKey]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect dials the stream, retrying per cfg.Retry, replays registered
// subscriptions and starts the receive loop. After a later disconnect the
// loop reconnects on its own until ctx is done or Close is called.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	conn, err := m.dialWithRetry(runCtx, m.cfg.Retry.MaxRetries)
	if err != nil {
		cancel()
		m.mu.Lock()
		m.cancel = nil
		close(m.done)
		m.mu.Unlock()
		return err
	}
	go m.run(runCtx, conn)
	return nil
}

// Subscribe registers h for key. If the connection is live the control
// message is sent right away, otherwise on the next (re)connect.
func (m *Manager) Subscribe(key ChannelKey, h Handler) error {
	if h == nil {
		h = PriceHandler
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.index[key]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, key)
	}
	m.index[key] = len(m.subs)
	m.subs = append(m.subs, subscription{key: key, handler: h})
	conn, approvalKey, ctx := m.conn, m.approvalKey, m.runCtx
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return m.sendSubscribe(ctx, conn, approvalKey, key)
}

// Keys returns the registered channel keys in registration order.
func (m *Manager) Keys() []ChannelKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]ChannelKey, len(m.subs))
	for i, s := range m.subs {
		keys[i] = s.key
	}
	return keys
}

// Close stops the receive loop and closes the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done, conn := m.cancel, m.done, m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (m *Manager) run(ctx context.Context, conn *websocket.Conn) {
	defer close(m.done)
	for {
		err := m.readLoop(ctx, conn)
		m.detach(conn)
		if ctx.Err() != nil || m.isClosed() {
			return
		}
		log.Warn().Err(err).Str("url", m.cfg.URL).Msg("stream disconnected, reconnecting")

		conn, err = m.dialWithRetry(ctx, -1)
		if err != nil {
			return
		}
		if m.onReconnect != nil {
			m.onReconnect()
		}
	}
}

// dialWithRetry connects with doubling backoff. maxRetries < 0 retries until
// ctx is done.
func (m *Manager) dialWithRetry(ctx context.Context, maxRetries int) (*websocket.Conn, error) {
	backoff := apiclient.NewBackoff(m.cfg.Retry)
	var lastErr error
	for attempt := 0; maxRetries < 0 || attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff.Next()
			log.Info().Str("url", m.cfg.URL).Int("attempt", attempt).Dur("delay", delay).Msg("retrying stream connection")
			if err := m.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		conn, err := m.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		log.Error().Err(err).Str("url", m.cfg.URL).Msg("stream dial failed")
	}
	return nil, fmt.Errorf("feed: connect after %d retries: %w", maxRetries, lastErr)
}

// dial opens one connection and replays every registered subscription on it.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	var approvalKey string
	if m.approval != nil {
		k, err := m.approval.ApprovalKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("approval key: %w", err)
		}
		approvalKey = k
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, _, err := m.dialer.DialContext(dctx, m.cfg.URL, nil)
	cancel()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	m.conn = conn
	m.approvalKey = approvalKey
	subs := append([]subscription(nil), m.subs...)
	m.mu.Unlock()

	log.Info().Str("url", m.cfg.URL).Int("subscriptions", len(subs)).Msg("stream connected")
	for _, s := range subs {
		if err := m.sendSubscribe(ctx, conn, approvalKey, s.key); err != nil {
			m.detach(conn)
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (m *Manager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) sendSubscribe(ctx context.Context, conn *websocket.Conn, approvalKey string, key ChannelKey) error {
	if err := m.pacer.Wait(ctx); err != nil {
		return err
	}
	b, err := encodeSubscribe(approvalKey, key)
	if err != nil {
		return err
	}
	if err := m.write(conn, b); err != nil {
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	log.Debug().Str("channel", key.Channel).Str("instrument", key.Instrument).Msg("subscription sent")
	return nil
}

func (m *Manager) write(conn *websocket.Conn, b []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	timeout := m.cfg.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		return nil
	})

	pingTicker := time.NewTicker(m.cfg.PingInterval)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
			m.dispatch(ctx, conn, b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, conn *websocket.Conn, b []byte) {
	if !isDataFrame(b) {
		m.handleControl(conn, b)
		return
	}
	records, err := decodeData(b, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("dropping stream frame")
		return
	}
	for _, rec := range records {
		m.mu.Lock()
		i, ok := m.index[rec.Key]
		var h Handler
		if ok {
			h = m.subs[i].handler
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		tick, ok := h(rec)
		if !ok {
			continue
		}
		if err := m.sink.Publish(ctx, model.MarketEvent{Tick: tick}); err != nil {
			log.Debug().Err(err).Str("instrument", tick.Instrument).Msg("market event not queued")
			return
		}
	}
}

func (m *Manager) handleControl(conn *websocket.Conn, b []byte) {
	var msg serverControl
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Warn().Err(err).Msg("unparseable control frame")
		return
	}
	switch {
	case msg.Header.TrID == pingPongTrID:
		if err := m.write(conn, b); err != nil {
			log.Warn().Err(err).Msg("pingpong echo failed")
		}
	case msg.Body.RtCd != "" && msg.Body.RtCd != "0":
		log.Warn().Str("channel", msg.Header.TrID).Str("instrument", msg.Header.TrKey).
			Str("code", msg.Body.MsgCd).Msg(msg.Body.Msg1)
	default:
		log.Debug().Str("channel", msg.Header.TrID).Str("instrument", msg.Header.TrKey).Msg(msg.Body.Msg1)
	}
}
