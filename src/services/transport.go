package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/rtp"
)

var (
	// ErrRetriesExhausted is returned when the provider could not be reached
	// within the attempt limit
	ErrRetriesExhausted = errors.New("ai provider retries exhausted")

	// ErrCallEnded is returned when a connection attempt is abandoned because
	// the call is no longer active
	ErrCallEnded = errors.New("call ended")

	errHandshakeTimeout = errors.New("timed out waiting for session setup acknowledgement")
)

// Defaults for TransportConfig
const (
	DefaultMaxAttempts      = 3
	DefaultRetryBackoff     = time.Second
	DefaultDrainInterval    = 25 * time.Millisecond
	DefaultDrainBatch       = 8
	DefaultHandshakeTimeout = 10 * time.Second
)

// Drain timeout bounds. Audio drains at 8000 μ-law bytes per second.
const (
	drainByteRate   = 8000
	drainMargin     = 500 * time.Millisecond
	minDrainTimeout = time.Second
	maxDrainTimeout = 6 * time.Second
)

// CallState is the part of the call session the Transport reads and updates
type CallState interface {
	rtp.Endpoint
	// AddOutstanding counts audio bytes admitted for playback. A negative n
	// releases bytes that have played out; the counter stays at or above zero.
	AddOutstanding(n int)
	// ResetOutstanding clears the turn's counter once playback settles
	ResetOutstanding()
	// Outstanding returns the turn's counter
	Outstanding() int
	// MarkAIClosed records that the provider connection is gone for good
	MarkAIClosed()
}

// TransportConfig holds configuration for a call's AI transport
type TransportConfig struct {
	CallID   string
	Provider Provider
	Call     CallState

	// Sender configures the call's RTP sender. Endpoint and OnFinished are
	// filled in by the Transport.
	Sender rtp.SenderConfig

	// Tap receives provider audio as μ-law, for recording
	Tap io.Writer

	MaxAttempts      int
	RetryBackoff     time.Duration
	DrainInterval    time.Duration
	DrainBatch       int
	HandshakeTimeout time.Duration

	// OnFatal is called when a dropped connection cannot be re-established
	OnFatal func(err error)
	// OnClosed is called once when the provider connection is gone for good
	OnClosed func()
}

// Transport relays one call's audio to and from an AI provider.
//
// Provider events are queued by a reader goroutine and handled on a fixed
// tick so bursts from the network do not stall on playback backpressure.
type Transport struct {
	config TransportConfig
	sender atomic.Pointer[rtp.Sender]

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   Conn

	ready   atomic.Bool
	closing atomic.Bool

	queueMu sync.Mutex
	queue   []Event

	closedOnce sync.Once
	closed     chan struct{}
	drainDone  chan struct{}

	log     *logger.Logger
	sendLog *logger.ThrottledLogger
}

// NewTransport creates a transport. Call Start to connect.
func NewTransport(config TransportConfig) *Transport {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = DefaultDrainInterval
	}
	if config.DrainBatch <= 0 {
		config.DrainBatch = DefaultDrainBatch
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}

	log := logger.WithPrefix("AITransport").WithFields(map[string]interface{}{
		"call_id":  config.CallID,
		"provider": config.Provider.Name(),
	})
	return &Transport{
		config:    config,
		closed:    make(chan struct{}),
		drainDone: make(chan struct{}),
		log:       log,
		sendLog:   log.Throttled(5 * time.Second),
	}
}

// Start builds the call's RTP sender, connects to the provider and waits for
// the session setup to be acknowledged.
func (t *Transport) Start(ctx context.Context) error {
	if t.closing.Load() {
		return ErrCallEnded
	}
	senderConfig := t.config.Sender
	senderConfig.CallID = t.config.CallID
	senderConfig.Endpoint = t.config.Call
	sender, err := rtp.NewSender(senderConfig)
	if err != nil {
		return fmt.Errorf("failed to create RTP sender: %w", err)
	}

	// Close may run concurrently; connMu orders it against publishing the
	// sender and cancel func
	t.connMu.Lock()
	t.sender.Store(sender)
	t.ctx, t.cancel = context.WithCancel(ctx)
	closing := t.closing.Load()
	t.connMu.Unlock()
	if closing {
		t.cancel()
		sender.EndStream()
		return ErrCallEnded
	}

	go t.drainLoop()

	if err := t.connect(); err != nil {
		return err
	}
	t.log.Info("✓ Connected to %s", t.config.Provider.Name())
	return nil
}

// Sender returns the call's RTP sender, or nil before Start
func (t *Transport) Sender() *rtp.Sender {
	return t.sender.Load()
}

// connect tries to open a configured connection, up to MaxAttempts times
func (t *Transport) connect() error {
	var lastErr error
	for attempt := 1; attempt <= t.config.MaxAttempts; attempt++ {
		if !t.config.Call.Active() || t.closing.Load() {
			return ErrCallEnded
		}

		conn, err := t.open()
		if err == nil {
			t.connMu.Lock()
			defer t.connMu.Unlock()
			if t.closing.Load() {
				conn.Close()
				return ErrCallEnded
			}
			t.conn = conn
			return nil
		}
		lastErr = err
		t.log.Warn("Connection attempt %d/%d failed: %v", attempt, t.config.MaxAttempts, err)

		if attempt == t.config.MaxAttempts {
			break
		}
		select {
		case <-time.After(t.config.RetryBackoff):
		case <-t.ctx.Done():
			return t.ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, t.config.MaxAttempts, lastErr)
}

// open dials, configures and starts a reader for one connection
func (t *Transport) open() (Conn, error) {
	conn, err := t.config.Provider.Dial(t.ctx)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if err := conn.Configure(t.ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure failed: %w", err)
	}

	readyCh := make(chan error, 1)
	go t.readLoop(conn, readyCh)

	select {
	case err := <-readyCh:
		if err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	case <-time.After(t.config.HandshakeTimeout):
		conn.Close()
		return nil, errHandshakeTimeout
	case <-t.ctx.Done():
		conn.Close()
		return nil, t.ctx.Err()
	}
}

// readLoop receives provider events until the connection fails. Until the
// setup is acknowledged, failures are reported on readyCh instead.
func (t *Transport) readLoop(conn Conn, readyCh chan<- error) {
	acknowledged := false
	for {
		events, err := conn.Receive()
		if err != nil {
			if !acknowledged {
				readyCh <- err
				return
			}
			t.handleDisconnect(conn, err)
			return
		}

		for _, ev := range events {
			if ev.Kind == EventReady {
				if !acknowledged {
					acknowledged = true
					t.ready.Store(true)
					readyCh <- nil
				}
				continue
			}
			t.queueMu.Lock()
			t.queue = append(t.queue, ev)
			t.queueMu.Unlock()
		}
	}
}

func (t *Transport) handleDisconnect(conn Conn, err error) {
	t.ready.Store(false)
	t.connMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connMu.Unlock()

	switch {
	case t.closing.Load():
		t.log.Debug("Connection closed locally")
		t.markClosed()
	case errors.Is(err, ErrRemoteClosed):
		t.log.Info("Provider closed the connection")
		t.markClosed()
	case !t.config.Call.Active():
		t.markClosed()
	default:
		t.log.Warn("Connection lost: %v, reconnecting", err)
		if rerr := t.connect(); rerr != nil {
			t.log.Error("❌ Reconnect failed: %v", rerr)
			t.markClosed()
			if t.config.OnFatal != nil && !t.closing.Load() && !errors.Is(rerr, ErrCallEnded) {
				t.config.OnFatal(rerr)
			}
			return
		}
		t.log.Info("✓ Reconnected to %s", t.config.Provider.Name())
	}
}

// markClosed records that the provider side of the call is gone
func (t *Transport) markClosed() {
	t.closedOnce.Do(func() {
		t.config.Call.MarkAIClosed()
		close(t.closed)
		if t.config.OnClosed != nil {
			t.config.OnClosed()
		}
	})
}

// Closed returns a channel closed once the provider connection is gone for good
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}

func (t *Transport) drainLoop() {
	defer close(t.drainDone)

	ticker := time.NewTicker(t.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range t.nextBatch() {
				t.dispatch(ev)
			}
		}
	}
}

func (t *Transport) nextBatch() []Event {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()

	n := len(t.queue)
	if n == 0 {
		return nil
	}
	if n > t.config.DrainBatch {
		n = t.config.DrainBatch
	}
	batch := make([]Event, n)
	copy(batch, t.queue[:n])
	t.queue = t.queue[n:]
	return batch
}

func (t *Transport) dispatch(ev Event) {
	sender := t.sender.Load()
	switch ev.Kind {
	case EventAudio:
		if t.config.Tap != nil {
			if _, err := t.config.Tap.Write(ev.Audio); err != nil {
				t.sendLog.Warn("Recording tap write failed: %v", err)
			}
		}
		if sender.SubmitAudio(ev.Audio) {
			t.config.Call.AddOutstanding(len(ev.Audio))
		}

	case EventInterrupted:
		t.log.Info("🔇 Caller interrupted, stopping playback")
		sender.StopPlayback()
		t.config.Call.ResetOutstanding()

	case EventTurnComplete:
		// Only this turn's bytes are released after the drain; audio of the
		// next response may be admitted while waiting
		turnBytes := t.config.Call.Outstanding()
		t.log.Debug("Turn complete (%d bytes outstanding)", turnBytes)
		sender.Flush()
		go func() {
			if err := t.WaitForPlayback(t.ctx); err != nil {
				t.log.Debug("Playback wait ended early: %v", err)
			}
			t.config.Call.AddOutstanding(-turnBytes)
		}()

	case EventTranscript:
		t.log.Info("💬 %s: %s", ev.Role, ev.Text)

	case EventError:
		t.log.Error("Provider error: %v", ev.Err)
	}
}

// Ready reports whether caller audio can be forwarded
func (t *Transport) Ready() bool {
	return t.ready.Load() && t.currentConn() != nil
}

// SendAudio forwards one chunk of caller μ-law audio. Audio is dropped while
// the connection is not ready.
func (t *Transport) SendAudio(mulaw []byte) {
	conn := t.currentConn()
	if conn == nil || !t.ready.Load() {
		return
	}
	if err := conn.SendAudio(mulaw); err != nil {
		t.sendLog.Warn("Failed to send audio: %v", err)
	}
}

func (t *Transport) currentConn() Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

// DrainTimeout returns how long to wait for outstanding audio to play out:
// its playback time plus a margin, between 1 and 6 seconds.
func DrainTimeout(outstandingBytes int) time.Duration {
	d := time.Duration(outstandingBytes)*time.Second/drainByteRate + drainMargin
	if d < minDrainTimeout {
		return minDrainTimeout
	}
	if d > maxDrainTimeout {
		return maxDrainTimeout
	}
	return d
}

// WaitForPlayback blocks until the sender has played everything it holds or
// the drain timeout for the turn's outstanding audio elapses.
func (t *Transport) WaitForPlayback(ctx context.Context) error {
	sender := t.sender.Load()
	if sender == nil {
		return nil
	}
	sender.Flush()
	timeout := DrainTimeout(t.config.Call.Outstanding())

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sender.Drained():
		return nil
	case <-timer.C:
		t.log.Warn("Playback did not drain within %v (%d bytes pending)", timeout, sender.Pending())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EndTurn waits for playback to drain, then tells the provider the caller's
// turn is over.
func (t *Transport) EndTurn(ctx context.Context) error {
	if err := t.WaitForPlayback(ctx); err != nil {
		return err
	}
	conn := t.currentConn()
	if conn == nil {
		return nil
	}
	if err := conn.EndTurn(); err != nil {
		return fmt.Errorf("failed to end turn: %w", err)
	}
	return nil
}

// Close closes the provider connection and stops event handling. The RTP
// sender is left to its owner. Safe to call multiple times.
func (t *Transport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.ready.Store(false)

	t.connMu.Lock()
	cancel := t.cancel
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn == nil {
		t.markClosed()
		return nil
	}
	// The reader observes the close and marks the transport closed
	if err := conn.Close(); err != nil {
		t.markClosed()
		return fmt.Errorf("failed to close provider connection: %w", err)
	}
	return nil
}
