package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/recording"
	"github.com/square-key-labs/strawgo-bridge/src/rtp"
	"github.com/square-key-labs/strawgo-bridge/src/services"
)

// ErrMediaUnmapped is returned when Asterisk never reports the RTP address of
// a call's external media channel
var ErrMediaUnmapped = errors.New("external media address not available")

const (
	defaultMappingAttempts  = 10
	defaultMappingInterval  = 200 * time.Millisecond
	defaultCloseTimeout     = time.Second
	defaultEndTurnTimeout   = 6 * time.Second
	defaultSetupWait        = 2 * time.Second
	defaultTelephonyTimeout = 5 * time.Second
)

// ManagerConfig holds configuration for the session manager
type ManagerConfig struct {
	Ports     *rtp.PortAllocator
	Telephony Telephony
	Provider  services.Provider

	BindHost      string // Interface the RTP receiver binds
	AdvertiseHost string // Address given to Asterisk for the external media channel

	BufferCapacity    int
	SilencePadding    time.Duration
	CallDurationLimit time.Duration // Zero disables the limit
	RecordingDir      string        // Empty disables recording

	MediaMappingAttempts int
	MediaMappingInterval time.Duration

	// Transport tunes the per-call AI transport. CallID, Provider, Call,
	// Sender, Tap and the callbacks are set by the Manager.
	Transport services.TransportConfig

	AICloseTimeout   time.Duration // Wait for the AI connection to close
	SocketTimeout    time.Duration // Wait for the RTP read loop to exit
	EndTurnTimeout   time.Duration // Playback drain allowed when the duration limit fires
	TelephonyTimeout time.Duration // Per-request bound for teardown requests
	SetupWaitTimeout time.Duration // Wait for an in-flight setup before teardown

	NewID func() string // Bridge and media channel ids
}

// Manager creates call sessions and is the only component that ends them
type Manager struct {
	config  ManagerConfig
	table   *Table
	tickets singleflight.Group
	log     *logger.Logger
}

// NewManager creates a session manager
func NewManager(config ManagerConfig) *Manager {
	if config.AdvertiseHost == "" {
		config.AdvertiseHost = config.BindHost
	}
	if config.MediaMappingAttempts <= 0 {
		config.MediaMappingAttempts = defaultMappingAttempts
	}
	if config.MediaMappingInterval <= 0 {
		config.MediaMappingInterval = defaultMappingInterval
	}
	if config.AICloseTimeout <= 0 {
		config.AICloseTimeout = defaultCloseTimeout
	}
	if config.SocketTimeout <= 0 {
		config.SocketTimeout = defaultCloseTimeout
	}
	if config.EndTurnTimeout <= 0 {
		config.EndTurnTimeout = defaultEndTurnTimeout
	}
	if config.SetupWaitTimeout <= 0 {
		config.SetupWaitTimeout = defaultSetupWait
	}
	if config.TelephonyTimeout <= 0 {
		config.TelephonyTimeout = defaultTelephonyTimeout
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	return &Manager{
		config: config,
		table:  NewTable(),
		log:    logger.WithPrefix("SessionManager"),
	}
}

// Sessions returns the live session table
func (m *Manager) Sessions() *Table {
	return m.table
}

// HandleCallStart sets up the media path for a new call: RTP port and
// receiver, bridge, external media channel, then the AI transport. Any
// failure tears the call down and is returned; other calls are unaffected.
func (m *Manager) HandleCallStart(ctx context.Context, call CallInfo) error {
	log := m.log.WithField("call_id", call.ID)
	if call.Internal {
		log.Debug("Ignoring internal channel %s", call.ChannelName)
		return nil
	}
	if _, exists := m.table.Get(call.ID); exists {
		log.Warn("Call already has a session, ignoring duplicate start")
		return nil
	}

	port, err := m.config.Ports.Acquire()
	if err != nil {
		log.Error("❌ No RTP port for call: %v", err)
		m.hangupUnmanaged(call.ID)
		return fmt.Errorf("failed to allocate RTP port: %w", err)
	}

	s := newSession(call.ID, call.ChannelName, port)
	setupCtx, cancelSetup := context.WithCancel(ctx)
	s.cancelSetup = cancelSetup
	if m.config.RecordingDir != "" {
		rec, err := recording.New(m.config.RecordingDir, call.ID)
		if err != nil {
			log.Warn("Recording disabled for call: %v", err)
		} else {
			s.recorder = rec
		}
	}

	receiverConfig := rtp.ReceiverConfig{
		CallID:   call.ID,
		BindHost: m.config.BindHost,
		Port:     port,
		Endpoint: s,
	}
	if s.recorder != nil {
		receiverConfig.Tap = s.recorder.Caller()
	}
	receiver := rtp.NewReceiver(receiverConfig)
	if err := receiver.Start(); err != nil {
		log.Error("RTP receiver failed to start, media will be silent: %v", err)
	}
	s.receiver = receiver

	if err := m.table.Create(s); err != nil {
		cancelSetup()
		receiver.Close(m.config.SocketTimeout)
		m.config.Ports.Release(port)
		if s.recorder != nil {
			s.recorder.Close()
		}
		return err
	}
	log.Info("📞 Call started on %s (RTP port %d)", call.ChannelName, port)

	if err := m.setup(setupCtx, s); err != nil {
		if !s.Active() {
			log.Info("Call ended during setup: %v", err)
		} else {
			log.Error("❌ Call setup failed: %v", err)
		}
		m.Cleanup(context.Background(), call.ID)
		return err
	}
	return nil
}

// setup builds the telephony side and the AI transport. Teardown may run at
// any point meanwhile; every resource is handed to the session through adopt,
// and one that arrives after teardown collected the session is released here.
func (m *Manager) setup(ctx context.Context, s *Session) error {
	defer close(s.setupDone)
	tel := m.config.Telephony
	log := m.log.WithField("call_id", s.ID)

	if err := tel.Answer(ctx, s.ID); err != nil {
		return fmt.Errorf("failed to answer channel: %w", err)
	}

	bridgeID := m.config.NewID()
	if err := tel.CreateBridge(ctx, bridgeID); err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	if !s.adopt(func() { s.bridgeID = bridgeID }) {
		m.step(log, "destroy abandoned bridge", func() error {
			return m.telephonyCall(func(ctx context.Context) error {
				return tel.DestroyBridge(ctx, bridgeID)
			})
		})
		return services.ErrCallEnded
	}

	if err := tel.AddToBridge(ctx, bridgeID, s.ID); err != nil {
		return fmt.Errorf("failed to add caller to bridge: %w", err)
	}

	mediaID := m.config.NewID()
	if err := tel.CreateExternalMedia(ctx, mediaID, m.config.AdvertiseHost, s.Port); err != nil {
		return fmt.Errorf("failed to create external media channel: %w", err)
	}
	if !s.adopt(func() { s.mediaChannelID = mediaID }) {
		m.step(log, "hang up abandoned media channel", func() error {
			return m.telephonyCall(func(ctx context.Context) error {
				return tel.Hangup(ctx, mediaID)
			})
		})
		return services.ErrCallEnded
	}

	if err := tel.AddToBridge(ctx, bridgeID, mediaID); err != nil {
		return fmt.Errorf("failed to add media channel to bridge: %w", err)
	}

	addr, err := m.waitForMediaAddress(ctx, mediaID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.fallbackAddr = addr
	s.mu.Unlock()

	transport := m.newTransport(s, addr)
	if !s.adopt(func() { s.transport = transport }) {
		return services.ErrCallEnded
	}

	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start AI transport: %w", err)
	}
	s.receiver.SetSink(transport)

	if limit := m.config.CallDurationLimit; limit > 0 {
		timer := time.AfterFunc(limit, func() { m.expire(s.ID) })
		if !s.adopt(func() { s.durationTimer = timer }) {
			timer.Stop()
			return services.ErrCallEnded
		}
	}

	log.Info("✓ Media path ready (asterisk RTP at %s)", addr)
	return nil
}

func (m *Manager) newTransport(s *Session, addr *net.UDPAddr) *services.Transport {
	config := m.config.Transport
	config.CallID = s.ID
	config.Provider = m.config.Provider
	config.Call = s
	config.Sender = rtp.SenderConfig{
		BindHost:       m.config.BindHost,
		InitialAddr:    addr,
		BufferCapacity: m.config.BufferCapacity,
		SilencePadding: m.config.SilencePadding,
	}
	if s.recorder != nil {
		config.Tap = s.recorder.AI()
	}
	config.OnFatal = func(err error) {
		m.log.WithField("call_id", s.ID).Error("AI connection lost for good: %v", err)
		go m.Cleanup(context.Background(), s.ID)
	}
	return services.NewTransport(config)
}

// waitForMediaAddress polls until Asterisk reports where it sends RTP from
func (m *Manager) waitForMediaAddress(ctx context.Context, mediaID string) (*net.UDPAddr, error) {
	var lastErr error
	for attempt := 1; attempt <= m.config.MediaMappingAttempts; attempt++ {
		addr, err := m.config.Telephony.MediaAddress(ctx, mediaID)
		if err == nil && addr != nil {
			return addr, nil
		}
		lastErr = err

		if attempt == m.config.MediaMappingAttempts {
			break
		}
		select {
		case <-time.After(m.config.MediaMappingInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrMediaUnmapped, m.config.MediaMappingAttempts, lastErr)
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrMediaUnmapped, m.config.MediaMappingAttempts)
}

// expire ends a call that reached the duration limit, letting the current
// response finish playing first
func (m *Manager) expire(id string) {
	s, ok := m.table.Get(id)
	if !ok {
		return
	}
	m.log.WithField("call_id", id).Info("⏱️  Call duration limit reached")

	if transport := s.Transport(); transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.EndTurnTimeout)
		if err := transport.EndTurn(ctx); err != nil {
			m.log.WithField("call_id", id).Debug("End turn before hangup: %v", err)
		}
		cancel()
	}
	m.Cleanup(context.Background(), id)
}

// HandleCallEnd tears down the call's session, if it has one
func (m *Manager) HandleCallEnd(ctx context.Context, callID string) error {
	return m.Cleanup(ctx, callID)
}

// Cleanup tears a call down. Concurrent calls for the same id share one
// teardown and all return when it has finished. Calling it for an unknown or
// already removed call is a no-op.
func (m *Manager) Cleanup(ctx context.Context, callID string) error {
	_, err, _ := m.tickets.Do(callID, func() (interface{}, error) {
		s, ok := m.table.Get(callID)
		if !ok {
			return nil, nil
		}
		m.teardown(s)
		return nil, nil
	})
	return err
}

func (m *Manager) teardown(s *Session) {
	log := m.log.WithField("call_id", s.ID)
	log.Info("🧹 Cleaning up call")
	start := time.Now()

	s.active.Store(false)
	if s.cancelSetup != nil {
		s.cancelSetup()
	}
	select {
	case <-s.setupDone:
	case <-time.After(m.config.SetupWaitTimeout):
		log.Warn("Setup still running after %v, tearing down without it", m.config.SetupWaitTimeout)
	}

	s.mu.Lock()
	s.released = true
	timer := s.durationTimer
	transport := s.transport
	receiver := s.receiver
	recorder := s.recorder
	bridgeID := s.bridgeID
	mediaID := s.mediaChannelID
	s.mu.Unlock()

	m.step(log, "cancel duration timer", func() error {
		if timer != nil {
			timer.Stop()
		}
		return nil
	})

	m.step(log, "close AI transport", func() error {
		if transport == nil {
			s.MarkAIClosed()
			return nil
		}
		if s.IsAIClosed() {
			return nil
		}
		return m.closeTransport(s, transport)
	})

	m.step(log, "end RTP stream", func() error {
		if transport == nil || transport.Sender() == nil {
			return nil
		}
		return transport.Sender().EndStream()
	})

	m.step(log, "close RTP receiver", func() error {
		if receiver == nil {
			return nil
		}
		return receiver.Close(m.config.SocketTimeout)
	})

	m.step(log, "hang up media channel", func() error {
		if mediaID == "" {
			return nil
		}
		return m.telephonyCall(func(ctx context.Context) error {
			return m.config.Telephony.Hangup(ctx, mediaID)
		})
	})

	m.step(log, "hang up caller", func() error {
		return m.telephonyCall(func(ctx context.Context) error {
			return m.config.Telephony.Hangup(ctx, s.ID)
		})
	})

	m.step(log, "destroy bridge", func() error {
		if bridgeID == "" {
			return nil
		}
		return m.telephonyCall(func(ctx context.Context) error {
			return m.config.Telephony.DestroyBridge(ctx, bridgeID)
		})
	})

	m.step(log, "close recording", func() error {
		if recorder == nil {
			return nil
		}
		return recorder.Close()
	})

	m.step(log, "release RTP port", func() error {
		m.config.Ports.Release(s.Port)
		return nil
	})

	m.table.Remove(s.ID)
	log.Info("✓ Call cleaned up in %v", time.Since(start).Round(time.Millisecond))
}

// closeTransport closes the AI connection under its own ticket and waits a
// bounded time for the close to be acknowledged
func (m *Manager) closeTransport(s *Session, transport *services.Transport) error {
	_, err, _ := m.tickets.Do(s.ID+"/transport", func() (interface{}, error) {
		if err := transport.Close(); err != nil {
			return nil, err
		}
		select {
		case <-s.AIClosed():
			return nil, nil
		case <-time.After(m.config.AICloseTimeout):
			return nil, fmt.Errorf("AI connection did not close within %v", m.config.AICloseTimeout)
		}
	})
	return err
}

func (m *Manager) telephonyCall(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.TelephonyTimeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, ErrGone) {
		return nil
	}
	return err
}

// step runs one teardown step. Errors and panics are logged and never stop
// the remaining steps.
func (m *Manager) step(log *logger.Logger, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Cleanup step %q panicked: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		log.Warn("Cleanup step %q failed: %v", name, err)
		return
	}
	log.Debug("Cleanup step %q done", name)
}

// hangupUnmanaged rejects a call that never got a session
func (m *Manager) hangupUnmanaged(channelID string) {
	err := m.telephonyCall(func(ctx context.Context) error {
		return m.config.Telephony.Hangup(ctx, channelID)
	})
	if err != nil {
		m.log.WithField("call_id", channelID).Warn("Failed to hang up rejected call: %v", err)
	}
}

// Shutdown tears down every live call concurrently
func (m *Manager) Shutdown(ctx context.Context) error {
	ids := m.table.IDs()
	if len(ids) == 0 {
		return nil
	}
	m.log.Info("Shutting down %d active calls", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Cleanup(gctx, id)
		})
	}
	return g.Wait()
}
